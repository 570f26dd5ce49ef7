package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/famcall/famcall/internal/call"
)

// authContextKey is the context key type for authenticated identities.
type authContextKey string

const (
	memberAuthKey     authContextKey = "member_auth"
	recorderClaimsKey authContextKey = "recorder_claims"
)

// memberTokenTTL is the lifetime of a member JWT. The family backend
// refreshes tokens well before this as part of its session handling.
const memberTokenTTL = 24 * time.Hour

// recorderTokenTTL bounds how long a ghost recorder may call back after
// its session was started.
const recorderTokenTTL = 4 * time.Hour

// MemberClaims holds the JWT claims identifying a group member. Tokens
// are minted by the family backend with the shared secret; this service
// only verifies them.
type MemberClaims struct {
	UserID      string `json:"user_id"`
	MemberID    string `json:"member_id"`
	GroupID     string `json:"group_id"`
	Role        string `json:"role"`
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	jwt.RegisteredClaims
}

// RecorderClaims holds the JWT claims for a ghost recorder callback
// token. The token is scoped to a single call.
type RecorderClaims struct {
	CallID  string `json:"call_id"`
	GroupID string `json:"group_id"`
	jwt.RegisteredClaims
}

// GenerateMemberToken creates a signed member JWT. Used by the family
// backend integration and by tests.
func GenerateMemberToken(secret []byte, auth call.AuthContext) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(memberTokenTTL)

	claims := MemberClaims{
		UserID:      auth.UserID,
		MemberID:    auth.MemberID,
		GroupID:     auth.GroupID,
		Role:        string(auth.Role),
		DisplayName: auth.DisplayName,
		Email:       auth.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    "famcall",
			Subject:   auth.MemberID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, err
	}

	return signed, expiresAt, nil
}

// GenerateRecorderToken creates a signed callback token handed to the
// recorder farm when a capture session starts. It lets the ghost
// recorder fetch signals and upload its artifact for exactly one call.
func GenerateRecorderToken(secret []byte, groupID, callID string) (string, error) {
	now := time.Now()

	claims := RecorderClaims{
		CallID:  callID,
		GroupID: groupID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(recorderTokenTTL)),
			Issuer:    "famcall",
			Subject:   "recorder",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// RequireMemberAuth returns middleware that validates member JWT bearer
// tokens. On success it stores the caller's identity in the request
// context.
func RequireMemberAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := &MemberClaims{}
			if !parseBearer(w, r, secret, claims) {
				return
			}

			if claims.MemberID == "" || claims.GroupID == "" {
				writeJWTError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			auth := call.AuthContext{
				UserID:      claims.UserID,
				MemberID:    claims.MemberID,
				GroupID:     claims.GroupID,
				Role:        call.Role(claims.Role),
				DisplayName: claims.DisplayName,
				Email:       claims.Email,
			}
			ctx := context.WithValue(r.Context(), memberAuthKey, auth)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRecorderAuth returns middleware that validates recorder callback
// tokens. Handlers must still check that the claims match the call in the
// request path.
func RequireRecorderAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := &RecorderClaims{}
			if !parseBearer(w, r, secret, claims) {
				return
			}

			if claims.Subject != "recorder" || claims.CallID == "" {
				writeJWTError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			ctx := context.WithValue(r.Context(), recorderClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireCallPeerAuth returns middleware that admits either a group
// member or the ghost recorder. Recorder tokens are scoped to a single
// call; handlers must check the claims against the call in the request
// path before trusting them.
func RequireCallPeerAuth(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearerToken(w, r)
			if !ok {
				return
			}

			recClaims := &RecorderClaims{}
			if err := verifyToken(raw, secret, recClaims); err == nil &&
				recClaims.Subject == "recorder" && recClaims.CallID != "" {
				ctx := context.WithValue(r.Context(), recorderClaimsKey, recClaims)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			memClaims := &MemberClaims{}
			if err := verifyToken(raw, secret, memClaims); err != nil ||
				memClaims.MemberID == "" || memClaims.GroupID == "" {
				slog.Debug("auth: invalid jwt", "error", err)
				writeJWTError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			auth := call.AuthContext{
				UserID:      memClaims.UserID,
				MemberID:    memClaims.MemberID,
				GroupID:     memClaims.GroupID,
				Role:        call.Role(memClaims.Role),
				DisplayName: memClaims.DisplayName,
				Email:       memClaims.Email,
			}
			ctx := context.WithValue(r.Context(), memberAuthKey, auth)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// parseBearer extracts and verifies the bearer token into claims. On
// failure it writes the 401 response and returns false.
func parseBearer(w http.ResponseWriter, r *http.Request, secret []byte, claims jwt.Claims) bool {
	raw, ok := bearerToken(w, r)
	if !ok {
		return false
	}

	if err := verifyToken(raw, secret, claims); err != nil {
		slog.Debug("auth: invalid jwt", "error", err)
		writeJWTError(w, http.StatusUnauthorized, "invalid or expired token")
		return false
	}
	return true
}

// bearerToken extracts the raw bearer token from the Authorization
// header. On failure it writes the 401 response and returns false.
func bearerToken(w http.ResponseWriter, r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		writeJWTError(w, http.StatusUnauthorized, "authentication required")
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		writeJWTError(w, http.StatusUnauthorized, "invalid authorization header")
		return "", false
	}
	return parts[1], true
}

// verifyToken checks the signature and registered claims of a token.
func verifyToken(raw string, secret []byte, claims jwt.Claims) error {
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return err
	}
	if !token.Valid {
		return jwt.ErrTokenUnverifiable
	}
	return nil
}

// AuthFromContext retrieves the authenticated member identity from the
// request context. The zero value means the request was not member
// authenticated.
func AuthFromContext(ctx context.Context) call.AuthContext {
	auth, _ := ctx.Value(memberAuthKey).(call.AuthContext)
	return auth
}

// RecorderClaimsFromContext retrieves verified recorder callback claims
// from the request context. Returns nil if not set.
func RecorderClaimsFromContext(ctx context.Context) *RecorderClaims {
	claims, _ := ctx.Value(recorderClaimsKey).(*RecorderClaims)
	return claims
}

// errorEnvelope matches the api package's envelope format for error responses.
type errorEnvelope struct {
	Error string `json:"error,omitempty"`
}

// writeJWTError writes a JSON error matching the API envelope format.
func writeJWTError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: msg}) //nolint:errcheck
}
