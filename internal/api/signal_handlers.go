package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/famcall/famcall/internal/api/middleware"
	"github.com/famcall/famcall/internal/call"
	"github.com/famcall/famcall/internal/ice"
	"github.com/famcall/famcall/internal/signal"
)

// depositSignalRequest is the body of POST …/calls/{cid}/signal. Data is
// relayed opaquely; the orchestrator never parses SDP or candidates.
type depositSignalRequest struct {
	Type         string          `json:"type"`
	Data         json.RawMessage `json:"data"`
	TargetPeerID string          `json:"target_peer_id"`
}

// validateSignalRequest checks the deposit fields shared by member and
// recorder signaling.
func validateSignalRequest(req *depositSignalRequest) string {
	if errMsg := validateRequiredStringLen("type", req.Type, maxSignalTypeLen); errMsg != "" {
		return errMsg
	}
	return validateStringLen("target_peer_id", req.TargetPeerID, maxPeerIDLen)
}

// signalBatchResponse is the drain result for one peer.
type signalBatchResponse struct {
	Signals  []signal.Message `json:"signals"`
	Peers    []string         `json:"peers"`
	MyPeerID string           `json:"my_peer_id"`
}

func toSignalBatchResponse(b *call.SignalBatch) signalBatchResponse {
	return signalBatchResponse{
		Signals:  b.Signals,
		Peers:    b.Peers,
		MyPeerID: b.MyPeerID,
	}
}

// handleDepositSignal relays a signaling message from the caller to the
// other call peers, or to one target peer when target_peer_id is set.
func (s *Server) handleDepositSignal(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.memberAuth(w, r)
	if !ok {
		return
	}

	var req depositSignalRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateSignalRequest(&req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	err := s.coordinator.Deposit(r.Context(), auth, chi.URLParam(r, "cid"), req.Type, req.Data, req.TargetPeerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"delivered": true})
}

// handleDrainSignals returns and clears the caller's pending signaling
// messages along with the current peer roster.
func (s *Server) handleDrainSignals(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.memberAuth(w, r)
	if !ok {
		return
	}

	batch, err := s.coordinator.Drain(r.Context(), auth, chi.URLParam(r, "cid"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSignalBatchResponse(batch))
}

// callPeerAuth resolves the identity on the recorder-facing routes. A
// recorder callback token must match both the group and the call in the
// path; a member token must match the group.
func (s *Server) callPeerAuth(w http.ResponseWriter, r *http.Request) bool {
	gid := chi.URLParam(r, "gid")
	cid := chi.URLParam(r, "cid")

	if claims := middleware.RecorderClaimsFromContext(r.Context()); claims != nil {
		if claims.GroupID != gid || claims.CallID != cid {
			writeDomainError(w, call.ErrPermissionDenied)
			return false
		}
		return true
	}

	auth := middleware.AuthFromContext(r.Context())
	if auth.MemberID == "" || auth.GroupID != gid {
		writeDomainError(w, call.ErrNotMember)
		return false
	}
	return true
}

// handleRecorderDrain returns and clears the ghost recorder's mailbox.
func (s *Server) handleRecorderDrain(w http.ResponseWriter, r *http.Request) {
	if !s.callPeerAuth(w, r) {
		return
	}

	batch, err := s.coordinator.RecorderSignals(r.Context(), chi.URLParam(r, "gid"), chi.URLParam(r, "cid"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSignalBatchResponse(batch))
}

// handleRecorderDeposit relays a signaling message from the ghost
// recorder to the call peers.
func (s *Server) handleRecorderDeposit(w http.ResponseWriter, r *http.Request) {
	if !s.callPeerAuth(w, r) {
		return
	}

	var req depositSignalRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := validateSignalRequest(&req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	err := s.coordinator.SendRecorderSignal(r.Context(), chi.URLParam(r, "gid"), chi.URLParam(r, "cid"),
		req.Type, req.Data, req.TargetPeerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"delivered": true})
}

// iceServersResponse is the shape returned by GET …/ice-servers.
type iceServersResponse struct {
	ICEServers []ice.Server `json:"ice_servers"`
}

// handleICEServers returns the STUN/TURN list for the caller's peer
// connection.
func (s *Server) handleICEServers(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.memberAuth(w, r); !ok {
		return
	}

	writeJSON(w, http.StatusOK, iceServersResponse{ICEServers: s.ice.Servers()})
}
