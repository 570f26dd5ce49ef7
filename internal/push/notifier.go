package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/famcall/famcall/internal/call"
	"github.com/famcall/famcall/internal/database"
)

// MessageSender delivers one push message to one device token.
// Implemented by FCMClient.
type MessageSender interface {
	Send(ctx context.Context, token string, data map[string]string) error
}

// TokenStore resolves users to their registered device tokens and prunes
// tokens the push service rejects.
type TokenStore interface {
	ListByUsers(ctx context.Context, userIDs []string) ([]database.DeviceToken, error)
	DeleteByToken(ctx context.Context, token string) error
}

// Notifier fans a call invitation out to every device registered by the
// invited members. It implements call.InviteNotifier.
type Notifier struct {
	sender MessageSender
	tokens TokenStore
	logger *slog.Logger
}

// NewNotifier creates a push Notifier.
func NewNotifier(sender MessageSender, tokens TokenStore, logger *slog.Logger) *Notifier {
	return &Notifier{
		sender: sender,
		tokens: tokens,
		logger: logger.With("subsystem", "push"),
	}
}

// CallInvited pushes an incoming_call message to each invitee device.
// Tokens FCM reports as unregistered are deleted. The caller is identified
// by member id; clients resolve the display name from their roster.
func (n *Notifier) CallInvited(ctx context.Context, c call.Call, invitees []call.Member) error {
	userIDs := make([]string, 0, len(invitees))
	for _, m := range invitees {
		if m.UserID != "" {
			userIDs = append(userIDs, m.UserID)
		}
	}

	tokens, err := n.tokens.ListByUsers(ctx, userIDs)
	if err != nil {
		return fmt.Errorf("listing device tokens: %w", err)
	}
	if len(tokens) == 0 {
		n.logger.Debug("no devices registered for invitees", "call_id", c.ID)
		return nil
	}

	data := map[string]string{
		"type":      "incoming_call",
		"call_id":   c.ID,
		"group_id":  c.GroupID,
		"kind":      string(c.Kind),
		"caller_id": c.InitiatorID,
	}

	var delivered, failed int
	for _, t := range tokens {
		err := n.sender.Send(ctx, t.Token, data)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrUnregistered):
			failed++
			if derr := n.tokens.DeleteByToken(ctx, t.Token); derr != nil {
				n.logger.Warn("pruning stale device token", "user_id", t.UserID, "error", derr)
			} else {
				n.logger.Info("pruned stale device token", "user_id", t.UserID, "platform", t.Platform)
			}
		default:
			failed++
			n.logger.Warn("push send failed", "user_id", t.UserID, "error", err)
		}
	}

	n.logger.Info("call invitations pushed",
		"call_id", c.ID,
		"devices", len(tokens),
		"delivered", delivered,
		"failed", failed,
	)

	if delivered == 0 && failed > 0 {
		return fmt.Errorf("all %d push sends failed", failed)
	}
	return nil
}
