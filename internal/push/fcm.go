// Package push delivers call invitations to registered devices via
// Firebase Cloud Messaging.
package push

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// ErrUnregistered is returned when FCM reports that a device token is no
// longer valid and should be pruned.
var ErrUnregistered = errors.New("push token no longer registered")

// FCMClient sends data messages via Firebase Cloud Messaging.
type FCMClient struct {
	client *messaging.Client
}

// NewFCMClient initialises a Firebase app from the service-account JSON
// file at credentialsFile and returns a ready-to-use FCMClient.
// If credentialsFile is empty, the SDK falls back to
// GOOGLE_APPLICATION_CREDENTIALS or the default service account.
func NewFCMClient(ctx context.Context, credentialsFile string) (*FCMClient, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining messaging client: %w", err)
	}

	slog.Info("fcm client initialised")
	return &FCMClient{client: client}, nil
}

// Send delivers a data-only push message to the given registration token.
// An invitation is only useful while the call is still ringing, so the
// message carries a short TTL.
func (f *FCMClient) Send(ctx context.Context, token string, data map[string]string) error {
	ttl := 30 * time.Second
	msg := &messaging.Message{
		Token: token,
		Data:  data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
		},
	}

	id, err := f.client.Send(ctx, msg)
	if err != nil {
		if messaging.IsUnregistered(err) {
			return fmt.Errorf("%w: %v", ErrUnregistered, err)
		}
		return fmt.Errorf("fcm: send failed: %w", err)
	}

	slog.Debug("fcm message sent", "message_id", id)
	return nil
}
