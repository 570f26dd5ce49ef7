package database

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// DeviceToken is one registered push target for a user's device.
type DeviceToken struct {
	Token     string
	UserID    string
	GroupID   string
	Platform  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeviceTokenRepository manages push notification targets.
type DeviceTokenRepository interface {
	Upsert(ctx context.Context, t *DeviceToken) error
	ListByUsers(ctx context.Context, userIDs []string) ([]DeviceToken, error)
	Delete(ctx context.Context, userID, token string) error
	// DeleteByToken invalidates a token the push service reports as no
	// longer registered.
	DeleteByToken(ctx context.Context, token string) error
}

// deviceTokenRepo implements DeviceTokenRepository.
type deviceTokenRepo struct {
	db *DB
}

// NewDeviceTokenRepository creates a new DeviceTokenRepository.
func NewDeviceTokenRepository(db *DB) DeviceTokenRepository {
	return &deviceTokenRepo{db: db}
}

// Upsert inserts or refreshes a device token. Re-registering an existing
// token moves it to the new owner and bumps updated_at.
func (r *deviceTokenRepo) Upsert(ctx context.Context, t *DeviceToken) error {
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, r.db.rebind(
		`INSERT INTO device_tokens (token, user_id, group_id, platform, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(token) DO UPDATE SET
		   user_id = excluded.user_id,
		   group_id = excluded.group_id,
		   platform = excluded.platform,
		   updated_at = excluded.updated_at`),
		t.Token, t.UserID, t.GroupID, t.Platform, now, now,
	)
	if err != nil {
		return fmt.Errorf("upserting device token: %w", err)
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

// ListByUsers returns all device tokens registered by any of the users.
func (r *deviceTokenRepo) ListByUsers(ctx context.Context, userIDs []string) ([]DeviceToken, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(userIDs)), ", ")
	args := make([]any, len(userIDs))
	for i, id := range userIDs {
		args[i] = id
	}

	rows, err := r.db.QueryContext(ctx, r.db.rebind(
		`SELECT token, user_id, group_id, platform, created_at, updated_at
		 FROM device_tokens WHERE user_id IN (`+placeholders+`)
		 ORDER BY updated_at DESC`),
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("querying device tokens: %w", err)
	}
	defer rows.Close()

	var tokens []DeviceToken
	for rows.Next() {
		var t DeviceToken
		if err := rows.Scan(&t.Token, &t.UserID, &t.GroupID, &t.Platform,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning device token row: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// Delete removes a token owned by the user.
func (r *deviceTokenRepo) Delete(ctx context.Context, userID, token string) error {
	_, err := r.db.ExecContext(ctx, r.db.rebind(
		`DELETE FROM device_tokens WHERE user_id = ? AND token = ?`),
		userID, token)
	if err != nil {
		return fmt.Errorf("deleting device token: %w", err)
	}
	return nil
}

// DeleteByToken removes a token by its value regardless of owner.
func (r *deviceTokenRepo) DeleteByToken(ctx context.Context, token string) error {
	_, err := r.db.ExecContext(ctx, r.db.rebind(
		`DELETE FROM device_tokens WHERE token = ?`), token)
	if err != nil {
		return fmt.Errorf("deleting device token by value: %w", err)
	}
	return nil
}
