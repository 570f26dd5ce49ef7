package recording

import (
	"context"
	"log/slog"
	"time"

	"github.com/famcall/famcall/internal/call"
)

// Expirer is the single store operation retention needs. call.Store
// satisfies it.
type Expirer interface {
	ExpireRecordings(ctx context.Context, before time.Time) ([]call.ExpiredRecording, error)
}

// StartRetentionTicker runs a background goroutine that periodically
// clears recordings on calls that ended more than maxDays ago and
// removes their artifacts from disk. maxDays <= 0 disables retention.
// The goroutine stops when the context is cancelled.
func StartRetentionTicker(ctx context.Context, calls Expirer, store *Store, interval time.Duration, maxDays int, logger *slog.Logger) {
	if maxDays <= 0 {
		return
	}
	log := logger.With("subsystem", "recording-retention")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().AddDate(0, 0, -maxDays)
				expired, err := calls.ExpireRecordings(ctx, cutoff)
				if err != nil {
					log.Error("recording retention sweep failed", "error", err)
					continue
				}
				if len(expired) == 0 {
					continue
				}
				log.Info("recording retention sweep", "expired", len(expired), "max_days", maxDays)

				for _, e := range expired {
					if err := store.Remove(e.FileID, e.Kind.Container()); err != nil {
						log.Warn("removing expired artifact", "file_id", e.FileID, "error", err)
					}
				}
			}
		}
	}()
}
