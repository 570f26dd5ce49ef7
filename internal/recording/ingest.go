package recording

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"

	"github.com/famcall/famcall/internal/call"
)

// CallDirectory is the slice of the call coordinator ingest depends on.
type CallDirectory interface {
	Snapshot(ctx context.Context, groupID, callID string) (*call.Detail, error)
	CompleteRecording(ctx context.Context, groupID, callID string, res call.RecordingResult) (*call.Call, error)
}

// Slots gives back recorder admission slots. Release returns false when
// the slot was already given back, which keeps ingest and the grace
// timer from double-releasing.
type Slots interface {
	ReleaseSlot(callID string, kind call.Kind) bool
}

// Upload is one posted recording artifact.
type Upload struct {
	GroupID string
	CallID  string
	// MemberID is set when a group member posted the artifact; empty for
	// farm callbacks, which are authenticated by token upstream.
	MemberID string
	// DurationMs is the capture duration as reported by the uploader.
	DurationMs *int64
	Media      io.Reader
}

// Ingestor turns uploads into ready recordings: spool, transcode,
// persist, release the admission slot.
type Ingestor struct {
	store  *Store
	trans  Transcoder
	calls  CallDirectory
	slots  Slots
	logger *slog.Logger
}

// NewIngestor wires the ingest pipeline.
func NewIngestor(store *Store, trans Transcoder, calls CallDirectory, slots Slots, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		store:  store,
		trans:  trans,
		calls:  calls,
		slots:  slots,
		logger: logger.With("subsystem", "ingest"),
	}
}

// Ingest processes one artifact upload and returns the updated call.
// Exactly one slot release happens per recording, whether the artifact
// arrives here or the grace timer gives up first.
func (in *Ingestor) Ingest(ctx context.Context, up Upload) (*call.Call, error) {
	d, err := in.calls.Snapshot(ctx, up.GroupID, up.CallID)
	if err != nil {
		return nil, err
	}
	if up.MemberID != "" && !in.mayUpload(d, up.MemberID) {
		return nil, call.ErrPermissionDenied
	}
	kind := d.Call.Kind
	ext := kind.Container()

	rawPath, rawSize, err := in.store.SaveTemp(up.Media)
	if err != nil {
		return nil, err
	}
	defer os.Remove(rawPath)

	fileID := uuid.NewString()
	dst := in.store.Path(fileID, ext)
	if err := in.trans.Transcode(ctx, rawPath, dst, kind); err != nil {
		os.Remove(dst)
		return nil, err
	}
	info, err := os.Stat(dst)
	if err != nil {
		return nil, fmt.Errorf("reading transcoded artifact: %w", err)
	}
	size := info.Size()

	duration := up.DurationMs
	if duration == nil {
		duration = d.Call.DurationMs
	}

	c, err := in.calls.CompleteRecording(ctx, up.GroupID, up.CallID, call.RecordingResult{
		FileID:     fileID,
		URL:        fmt.Sprintf("/groups/%s/calls/%s/recording", up.GroupID, up.CallID),
		DurationMs: duration,
		SizeBytes:  &size,
	})
	if err != nil {
		// The grace window already failed this recording, or the call
		// never recorded: the artifact has no home.
		in.store.Remove(fileID, ext)
		if errors.Is(err, call.ErrRecordingNotActive) {
			in.logger.Warn("discarding late recording artifact",
				"call_id", up.CallID,
				"group_id", up.GroupID,
				"raw_bytes", rawSize,
			)
		}
		return nil, err
	}

	if !in.slots.ReleaseSlot(up.CallID, kind) {
		in.logger.Debug("recording slot already released", "call_id", up.CallID)
	}
	in.logger.Info("recording ingested",
		"call_id", up.CallID,
		"group_id", up.GroupID,
		"file_id", fileID,
		"bytes", size,
	)
	return c, nil
}

// mayUpload reports whether the member belongs on the call: the
// initiator or any invitee may post an artifact.
func (in *Ingestor) mayUpload(d *call.Detail, memberID string) bool {
	if d.Call.InitiatorID == memberID {
		return true
	}
	for _, p := range d.Participants {
		if p.MemberID == memberID {
			return true
		}
	}
	return false
}
