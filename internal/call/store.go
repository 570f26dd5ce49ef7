package call

import (
	"context"
	"time"
)

// ExpiredRecording identifies one recording artifact whose database row
// was cleared by retention.
type ExpiredRecording struct {
	FileID string
	Kind   Kind
}

// ListFilter specifies filtering and pagination for call history queries.
type ListFilter struct {
	Limit  int
	Offset int
	Kind   Kind // "voice", "video", or "" for all
	// MemberID restricts the result to calls the member initiated or was
	// invited to. Empty means no restriction (admin scope).
	MemberID string
}

// Store persists calls and their participant rows. The coordinator is the
// only writer; reads and writes for one call are always performed under
// that call's lock.
//
// GetCall returns (nil, nil) when no call matches.
type Store interface {
	// CreateCall inserts the call and its participant rows in one
	// transaction.
	CreateCall(ctx context.Context, c *Call, parts []Participant) error
	GetCall(ctx context.Context, groupID, callID string) (*Call, error)
	// ListCalls returns a page of the group's calls, newest first, plus
	// the total number of matching rows.
	ListCalls(ctx context.Context, groupID string, filter ListFilter) ([]Call, int, error)
	// ListActive returns the group's calls whose status is ringing or
	// active.
	ListActive(ctx context.Context, groupID string) ([]Call, error)
	UpdateCall(ctx context.Context, c *Call) error

	Participants(ctx context.Context, callID string) ([]Participant, error)
	ParticipantsForCalls(ctx context.Context, callIDs []string) (map[string][]Participant, error)
	// UpdateParticipant persists a participant row. Implementations must
	// refuse writes that would move the row's status backwards.
	UpdateParticipant(ctx context.Context, p *Participant) error

	// CountActiveRecordings returns the number of calls whose recording
	// is currently holding a recorder slot (status recording or
	// processing). Used to reconcile the admission counter after a
	// restart.
	CountActiveRecordings(ctx context.Context) (int, error)

	// CountCallsByStatus returns call counts grouped by lifecycle status,
	// across all groups. Served to the metrics collector.
	CountCallsByStatus(ctx context.Context) (map[string]int64, error)

	// ExpireRecordings clears ready recordings on calls that ended
	// before the cutoff and reports the artifacts to delete from disk.
	ExpireRecordings(ctx context.Context, before time.Time) ([]ExpiredRecording, error)
}
