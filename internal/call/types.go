package call

import "time"

// Kind distinguishes voice-only calls from video calls.
type Kind string

const (
	KindVoice Kind = "voice"
	KindVideo Kind = "video"
)

// Valid reports whether k is a known call kind.
func (k Kind) Valid() bool {
	return k == KindVoice || k == KindVideo
}

// Container returns the canonical recording container extension for the kind.
func (k Kind) Container() string {
	if k == KindVideo {
		return "mp4"
	}
	return "mp3"
}

// Status represents the lifecycle state of a call.
type Status string

const (
	StatusRinging Status = "ringing"
	StatusActive  Status = "active"
	StatusEnded   Status = "ended"
	StatusMissed  Status = "missed"
)

// Terminal reports whether the status is a sink: no further call
// transitions are allowed out of it.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusMissed
}

// ParticipantStatus represents one member's state within a call.
type ParticipantStatus string

const (
	ParticipantInvited  ParticipantStatus = "invited"
	ParticipantAccepted ParticipantStatus = "accepted"
	ParticipantRejected ParticipantStatus = "rejected"
	ParticipantJoined   ParticipantStatus = "joined"
	ParticipantLeft     ParticipantStatus = "left"
)

// Terminal reports whether the participant can take no further part in
// the call.
func (s ParticipantStatus) Terminal() bool {
	return s == ParticipantRejected || s == ParticipantLeft
}

// Present reports whether the participant has answered and is (or may
// be) in the media session.
func (s ParticipantStatus) Present() bool {
	return s == ParticipantAccepted || s == ParticipantJoined
}

// RecordingStatus tracks the recording substate of a call.
type RecordingStatus string

const (
	RecordingNone       RecordingStatus = "none"
	RecordingRunning    RecordingStatus = "recording"
	RecordingProcessing RecordingStatus = "processing"
	RecordingReady      RecordingStatus = "ready"
	RecordingFailed     RecordingStatus = "failed"
)

// RecorderPeerID is the reserved peer identity the ghost recorder uses in
// the signaling plane. It can never collide with a member id because member
// ids are UUIDs.
const RecorderPeerID = "recorder"

// Recording holds the recording substate persisted on a call.
type Recording struct {
	Status     RecordingStatus
	FileID     string
	URL        string
	DurationMs *int64
	SizeBytes  *int64
	Hidden     bool
	HiddenByID string
	HiddenAt   *time.Time
}

// ForViewer returns the recording as the given viewer may see it. A
// hidden recording is invisible to non-admins: they see the call as if
// it was never recorded.
func (r Recording) ForViewer(admin bool) Recording {
	if r.Hidden && !admin {
		return Recording{Status: RecordingNone}
	}
	return r
}

// Call is the persisted record of a voice or video call within a group.
// It is created by initiation, mutated only through the Coordinator, and
// never deleted.
type Call struct {
	ID          string
	GroupID     string
	Kind        Kind
	InitiatorID string
	Status      Status
	StartedAt   time.Time
	ConnectedAt *time.Time
	EndedAt     *time.Time
	DurationMs  *int64
	Recording   Recording
}

// Duration returns the connected duration of the call, or zero when the
// call never connected or has not ended.
func (c *Call) Duration() time.Duration {
	if c.ConnectedAt == nil || c.EndedAt == nil {
		return 0
	}
	return c.EndedAt.Sub(*c.ConnectedAt)
}

// Participant is one invited member's state within a call. The initiator
// is not a participant row; invitees are.
type Participant struct {
	CallID      string
	MemberID    string
	Status      ParticipantStatus
	InvitedAt   time.Time
	RespondedAt *time.Time
	JoinedAt    *time.Time
	LeftAt      *time.Time
}
