package call

import "time"

// The transition rules live here as pure functions over an in-memory
// snapshot of a call and its participants. The Coordinator loads the
// snapshot under the per-call lock, applies a transition, and persists
// whatever changed. Keeping the rules free of I/O makes every lifecycle
// property directly testable.

// NewRinging builds a fresh ringing call and one invited participant per
// invitee. Invitee validation happens in ValidateInvitees; this function
// assumes the invitee list is lawful.
func NewRinging(id, groupID string, kind Kind, initiatorID string, invitees []string, now time.Time) (*Call, []Participant) {
	c := &Call{
		ID:          id,
		GroupID:     groupID,
		Kind:        kind,
		InitiatorID: initiatorID,
		Status:      StatusRinging,
		StartedAt:   now,
		Recording:   Recording{Status: RecordingNone},
	}
	parts := make([]Participant, len(invitees))
	for i, m := range invitees {
		parts[i] = Participant{
			CallID:    id,
			MemberID:  m,
			Status:    ParticipantInvited,
			InvitedAt: now,
		}
	}
	return c, parts
}

// ValidateInvitees enforces the initiation rules: at least one invitee,
// no self-invite, no duplicates, no reserved peer ids, every invitee a
// current group member, and none of them supervised.
func ValidateInvitees(initiatorID string, invitees []string, members map[string]Member) error {
	if len(invitees) == 0 {
		return ErrInvalidInvitees
	}
	seen := make(map[string]bool, len(invitees))
	for _, m := range invitees {
		if m == "" || m == initiatorID || m == RecorderPeerID || seen[m] {
			return ErrInvalidInvitees
		}
		seen[m] = true
		member, ok := members[m]
		if !ok {
			return ErrInvalidInvitees
		}
		if member.Role == RoleSupervisor {
			return ErrSupervisorNotAllowed
		}
	}
	return nil
}

// RespondOutcome reports which rows a Respond transition changed.
type RespondOutcome struct {
	// Participant is the responder's updated row.
	Participant *Participant
	// CallChanged is true when the call row itself transitioned
	// (ringing→active on first accept, ringing→missed on last reject).
	CallChanged bool
}

// Respond applies an accept or reject by memberID to the snapshot.
//
// The call must not be terminal. Accepting while the call is already
// active is lawful: the first observed acceptance moves the call to
// active and sets ConnectedAt exactly once; later acceptances only touch
// the participant row. Rejecting while ringing moves the call to missed
// when every participant has now rejected.
func Respond(c *Call, parts []Participant, memberID string, accept bool, now time.Time) (RespondOutcome, error) {
	if c.Status.Terminal() {
		return RespondOutcome{}, ErrCallTerminal
	}

	p := findParticipant(parts, memberID)
	if p == nil {
		return RespondOutcome{}, ErrParticipantNotFound
	}
	if p.Status != ParticipantInvited {
		return RespondOutcome{}, ErrAlreadyResponded
	}

	p.RespondedAt = &now
	out := RespondOutcome{Participant: p}

	if accept {
		p.Status = ParticipantAccepted
		if c.Status == StatusRinging {
			c.Status = StatusActive
			c.ConnectedAt = &now
			out.CallChanged = true
		}
		return out, nil
	}

	p.Status = ParticipantRejected
	if c.Status == StatusRinging && allRejected(parts) {
		c.Status = StatusMissed
		c.EndedAt = &now
		// Never connected, so DurationMs stays null.
		out.CallChanged = true
	}
	return out, nil
}

// LeaveOutcome reports the rows a Leave or End transition changed.
type LeaveOutcome struct {
	// Ended is true when the transition terminated the whole call.
	Ended bool
	// Participants are the rows that changed.
	Participants []*Participant
	// CallChanged is true when the call row changed.
	CallChanged bool
}

// Leave applies a departure by memberID. An initiator leaving ends the
// call for everyone; a participant leaving only marks their own row,
// unless they were the last non-terminal participant, in which case the
// call ends too. Leaving when already left is an idempotent no-op.
func Leave(c *Call, parts []Participant, memberID string, now time.Time) (LeaveOutcome, error) {
	if p := findParticipant(parts, memberID); p != nil && p.Status == ParticipantLeft {
		return LeaveOutcome{}, nil
	}
	if c.Status.Terminal() {
		return LeaveOutcome{}, ErrCallTerminal
	}

	if memberID == c.InitiatorID {
		return endCall(c, parts, now), nil
	}

	p := findParticipant(parts, memberID)
	if p == nil {
		return LeaveOutcome{}, ErrParticipantNotFound
	}

	p.Status = ParticipantLeft
	p.LeftAt = &now
	out := LeaveOutcome{Participants: []*Participant{p}}

	if !anyNonTerminal(parts) {
		rest := endCall(c, parts, now)
		out.Ended = true
		out.CallChanged = true
		out.Participants = append(out.Participants, rest.Participants...)
	}
	return out, nil
}

// End terminates the call on behalf of memberID, who must be the
// initiator or a participant. The effect is identical to the initiator
// leaving: the call ends and every non-terminal participant is marked
// left.
func End(c *Call, parts []Participant, memberID string, now time.Time) (LeaveOutcome, error) {
	if c.Status.Terminal() {
		return LeaveOutcome{}, ErrCallTerminal
	}
	if memberID != c.InitiatorID && findParticipant(parts, memberID) == nil {
		return LeaveOutcome{}, ErrParticipantNotFound
	}
	return endCall(c, parts, now), nil
}

// MarkJoined promotes an accepted participant to joined the first time
// they touch the signaling plane. Calling it for a participant in any
// other state is a no-op.
func MarkJoined(p *Participant, now time.Time) bool {
	if p.Status != ParticipantAccepted {
		return false
	}
	p.Status = ParticipantJoined
	p.JoinedAt = &now
	return true
}

// HideRecording marks the call's recording hidden. Only calls that have a
// recording can be hidden, and hiding twice is rejected.
func HideRecording(c *Call, adminMemberID string, now time.Time) error {
	if c.Recording.Status == RecordingNone {
		return ErrNoRecording
	}
	if c.Recording.Hidden {
		return ErrAlreadyHidden
	}
	c.Recording.Hidden = true
	c.Recording.HiddenByID = adminMemberID
	c.Recording.HiddenAt = &now
	return nil
}

// endCall moves the call to its terminal state: missed when it was still
// ringing, ended otherwise. DurationMs is computed exactly once here and
// only when the call ever connected.
func endCall(c *Call, parts []Participant, now time.Time) LeaveOutcome {
	if c.Status == StatusRinging {
		c.Status = StatusMissed
	} else {
		c.Status = StatusEnded
	}
	c.EndedAt = &now
	if c.ConnectedAt != nil {
		d := now.Sub(*c.ConnectedAt).Milliseconds()
		c.DurationMs = &d
	}

	out := LeaveOutcome{Ended: true, CallChanged: true}
	for i := range parts {
		if parts[i].Status.Terminal() {
			continue
		}
		parts[i].Status = ParticipantLeft
		parts[i].LeftAt = &now
		out.Participants = append(out.Participants, &parts[i])
	}
	return out
}

func findParticipant(parts []Participant, memberID string) *Participant {
	for i := range parts {
		if parts[i].MemberID == memberID {
			return &parts[i]
		}
	}
	return nil
}

func allRejected(parts []Participant) bool {
	for i := range parts {
		if parts[i].Status != ParticipantRejected {
			return false
		}
	}
	return true
}

func anyNonTerminal(parts []Participant) bool {
	for i := range parts {
		if !parts[i].Status.Terminal() {
			return true
		}
	}
	return false
}
