package call

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/famcall/famcall/internal/queue"
	"github.com/famcall/famcall/internal/signal"
)

// inviteNotifyTimeout bounds the detached push delivery after initiation.
const inviteNotifyTimeout = 10 * time.Second

// RecorderControl is the slice of the recorder coordinator the call side
// depends on. Start and Stop block on the recorder farm; HasSession and
// StopAsync are local.
type RecorderControl interface {
	HasSession(callID string) bool
	Start(ctx context.Context, groupID, callID string, kind Kind, userID string) error
	Stop(ctx context.Context, callID string, kind Kind) error
	Running(ctx context.Context, callID string, kind Kind) bool
	StopAsync(callID string)
}

// InviteNotifier delivers call invitations out of band (push). Failures
// never fail the initiation that triggered them.
type InviteNotifier interface {
	CallInvited(ctx context.Context, c Call, invitees []Member) error
}

// Detail pairs a call with its participant rows.
type Detail struct {
	Call         Call
	Participants []Participant
}

// ActiveCalls splits a group's live calls by what they mean to the
// caller: calls they are on versus calls ringing for them.
type ActiveCalls struct {
	Active   []Detail
	Incoming []Detail
}

// SignalBatch is one drain result: the caller's pending messages plus
// the current peer roster so clients can converge on who is on the call.
type SignalBatch struct {
	Signals  []signal.Message
	Peers    []string
	MyPeerID string
}

// StartResult reports how a recording start attempt resolved. Exactly
// one of Started or Queued is set.
type StartResult struct {
	Started bool
	Queued  *queue.Admission
}

// RecordingResult is the artifact metadata the ingest pipeline produces.
type RecordingResult struct {
	FileID     string
	URL        string
	DurationMs *int64
	SizeBytes  *int64
}

// Coordinator owns all call state transitions. Every mutation of a call
// runs under that call's lock, so reads within an operation are
// consistent and concurrent requests serialize per call.
type Coordinator struct {
	store    Store
	dir      Directory
	policy   Policy
	relay    *signal.Relay
	queue    *queue.Queue
	recorder RecorderControl
	invites  InviteNotifier
	logger   *slog.Logger
	locks    *lockTable
}

// NewCoordinator wires the call domain together. The invite notifier is
// optional and set separately because push may not be configured.
func NewCoordinator(store Store, dir Directory, policy Policy, relay *signal.Relay, q *queue.Queue, rec RecorderControl, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:    store,
		dir:      dir,
		policy:   policy,
		relay:    relay,
		queue:    q,
		recorder: rec,
		logger:   logger.With("subsystem", "calls"),
		locks:    newLockTable(),
	}
}

// SetInviteNotifier wires the push sender.
func (co *Coordinator) SetInviteNotifier(n InviteNotifier) {
	co.invites = n
}

// ListCalls returns a page of the group's call history, newest first.
// Admins see every call; other roles only see calls they initiated or
// were invited to, and hidden recordings are stripped for them.
func (co *Coordinator) ListCalls(ctx context.Context, auth AuthContext, filter ListFilter) ([]Detail, int, error) {
	if !co.policy.CanSeeCalls(auth.Role) {
		return nil, 0, ErrPermissionDenied
	}
	admin := co.policy.IsAdmin(auth.Role)
	if !admin {
		filter.MemberID = auth.MemberID
	}

	calls, total, err := co.store.ListCalls(ctx, auth.GroupID, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("listing calls: %w", err)
	}
	details, err := co.withParticipants(ctx, calls)
	if err != nil {
		return nil, 0, err
	}
	for i := range details {
		details[i].Call.Recording = details[i].Call.Recording.ForViewer(admin)
	}
	return details, total, nil
}

// GetCall returns one call as the caller may see it. Non-admins only
// see calls they initiated or were invited to, and hidden recordings
// are stripped for them.
func (co *Coordinator) GetCall(ctx context.Context, auth AuthContext, callID string) (*Detail, error) {
	if !co.policy.CanSeeCalls(auth.Role) {
		return nil, ErrPermissionDenied
	}

	c, parts, err := co.load(ctx, auth.GroupID, callID)
	if err != nil {
		return nil, err
	}

	admin := co.policy.IsAdmin(auth.Role)
	if !admin && c.InitiatorID != auth.MemberID && findParticipant(parts, auth.MemberID) == nil {
		return nil, ErrCallNotFound
	}

	c.Recording = c.Recording.ForViewer(admin)
	return &Detail{Call: *c, Participants: parts}, nil
}

// ListActive returns the group's live calls as seen by the caller:
// calls they are on (initiator, accepted, or joined) and calls ringing
// for them (invited, not yet responded). Calls the caller has no part
// in are omitted.
func (co *Coordinator) ListActive(ctx context.Context, auth AuthContext, kind Kind) (*ActiveCalls, error) {
	if !co.policy.CanSeeCalls(auth.Role) {
		return nil, ErrPermissionDenied
	}

	calls, err := co.store.ListActive(ctx, auth.GroupID)
	if err != nil {
		return nil, fmt.Errorf("listing active calls: %w", err)
	}
	details, err := co.withParticipants(ctx, calls)
	if err != nil {
		return nil, err
	}

	admin := co.policy.IsAdmin(auth.Role)
	out := &ActiveCalls{Active: []Detail{}, Incoming: []Detail{}}
	for _, d := range details {
		if kind != "" && d.Call.Kind != kind {
			continue
		}
		d.Call.Recording = d.Call.Recording.ForViewer(admin)
		if d.Call.InitiatorID == auth.MemberID {
			out.Active = append(out.Active, d)
			continue
		}
		for _, p := range d.Participants {
			if p.MemberID != auth.MemberID {
				continue
			}
			switch p.Status {
			case ParticipantAccepted, ParticipantJoined:
				out.Active = append(out.Active, d)
			case ParticipantInvited:
				out.Incoming = append(out.Incoming, d)
			}
			break
		}
	}
	return out, nil
}

// Initiate creates a ringing call and invites the given members. The
// caller becomes the initiator and is not a participant row.
func (co *Coordinator) Initiate(ctx context.Context, auth AuthContext, kind Kind, invitees []string) (*Detail, error) {
	if !co.policy.CanUseCalls(auth.Role) {
		return nil, ErrPermissionDenied
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	group, err := co.dir.Group(ctx, auth.GroupID)
	if err != nil {
		return nil, fmt.Errorf("loading group %s: %w", auth.GroupID, err)
	}
	if _, ok := group.Members[auth.MemberID]; !ok {
		return nil, ErrNotMember
	}
	if group.Settings.ReadOnly {
		return nil, ErrReadOnlyGroup
	}
	if err := ValidateInvitees(auth.MemberID, invitees, group.Members); err != nil {
		return nil, err
	}

	c, parts := NewRinging(uuid.NewString(), auth.GroupID, kind, auth.MemberID, invitees, time.Now().UTC())
	if err := co.store.CreateCall(ctx, c, parts); err != nil {
		return nil, fmt.Errorf("creating call: %w", err)
	}
	co.logger.Info("call initiated",
		"call_id", c.ID,
		"group_id", c.GroupID,
		"kind", c.Kind,
		"invitees", len(invitees),
	)

	co.notifyInvitees(*c, invitees, group)
	return &Detail{Call: *c, Participants: parts}, nil
}

// notifyInvitees pushes the invitation on a detached context. Ringing
// must not wait on, or fail because of, push delivery.
func (co *Coordinator) notifyInvitees(c Call, invitees []string, group *Group) {
	if co.invites == nil {
		return
	}
	members := make([]Member, 0, len(invitees))
	for _, id := range invitees {
		if m, ok := group.Members[id]; ok {
			members = append(members, m)
		}
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), inviteNotifyTimeout)
		defer cancel()
		if err := co.invites.CallInvited(ctx, c, members); err != nil {
			co.logger.Warn("call invite push failed", "call_id", c.ID, "error", err)
		}
	}()
}

// Respond records an invitee's accept or reject. The first accept makes
// the call active; a reject by the last undecided invitee makes it
// missed.
func (co *Coordinator) Respond(ctx context.Context, auth AuthContext, callID string, accept bool) (*Detail, error) {
	unlock := co.locks.acquire(callID)
	defer unlock()

	c, parts, err := co.load(ctx, auth.GroupID, callID)
	if err != nil {
		return nil, err
	}

	outcome, err := Respond(c, parts, auth.MemberID, accept, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := co.store.UpdateParticipant(ctx, outcome.Participant); err != nil {
		return nil, fmt.Errorf("updating participant: %w", err)
	}
	if outcome.CallChanged {
		if err := co.store.UpdateCall(ctx, c); err != nil {
			return nil, fmt.Errorf("updating call: %w", err)
		}
		co.logger.Info("call state changed",
			"call_id", c.ID,
			"status", c.Status,
			"member_id", auth.MemberID,
			"accepted", accept,
		)
	}
	co.finishIfTerminal(c)
	return &Detail{Call: *c, Participants: parts}, nil
}

// Leave marks the caller as having left. The initiator leaving, or the
// last present participant leaving, ends the call. Leaving twice is a
// no-op.
func (co *Coordinator) Leave(ctx context.Context, auth AuthContext, callID string) (*Detail, error) {
	unlock := co.locks.acquire(callID)
	defer unlock()

	c, parts, err := co.load(ctx, auth.GroupID, callID)
	if err != nil {
		return nil, err
	}

	outcome, err := Leave(c, parts, auth.MemberID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := co.persistOutcome(ctx, c, outcome); err != nil {
		return nil, err
	}
	co.finishIfTerminal(c)
	return &Detail{Call: *c, Participants: parts}, nil
}

// EndCall terminates the call for everyone. Any invited member or the
// initiator may end; an already terminal call is rejected.
func (co *Coordinator) EndCall(ctx context.Context, auth AuthContext, callID string) (*Detail, error) {
	unlock := co.locks.acquire(callID)
	defer unlock()

	c, parts, err := co.load(ctx, auth.GroupID, callID)
	if err != nil {
		return nil, err
	}

	outcome, err := End(c, parts, auth.MemberID, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	if err := co.persistOutcome(ctx, c, outcome); err != nil {
		return nil, err
	}
	co.finishIfTerminal(c)
	return &Detail{Call: *c, Participants: parts}, nil
}

// HideRecording hides the call's recording from non-admin members. The
// recording itself is kept; only visibility changes.
func (co *Coordinator) HideRecording(ctx context.Context, auth AuthContext, callID string) (*Detail, error) {
	if !co.policy.IsAdmin(auth.Role) {
		return nil, ErrPermissionDenied
	}

	unlock := co.locks.acquire(callID)
	defer unlock()

	c, parts, err := co.load(ctx, auth.GroupID, callID)
	if err != nil {
		return nil, err
	}
	if err := HideRecording(c, auth.MemberID, time.Now().UTC()); err != nil {
		return nil, err
	}
	if err := co.store.UpdateCall(ctx, c); err != nil {
		return nil, fmt.Errorf("updating call: %w", err)
	}
	co.logger.Info("recording hidden", "call_id", c.ID, "hidden_by", auth.MemberID)
	return &Detail{Call: *c, Participants: parts}, nil
}

// persistOutcome writes the participant rows and, when the call itself
// changed, the call.
func (co *Coordinator) persistOutcome(ctx context.Context, c *Call, outcome LeaveOutcome) error {
	for _, p := range outcome.Participants {
		if err := co.store.UpdateParticipant(ctx, p); err != nil {
			return fmt.Errorf("updating participant: %w", err)
		}
	}
	if outcome.CallChanged {
		if err := co.store.UpdateCall(ctx, c); err != nil {
			return fmt.Errorf("updating call: %w", err)
		}
		co.logger.Info("call state changed", "call_id", c.ID, "status", c.Status)
	}
	return nil
}

// finishIfTerminal releases the ephemeral state tied to a live call:
// signaling mailboxes are dropped and any recorder session is stopped.
func (co *Coordinator) finishIfTerminal(c *Call) {
	if !c.Status.Terminal() {
		return
	}
	co.relay.DropCall(c.ID)
	co.recorder.StopAsync(c.ID)
}

// Deposit relays one signaling message from the caller to its targets.
// With no explicit target the message fans out to every other peer on
// the call, the ghost recorder included while one is live.
func (co *Coordinator) Deposit(ctx context.Context, auth AuthContext, callID, msgType string, data json.RawMessage, targetPeerID string) error {
	unlock := co.locks.acquire(callID)
	defer unlock()

	c, parts, err := co.load(ctx, auth.GroupID, callID)
	if err != nil {
		return err
	}
	if c.Status.Terminal() {
		return ErrCallTerminal
	}
	if err := co.requireLivePeer(c, parts, auth.MemberID); err != nil {
		return err
	}
	if err := co.markJoined(ctx, parts, auth.MemberID); err != nil {
		return err
	}

	peers := co.callPeers(c, parts)
	targets := peers
	if targetPeerID != "" {
		if !contains(peers, targetPeerID) {
			return fmt.Errorf("%w: unknown target peer %q", ErrParticipantNotFound, targetPeerID)
		}
		targets = []string{targetPeerID}
	}
	co.relay.Deposit(callID, auth.MemberID, targets, msgType, data)
	return nil
}

// Drain returns and clears the caller's pending signaling messages.
// Draining stays allowed on terminal calls so clients can collect
// stragglers while tearing down.
func (co *Coordinator) Drain(ctx context.Context, auth AuthContext, callID string) (*SignalBatch, error) {
	unlock := co.locks.acquire(callID)
	defer unlock()

	c, parts, err := co.load(ctx, auth.GroupID, callID)
	if err != nil {
		return nil, err
	}
	if c.InitiatorID != auth.MemberID && findParticipant(parts, auth.MemberID) == nil {
		return nil, ErrPermissionDenied
	}
	if !c.Status.Terminal() {
		if err := co.markJoined(ctx, parts, auth.MemberID); err != nil {
			return nil, err
		}
	}

	return co.drainFor(c, parts, auth.MemberID), nil
}

// RecorderSignals drains the ghost recorder's mailbox. Authentication
// happens upstream via the callback token the farm presents.
func (co *Coordinator) RecorderSignals(ctx context.Context, groupID, callID string) (*SignalBatch, error) {
	unlock := co.locks.acquire(callID)
	defer unlock()

	c, parts, err := co.load(ctx, groupID, callID)
	if err != nil {
		return nil, err
	}
	return co.drainFor(c, parts, RecorderPeerID), nil
}

// SendRecorderSignal relays a message from the ghost recorder to call
// peers. Terminal calls are tolerated: the recorder may still be
// answering while the call is torn down.
func (co *Coordinator) SendRecorderSignal(ctx context.Context, groupID, callID, msgType string, data json.RawMessage, targetPeerID string) error {
	unlock := co.locks.acquire(callID)
	defer unlock()

	c, parts, err := co.load(ctx, groupID, callID)
	if err != nil {
		return err
	}

	peers := co.callPeers(c, parts)
	targets := peers
	if targetPeerID != "" {
		if !contains(peers, targetPeerID) {
			return fmt.Errorf("%w: unknown target peer %q", ErrParticipantNotFound, targetPeerID)
		}
		targets = []string{targetPeerID}
	}
	co.relay.Deposit(callID, RecorderPeerID, targets, msgType, data)
	return nil
}

// drainFor builds the drain response for one peer under the call lock.
func (co *Coordinator) drainFor(c *Call, parts []Participant, peerID string) *SignalBatch {
	msgs := co.relay.Drain(c.ID, peerID)
	if msgs == nil {
		msgs = []signal.Message{}
	}
	peers := co.callPeers(c, parts)
	others := make([]string, 0, len(peers))
	for _, p := range peers {
		if p != peerID {
			others = append(others, p)
		}
	}
	return &SignalBatch{Signals: msgs, Peers: others, MyPeerID: peerID}
}

// markJoined promotes an accepted participant to joined the first time
// they touch the signaling plane.
func (co *Coordinator) markJoined(ctx context.Context, parts []Participant, memberID string) error {
	p := findParticipant(parts, memberID)
	if p == nil {
		return nil
	}
	if !MarkJoined(p, time.Now().UTC()) {
		return nil
	}
	if err := co.store.UpdateParticipant(ctx, p); err != nil {
		return fmt.Errorf("updating participant: %w", err)
	}
	return nil
}

// requireLivePeer checks that the member may currently signal on the
// call: the initiator always may, invitees until they reject or leave.
func (co *Coordinator) requireLivePeer(c *Call, parts []Participant, memberID string) error {
	if c.InitiatorID == memberID {
		return nil
	}
	p := findParticipant(parts, memberID)
	if p == nil || p.Status.Terminal() {
		return ErrPermissionDenied
	}
	return nil
}

// callPeers lists the signaling peers on the call: the initiator, every
// non-terminal invitee, and the ghost recorder while a capture session
// is live.
func (co *Coordinator) callPeers(c *Call, parts []Participant) []string {
	peers := make([]string, 0, len(parts)+2)
	peers = append(peers, c.InitiatorID)
	for _, p := range parts {
		if !p.Status.Terminal() {
			peers = append(peers, p.MemberID)
		}
	}
	if co.recorder.HasSession(c.ID) {
		peers = append(peers, RecorderPeerID)
	}
	return peers
}

// StartRecording admits the caller against recorder capacity and, when
// a slot is free, starts a capture session and marks the call as
// recording. When capacity is full the caller is queued instead; that
// is an ordinary outcome, not an error.
func (co *Coordinator) StartRecording(ctx context.Context, auth AuthContext, callID string) (*StartResult, error) {
	if !co.policy.CanUseCalls(auth.Role) {
		return nil, ErrPermissionDenied
	}

	unlock := co.locks.acquire(callID)
	c, parts, err := co.load(ctx, auth.GroupID, callID)
	if err != nil {
		unlock()
		return nil, err
	}
	if err := co.validateRecordingStart(c, parts, auth.MemberID); err != nil {
		unlock()
		return nil, err
	}
	kind := c.Kind
	participants := make([]string, 0, len(parts)+1)
	participants = append(participants, c.InitiatorID)
	for _, p := range parts {
		if p.Status.Present() {
			participants = append(participants, p.MemberID)
		}
	}
	// The lock is released across admission and the farm round trip: a
	// start can take tens of seconds and must not freeze the call.
	unlock()

	adm := co.queue.Admit(ctx, queue.AdmitRequest{
		UserID:       auth.UserID,
		GroupID:      auth.GroupID,
		Kind:         string(kind),
		Participants: participants,
		DisplayName:  auth.DisplayName,
		Email:        auth.Email,
	})
	if adm.NeedsQueue {
		return &StartResult{Queued: &adm}, nil
	}

	if err := co.recorder.Start(ctx, auth.GroupID, callID, kind, auth.UserID); err != nil {
		return nil, err
	}

	unlock = co.locks.acquire(callID)
	defer unlock()
	c, _, err = co.load(ctx, auth.GroupID, callID)
	if err != nil {
		co.recorder.StopAsync(callID)
		return nil, err
	}
	if c.Status.Terminal() {
		co.recorder.StopAsync(callID)
		return nil, ErrCallTerminal
	}
	c.Recording = Recording{Status: RecordingRunning}
	if err := co.store.UpdateCall(ctx, c); err != nil {
		co.recorder.StopAsync(callID)
		return nil, fmt.Errorf("updating call: %w", err)
	}
	return &StartResult{Started: true}, nil
}

// validateRecordingStart gates a start attempt under the call lock.
func (co *Coordinator) validateRecordingStart(c *Call, parts []Participant, memberID string) error {
	if c.Status.Terminal() {
		return ErrCallTerminal
	}
	if c.Status != StatusActive {
		return ErrCallNotActive
	}
	if c.InitiatorID != memberID {
		p := findParticipant(parts, memberID)
		if p == nil || !p.Status.Present() {
			return ErrPermissionDenied
		}
	}
	if c.Recording.Status != RecordingNone {
		return ErrRecordingAlreadyRunning
	}
	return nil
}

// StopRecording asks the recorder to finish. Stopping when nothing is
// recording is a no-op; callers race end-of-call cleanup all the time.
func (co *Coordinator) StopRecording(ctx context.Context, auth AuthContext, callID string) error {
	unlock := co.locks.acquire(callID)
	c, parts, err := co.load(ctx, auth.GroupID, callID)
	if err != nil {
		unlock()
		return err
	}
	if c.InitiatorID != auth.MemberID && findParticipant(parts, auth.MemberID) == nil {
		unlock()
		return ErrPermissionDenied
	}
	kind := c.Kind
	unlock()

	return co.recorder.Stop(ctx, callID, kind)
}

// RecordingStatus asks the farm whether the call is being captured.
func (co *Coordinator) RecordingStatus(ctx context.Context, auth AuthContext, callID string) (bool, error) {
	c, _, err := co.load(ctx, auth.GroupID, callID)
	if err != nil {
		return false, err
	}
	return co.recorder.Running(ctx, callID, c.Kind), nil
}

// Snapshot returns the call and its participants without any caller
// scoping. Used by the ingest pipeline and internal handlers that have
// already authenticated another way.
func (co *Coordinator) Snapshot(ctx context.Context, groupID, callID string) (*Detail, error) {
	c, parts, err := co.load(ctx, groupID, callID)
	if err != nil {
		return nil, err
	}
	return &Detail{Call: *c, Participants: parts}, nil
}

// CompleteRecording records the finished artifact on the call and is
// the happy path that ends a recording's slot tenure. A completion that
// arrives after the grace window already failed the recording is
// rejected so a ready artifact never resurrects a failed status.
func (co *Coordinator) CompleteRecording(ctx context.Context, groupID, callID string, res RecordingResult) (*Call, error) {
	unlock := co.locks.acquire(callID)
	defer unlock()

	c, _, err := co.load(ctx, groupID, callID)
	if err != nil {
		return nil, err
	}
	switch c.Recording.Status {
	case RecordingRunning, RecordingProcessing:
	default:
		return nil, ErrRecordingNotActive
	}

	c.Recording.Status = RecordingReady
	c.Recording.FileID = res.FileID
	c.Recording.URL = res.URL
	c.Recording.DurationMs = res.DurationMs
	c.Recording.SizeBytes = res.SizeBytes
	if err := co.store.UpdateCall(ctx, c); err != nil {
		return nil, fmt.Errorf("updating call: %w", err)
	}
	co.logger.Info("recording ready",
		"call_id", c.ID,
		"group_id", c.GroupID,
		"file_id", res.FileID,
	)
	return c, nil
}

// MarkRecordingProcessing moves a running recording to processing once
// the farm acknowledged the stop. No-op in any other state.
func (co *Coordinator) MarkRecordingProcessing(ctx context.Context, groupID, callID string) error {
	unlock := co.locks.acquire(callID)
	defer unlock()

	c, _, err := co.load(ctx, groupID, callID)
	if err != nil {
		return err
	}
	if c.Recording.Status != RecordingRunning {
		return nil
	}
	c.Recording.Status = RecordingProcessing
	return co.store.UpdateCall(ctx, c)
}

// FailRecording marks a live recording as failed. Recordings that have
// already completed or failed are left alone, so a late grace timer can
// never clobber a ready artifact.
func (co *Coordinator) FailRecording(ctx context.Context, groupID, callID string) error {
	unlock := co.locks.acquire(callID)
	defer unlock()

	c, _, err := co.load(ctx, groupID, callID)
	if err != nil {
		return err
	}
	switch c.Recording.Status {
	case RecordingRunning, RecordingProcessing:
	default:
		return nil
	}
	c.Recording.Status = RecordingFailed
	if err := co.store.UpdateCall(ctx, c); err != nil {
		return fmt.Errorf("updating call: %w", err)
	}
	co.logger.Warn("recording failed", "call_id", c.ID, "group_id", c.GroupID)
	return nil
}

// SyncRecordingSlots reconciles the admission counter with the calls
// actually holding a recorder slot. Run at startup and periodically so
// a crash cannot leak capacity forever.
func (co *Coordinator) SyncRecordingSlots(ctx context.Context) error {
	n, err := co.store.CountActiveRecordings(ctx)
	if err != nil {
		return fmt.Errorf("counting active recordings: %w", err)
	}
	co.queue.SyncActive(n)
	return nil
}

// load fetches the call and its participants, translating a missing
// call into ErrCallNotFound.
func (co *Coordinator) load(ctx context.Context, groupID, callID string) (*Call, []Participant, error) {
	c, err := co.store.GetCall(ctx, groupID, callID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading call: %w", err)
	}
	if c == nil {
		return nil, nil, ErrCallNotFound
	}
	parts, err := co.store.Participants(ctx, callID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading participants: %w", err)
	}
	return c, parts, nil
}

// withParticipants hydrates a page of calls with their participant rows
// in one query.
func (co *Coordinator) withParticipants(ctx context.Context, calls []Call) ([]Detail, error) {
	ids := make([]string, len(calls))
	for i, c := range calls {
		ids[i] = c.ID
	}
	byCall, err := co.store.ParticipantsForCalls(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading participants: %w", err)
	}
	details := make([]Detail, len(calls))
	for i, c := range calls {
		details[i] = Detail{Call: c, Participants: byCall[c.ID]}
	}
	return details, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
