package call

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/famcall/famcall/internal/queue"
	"github.com/famcall/famcall/internal/signal"
)

type memStore struct {
	mu    sync.Mutex
	calls map[string]*Call
	parts map[string][]Participant
}

func newMemStore() *memStore {
	return &memStore{calls: make(map[string]*Call), parts: make(map[string][]Participant)}
}

func (s *memStore) CreateCall(ctx context.Context, c *Call, parts []Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.calls[c.ID] = &cp
	s.parts[c.ID] = append([]Participant(nil), parts...)
	return nil
}

func (s *memStore) GetCall(ctx context.Context, groupID, callID string) (*Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.calls[callID]
	if !ok || c.GroupID != groupID {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) ListCalls(ctx context.Context, groupID string, filter ListFilter) ([]Call, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []Call
	for _, c := range s.calls {
		if c.GroupID != groupID {
			continue
		}
		if filter.Kind != "" && c.Kind != filter.Kind {
			continue
		}
		if filter.MemberID != "" && !s.involvesLocked(c, filter.MemberID) {
			continue
		}
		matched = append(matched, *c)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].StartedAt.After(matched[j].StartedAt) })
	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (s *memStore) involvesLocked(c *Call, memberID string) bool {
	if c.InitiatorID == memberID {
		return true
	}
	for _, p := range s.parts[c.ID] {
		if p.MemberID == memberID {
			return true
		}
	}
	return false
}

func (s *memStore) ListActive(ctx context.Context, groupID string) ([]Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Call
	for _, c := range s.calls {
		if c.GroupID == groupID && !c.Status.Terminal() {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (s *memStore) UpdateCall(ctx context.Context, c *Call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.calls[c.ID]; !ok {
		return errors.New("call row missing")
	}
	cp := *c
	s.calls[c.ID] = &cp
	return nil
}

func (s *memStore) Participants(ctx context.Context, callID string) ([]Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Participant(nil), s.parts[callID]...), nil
}

func (s *memStore) ParticipantsForCalls(ctx context.Context, callIDs []string) (map[string][]Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]Participant, len(callIDs))
	for _, id := range callIDs {
		out[id] = append([]Participant(nil), s.parts[id]...)
	}
	return out, nil
}

func (s *memStore) UpdateParticipant(ctx context.Context, p *Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.parts[p.CallID]
	for i := range rows {
		if rows[i].MemberID == p.MemberID {
			rows[i] = *p
			return nil
		}
	}
	return ErrParticipantNotFound
}

func (s *memStore) ExpireRecordings(ctx context.Context, before time.Time) ([]ExpiredRecording, error) {
	return nil, nil
}

func (s *memStore) CountCallsByStatus(ctx context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[string]int64)
	for _, c := range s.calls {
		counts[string(c.Status)]++
	}
	return counts, nil
}

func (s *memStore) CountActiveRecordings(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Recording.Status == RecordingRunning || c.Recording.Status == RecordingProcessing {
			n++
		}
	}
	return n, nil
}

// setStatus mutates stored state directly, bypassing the coordinator.
func (s *memStore) setStatus(callID string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[callID].Status = status
}

type memDirectory struct {
	mu    sync.Mutex
	group *Group
	err   error
}

func (d *memDirectory) Group(ctx context.Context, groupID string) (*Group, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return d.group, nil
}

type fakeRecorder struct {
	mu         sync.Mutex
	q          *queue.Queue
	sessions   map[string]bool
	startErr   error
	running    bool
	starts     int
	stops      []string
	stopAsyncs []string
	onStart    func(callID string)
}

func newFakeRecorder(q *queue.Queue) *fakeRecorder {
	return &fakeRecorder{q: q, sessions: make(map[string]bool)}
}

func (r *fakeRecorder) Start(ctx context.Context, groupID, callID string, kind Kind, userID string) error {
	r.mu.Lock()
	r.starts++
	err := r.startErr
	hook := r.onStart
	r.mu.Unlock()
	if hook != nil {
		hook(callID)
	}
	if err != nil {
		r.q.StartAborted()
		return err
	}
	r.mu.Lock()
	r.sessions[callID] = true
	r.mu.Unlock()
	r.q.RecordingStarted(userID, string(kind))
	return nil
}

func (r *fakeRecorder) Stop(ctx context.Context, callID string, kind Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops = append(r.stops, callID)
	delete(r.sessions, callID)
	return nil
}

func (r *fakeRecorder) Running(ctx context.Context, callID string, kind Kind) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *fakeRecorder) HasSession(callID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[callID]
}

func (r *fakeRecorder) StopAsync(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopAsyncs = append(r.stopAsyncs, callID)
	delete(r.sessions, callID)
}

func (r *fakeRecorder) stopAsyncCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.stopAsyncs)
}

type inviteEvent struct {
	call    Call
	members []Member
}

type fakeInvites struct {
	ch chan inviteEvent
}

func (f *fakeInvites) CallInvited(ctx context.Context, c Call, invitees []Member) error {
	f.ch <- inviteEvent{call: c, members: invitees}
	return nil
}

type coordFixture struct {
	co      *Coordinator
	store   *memStore
	dir     *memDirectory
	relay   *signal.Relay
	q       *queue.Queue
	rec     *fakeRecorder
	invites *fakeInvites
}

func testGroup() *Group {
	members := map[string]Member{
		"alice": {MemberID: "alice", UserID: "alice-u", Role: RoleMember, DisplayName: "Alice", Email: "alice@example.com"},
		"bob":   {MemberID: "bob", UserID: "bob-u", Role: RoleMember, DisplayName: "Bob", Email: "bob@example.com"},
		"carol": {MemberID: "carol", UserID: "carol-u", Role: RoleMember, DisplayName: "Carol", Email: "carol@example.com"},
		"dana":  {MemberID: "dana", UserID: "dana-u", Role: RoleAdmin, DisplayName: "Dana", Email: "dana@example.com"},
		"sam":   {MemberID: "sam", UserID: "sam-u", Role: RoleSupervisor, DisplayName: "Sam", Email: "sam@example.com"},
	}
	return &Group{ID: "g1", Members: members}
}

func newFixture(t *testing.T) *coordFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newMemStore()
	dir := &memDirectory{group: testGroup()}
	relay := signal.NewRelay(5*time.Minute, logger)
	q := queue.New(queue.Config{
		MaxConcurrent:   2,
		Timeout:         10 * time.Minute,
		CleanupInterval: 30 * time.Second,
		AlertCooldown:   5 * time.Minute,
	}, nil, logger)
	rec := newFakeRecorder(q)
	invites := &fakeInvites{ch: make(chan inviteEvent, 8)}

	co := NewCoordinator(store, dir, DefaultPolicy{}, relay, q, rec, logger)
	co.SetInviteNotifier(invites)
	return &coordFixture{co: co, store: store, dir: dir, relay: relay, q: q, rec: rec, invites: invites}
}

func (f *coordFixture) auth(memberID string) AuthContext {
	m := f.dir.group.Members[memberID]
	role := m.Role
	if role == "" {
		role = RoleMember
	}
	return AuthContext{
		UserID:      memberID + "-u",
		MemberID:    memberID,
		GroupID:     "g1",
		Role:        role,
		DisplayName: m.DisplayName,
		Email:       m.Email,
	}
}

func (f *coordFixture) initiate(t *testing.T, initiator string, kind Kind, invitees ...string) *Detail {
	t.Helper()
	d, err := f.co.Initiate(context.Background(), f.auth(initiator), kind, invitees)
	if err != nil {
		t.Fatalf("Initiate() error: %v", err)
	}
	return d
}

func (f *coordFixture) accept(t *testing.T, callID, member string) *Detail {
	t.Helper()
	d, err := f.co.Respond(context.Background(), f.auth(member), callID, true)
	if err != nil {
		t.Fatalf("Respond(%s, accept) error: %v", member, err)
	}
	return d
}

func (f *coordFixture) activeCall(t *testing.T) *Detail {
	t.Helper()
	d := f.initiate(t, "alice", KindVoice, "bob")
	return f.accept(t, d.Call.ID, "bob")
}

func TestInitiateCreatesRingingCall(t *testing.T) {
	f := newFixture(t)

	d := f.initiate(t, "alice", KindVideo, "bob", "carol")
	if d.Call.Status != StatusRinging {
		t.Errorf("status = %s, want ringing", d.Call.Status)
	}
	if d.Call.InitiatorID != "alice" || d.Call.Kind != KindVideo {
		t.Errorf("call = %+v", d.Call)
	}
	if len(d.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(d.Participants))
	}
	for _, p := range d.Participants {
		if p.Status != ParticipantInvited {
			t.Errorf("participant %s status = %s, want invited", p.MemberID, p.Status)
		}
	}

	stored, err := f.store.GetCall(context.Background(), "g1", d.Call.ID)
	if err != nil || stored == nil {
		t.Fatalf("stored call = %v, %v", stored, err)
	}

	select {
	case ev := <-f.invites.ch:
		if len(ev.members) != 2 {
			t.Errorf("invited members = %d, want 2", len(ev.members))
		}
		if ev.call.ID != d.Call.ID {
			t.Errorf("invite call id = %s, want %s", ev.call.ID, d.Call.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("invite push never sent")
	}
}

func TestInitiateRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.co.Initiate(ctx, f.auth("sam"), KindVoice, []string{"bob"}); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("supervisor initiate error = %v, want ErrPermissionDenied", err)
	}
	if _, err := f.co.Initiate(ctx, f.auth("alice"), Kind("group"), []string{"bob"}); !errors.Is(err, ErrInvalidKind) {
		t.Errorf("bad kind error = %v, want ErrInvalidKind", err)
	}
	if _, err := f.co.Initiate(ctx, f.auth("alice"), KindVoice, nil); !errors.Is(err, ErrInvalidInvitees) {
		t.Errorf("no invitees error = %v, want ErrInvalidInvitees", err)
	}
	if _, err := f.co.Initiate(ctx, f.auth("alice"), KindVoice, []string{"sam"}); !errors.Is(err, ErrSupervisorNotAllowed) {
		t.Errorf("supervisor invitee error = %v, want ErrSupervisorNotAllowed", err)
	}
	if _, err := f.co.Initiate(ctx, f.auth("alice"), KindVoice, []string{"zoe"}); !errors.Is(err, ErrInvalidInvitees) {
		t.Errorf("unknown invitee error = %v, want ErrInvalidInvitees", err)
	}

	outsider := AuthContext{UserID: "zoe-u", MemberID: "zoe", GroupID: "g1", Role: RoleMember}
	if _, err := f.co.Initiate(ctx, outsider, KindVoice, []string{"bob"}); !errors.Is(err, ErrNotMember) {
		t.Errorf("outsider initiate error = %v, want ErrNotMember", err)
	}

	f.dir.group.Settings.ReadOnly = true
	if _, err := f.co.Initiate(ctx, f.auth("alice"), KindVoice, []string{"bob"}); !errors.Is(err, ErrReadOnlyGroup) {
		t.Errorf("read-only error = %v, want ErrReadOnlyGroup", err)
	}
	f.dir.group.Settings.ReadOnly = false

	f.dir.err = errors.New("family backend down")
	if _, err := f.co.Initiate(ctx, f.auth("alice"), KindVoice, []string{"bob"}); err == nil {
		t.Error("directory failure: error = nil, want error")
	}
}

func TestRespondAcceptActivates(t *testing.T) {
	f := newFixture(t)
	d := f.initiate(t, "alice", KindVoice, "bob", "carol")

	got := f.accept(t, d.Call.ID, "bob")
	if got.Call.Status != StatusActive {
		t.Fatalf("status = %s, want active", got.Call.Status)
	}
	if got.Call.ConnectedAt == nil {
		t.Fatal("ConnectedAt = nil after first accept")
	}

	// A later reject leaves the call active.
	after, err := f.co.Respond(context.Background(), f.auth("carol"), d.Call.ID, false)
	if err != nil {
		t.Fatalf("Respond(carol, reject) error: %v", err)
	}
	if after.Call.Status != StatusActive {
		t.Errorf("status after reject = %s, want active", after.Call.Status)
	}

	stored, _ := f.store.GetCall(context.Background(), "g1", d.Call.ID)
	if stored.Status != StatusActive || stored.ConnectedAt == nil {
		t.Errorf("stored call = %+v, want active with ConnectedAt", stored)
	}
}

func TestRespondAllRejectMissed(t *testing.T) {
	f := newFixture(t)
	d := f.initiate(t, "alice", KindVoice, "bob", "carol")

	// Seed a mailbox so we can observe the relay being dropped.
	if err := f.co.Deposit(context.Background(), f.auth("alice"), d.Call.ID, "offer", json.RawMessage(`{}`), ""); err != nil {
		t.Fatalf("Deposit() error: %v", err)
	}

	if _, err := f.co.Respond(context.Background(), f.auth("bob"), d.Call.ID, false); err != nil {
		t.Fatalf("Respond(bob) error: %v", err)
	}
	got, err := f.co.Respond(context.Background(), f.auth("carol"), d.Call.ID, false)
	if err != nil {
		t.Fatalf("Respond(carol) error: %v", err)
	}

	if got.Call.Status != StatusMissed {
		t.Errorf("status = %s, want missed", got.Call.Status)
	}
	if got.Call.EndedAt == nil {
		t.Error("EndedAt = nil for missed call")
	}
	if got.Call.DurationMs != nil {
		t.Errorf("DurationMs = %v, want nil for never-connected call", *got.Call.DurationMs)
	}
	if st := f.relay.Stats(); st.Calls != 0 {
		t.Errorf("relay calls = %d, want 0 after call went terminal", st.Calls)
	}
}

func TestLeaveLastParticipantEndsCall(t *testing.T) {
	f := newFixture(t)
	d := f.activeCall(t)

	got, err := f.co.Leave(context.Background(), f.auth("bob"), d.Call.ID)
	if err != nil {
		t.Fatalf("Leave() error: %v", err)
	}
	if got.Call.Status != StatusEnded {
		t.Fatalf("status = %s, want ended", got.Call.Status)
	}
	if got.Call.DurationMs == nil {
		t.Fatal("DurationMs = nil for connected call")
	}
	if f.rec.stopAsyncCount() != 1 {
		t.Errorf("recorder StopAsync calls = %d, want 1", f.rec.stopAsyncCount())
	}

	// Leaving again is an idempotent no-op even though the call ended.
	if _, err := f.co.Leave(context.Background(), f.auth("bob"), d.Call.ID); err != nil {
		t.Errorf("second Leave() error = %v, want nil", err)
	}
	// The initiator leaving a terminal call is rejected.
	if _, err := f.co.Leave(context.Background(), f.auth("alice"), d.Call.ID); !errors.Is(err, ErrCallTerminal) {
		t.Errorf("initiator Leave() error = %v, want ErrCallTerminal", err)
	}
}

func TestEndCall(t *testing.T) {
	f := newFixture(t)
	d := f.activeCall(t)

	if _, err := f.co.EndCall(context.Background(), f.auth("carol"), d.Call.ID); !errors.Is(err, ErrParticipantNotFound) {
		t.Errorf("outsider EndCall() error = %v, want ErrParticipantNotFound", err)
	}

	got, err := f.co.EndCall(context.Background(), f.auth("bob"), d.Call.ID)
	if err != nil {
		t.Fatalf("EndCall() error: %v", err)
	}
	if got.Call.Status != StatusEnded {
		t.Errorf("status = %s, want ended", got.Call.Status)
	}
	for _, p := range got.Participants {
		if !p.Status.Terminal() {
			t.Errorf("participant %s status = %s, want terminal", p.MemberID, p.Status)
		}
	}

	if _, err := f.co.EndCall(context.Background(), f.auth("alice"), d.Call.ID); !errors.Is(err, ErrCallTerminal) {
		t.Errorf("EndCall() on ended call error = %v, want ErrCallTerminal", err)
	}
}

func TestSignalRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.activeCall(t)

	offer := json.RawMessage(`{"sdp":"v=0"}`)
	if err := f.co.Deposit(ctx, f.auth("alice"), d.Call.ID, "offer", offer, ""); err != nil {
		t.Fatalf("Deposit() error: %v", err)
	}

	batch, err := f.co.Drain(ctx, f.auth("bob"), d.Call.ID)
	if err != nil {
		t.Fatalf("Drain() error: %v", err)
	}
	if len(batch.Signals) != 1 {
		t.Fatalf("signals = %d, want 1", len(batch.Signals))
	}
	if batch.Signals[0].Type != "offer" || batch.Signals[0].FromPeerID != "alice" {
		t.Errorf("signal = %+v", batch.Signals[0])
	}
	if batch.MyPeerID != "bob" {
		t.Errorf("MyPeerID = %q, want bob", batch.MyPeerID)
	}
	if len(batch.Peers) != 1 || batch.Peers[0] != "alice" {
		t.Errorf("peers = %v, want [alice]", batch.Peers)
	}

	// Draining promotes the accepted participant to joined.
	parts, _ := f.store.Participants(ctx, d.Call.ID)
	if parts[0].Status != ParticipantJoined {
		t.Errorf("bob status = %s, want joined after drain", parts[0].Status)
	}

	// Second drain returns nothing: delivery is at most once.
	batch, err = f.co.Drain(ctx, f.auth("bob"), d.Call.ID)
	if err != nil {
		t.Fatalf("second Drain() error: %v", err)
	}
	if len(batch.Signals) != 0 {
		t.Errorf("second drain signals = %d, want 0", len(batch.Signals))
	}
}

func TestSignalWithRecorderPeer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.activeCall(t)

	// No session yet: targeting the recorder is rejected.
	err := f.co.Deposit(ctx, f.auth("alice"), d.Call.ID, "offer", json.RawMessage(`{}`), RecorderPeerID)
	if !errors.Is(err, ErrParticipantNotFound) {
		t.Fatalf("Deposit(recorder) error = %v, want ErrParticipantNotFound", err)
	}

	f.rec.mu.Lock()
	f.rec.sessions[d.Call.ID] = true
	f.rec.mu.Unlock()

	if err := f.co.Deposit(ctx, f.auth("alice"), d.Call.ID, "offer", json.RawMessage(`{"sdp":"x"}`), ""); err != nil {
		t.Fatalf("broadcast Deposit() error: %v", err)
	}

	batch, err := f.co.RecorderSignals(ctx, "g1", d.Call.ID)
	if err != nil {
		t.Fatalf("RecorderSignals() error: %v", err)
	}
	if len(batch.Signals) != 1 || batch.Signals[0].FromPeerID != "alice" {
		t.Fatalf("recorder signals = %+v, want one from alice", batch.Signals)
	}
	if batch.MyPeerID != RecorderPeerID {
		t.Errorf("MyPeerID = %q, want recorder", batch.MyPeerID)
	}

	if err := f.co.SendRecorderSignal(ctx, "g1", d.Call.ID, "answer", json.RawMessage(`{}`), "alice"); err != nil {
		t.Fatalf("SendRecorderSignal() error: %v", err)
	}
	got, err := f.co.Drain(ctx, f.auth("alice"), d.Call.ID)
	if err != nil {
		t.Fatalf("Drain(alice) error: %v", err)
	}
	if len(got.Signals) != 1 || got.Signals[0].FromPeerID != RecorderPeerID {
		t.Fatalf("alice signals = %+v, want one from recorder", got.Signals)
	}
	if !contains(got.Peers, RecorderPeerID) {
		t.Errorf("peers = %v, want recorder included", got.Peers)
	}
}

func TestDepositGates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.initiate(t, "alice", KindVoice, "bob")
	payload := json.RawMessage(`{}`)

	if err := f.co.Deposit(ctx, f.auth("carol"), d.Call.ID, "offer", payload, ""); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("outsider Deposit() error = %v, want ErrPermissionDenied", err)
	}
	if err := f.co.Deposit(ctx, f.auth("alice"), d.Call.ID, "offer", payload, "carol"); !errors.Is(err, ErrParticipantNotFound) {
		t.Errorf("unknown target error = %v, want ErrParticipantNotFound", err)
	}

	if _, err := f.co.Respond(ctx, f.auth("bob"), d.Call.ID, false); err != nil {
		t.Fatalf("Respond() error: %v", err)
	}
	// The call is now missed; deposits are rejected outright.
	if err := f.co.Deposit(ctx, f.auth("alice"), d.Call.ID, "offer", payload, ""); !errors.Is(err, ErrCallTerminal) {
		t.Errorf("terminal Deposit() error = %v, want ErrCallTerminal", err)
	}
	// Draining stays legal on a terminal call.
	if _, err := f.co.Drain(ctx, f.auth("alice"), d.Call.ID); err != nil {
		t.Errorf("terminal Drain() error = %v, want nil", err)
	}
	if _, err := f.co.Drain(ctx, f.auth("carol"), d.Call.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("outsider Drain() error = %v, want ErrPermissionDenied", err)
	}
}

func TestStartRecording(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.activeCall(t)

	res, err := f.co.StartRecording(ctx, f.auth("alice"), d.Call.ID)
	if err != nil {
		t.Fatalf("StartRecording() error: %v", err)
	}
	if !res.Started || res.Queued != nil {
		t.Fatalf("result = %+v, want started", res)
	}
	stored, _ := f.store.GetCall(ctx, "g1", d.Call.ID)
	if stored.Recording.Status != RecordingRunning {
		t.Errorf("recording status = %s, want recording", stored.Recording.Status)
	}
	if st := f.q.Status(); st.Active != 1 {
		t.Errorf("queue active = %d, want 1", st.Active)
	}

	// A second start is rejected while the first is running.
	if _, err := f.co.StartRecording(ctx, f.auth("bob"), d.Call.ID); !errors.Is(err, ErrRecordingAlreadyRunning) {
		t.Errorf("second StartRecording() error = %v, want ErrRecordingAlreadyRunning", err)
	}
	if f.rec.starts != 1 {
		t.Errorf("recorder starts = %d, want 1", f.rec.starts)
	}
}

func TestStartRecordingValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ringing := f.initiate(t, "alice", KindVoice, "bob", "carol")
	if _, err := f.co.StartRecording(ctx, f.auth("alice"), ringing.Call.ID); !errors.Is(err, ErrCallNotActive) {
		t.Errorf("ringing StartRecording() error = %v, want ErrCallNotActive", err)
	}

	f.accept(t, ringing.Call.ID, "bob")
	// carol is still invited, not present: she cannot start a recording.
	if _, err := f.co.StartRecording(ctx, f.auth("carol"), ringing.Call.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("invited StartRecording() error = %v, want ErrPermissionDenied", err)
	}
	if _, err := f.co.StartRecording(ctx, f.auth("sam"), ringing.Call.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("supervisor StartRecording() error = %v, want ErrPermissionDenied", err)
	}

	if _, err := f.co.EndCall(ctx, f.auth("alice"), ringing.Call.ID); err != nil {
		t.Fatalf("EndCall() error: %v", err)
	}
	if _, err := f.co.StartRecording(ctx, f.auth("alice"), ringing.Call.ID); !errors.Is(err, ErrCallTerminal) {
		t.Errorf("terminal StartRecording() error = %v, want ErrCallTerminal", err)
	}

	if _, err := f.co.StartRecording(ctx, f.auth("alice"), "missing"); !errors.Is(err, ErrCallNotFound) {
		t.Errorf("missing call StartRecording() error = %v, want ErrCallNotFound", err)
	}
}

func TestStartRecordingQueuedAtCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.activeCall(t)

	// Two other recordings already hold the slots.
	f.q.Admit(ctx, queue.AdmitRequest{UserID: "x", GroupID: "g2", Kind: "voice"})
	f.q.Admit(ctx, queue.AdmitRequest{UserID: "y", GroupID: "g2", Kind: "voice"})

	res, err := f.co.StartRecording(ctx, f.auth("alice"), d.Call.ID)
	if err != nil {
		t.Fatalf("StartRecording() error: %v", err)
	}
	if res.Started || res.Queued == nil {
		t.Fatalf("result = %+v, want queued", res)
	}
	if res.Queued.Position != 1 {
		t.Errorf("position = %d, want 1", res.Queued.Position)
	}
	if res.Queued.EstimatedWaitMinutes != 5 {
		t.Errorf("estimated wait = %d, want 5", res.Queued.EstimatedWaitMinutes)
	}
	if f.rec.starts != 0 {
		t.Errorf("recorder starts = %d, want 0 while queued", f.rec.starts)
	}
	stored, _ := f.store.GetCall(ctx, "g1", d.Call.ID)
	if stored.Recording.Status != RecordingNone {
		t.Errorf("recording status = %s, want none while queued", stored.Recording.Status)
	}
}

func TestStartRecordingBackendDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.activeCall(t)

	f.rec.startErr = ErrBackendUnavailable
	_, err := f.co.StartRecording(ctx, f.auth("alice"), d.Call.ID)
	if !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("StartRecording() error = %v, want ErrBackendUnavailable", err)
	}
	if st := f.q.Status(); st.Active != 0 {
		t.Errorf("queue active = %d, want 0 after aborted start", st.Active)
	}
	stored, _ := f.store.GetCall(ctx, "g1", d.Call.ID)
	if stored.Recording.Status != RecordingNone {
		t.Errorf("recording status = %s, want none", stored.Recording.Status)
	}
}

func TestStartRecordingCallEndsDuringStart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.activeCall(t)

	f.rec.onStart = func(callID string) {
		f.store.setStatus(callID, StatusEnded)
	}
	_, err := f.co.StartRecording(ctx, f.auth("alice"), d.Call.ID)
	if !errors.Is(err, ErrCallTerminal) {
		t.Fatalf("StartRecording() error = %v, want ErrCallTerminal", err)
	}
	if f.rec.stopAsyncCount() != 1 {
		t.Errorf("StopAsync calls = %d, want 1 to unwind the orphan session", f.rec.stopAsyncCount())
	}
}

func TestStopRecording(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.activeCall(t)

	// Stopping with nothing running is a no-op.
	if err := f.co.StopRecording(ctx, f.auth("bob"), d.Call.ID); err != nil {
		t.Errorf("StopRecording() error = %v, want nil", err)
	}
	if err := f.co.StopRecording(ctx, f.auth("carol"), d.Call.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("outsider StopRecording() error = %v, want ErrPermissionDenied", err)
	}

	if _, err := f.co.StartRecording(ctx, f.auth("alice"), d.Call.ID); err != nil {
		t.Fatalf("StartRecording() error: %v", err)
	}
	if err := f.co.StopRecording(ctx, f.auth("alice"), d.Call.ID); err != nil {
		t.Fatalf("StopRecording() error: %v", err)
	}
	if len(f.rec.stops) != 1 {
		t.Errorf("recorder stops = %d, want 1", len(f.rec.stops))
	}

	// Stopping remains possible after the call ended.
	if _, err := f.co.EndCall(ctx, f.auth("alice"), d.Call.ID); err != nil {
		t.Fatalf("EndCall() error: %v", err)
	}
	if err := f.co.StopRecording(ctx, f.auth("alice"), d.Call.ID); err != nil {
		t.Errorf("post-end StopRecording() error = %v, want nil", err)
	}
}

func TestRecordingLifecycleStatuses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.activeCall(t)

	if _, err := f.co.StartRecording(ctx, f.auth("alice"), d.Call.ID); err != nil {
		t.Fatalf("StartRecording() error: %v", err)
	}

	if err := f.co.MarkRecordingProcessing(ctx, "g1", d.Call.ID); err != nil {
		t.Fatalf("MarkRecordingProcessing() error: %v", err)
	}
	stored, _ := f.store.GetCall(ctx, "g1", d.Call.ID)
	if stored.Recording.Status != RecordingProcessing {
		t.Fatalf("recording status = %s, want processing", stored.Recording.Status)
	}
	// Marking again is a no-op.
	if err := f.co.MarkRecordingProcessing(ctx, "g1", d.Call.ID); err != nil {
		t.Errorf("second MarkRecordingProcessing() error = %v", err)
	}

	dur := int64(42000)
	size := int64(1 << 20)
	c, err := f.co.CompleteRecording(ctx, "g1", d.Call.ID, RecordingResult{
		FileID:     "file-1",
		URL:        "/groups/g1/calls/" + d.Call.ID + "/recording",
		DurationMs: &dur,
		SizeBytes:  &size,
	})
	if err != nil {
		t.Fatalf("CompleteRecording() error: %v", err)
	}
	if c.Recording.Status != RecordingReady || c.Recording.FileID != "file-1" {
		t.Errorf("recording = %+v, want ready file-1", c.Recording)
	}

	// A second completion is rejected, and a late failure cannot clobber
	// the ready artifact.
	if _, err := f.co.CompleteRecording(ctx, "g1", d.Call.ID, RecordingResult{FileID: "file-2"}); !errors.Is(err, ErrRecordingNotActive) {
		t.Errorf("second CompleteRecording() error = %v, want ErrRecordingNotActive", err)
	}
	if err := f.co.FailRecording(ctx, "g1", d.Call.ID); err != nil {
		t.Fatalf("FailRecording() error: %v", err)
	}
	stored, _ = f.store.GetCall(ctx, "g1", d.Call.ID)
	if stored.Recording.Status != RecordingReady {
		t.Errorf("recording status = %s, want ready preserved", stored.Recording.Status)
	}
}

func TestFailRecordingFromRunning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.activeCall(t)

	if _, err := f.co.StartRecording(ctx, f.auth("alice"), d.Call.ID); err != nil {
		t.Fatalf("StartRecording() error: %v", err)
	}
	if err := f.co.FailRecording(ctx, "g1", d.Call.ID); err != nil {
		t.Fatalf("FailRecording() error: %v", err)
	}
	stored, _ := f.store.GetCall(ctx, "g1", d.Call.ID)
	if stored.Recording.Status != RecordingFailed {
		t.Errorf("recording status = %s, want failed", stored.Recording.Status)
	}

	// Completion after the failure is rejected.
	if _, err := f.co.CompleteRecording(ctx, "g1", d.Call.ID, RecordingResult{FileID: "late"}); !errors.Is(err, ErrRecordingNotActive) {
		t.Errorf("late CompleteRecording() error = %v, want ErrRecordingNotActive", err)
	}
}

func TestHideRecording(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.activeCall(t)

	if _, err := f.co.HideRecording(ctx, f.auth("dana"), d.Call.ID); !errors.Is(err, ErrNoRecording) {
		t.Errorf("HideRecording() without recording error = %v, want ErrNoRecording", err)
	}

	if _, err := f.co.StartRecording(ctx, f.auth("alice"), d.Call.ID); err != nil {
		t.Fatalf("StartRecording() error: %v", err)
	}
	if _, err := f.co.CompleteRecording(ctx, "g1", d.Call.ID, RecordingResult{FileID: "f1"}); err != nil {
		t.Fatalf("CompleteRecording() error: %v", err)
	}

	if _, err := f.co.HideRecording(ctx, f.auth("bob"), d.Call.ID); !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("member HideRecording() error = %v, want ErrPermissionDenied", err)
	}

	got, err := f.co.HideRecording(ctx, f.auth("dana"), d.Call.ID)
	if err != nil {
		t.Fatalf("HideRecording() error: %v", err)
	}
	if !got.Call.Recording.Hidden || got.Call.Recording.HiddenByID != "dana" {
		t.Errorf("recording = %+v, want hidden by dana", got.Call.Recording)
	}

	if _, err := f.co.HideRecording(ctx, f.auth("dana"), d.Call.ID); !errors.Is(err, ErrAlreadyHidden) {
		t.Errorf("second HideRecording() error = %v, want ErrAlreadyHidden", err)
	}

	// Members see the call as never recorded; admins still see it.
	asBob, _, err := f.co.ListCalls(ctx, f.auth("bob"), ListFilter{})
	if err != nil {
		t.Fatalf("ListCalls(bob) error: %v", err)
	}
	if got := asBob[0].Call.Recording.Status; got != RecordingNone {
		t.Errorf("bob sees recording status %s, want none", got)
	}
	asDana, _, err := f.co.ListCalls(ctx, f.auth("dana"), ListFilter{})
	if err != nil {
		t.Fatalf("ListCalls(dana) error: %v", err)
	}
	if !asDana[0].Call.Recording.Hidden || asDana[0].Call.Recording.FileID != "f1" {
		t.Errorf("dana sees recording = %+v, want hidden with file", asDana[0].Call.Recording)
	}
}

func TestGetCallScoping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.activeCall(t)

	got, err := f.co.GetCall(ctx, f.auth("bob"), d.Call.ID)
	if err != nil {
		t.Fatalf("GetCall(bob) error: %v", err)
	}
	if got.Call.ID != d.Call.ID || len(got.Participants) != 1 {
		t.Errorf("detail = %+v, want the call with its participant row", got)
	}

	// Non-admins cannot discover calls they have no part in.
	if _, err := f.co.GetCall(ctx, f.auth("carol"), d.Call.ID); !errors.Is(err, ErrCallNotFound) {
		t.Errorf("GetCall(carol) error = %v, want ErrCallNotFound", err)
	}
	if _, err := f.co.GetCall(ctx, f.auth("sam"), d.Call.ID); !errors.Is(err, ErrCallNotFound) {
		t.Errorf("GetCall(sam) error = %v, want ErrCallNotFound", err)
	}
	if _, err := f.co.GetCall(ctx, f.auth("dana"), "nope"); !errors.Is(err, ErrCallNotFound) {
		t.Errorf("GetCall(unknown) error = %v, want ErrCallNotFound", err)
	}

	if _, err := f.co.StartRecording(ctx, f.auth("alice"), d.Call.ID); err != nil {
		t.Fatalf("StartRecording() error: %v", err)
	}
	if _, err := f.co.CompleteRecording(ctx, "g1", d.Call.ID, RecordingResult{FileID: "f1"}); err != nil {
		t.Fatalf("CompleteRecording() error: %v", err)
	}
	if _, err := f.co.HideRecording(ctx, f.auth("dana"), d.Call.ID); err != nil {
		t.Fatalf("HideRecording() error: %v", err)
	}

	// A hidden recording is stripped for the participant but kept for
	// the admin.
	asAlice, err := f.co.GetCall(ctx, f.auth("alice"), d.Call.ID)
	if err != nil {
		t.Fatalf("GetCall(alice) error: %v", err)
	}
	if asAlice.Call.Recording.Status != RecordingNone {
		t.Errorf("alice sees recording status %s, want none", asAlice.Call.Recording.Status)
	}
	asDana, err := f.co.GetCall(ctx, f.auth("dana"), d.Call.ID)
	if err != nil {
		t.Fatalf("GetCall(dana) error: %v", err)
	}
	if !asDana.Call.Recording.Hidden || asDana.Call.Recording.FileID != "f1" {
		t.Errorf("dana sees recording = %+v, want hidden with file", asDana.Call.Recording)
	}
}

func TestListCallsScoping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.initiate(t, "alice", KindVoice, "bob")
	f.initiate(t, "alice", KindVideo, "carol")
	f.initiate(t, "bob", KindVoice, "carol")

	all, total, err := f.co.ListCalls(ctx, f.auth("dana"), ListFilter{})
	if err != nil {
		t.Fatalf("ListCalls(admin) error: %v", err)
	}
	if total != 3 || len(all) != 3 {
		t.Errorf("admin list = %d/%d, want 3/3", len(all), total)
	}

	_, total, err = f.co.ListCalls(ctx, f.auth("bob"), ListFilter{})
	if err != nil {
		t.Fatalf("ListCalls(bob) error: %v", err)
	}
	if total != 2 {
		t.Errorf("bob total = %d, want 2", total)
	}

	_, total, err = f.co.ListCalls(ctx, f.auth("sam"), ListFilter{})
	if err != nil {
		t.Fatalf("ListCalls(sam) error: %v", err)
	}
	if total != 0 {
		t.Errorf("supervisor total = %d, want 0", total)
	}

	_, total, err = f.co.ListCalls(ctx, f.auth("dana"), ListFilter{Kind: KindVideo})
	if err != nil {
		t.Fatalf("ListCalls(kind) error: %v", err)
	}
	if total != 1 {
		t.Errorf("video total = %d, want 1", total)
	}
}

func TestListActiveSplit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	onCall := f.activeCall(t)                          // alice -> bob, bob accepted
	ringing := f.initiate(t, "carol", KindVoice, "bob") // ringing for bob
	f.initiate(t, "dana", KindVideo, "carol")           // bob uninvolved

	got, err := f.co.ListActive(ctx, f.auth("bob"), "")
	if err != nil {
		t.Fatalf("ListActive() error: %v", err)
	}
	if len(got.Active) != 1 || got.Active[0].Call.ID != onCall.Call.ID {
		t.Errorf("active = %+v, want the accepted call", got.Active)
	}
	if len(got.Incoming) != 1 || got.Incoming[0].Call.ID != ringing.Call.ID {
		t.Errorf("incoming = %+v, want the ringing call", got.Incoming)
	}

	// Kind filter drops non-matching calls.
	onlyVideo, err := f.co.ListActive(ctx, f.auth("bob"), KindVideo)
	if err != nil {
		t.Fatalf("ListActive(video) error: %v", err)
	}
	if len(onlyVideo.Active) != 0 || len(onlyVideo.Incoming) != 0 {
		t.Errorf("video split = %+v, want empty", onlyVideo)
	}

	// The initiator sees their ringing call as active.
	asCarol, err := f.co.ListActive(ctx, f.auth("carol"), "")
	if err != nil {
		t.Fatalf("ListActive(carol) error: %v", err)
	}
	if len(asCarol.Active) != 1 || asCarol.Active[0].Call.ID != ringing.Call.ID {
		t.Errorf("carol active = %+v, want her ringing call", asCarol.Active)
	}
}

func TestRecordingStatusQueriesFarm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	d := f.activeCall(t)

	f.rec.running = true
	running, err := f.co.RecordingStatus(ctx, f.auth("bob"), d.Call.ID)
	if err != nil {
		t.Fatalf("RecordingStatus() error: %v", err)
	}
	if !running {
		t.Error("RecordingStatus() = false, want true")
	}
	if _, err := f.co.RecordingStatus(ctx, f.auth("bob"), "missing"); !errors.Is(err, ErrCallNotFound) {
		t.Errorf("missing call error = %v, want ErrCallNotFound", err)
	}
}

func TestSyncRecordingSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.activeCall(t)
	if _, err := f.co.StartRecording(ctx, f.auth("alice"), first.Call.ID); err != nil {
		t.Fatalf("StartRecording() error: %v", err)
	}

	// Simulate a restart: the queue forgot the running recording.
	f.q.SyncActive(0)
	if st := f.q.Status(); st.Active != 0 {
		t.Fatalf("queue active = %d, want 0 after reset", st.Active)
	}

	if err := f.co.SyncRecordingSlots(ctx); err != nil {
		t.Fatalf("SyncRecordingSlots() error: %v", err)
	}
	if st := f.q.Status(); st.Active != 1 {
		t.Errorf("queue active = %d, want 1 after reconcile", st.Active)
	}
}
