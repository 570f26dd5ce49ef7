package recording

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/famcall/famcall/internal/call"
)

// copyTranscoder stands in for ffmpeg by copying the spool verbatim.
type copyTranscoder struct {
	err error
}

func (t copyTranscoder) Transcode(ctx context.Context, src, dst string, kind call.Kind) error {
	if t.err != nil {
		return t.err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

type fakeCallDir struct {
	mu          sync.Mutex
	detail      call.Detail
	snapErr     error
	completeErr error
	completed   []call.RecordingResult
}

func (f *fakeCallDir) Snapshot(ctx context.Context, groupID, callID string) (*call.Detail, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapErr != nil {
		return nil, f.snapErr
	}
	d := f.detail
	return &d, nil
}

func (f *fakeCallDir) CompleteRecording(ctx context.Context, groupID, callID string, res call.RecordingResult) (*call.Call, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	f.completed = append(f.completed, res)
	c := f.detail.Call
	c.Recording = call.Recording{Status: call.RecordingReady, FileID: res.FileID, URL: res.URL}
	return &c, nil
}

type fakeSlots struct {
	mu       sync.Mutex
	released []string
}

func (f *fakeSlots) ReleaseSlot(callID string, kind call.Kind) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, callID)
	return len(f.released) == 1
}

func (f *fakeSlots) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.released)
}

func voiceCallDetail() call.Detail {
	return call.Detail{
		Call: call.Call{
			ID:          "c1",
			GroupID:     "g1",
			Kind:        call.KindVoice,
			InitiatorID: "alice",
			Status:      call.StatusEnded,
			Recording:   call.Recording{Status: call.RecordingProcessing},
		},
		Participants: []call.Participant{
			{CallID: "c1", MemberID: "bob", Status: call.ParticipantLeft},
		},
	}
}

func testIngestor(t *testing.T, trans Transcoder, calls CallDirectory, slots Slots) (*Ingestor, *Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	return NewIngestor(store, trans, calls, slots, logger), store
}

func dirEntries(t *testing.T, store *Store) []string {
	t.Helper()
	entries, err := os.ReadDir(store.dir)
	if err != nil {
		t.Fatalf("reading recordings dir: %v", err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names
}

func TestIngestHappyPath(t *testing.T) {
	calls := &fakeCallDir{detail: voiceCallDetail()}
	slots := &fakeSlots{}
	in, store := testIngestor(t, copyTranscoder{}, calls, slots)

	dur := int64(120000)
	c, err := in.Ingest(context.Background(), Upload{
		GroupID:    "g1",
		CallID:     "c1",
		MemberID:   "alice",
		DurationMs: &dur,
		Media:      strings.NewReader("fake-webm-bytes"),
	})
	if err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	if c.Recording.Status != call.RecordingReady {
		t.Errorf("recording status = %s, want ready", c.Recording.Status)
	}

	if len(calls.completed) != 1 {
		t.Fatalf("completions = %d, want 1", len(calls.completed))
	}
	res := calls.completed[0]
	if res.FileID == "" {
		t.Error("FileID empty")
	}
	if res.URL != "/groups/g1/calls/c1/recording" {
		t.Errorf("URL = %q", res.URL)
	}
	if res.DurationMs == nil || *res.DurationMs != 120000 {
		t.Errorf("DurationMs = %v, want 120000", res.DurationMs)
	}
	if res.SizeBytes == nil || *res.SizeBytes != int64(len("fake-webm-bytes")) {
		t.Errorf("SizeBytes = %v", res.SizeBytes)
	}

	data, err := os.ReadFile(store.Path(res.FileID, "mp3"))
	if err != nil {
		t.Fatalf("reading artifact: %v", err)
	}
	if string(data) != "fake-webm-bytes" {
		t.Errorf("artifact content = %q", data)
	}
	if slots.count() != 1 {
		t.Errorf("slot releases = %d, want 1", slots.count())
	}

	// The spool file is gone; only the artifact remains.
	if names := dirEntries(t, store); len(names) != 1 {
		t.Errorf("recordings dir = %v, want only the artifact", names)
	}
}

func TestIngestRejectsOutsider(t *testing.T) {
	calls := &fakeCallDir{detail: voiceCallDetail()}
	slots := &fakeSlots{}
	in, store := testIngestor(t, copyTranscoder{}, calls, slots)

	_, err := in.Ingest(context.Background(), Upload{
		GroupID:  "g1",
		CallID:   "c1",
		MemberID: "zoe",
		Media:    strings.NewReader("x"),
	})
	if !errors.Is(err, call.ErrPermissionDenied) {
		t.Fatalf("Ingest() error = %v, want ErrPermissionDenied", err)
	}
	if slots.count() != 0 {
		t.Errorf("slot releases = %d, want 0", slots.count())
	}
	if names := dirEntries(t, store); len(names) != 0 {
		t.Errorf("recordings dir = %v, want empty", names)
	}
}

func TestIngestAllowsParticipantAndFarm(t *testing.T) {
	calls := &fakeCallDir{detail: voiceCallDetail()}
	in, _ := testIngestor(t, copyTranscoder{}, calls, &fakeSlots{})

	if _, err := in.Ingest(context.Background(), Upload{
		GroupID: "g1", CallID: "c1", MemberID: "bob", Media: strings.NewReader("x"),
	}); err != nil {
		t.Errorf("participant Ingest() error: %v", err)
	}

	// Farm callbacks carry no member id; the token check upstream is
	// their authorization.
	if _, err := in.Ingest(context.Background(), Upload{
		GroupID: "g1", CallID: "c1", Media: strings.NewReader("x"),
	}); err != nil {
		t.Errorf("farm Ingest() error: %v", err)
	}
}

func TestIngestLateArtifactDiscarded(t *testing.T) {
	calls := &fakeCallDir{detail: voiceCallDetail(), completeErr: call.ErrRecordingNotActive}
	slots := &fakeSlots{}
	in, store := testIngestor(t, copyTranscoder{}, calls, slots)

	_, err := in.Ingest(context.Background(), Upload{
		GroupID: "g1", CallID: "c1", Media: strings.NewReader("straggler"),
	})
	if !errors.Is(err, call.ErrRecordingNotActive) {
		t.Fatalf("Ingest() error = %v, want ErrRecordingNotActive", err)
	}
	if slots.count() != 0 {
		t.Errorf("slot releases = %d, want 0 for rejected ingest", slots.count())
	}
	if names := dirEntries(t, store); len(names) != 0 {
		t.Errorf("recordings dir = %v, want empty after discard", names)
	}
}

func TestIngestTranscodeFailure(t *testing.T) {
	calls := &fakeCallDir{detail: voiceCallDetail()}
	slots := &fakeSlots{}
	in, store := testIngestor(t, copyTranscoder{err: call.ErrTranscodeFailed}, calls, slots)

	_, err := in.Ingest(context.Background(), Upload{
		GroupID: "g1", CallID: "c1", Media: strings.NewReader("junk"),
	})
	if !errors.Is(err, call.ErrTranscodeFailed) {
		t.Fatalf("Ingest() error = %v, want ErrTranscodeFailed", err)
	}
	if len(calls.completed) != 0 {
		t.Errorf("completions = %d, want 0", len(calls.completed))
	}
	if slots.count() != 0 {
		t.Errorf("slot releases = %d, want 0", slots.count())
	}
	if names := dirEntries(t, store); len(names) != 0 {
		t.Errorf("recordings dir = %v, want empty", names)
	}
}

func TestIngestDurationFallsBackToCall(t *testing.T) {
	detail := voiceCallDetail()
	callDur := int64(90000)
	detail.Call.DurationMs = &callDur
	calls := &fakeCallDir{detail: detail}
	in, _ := testIngestor(t, copyTranscoder{}, calls, &fakeSlots{})

	if _, err := in.Ingest(context.Background(), Upload{
		GroupID: "g1", CallID: "c1", Media: strings.NewReader("x"),
	}); err != nil {
		t.Fatalf("Ingest() error: %v", err)
	}
	res := calls.completed[0]
	if res.DurationMs == nil || *res.DurationMs != 90000 {
		t.Errorf("DurationMs = %v, want call duration 90000", res.DurationMs)
	}
}

func TestStoreRoundTrip(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}

	path, size, err := store.SaveTemp(strings.NewReader("payload"))
	if err != nil {
		t.Fatalf("SaveTemp() error: %v", err)
	}
	if size != int64(len("payload")) {
		t.Errorf("size = %d, want %d", size, len("payload"))
	}
	if filepath.Dir(path) != store.dir {
		t.Errorf("spool dir = %q, want %q", filepath.Dir(path), store.dir)
	}
	os.Remove(path)

	if err := os.WriteFile(store.Path("f1", "mp3"), []byte("audio"), 0o644); err != nil {
		t.Fatalf("writing artifact: %v", err)
	}
	f, info, err := store.Open("f1", "mp3")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer f.Close()
	if info.Size() != 5 {
		t.Errorf("artifact size = %d, want 5", info.Size())
	}

	if err := store.Remove("f1", "mp3"); err != nil {
		t.Errorf("Remove() error: %v", err)
	}
	if err := store.Remove("f1", "mp3"); err != nil {
		t.Errorf("second Remove() error = %v, want nil for missing file", err)
	}
}

type scriptedExpirer struct {
	mu      sync.Mutex
	batches [][]call.ExpiredRecording
}

func (e *scriptedExpirer) ExpireRecordings(ctx context.Context, before time.Time) ([]call.ExpiredRecording, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.batches) == 0 {
		return nil, nil
	}
	batch := e.batches[0]
	e.batches = e.batches[1:]
	return batch, nil
}

func TestRetentionTickerRemovesArtifacts(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error: %v", err)
	}
	artifact := store.Path("old", "mp3")
	if err := os.WriteFile(artifact, []byte("stale"), 0o644); err != nil {
		t.Fatalf("writing artifact: %v", err)
	}

	exp := &scriptedExpirer{batches: [][]call.ExpiredRecording{
		{{FileID: "old", Kind: call.KindVoice}},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	StartRetentionTicker(ctx, exp, store, 10*time.Millisecond, 30, logger)

	deadline := time.After(2 * time.Second)
	for {
		if _, err := os.Stat(artifact); os.IsNotExist(err) {
			return
		}
		select {
		case <-deadline:
			t.Fatal("artifact never removed by retention sweep")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
