package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/famcall/famcall/internal/call"
	"github.com/famcall/famcall/internal/queue"
)

const (
	retryBase   = 500 * time.Millisecond
	retryJitter = 500 * time.Millisecond
)

// CallUpdater is the slice of the call coordinator the recorder needs
// for recording status writes. It is bound after construction because
// the two coordinators reference each other.
type CallUpdater interface {
	MarkRecordingProcessing(ctx context.Context, groupID, callID string) error
	FailRecording(ctx context.Context, groupID, callID string) error
}

// TokenMinter issues the short-lived credential the farm presents on
// its signaling and ingest callbacks.
type TokenMinter interface {
	RecorderToken(groupID, callID string) (string, error)
}

type sessionKey struct {
	callID string
	kind   call.Kind
}

type session struct {
	groupID   string
	userID    string
	startedAt time.Time
	stopping  bool
	grace     *time.Timer
}

// Stats is a point-in-time snapshot for metrics.
type Stats struct {
	Sessions int
	Stopping int
}

// Coordinator tracks capture sessions and owns the admission slot for
// each one: a slot is taken when the backend start succeeds and given
// back exactly once, either by artifact ingest or by the grace timer.
type Coordinator struct {
	backend Backend
	queue   *queue.Queue
	tokens  TokenMinter
	apiBase string
	grace   time.Duration
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[sessionKey]*session

	calls CallUpdater
}

// New creates a session coordinator. apiBase is the public URL the farm
// calls back on; grace is how long after a stop the artifact may take
// to arrive before the recording is failed.
func New(backend Backend, q *queue.Queue, tokens TokenMinter, apiBase string, grace time.Duration, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		backend:  backend,
		queue:    q,
		tokens:   tokens,
		apiBase:  apiBase,
		grace:    grace,
		logger:   logger.With("subsystem", "recorder"),
		sessions: make(map[sessionKey]*session),
	}
}

// BindCalls wires the call-side status writer. Must be called before
// the coordinator handles traffic.
func (c *Coordinator) BindCalls(calls CallUpdater) {
	c.calls = calls
}

// Start boots a capture session for the call. The caller has already
// reserved an admission slot; on any failure the reservation is given
// back here so the caller never has to distinguish failure modes.
func (c *Coordinator) Start(ctx context.Context, groupID, callID string, kind call.Kind, userID string) error {
	key := sessionKey{callID: callID, kind: kind}

	c.mu.Lock()
	if _, exists := c.sessions[key]; exists {
		c.mu.Unlock()
		c.queue.StartAborted()
		return call.ErrRecordingAlreadyRunning
	}
	c.sessions[key] = &session{groupID: groupID, userID: userID, startedAt: time.Now()}
	c.mu.Unlock()

	token, err := c.tokens.RecorderToken(groupID, callID)
	if err != nil {
		c.abortStart(key)
		return fmt.Errorf("minting callback token: %w", err)
	}

	req := StartRequest{
		GroupID:       groupID,
		CallID:        callID,
		Kind:          kind,
		CallbackToken: token,
		APIBase:       c.apiBase,
	}
	if err := c.startWithRetry(ctx, req); err != nil {
		c.abortStart(key)
		c.logger.Error("recorder start failed",
			"call_id", callID,
			"group_id", groupID,
			"kind", kind,
			"error", err,
		)
		return call.ErrBackendUnavailable
	}

	c.queue.RecordingStarted(userID, string(kind))
	c.logger.Info("recording started", "call_id", callID, "group_id", groupID, "kind", kind)
	return nil
}

func (c *Coordinator) startWithRetry(ctx context.Context, req StartRequest) error {
	err := c.backend.Start(ctx, req)
	if err == nil {
		return nil
	}
	// One retry with jitter so concurrent callers do not hammer the
	// farm in lockstep after a blip.
	delay := retryBase + rand.N(retryJitter)
	c.logger.Warn("recorder start failed, retrying",
		"call_id", req.CallID,
		"delay", delay,
		"error", err,
	)
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return c.backend.Start(ctx, req)
}

func (c *Coordinator) abortStart(key sessionKey) {
	c.mu.Lock()
	delete(c.sessions, key)
	c.mu.Unlock()
	c.queue.StartAborted()
}

// Stop finishes the capture session and starts the ingest grace timer.
// Stopping a session that does not exist or is already stopping is a
// no-op: end-of-call cleanup and explicit stops race routinely.
func (c *Coordinator) Stop(ctx context.Context, callID string, kind call.Kind) error {
	key := sessionKey{callID: callID, kind: kind}

	c.mu.Lock()
	s, ok := c.sessions[key]
	if !ok || s.stopping {
		c.mu.Unlock()
		return nil
	}
	groupID := s.groupID
	c.mu.Unlock()

	if err := c.backend.Stop(ctx, callID, kind); err != nil {
		c.logger.Error("recorder stop failed", "call_id", callID, "kind", kind, "error", err)
		return call.ErrBackendUnavailable
	}

	c.mu.Lock()
	s, ok = c.sessions[key]
	if !ok {
		// Ingest already landed and released the session.
		c.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.grace = time.AfterFunc(c.grace, func() { c.onGraceExpired(groupID, callID, kind) })
	c.mu.Unlock()

	if err := c.calls.MarkRecordingProcessing(ctx, groupID, callID); err != nil {
		c.logger.Warn("marking recording processing", "call_id", callID, "error", err)
	}
	c.logger.Info("recording stopping", "call_id", callID, "kind", kind, "grace", c.grace)
	return nil
}

func (c *Coordinator) onGraceExpired(groupID, callID string, kind call.Kind) {
	if !c.ReleaseSlot(callID, kind) {
		return
	}
	c.logger.Warn("recording artifact missed grace window", "call_id", callID, "kind", kind)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.calls.FailRecording(ctx, groupID, callID); err != nil {
		c.logger.Error("failing recording after grace window", "call_id", callID, "error", err)
	}
}

// ReleaseSlot removes the session and returns its admission slot.
// Returns false if the session was already released, so ingest and the
// grace timer cannot double-release.
func (c *Coordinator) ReleaseSlot(callID string, kind call.Kind) bool {
	key := sessionKey{callID: callID, kind: kind}

	c.mu.Lock()
	s, ok := c.sessions[key]
	if !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.sessions, key)
	c.mu.Unlock()

	if s.grace != nil {
		s.grace.Stop()
	}
	c.queue.RecordingEnded()
	c.logger.Info("recording slot released", "call_id", callID, "kind", kind)
	return true
}

// Running reports whether the farm is capturing the call. The farm is
// authoritative; local state is only a fallback when it is unreachable.
func (c *Coordinator) Running(ctx context.Context, callID string, kind call.Kind) bool {
	running, err := c.backend.Status(ctx, callID, kind)
	if err == nil {
		return running
	}
	c.logger.Warn("recorder status check failed, using local state", "call_id", callID, "error", err)

	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[sessionKey{callID: callID, kind: kind}]
	return ok && !s.stopping
}

// HasSession reports whether the call has a live capture session, which
// makes "recorder" a signaling peer on that call.
func (c *Coordinator) HasSession(callID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, s := range c.sessions {
		if key.callID == callID && !s.stopping {
			return true
		}
	}
	return false
}

// StopAsync stops every live session on the call without blocking the
// caller. Used when a call ends while a recording is still running.
func (c *Coordinator) StopAsync(callID string) {
	c.mu.Lock()
	var kinds []call.Kind
	for key, s := range c.sessions {
		if key.callID == callID && !s.stopping {
			kinds = append(kinds, key.kind)
		}
	}
	c.mu.Unlock()

	for _, kind := range kinds {
		go func(kind call.Kind) {
			ctx, cancel := context.WithTimeout(context.Background(), stopTimeout+5*time.Second)
			defer cancel()
			if err := c.Stop(ctx, callID, kind); err != nil {
				c.logger.Error("async recorder stop failed", "call_id", callID, "kind", kind, "error", err)
			}
		}(kind)
	}
}

// Shutdown stops every live session so the farm does not keep capturing
// after the server exits.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	var keys []sessionKey
	for key, s := range c.sessions {
		if !s.stopping {
			keys = append(keys, key)
		}
	}
	c.mu.Unlock()

	for _, key := range keys {
		if err := c.Stop(ctx, key.callID, key.kind); err != nil {
			c.logger.Error("stopping session on shutdown", "call_id", key.callID, "error", err)
		}
	}
}

// Stats returns a snapshot for metrics.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{Sessions: len(c.sessions)}
	for _, s := range c.sessions {
		if s.stopping {
			st.Stopping++
		}
	}
	return st
}
