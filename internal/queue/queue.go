// Package queue implements admission control for ghost recorders. Each
// recorder costs a sizable slice of RAM and CPU, so starts are capped at
// a fixed concurrency; callers beyond the cap wait in a FIFO list with
// per-user deduplication, timeouts, and operator pressure alerts.
//
// Queue state is deliberately in-memory only. Entries are cheap to
// recreate and the active counter is reconciled against the call store
// on startup.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// averageCallMinutes feeds the advisory wait estimate.
const averageCallMinutes = 10

// Config tunes the admission controller.
type Config struct {
	// MaxConcurrent is the hard cap on simultaneously running recorders.
	MaxConcurrent int
	// Timeout evicts entries that have waited longer than this.
	Timeout time.Duration
	// CleanupInterval is how often the timeout sweep runs.
	CleanupInterval time.Duration
	// AlertCooldown is the minimum spacing between operator alerts.
	AlertCooldown time.Duration
	// AlertRecipient receives capacity pressure alerts.
	AlertRecipient string
}

// Alert describes a capacity pressure event for the operator.
type Alert struct {
	Recipient   string
	DisplayName string
	Email       string
	Kind        string
	Position    int
	QueueLength int
	Active      int
	Max         int
}

// Notifier delivers operator alerts. Failures are logged and never fail
// the admission that triggered them.
type Notifier interface {
	CapacityAlert(ctx context.Context, alert Alert) error
}

// Entry is one user waiting for a recorder slot.
type Entry struct {
	ID           string
	UserID       string
	GroupID      string
	Kind         string
	Participants []string
	DisplayName  string
	Email        string
	EnqueuedAt   time.Time
	Position     int // 1-based
}

// AdmitRequest carries the admission parameters for one recording attempt.
type AdmitRequest struct {
	UserID       string
	GroupID      string
	Kind         string
	Participants []string
	DisplayName  string
	Email        string
}

// Admission is the outcome of an admit call. When NeedsQueue is false the
// caller may start a recorder immediately; the slot is reserved until the
// start is confirmed or aborted.
type Admission struct {
	NeedsQueue           bool
	QueueID              string
	Position             int
	TotalInQueue         int
	EstimatedWaitMinutes int
}

// Status is a point-in-time summary of the controller.
type Status struct {
	Active         int
	Max            int
	QueueLength    int
	AvailableSlots int
	AtCapacity     bool
}

// PositionInfo is a snapshot of one entry's wait state.
type PositionInfo struct {
	Position             int
	TotalInQueue         int
	EstimatedWaitMinutes int
	EnqueuedAt           time.Time
}

// Turn reports whether an entry may start now.
type Turn struct {
	IsYourTurn bool
	Position   int
}

// Queue is the recorder admission controller. All state lives behind one
// mutex; every operation does a small bounded amount of work inside it
// and no I/O.
type Queue struct {
	cfg      Config
	notifier Notifier
	logger   *slog.Logger

	mu sync.Mutex
	// active counts recorders confirmed running by the backend.
	active int
	// pending counts admitted starts not yet confirmed. Capacity checks
	// use active+pending so two concurrent admissions can never
	// oversubscribe the cap.
	pending     int
	entries     []*Entry
	lastAlertAt time.Time
}

// New creates an admission controller. A MaxConcurrent below 1 is raised
// to 1.
func New(cfg Config, notifier Notifier, logger *slog.Logger) *Queue {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	return &Queue{
		cfg:      cfg,
		notifier: notifier,
		logger:   logger.With("subsystem", "recording-queue"),
	}
}

// Status returns the current capacity summary. Reserved-but-unconfirmed
// starts count as active so the numbers never promise a slot twice.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusLocked()
}

func (q *Queue) statusLocked() Status {
	committed := q.active + q.pending
	avail := q.cfg.MaxConcurrent - committed
	if avail < 0 {
		avail = 0
	}
	return Status{
		Active:         committed,
		Max:            q.cfg.MaxConcurrent,
		QueueLength:    len(q.entries),
		AvailableSlots: avail,
		AtCapacity:     committed >= q.cfg.MaxConcurrent,
	}
}

// Admit decides whether the user may start a recorder now.
//
// A user who already holds an entry for the same kind gets that entry
// back unchanged, except when it sits at position 1 with capacity free,
// in which case the entry is consumed and the start admitted. A new
// caller bypasses the queue only when capacity is free and nobody is
// waiting. Everyone else is appended to the FIFO.
func (q *Queue) Admit(ctx context.Context, req AdmitRequest) Admission {
	now := time.Now()

	q.mu.Lock()
	committed := q.active + q.pending

	if e := q.findByUserLocked(req.UserID, req.Kind); e != nil {
		if e.Position == 1 && committed < q.cfg.MaxConcurrent {
			q.removeLocked(e.ID)
			q.pending++
			q.mu.Unlock()
			q.logger.Info("queued recording admitted",
				"user_id", req.UserID,
				"kind", req.Kind,
				"queue_id", e.ID,
			)
			return Admission{NeedsQueue: false}
		}
		adm := q.admissionLocked(e)
		q.mu.Unlock()
		return adm
	}

	if committed < q.cfg.MaxConcurrent && len(q.entries) == 0 {
		q.pending++
		q.mu.Unlock()
		return Admission{NeedsQueue: false}
	}

	e := &Entry{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		GroupID:      req.GroupID,
		Kind:         req.Kind,
		Participants: append([]string(nil), req.Participants...),
		DisplayName:  req.DisplayName,
		Email:        req.Email,
		EnqueuedAt:   now,
		Position:     len(q.entries) + 1,
	}
	q.entries = append(q.entries, e)
	adm := q.admissionLocked(e)

	var alert *Alert
	if q.notifier != nil && now.Sub(q.lastAlertAt) >= q.cfg.AlertCooldown {
		q.lastAlertAt = now
		alert = &Alert{
			Recipient:   q.cfg.AlertRecipient,
			DisplayName: req.DisplayName,
			Email:       req.Email,
			Kind:        req.Kind,
			Position:    e.Position,
			QueueLength: len(q.entries),
			Active:      q.active + q.pending,
			Max:         q.cfg.MaxConcurrent,
		}
	}
	q.mu.Unlock()

	q.logger.Info("recording queued",
		"user_id", req.UserID,
		"kind", req.Kind,
		"queue_id", e.ID,
		"position", adm.Position,
	)

	// The alert is sent outside the lock; a slow or failing notifier
	// must never stall or fail admission.
	if alert != nil {
		if err := q.notifier.CapacityAlert(ctx, *alert); err != nil {
			q.logger.Warn("capacity alert failed", "error", err)
		}
	}
	return adm
}

// Leave removes an entry by queue id and renumbers the rest.
func (q *Queue) Leave(queueID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(queueID)
}

// LeaveByUser removes the user's entry for the given kind.
func (q *Queue) LeaveByUser(userID, kind string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e := q.findByUserLocked(userID, kind); e != nil {
		return q.removeLocked(e.ID)
	}
	return false
}

// Position returns a snapshot of the entry's wait state, or false when
// the entry is not in the queue.
func (q *Queue) Position(queueID string) (PositionInfo, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.findLocked(queueID)
	if e == nil {
		return PositionInfo{}, false
	}
	return PositionInfo{
		Position:             e.Position,
		TotalInQueue:         len(q.entries),
		EstimatedWaitMinutes: q.waitMinutesLocked(e.Position),
		EnqueuedAt:           e.EnqueuedAt,
	}, true
}

// Owner returns the user id that owns a queue entry.
func (q *Queue) Owner(queueID string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e := q.findLocked(queueID); e != nil {
		return e.UserID, true
	}
	return "", false
}

// CheckTurn reports whether the entry is first in line with a free slot.
func (q *Queue) CheckTurn(queueID string) (Turn, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := q.findLocked(queueID)
	if e == nil {
		return Turn{}, false
	}
	return Turn{
		IsYourTurn: e.Position == 1 && q.active+q.pending < q.cfg.MaxConcurrent,
		Position:   e.Position,
	}, true
}

// RecordingStarted confirms an admitted start: the reservation becomes an
// active recorder and the user's queue entry, if any, is consumed.
func (q *Queue) RecordingStarted(userID, kind string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending > 0 {
		q.pending--
	}
	if q.active < q.cfg.MaxConcurrent {
		q.active++
	} else {
		q.logger.Warn("active recorder count at cap on start", "active", q.active)
	}
	if e := q.findByUserLocked(userID, kind); e != nil {
		q.removeLocked(e.ID)
	}
}

// StartAborted releases a reservation whose backend start failed.
func (q *Queue) StartAborted() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending > 0 {
		q.pending--
	}
}

// RecordingEnded releases an active recorder slot.
func (q *Queue) RecordingEnded() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active > 0 {
		q.active--
	} else {
		q.logger.Warn("recording ended with no active recorders")
	}
}

// SyncActive overwrites the active count from an authoritative source,
// clamped to [0, MaxConcurrent]. Pending reservations are left alone; a
// start in flight is not yet visible to the source.
func (q *Queue) SyncActive(count int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	clamped := count
	if clamped < 0 {
		clamped = 0
	}
	if clamped > q.cfg.MaxConcurrent {
		q.logger.Warn("active recorder count above cap during sync", "count", count, "max", q.cfg.MaxConcurrent)
		clamped = q.cfg.MaxConcurrent
	}
	if clamped != q.active {
		q.logger.Info("active recorder count synced", "from", q.active, "to", clamped)
		q.active = clamped
	}
}

// Run sweeps timed-out entries on the configured interval until ctx is
// cancelled.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.CleanupInterval)
	defer ticker.Stop()

	q.logger.Info("queue sweeper started", "interval", q.cfg.CleanupInterval, "timeout", q.cfg.Timeout)
	for {
		select {
		case <-ctx.Done():
			q.logger.Info("queue sweeper stopped")
			return
		case <-ticker.C:
			q.sweepOnce(time.Now())
		}
	}
}

// sweepOnce drops entries older than the queue timeout and renumbers the
// remainder.
func (q *Queue) sweepOnce(now time.Time) {
	cutoff := now.Add(-q.cfg.Timeout)

	q.mu.Lock()
	kept := q.entries[:0]
	var dropped []*Entry
	for _, e := range q.entries {
		if e.EnqueuedAt.Before(cutoff) {
			dropped = append(dropped, e)
		} else {
			kept = append(kept, e)
		}
	}
	q.entries = kept
	q.renumberLocked()
	q.mu.Unlock()

	for _, e := range dropped {
		q.logger.Info("queue entry timed out",
			"queue_id", e.ID,
			"user_id", e.UserID,
			"kind", e.Kind,
			"waited", now.Sub(e.EnqueuedAt),
		)
	}
}

func (q *Queue) admissionLocked(e *Entry) Admission {
	return Admission{
		NeedsQueue:           true,
		QueueID:              e.ID,
		Position:             e.Position,
		TotalInQueue:         len(q.entries),
		EstimatedWaitMinutes: q.waitMinutesLocked(e.Position),
	}
}

// waitMinutesLocked estimates the wait as ceil(position/max) rounds of an
// average-length call. Purely advisory.
func (q *Queue) waitMinutesLocked(position int) int {
	max := q.cfg.MaxConcurrent
	return (position*averageCallMinutes + max - 1) / max
}

func (q *Queue) findLocked(queueID string) *Entry {
	for _, e := range q.entries {
		if e.ID == queueID {
			return e
		}
	}
	return nil
}

func (q *Queue) findByUserLocked(userID, kind string) *Entry {
	for _, e := range q.entries {
		if e.UserID == userID && e.Kind == kind {
			return e
		}
	}
	return nil
}

func (q *Queue) removeLocked(queueID string) bool {
	for i, e := range q.entries {
		if e.ID == queueID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			q.renumberLocked()
			return true
		}
	}
	return false
}

func (q *Queue) renumberLocked() {
	for i, e := range q.entries {
		e.Position = i + 1
	}
}
