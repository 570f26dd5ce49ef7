// Package signal implements the ephemeral store-and-forward relay that
// carries WebRTC session descriptions and ICE candidates between call
// peers. Messages live in per-call, per-peer mailboxes, are delivered at
// most once, and expire after a bounded TTL. Nothing here is persisted:
// a process restart deliberately drops all signaling state.
package signal

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// SweepInterval is how often the relay evicts expired messages.
const SweepInterval = time.Minute

// Message is one relayed signaling payload. The relay never interprets
// Data; it is an opaque blob produced and consumed by the peers.
type Message struct {
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	FromPeerID string          `json:"from_peer_id"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Relay is the in-memory signaling mailbox store. A mailbox is addressed
// by (callID, peerID) and holds messages in FIFO order until the peer
// drains them or they age out.
//
// The top-level map is guarded by a short-lived relay lock; each call's
// mailboxes are guarded by their own lock so deposits and drains on
// distinct calls never contend.
type Relay struct {
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	calls map[string]*callMailboxes
}

type callMailboxes struct {
	mu    sync.Mutex
	boxes map[string][]Message // peerID → FIFO queue
}

// NewRelay creates a relay whose messages expire after ttl.
func NewRelay(ttl time.Duration, logger *slog.Logger) *Relay {
	return &Relay{
		ttl:    ttl,
		logger: logger.With("subsystem", "signal-relay"),
		calls:  make(map[string]*callMailboxes),
	}
}

// Deposit appends a message from fromPeerID to the mailbox of every
// target. The caller resolves the target set; the relay itself has no
// notion of call membership. The message's sender and timestamp are
// stamped here.
func (r *Relay) Deposit(callID, fromPeerID string, targets []string, msgType string, data json.RawMessage) {
	if len(targets) == 0 {
		return
	}

	msg := Message{
		Type:       msgType,
		Data:       data,
		FromPeerID: fromPeerID,
		Timestamp:  time.Now(),
	}

	cm := r.mailboxes(callID)
	cm.mu.Lock()
	for _, peer := range targets {
		if peer == fromPeerID {
			continue
		}
		cm.boxes[peer] = append(cm.boxes[peer], msg)
	}
	cm.mu.Unlock()
}

// Drain returns and removes every message queued for peerID on the call.
// It never blocks and returns nil when the mailbox is empty or unknown.
// Once returned, messages are gone: delivery is at most once.
func (r *Relay) Drain(callID, peerID string) []Message {
	r.mu.Lock()
	cm := r.calls[callID]
	r.mu.Unlock()
	if cm == nil {
		return nil
	}

	cm.mu.Lock()
	msgs := cm.boxes[peerID]
	if msgs != nil {
		delete(cm.boxes, peerID)
	}
	cm.mu.Unlock()
	return msgs
}

// DropCall discards every mailbox for the call. Called when a call
// terminates so stale offers cannot leak into a later drain.
func (r *Relay) DropCall(callID string) {
	r.mu.Lock()
	delete(r.calls, callID)
	r.mu.Unlock()
}

// Stats reports the relay's current footprint for observability.
type Stats struct {
	Calls     int
	Mailboxes int
	Messages  int
}

// Stats returns a snapshot of the relay's size.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	boxes := make([]*callMailboxes, 0, len(r.calls))
	for _, cm := range r.calls {
		boxes = append(boxes, cm)
	}
	r.mu.Unlock()

	var s Stats
	s.Calls = len(boxes)
	for _, cm := range boxes {
		cm.mu.Lock()
		s.Mailboxes += len(cm.boxes)
		for _, msgs := range cm.boxes {
			s.Messages += len(msgs)
		}
		cm.mu.Unlock()
	}
	return s
}

// Run sweeps expired messages on a fixed interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()

	r.logger.Info("signal relay sweeper started", "ttl", r.ttl, "interval", SweepInterval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("signal relay sweeper stopped")
			return
		case <-ticker.C:
			r.sweepOnce(time.Now())
		}
	}
}

// sweepOnce drops messages older than the TTL, then empty mailboxes, then
// empty calls. Each call's lock is held only long enough to trim its own
// mailboxes, so a sweep never stalls drains on other calls.
func (r *Relay) sweepOnce(now time.Time) {
	cutoff := now.Add(-r.ttl)

	r.mu.Lock()
	ids := make([]string, 0, len(r.calls))
	for id := range r.calls {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var dropped int
	for _, id := range ids {
		r.mu.Lock()
		cm := r.calls[id]
		r.mu.Unlock()
		if cm == nil {
			continue
		}

		cm.mu.Lock()
		for peer, msgs := range cm.boxes {
			// Deposits stamp timestamps in order, so expired messages
			// form a prefix.
			i := 0
			for i < len(msgs) && msgs[i].Timestamp.Before(cutoff) {
				i++
			}
			if i == 0 {
				continue
			}
			dropped += i
			if i == len(msgs) {
				delete(cm.boxes, peer)
			} else {
				cm.boxes[peer] = msgs[i:]
			}
		}
		empty := len(cm.boxes) == 0
		cm.mu.Unlock()

		if empty {
			r.mu.Lock()
			// Recheck under the relay lock: a deposit may have arrived
			// between the emptiness check and here.
			if cur := r.calls[id]; cur == cm {
				cur.mu.Lock()
				if len(cur.boxes) == 0 {
					delete(r.calls, id)
				}
				cur.mu.Unlock()
			}
			r.mu.Unlock()
		}
	}

	if dropped > 0 {
		r.logger.Debug("expired signals swept", "dropped", dropped)
	}
}

// mailboxes returns the call's mailbox set, creating it on first use.
func (r *Relay) mailboxes(callID string) *callMailboxes {
	r.mu.Lock()
	defer r.mu.Unlock()
	cm, ok := r.calls[callID]
	if !ok {
		cm = &callMailboxes{boxes: make(map[string][]Message)}
		r.calls[callID] = cm
	}
	return cm
}
