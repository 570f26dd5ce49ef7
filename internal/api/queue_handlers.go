package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/famcall/famcall/internal/api/middleware"
	"github.com/famcall/famcall/internal/call"
	"github.com/famcall/famcall/internal/queue"
)

// queueStatusResponse is the shape returned by GET /recording-queue/status.
type queueStatusResponse struct {
	Active         int  `json:"active"`
	Max            int  `json:"max"`
	QueueLength    int  `json:"queue_length"`
	AvailableSlots int  `json:"available_slots"`
	AtCapacity     bool `json:"at_capacity"`
}

// handleQueueStatus returns a point-in-time summary of recorder capacity.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	st := s.queue.Status()
	writeJSON(w, http.StatusOK, queueStatusResponse{
		Active:         st.Active,
		Max:            st.Max,
		QueueLength:    st.QueueLength,
		AvailableSlots: st.AvailableSlots,
		AtCapacity:     st.AtCapacity,
	})
}

// queueJoinRequest is the body of POST /recording-queue/join.
type queueJoinRequest struct {
	Kind string `json:"kind"`
}

// queueAdmissionResponse reports where the caller stands after a join.
type queueAdmissionResponse struct {
	NeedsQueue           bool   `json:"needs_queue"`
	QueueID              string `json:"queue_id,omitempty"`
	Position             int    `json:"position,omitempty"`
	TotalInQueue         int    `json:"total_in_queue,omitempty"`
	EstimatedWaitMinutes int    `json:"estimated_wait_minutes,omitempty"`
}

// handleQueueJoin enters the caller into the recording queue, or reports
// that capacity is free and they may start right away. An immediate
// admission's slot reservation is released here; the slot is re-reserved
// when the client calls start-recording.
func (s *Server) handleQueueJoin(w http.ResponseWriter, r *http.Request) {
	auth := middleware.AuthFromContext(r.Context())

	var req queueJoinRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if !call.Kind(req.Kind).Valid() {
		writeError(w, http.StatusBadRequest, "kind must be \"voice\" or \"video\"")
		return
	}

	adm := s.queue.Admit(r.Context(), queue.AdmitRequest{
		UserID:      auth.UserID,
		GroupID:     auth.GroupID,
		Kind:        req.Kind,
		DisplayName: auth.DisplayName,
		Email:       auth.Email,
	})
	if !adm.NeedsQueue {
		s.queue.StartAborted()
		writeJSON(w, http.StatusOK, queueAdmissionResponse{NeedsQueue: false})
		return
	}

	writeJSON(w, http.StatusOK, queueAdmissionResponse{
		NeedsQueue:           true,
		QueueID:              adm.QueueID,
		Position:             adm.Position,
		TotalInQueue:         adm.TotalInQueue,
		EstimatedWaitMinutes: adm.EstimatedWaitMinutes,
	})
}

// queueLeaveRequest is the body of POST /recording-queue/leave. Exactly
// one of queue_id or kind is expected; queue_id wins when both are set.
type queueLeaveRequest struct {
	QueueID string `json:"queue_id"`
	Kind    string `json:"kind"`
}

// handleQueueLeave removes the caller's queue entry, addressed either by
// its id or by call kind.
func (s *Server) handleQueueLeave(w http.ResponseWriter, r *http.Request) {
	auth := middleware.AuthFromContext(r.Context())

	var req queueLeaveRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	switch {
	case req.QueueID != "":
		owner, ok := s.queue.Owner(req.QueueID)
		if !ok || owner != auth.UserID {
			writeError(w, http.StatusNotFound, "queue entry not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"left": s.queue.Leave(req.QueueID)})
	case req.Kind != "":
		if !call.Kind(req.Kind).Valid() {
			writeError(w, http.StatusBadRequest, "kind must be \"voice\" or \"video\"")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"left": s.queue.LeaveByUser(auth.UserID, req.Kind)})
	default:
		writeError(w, http.StatusBadRequest, "queue_id or kind is required")
	}
}

// queuePositionResponse is one entry's wait state.
type queuePositionResponse struct {
	Position             int    `json:"position"`
	TotalInQueue         int    `json:"total_in_queue"`
	EstimatedWaitMinutes int    `json:"estimated_wait_minutes"`
	EnqueuedAt           string `json:"enqueued_at"`
}

// handleQueuePosition returns a snapshot of a queue entry's wait state.
func (s *Server) handleQueuePosition(w http.ResponseWriter, r *http.Request) {
	info, ok := s.queue.Position(chi.URLParam(r, "qid"))
	if !ok {
		writeError(w, http.StatusNotFound, "queue entry not found")
		return
	}

	writeJSON(w, http.StatusOK, queuePositionResponse{
		Position:             info.Position,
		TotalInQueue:         info.TotalInQueue,
		EstimatedWaitMinutes: info.EstimatedWaitMinutes,
		EnqueuedAt:           info.EnqueuedAt.UTC().Format(time.RFC3339),
	})
}

// queueTurnResponse reports whether an entry may start now.
type queueTurnResponse struct {
	IsYourTurn bool `json:"is_your_turn"`
	Position   int  `json:"position"`
}

// handleQueueCheckTurn reports whether the entry is first in line with a
// free slot.
func (s *Server) handleQueueCheckTurn(w http.ResponseWriter, r *http.Request) {
	turn, ok := s.queue.CheckTurn(chi.URLParam(r, "qid"))
	if !ok {
		writeError(w, http.StatusNotFound, "queue entry not found")
		return
	}

	writeJSON(w, http.StatusOK, queueTurnResponse{
		IsYourTurn: turn.IsYourTurn,
		Position:   turn.Position,
	})
}
