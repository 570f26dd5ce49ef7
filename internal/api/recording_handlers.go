package api

import (
	"log/slog"
	"mime"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/famcall/famcall/internal/api/middleware"
	"github.com/famcall/famcall/internal/call"
	"github.com/famcall/famcall/internal/recording"
)

// maxRecordingUploadSize is the upper limit for recording artifacts (1 GB).
// Long family video calls produce large webm captures.
const maxRecordingUploadSize = 1 << 30

// startRecordingResponse is the outcome of a start attempt. Exactly one
// of started or needs_queue is true.
type startRecordingResponse struct {
	Started              bool   `json:"started"`
	NeedsQueue           bool   `json:"needs_queue"`
	QueueID              string `json:"queue_id,omitempty"`
	Position             int    `json:"position,omitempty"`
	TotalInQueue         int    `json:"total_in_queue,omitempty"`
	EstimatedWaitMinutes int    `json:"estimated_wait_minutes,omitempty"`
}

// handleStartRecording admits the caller against recorder capacity and
// starts a capture session, or queues them when capacity is full.
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.memberAuth(w, r)
	if !ok {
		return
	}

	res, err := s.coordinator.StartRecording(r.Context(), auth, chi.URLParam(r, "cid"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if res.Started {
		writeJSON(w, http.StatusOK, startRecordingResponse{Started: true})
		return
	}

	adm := res.Queued
	writeJSON(w, http.StatusOK, startRecordingResponse{
		NeedsQueue:           true,
		QueueID:              adm.QueueID,
		Position:             adm.Position,
		TotalInQueue:         adm.TotalInQueue,
		EstimatedWaitMinutes: adm.EstimatedWaitMinutes,
	})
}

// handleStopRecording asks the recorder to finish the capture. Stopping
// when nothing is recording succeeds quietly.
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.memberAuth(w, r)
	if !ok {
		return
	}

	if err := s.coordinator.StopRecording(r.Context(), auth, chi.URLParam(r, "cid")); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"stopped": true})
}

// handleRecordingStatus reports whether the call is being captured right
// now.
func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.memberAuth(w, r)
	if !ok {
		return
	}

	running, err := s.coordinator.RecordingStatus(r.Context(), auth, chi.URLParam(r, "cid"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"recording": running})
}

// handleDownloadRecording streams the recording artifact. Range requests
// are honored so clients can seek. Hidden recordings are only served to
// admins; everyone else sees the call as never recorded.
func (s *Server) handleDownloadRecording(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.memberAuth(w, r)
	if !ok {
		return
	}

	detail, err := s.coordinator.GetCall(r.Context(), auth, chi.URLParam(r, "cid"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	rec := detail.Call.Recording
	if rec.Status != call.RecordingReady || rec.FileID == "" {
		writeDomainError(w, call.ErrNoRecording)
		return
	}

	ext := detail.Call.Kind.Container()
	f, info, err := s.files.Open(rec.FileID, ext)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "recording file not found on disk")
			return
		}
		slog.Error("download recording: failed to open file",
			"error", err, "call_id", detail.Call.ID, "file_id", rec.FileID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer f.Close()

	filename := rec.FileID + "." + ext
	contentType := mime.TypeByExtension("." + ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	http.ServeContent(w, r, filename, info.ModTime(), f)
}

// handleIngestRecording accepts the captured artifact as a multipart
// upload, transcodes it when needed, and marks the recording ready. The
// ghost recorder posts here with its callback token; members may post
// their own capture as a fallback.
func (s *Server) handleIngestRecording(w http.ResponseWriter, r *http.Request) {
	if !s.callPeerAuth(w, r) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRecordingUploadSize)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "file too large or invalid multipart form")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	up := recording.Upload{
		GroupID: chi.URLParam(r, "gid"),
		CallID:  chi.URLParam(r, "cid"),
		Media:   file,
	}

	// A member upload carries the uploader's identity; farm callbacks
	// authenticate with the recorder token and carry none.
	if middleware.RecorderClaimsFromContext(r.Context()) == nil {
		up.MemberID = middleware.AuthFromContext(r.Context()).MemberID
	}

	if v := r.FormValue("duration_ms"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms < 0 {
			writeError(w, http.StatusBadRequest, "duration_ms must be a non-negative integer")
			return
		}
		up.DurationMs = &ms
	}

	c, err := s.ingestor.Ingest(r.Context(), up)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"recording": toRecordingResponse(c.Recording),
	})
}
