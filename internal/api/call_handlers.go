package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/famcall/famcall/internal/call"
)

// participantResponse is the JSON shape of one invitee's state.
type participantResponse struct {
	MemberID    string  `json:"member_id"`
	Status      string  `json:"status"`
	InvitedAt   string  `json:"invited_at"`
	RespondedAt *string `json:"responded_at,omitempty"`
	JoinedAt    *string `json:"joined_at,omitempty"`
	LeftAt      *string `json:"left_at,omitempty"`
}

// recordingResponse is the JSON shape of a call's recording substate.
// Absent entirely when the call was never recorded (or the recording is
// hidden from the viewer).
type recordingResponse struct {
	Status     string  `json:"status"`
	FileID     string  `json:"file_id,omitempty"`
	URL        string  `json:"url,omitempty"`
	DurationMs *int64  `json:"duration_ms,omitempty"`
	SizeBytes  *int64  `json:"size_bytes,omitempty"`
	Hidden     bool    `json:"hidden,omitempty"`
	HiddenByID string  `json:"hidden_by_id,omitempty"`
	HiddenAt   *string `json:"hidden_at,omitempty"`
}

// callResponse is the JSON response for a single call with its
// participants.
type callResponse struct {
	ID           string                `json:"id"`
	GroupID      string                `json:"group_id"`
	Kind         string                `json:"kind"`
	InitiatorID  string                `json:"initiator_id"`
	Status       string                `json:"status"`
	StartedAt    string                `json:"started_at"`
	ConnectedAt  *string               `json:"connected_at,omitempty"`
	EndedAt      *string               `json:"ended_at,omitempty"`
	DurationMs   *int64                `json:"duration_ms,omitempty"`
	Recording    *recordingResponse    `json:"recording,omitempty"`
	Participants []participantResponse `json:"participants"`
}

// toCallResponse converts a call detail to the API response.
func toCallResponse(d *call.Detail) callResponse {
	c := d.Call
	resp := callResponse{
		ID:          c.ID,
		GroupID:     c.GroupID,
		Kind:        string(c.Kind),
		InitiatorID: c.InitiatorID,
		Status:      string(c.Status),
		StartedAt:   c.StartedAt.UTC().Format(time.RFC3339),
		DurationMs:  c.DurationMs,
	}
	if c.ConnectedAt != nil {
		t := c.ConnectedAt.UTC().Format(time.RFC3339)
		resp.ConnectedAt = &t
	}
	if c.EndedAt != nil {
		t := c.EndedAt.UTC().Format(time.RFC3339)
		resp.EndedAt = &t
	}
	resp.Recording = toRecordingResponse(c.Recording)

	resp.Participants = make([]participantResponse, len(d.Participants))
	for i := range d.Participants {
		resp.Participants[i] = toParticipantResponse(&d.Participants[i])
	}
	return resp
}

// toRecordingResponse converts the recording substate to the API
// response. Returns nil when the call was never recorded, which drops
// the field from the JSON entirely.
func toRecordingResponse(rec call.Recording) *recordingResponse {
	if rec.Status == call.RecordingNone {
		return nil
	}
	resp := recordingResponse{
		Status:     string(rec.Status),
		FileID:     rec.FileID,
		URL:        rec.URL,
		DurationMs: rec.DurationMs,
		SizeBytes:  rec.SizeBytes,
		Hidden:     rec.Hidden,
		HiddenByID: rec.HiddenByID,
	}
	if rec.HiddenAt != nil {
		t := rec.HiddenAt.UTC().Format(time.RFC3339)
		resp.HiddenAt = &t
	}
	return &resp
}

// toParticipantResponse converts a participant row to the API response.
func toParticipantResponse(p *call.Participant) participantResponse {
	resp := participantResponse{
		MemberID:  p.MemberID,
		Status:    string(p.Status),
		InvitedAt: p.InvitedAt.UTC().Format(time.RFC3339),
	}
	if p.RespondedAt != nil {
		t := p.RespondedAt.UTC().Format(time.RFC3339)
		resp.RespondedAt = &t
	}
	if p.JoinedAt != nil {
		t := p.JoinedAt.UTC().Format(time.RFC3339)
		resp.JoinedAt = &t
	}
	if p.LeftAt != nil {
		t := p.LeftAt.UTC().Format(time.RFC3339)
		resp.LeftAt = &t
	}
	return resp
}

// handleListCalls returns the group's call history, newest first.
// Query params: kind, limit, offset.
func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.memberAuth(w, r)
	if !ok {
		return
	}

	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	kind := call.Kind(r.URL.Query().Get("kind"))
	if kind != "" && !kind.Valid() {
		writeError(w, http.StatusBadRequest, "kind must be \"voice\" or \"video\"")
		return
	}

	details, total, err := s.coordinator.ListCalls(r.Context(), auth, call.ListFilter{
		Limit:  pg.Limit,
		Offset: pg.Offset,
		Kind:   kind,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	items := make([]callResponse, len(details))
	for i := range details {
		items[i] = toCallResponse(&details[i])
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// activeCallsResponse splits live calls into ones the caller is on and
// ones ringing for them.
type activeCallsResponse struct {
	Active   []callResponse `json:"active"`
	Incoming []callResponse `json:"incoming"`
}

// handleActiveCalls returns the caller's live calls. Query param: kind.
func (s *Server) handleActiveCalls(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.memberAuth(w, r)
	if !ok {
		return
	}

	kind := call.Kind(r.URL.Query().Get("kind"))
	if kind != "" && !kind.Valid() {
		writeError(w, http.StatusBadRequest, "kind must be \"voice\" or \"video\"")
		return
	}

	active, err := s.coordinator.ListActive(r.Context(), auth, kind)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := activeCallsResponse{
		Active:   make([]callResponse, len(active.Active)),
		Incoming: make([]callResponse, len(active.Incoming)),
	}
	for i := range active.Active {
		resp.Active[i] = toCallResponse(&active.Active[i])
	}
	for i := range active.Incoming {
		resp.Incoming[i] = toCallResponse(&active.Incoming[i])
	}

	writeJSON(w, http.StatusOK, resp)
}

// initiateCallRequest is the body of POST /groups/{gid}/calls.
type initiateCallRequest struct {
	Kind     string   `json:"kind"`
	Invitees []string `json:"invitees"`
}

// handleInitiateCall starts a new ringing call.
func (s *Server) handleInitiateCall(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.memberAuth(w, r)
	if !ok {
		return
	}

	var req initiateCallRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	detail, err := s.coordinator.Initiate(r.Context(), auth, call.Kind(req.Kind), req.Invitees)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toCallResponse(detail))
}

// respondCallRequest is the body of PUT /groups/{gid}/calls/{cid}/respond.
type respondCallRequest struct {
	Action string `json:"action"`
}

// handleRespondCall records the caller's accept or reject of an invite.
func (s *Server) handleRespondCall(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.memberAuth(w, r)
	if !ok {
		return
	}

	var req respondCallRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Action != "accept" && req.Action != "reject" {
		writeError(w, http.StatusBadRequest, "action must be \"accept\" or \"reject\"")
		return
	}

	detail, err := s.coordinator.Respond(r.Context(), auth, chi.URLParam(r, "cid"), req.Action == "accept")
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toCallResponse(detail))
}

// handleLeaveCall removes the caller from a live call.
func (s *Server) handleLeaveCall(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.memberAuth(w, r)
	if !ok {
		return
	}

	detail, err := s.coordinator.Leave(r.Context(), auth, chi.URLParam(r, "cid"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toCallResponse(detail))
}

// handleEndCall terminates a call for everyone on it.
func (s *Server) handleEndCall(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.memberAuth(w, r)
	if !ok {
		return
	}

	detail, err := s.coordinator.EndCall(r.Context(), auth, chi.URLParam(r, "cid"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toCallResponse(detail))
}

// handleHideRecording hides the call's recording from non-admin members.
func (s *Server) handleHideRecording(w http.ResponseWriter, r *http.Request) {
	auth, ok := s.memberAuth(w, r)
	if !ok {
		return
	}

	detail, err := s.coordinator.HideRecording(r.Context(), auth, chi.URLParam(r, "cid"))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toCallResponse(detail))
}
