package call

import "errors"

// Domain rejections. Handlers match these with errors.Is to pick the HTTP
// status; everything else is treated as an internal error.
var (
	ErrCallNotFound        = errors.New("call not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrGroupNotFound       = errors.New("group not found")

	ErrNotMember        = errors.New("not a member of this group")
	ErrPermissionDenied = errors.New("permission denied")
	ErrReadOnlyGroup    = errors.New("group is read-only")

	ErrInvalidKind          = errors.New("invalid call kind")
	ErrInvalidInvitees      = errors.New("invalid invitees")
	ErrSupervisorNotAllowed = errors.New("supervised members cannot join calls")
	ErrAlreadyResponded     = errors.New("already responded to this call")
	ErrCallTerminal         = errors.New("call has already ended")
	ErrCallNotActive        = errors.New("call is not active")

	ErrNoRecording             = errors.New("call has no recording")
	ErrAlreadyHidden           = errors.New("recording is already hidden")
	ErrRecordingAlreadyRunning = errors.New("a recording is already running for this call")
	ErrRecordingNotActive      = errors.New("no recording is running for this call")

	ErrBackendUnavailable = errors.New("recorder backend unavailable")
	ErrTranscodeFailed    = errors.New("recording transcode failed")
)
