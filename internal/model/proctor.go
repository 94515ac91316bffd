package model

import "time"

// SubmitReason records what triggered a submission.
type SubmitReason string

const (
	SubmitReasonManual         SubmitReason = "manual"
	SubmitReasonTimerExpired   SubmitReason = "timer_expired"
	SubmitReasonFullscreenExit SubmitReason = "fullscreen_exit"
)

// ProctorEventKind enumerates the integrity events worth keeping.
type ProctorEventKind string

const (
	ProctorFullscreenExit     ProctorEventKind = "FULLSCREEN_EXIT"
	ProctorFullscreenRejected ProctorEventKind = "FULLSCREEN_REJECTED"
	ProctorForcedSubmit       ProctorEventKind = "FORCED_SUBMIT"
	ProctorForcedSubmitFailed ProctorEventKind = "FORCED_SUBMIT_FAILED"
)

// ProctorEvent is one integrity event of a practice session.
type ProctorEvent struct {
	SessionID  string           `json:"session_id"`
	ModuleID   string           `json:"module_id"`
	StudentID  int              `json:"student_id"`
	Kind       ProctorEventKind `json:"kind"`
	Detail     string           `json:"detail,omitempty"`
	RecordedAt time.Time        `json:"recorded_at"`
}
