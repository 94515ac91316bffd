package websocket

import (
	"github.com/stemsi/exstem-practice/internal/model"
	"github.com/stemsi/exstem-practice/internal/result"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionStart      Action = "start"
	ActionSelect     Action = "select"
	ActionNext       Action = "next"
	ActionPrevious   Action = "previous"
	ActionAnswer     Action = "answer"
	ActionOption     Action = "option"
	ActionText       Action = "text"
	ActionClear      Action = "clear"
	ActionFlag       Action = "flag"
	ActionMarkReview Action = "mark_review"
	ActionSubmit     Action = "submit"
	ActionFullscreen Action = "fullscreen"
	ActionState      Action = "state"
	ActionPing       Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// StartRequest begins or resumes the session of the socket's module.
type StartRequest struct {
	Action Action `json:"action"`
	Retake bool   `json:"retake"`
}

// SelectRequest jumps to a question by palette index.
type SelectRequest struct {
	Action Action `json:"action"`
	Index  int    `json:"index"`
}

// AnswerRequest replaces the whole answer of a question.
type AnswerRequest struct {
	Action     Action   `json:"action"`
	QuestionID string   `json:"question_id"`
	Answer     []string `json:"answer"`
}

// OptionRequest is a click on one option of a choice question.
type OptionRequest struct {
	Action     Action `json:"action"`
	QuestionID string `json:"question_id"`
	OptionID   string `json:"option_id"`
}

// TextRequest carries a free-text or code answer.
type TextRequest struct {
	Action     Action `json:"action"`
	QuestionID string `json:"question_id"`
	Text       string `json:"text"`
}

// QuestionRequest is shared by clear, flag and mark_review.
type QuestionRequest struct {
	Action     Action `json:"action"`
	QuestionID string `json:"question_id"`
}

// FullscreenRequest forwards a raw DOM fullscreen event from the page.
type FullscreenRequest struct {
	Action Action `json:"action"`
	Event  string `json:"event"`
	Active bool   `json:"active"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventPaper             Event = "paper"
	EventState             Event = "state"
	EventTick              Event = "tick"
	EventWarning           Event = "warning"
	EventGraded            Event = "graded"
	EventRedirect          Event = "redirect"
	EventFullscreenRequest Event = "fullscreen_request"
	EventFullscreenExit    Event = "fullscreen_exit"
	EventError             Event = "error"
	EventPong              Event = "pong"
)

type PaperResponse struct {
	Event     Event                 `json:"event"`
	Resumed   bool                  `json:"resumed"`
	Questions []model.Question      `json:"questions"`
	State     model.SessionSnapshot `json:"state"`
}

type StateResponse struct {
	Event   Event                 `json:"event"`
	State   model.SessionSnapshot `json:"state"`
	Warning string                `json:"warning,omitempty"`
}

type TickResponse struct {
	Event            Event  `json:"event"`
	SecondsRemaining int    `json:"seconds_remaining"`
	Level            string `json:"level"`
}

type WarningResponse struct {
	Event   Event  `json:"event"`
	Message string `json:"message"`
}

type GradedResponse struct {
	Event    Event                     `json:"event"`
	Result   *model.Result             `json:"result"`
	Outcomes map[string]result.Outcome `json:"outcomes"`
}

// RedirectResponse tells the page to leave the exam view.
type RedirectResponse struct {
	Event  Event  `json:"event"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// CommandResponse drives the page's fullscreen API.
type CommandResponse struct {
	Event Event `json:"event"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}
