package model

// AnswerRequest sets the answer of one question over REST. Exactly one mode
// applies: OptionID clicks an option, Text sets a free-text answer, otherwise
// Answer replaces the whole answer (empty clears it).
type AnswerRequest struct {
	QuestionID string   `json:"question_id" binding:"required,identifier"`
	OptionID   string   `json:"option_id" binding:"omitempty,identifier"`
	Text       *string  `json:"text" binding:"omitempty,max=20000"`
	Answer     []string `json:"answer" binding:"omitempty,max=64,dive,max=20000"`
}

// FlagRequest toggles the review flag, or marks for review and advances.
type FlagRequest struct {
	QuestionID    string `json:"question_id" binding:"required,identifier"`
	MarkForReview bool   `json:"mark_for_review"`
}

// NavigateRequest moves the current question.
type NavigateRequest struct {
	Index *int   `json:"index" binding:"omitempty,min=0"`
	Move  string `json:"move" binding:"omitempty,oneof=next previous"`
}

// StateResponse is a live session snapshot with an optional non-blocking warning.
type StateResponse struct {
	State   SessionSnapshot `json:"state"`
	Warning string          `json:"warning,omitempty"`
}
