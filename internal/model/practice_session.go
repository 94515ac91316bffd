package model

import "time"

// QuestionStatus is the derived visitation status shown in the question palette.
type QuestionStatus string

const (
	QuestionStatusNotVisited     QuestionStatus = "not-visited"
	QuestionStatusAnswered       QuestionStatus = "answered"
	QuestionStatusFlagged        QuestionStatus = "flagged"
	QuestionStatusMarkedAnswered QuestionStatus = "marked-answered"
	QuestionStatusSubmitted      QuestionStatus = "submitted"
)

// PaletteEntry is one cell of the navigation palette.
type PaletteEntry struct {
	Index      int            `json:"index"`
	QuestionID string         `json:"question_id"`
	Status     QuestionStatus `json:"status"`
}

// Submission is the payload sent to the backend submit endpoint.
type Submission struct {
	Answers   map[string][]string `json:"answers"`
	Flags     []string            `json:"flags"`
	TimeSpent map[string]int      `json:"time_spent"`
}

// SessionSnapshot is a read-only view of a live practice session.
type SessionSnapshot struct {
	SessionID        string              `json:"session_id"`
	ModuleID         string              `json:"module_id"`
	CurrentIndex     int                 `json:"current_index"`
	TotalQuestions   int                 `json:"total_questions"`
	Answers          map[string][]string `json:"answers"`
	Flags            []string            `json:"flags"`
	Submitted        bool                `json:"submitted"`
	RemainingSeconds int                 `json:"remaining_seconds"`
	Palette          []PaletteEntry      `json:"palette"`
	StartedAt        time.Time           `json:"started_at"`
}
