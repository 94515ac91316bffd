package model

// Module is a named collection of practice questions with a fixed duration.
type Module struct {
	ID              string   `json:"id"`
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	DurationSeconds int      `json:"duration_seconds"`
	QuestionCount   int      `json:"question_count"`
	Difficulty      string   `json:"difficulty,omitempty"`
	Tags            []string `json:"tags,omitempty"`
}

// ModuleStatus is the completion state of a module as seen by one student.
type ModuleStatus string

const (
	ModuleStatusAvailable  ModuleStatus = "AVAILABLE"
	ModuleStatusInProgress ModuleStatus = "IN_PROGRESS"
	ModuleStatusCompleted  ModuleStatus = "COMPLETED"
)

// ModuleListing is a module overlaid with the student's local completion state.
type ModuleListing struct {
	Module
	Status       ModuleStatus `json:"status"`
	ScorePercent *float64     `json:"score_percent,omitempty"`
}
