package model

// QuestionType enumerates the question kinds a module can contain.
type QuestionType string

const (
	QuestionTypeSingleChoice QuestionType = "single_choice"
	QuestionTypeMultiChoice  QuestionType = "multi_choice"
	QuestionTypeFreeText     QuestionType = "free_text"
	QuestionTypeCode         QuestionType = "code"
)

// IsChoice reports whether answers are option identifiers.
func (t QuestionType) IsChoice() bool {
	return t == QuestionTypeSingleChoice || t == QuestionTypeMultiChoice
}

// Option is one selectable choice of a question.
type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Question is fetched fresh per session and never mutated by the client.
type Question struct {
	ID         string       `json:"id"`
	Type       QuestionType `json:"question_type"`
	Content    string       `json:"content"`
	Options    []Option     `json:"options,omitempty"`
	Difficulty string       `json:"difficulty,omitempty"`
	Tags       []string     `json:"tags,omitempty"`
}

// HasOption reports whether optionID belongs to the question.
func (q *Question) HasOption(optionID string) bool {
	for _, o := range q.Options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}
