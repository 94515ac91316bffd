package model

import "encoding/json"

// Result is the backend-computed outcome of a submitted session.
// Raw holds the response body exactly as received so it can be persisted verbatim.
type Result struct {
	ScorePercent     float64          `json:"score_percent"`
	TimeTakenSeconds int              `json:"time_taken_seconds"`
	QuestionResults  []QuestionResult `json:"question_results"`
	WeakAreas        []WeakArea       `json:"weak_areas,omitempty"`
	AnswerReview     []AnswerReview   `json:"answer_review,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// QuestionResult is the per-question grading entry. The backend has used both
// "is_correct" and "correct" for the same field.
type QuestionResult struct {
	QuestionID string   `json:"question_id"`
	IsCorrect  *bool    `json:"is_correct,omitempty"`
	Correct    *bool    `json:"correct,omitempty"`
	Score      float64  `json:"score"`
	MaxScore   *float64 `json:"max_score,omitempty"`
	Feedback   string   `json:"feedback,omitempty"`
}

// WeakArea is a tag-level accuracy breakdown.
type WeakArea struct {
	Tag      string  `json:"tag"`
	Correct  int     `json:"correct"`
	Total    int     `json:"total"`
	Accuracy float64 `json:"accuracy"`
}

// AnswerReview is one entry of the optional full answer review.
type AnswerReview struct {
	QuestionID    string   `json:"question_id"`
	Statement     string   `json:"question_statement"`
	UserAnswer    []string `json:"user_answer"`
	CorrectAnswer []string `json:"correct_answer"`
	Explanation   string   `json:"explanation,omitempty"`
}

// DecodeResult parses a raw submit response and keeps the raw bytes.
func DecodeResult(raw []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, err
	}
	r.Raw = append(json.RawMessage(nil), raw...)
	return &r, nil
}
