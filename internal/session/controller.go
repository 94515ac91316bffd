// Package session holds the state machine of one practice-exam attempt:
// navigation, answers, flags, time spent and the single submission.
package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/stemsi/exstem-practice/internal/model"
	"github.com/stemsi/exstem-practice/internal/result"
)

var (
	ErrSessionSubmitted   = errors.New("session already submitted")
	ErrSubmissionInFlight = errors.New("submission in progress")
	ErrDeadlinePassed     = errors.New("time is up, answers are locked")
	ErrUnknownQuestion    = errors.New("question not in this module")
	ErrUnknownOption      = errors.New("option not in this question")
	ErrNotChoiceQuestion  = errors.New("question does not take options")
)

// WarnNoAnswer is returned by MarkForReview when the question is still unanswered.
const WarnNoAnswer = "No answer selected, marked for review"

const autosaveBuffer = 64

// DefaultSubmitTimeout bounds one shared submission, grading and persistence included.
const DefaultSubmitTimeout = 30 * time.Second

// SubmitFunc sends the submission to the grading backend.
type SubmitFunc func(ctx context.Context, sub *model.Submission) (*model.Result, error)

// AutosaveFunc pushes one answer to the backend. Failures are only logged.
type AutosaveFunc func(ctx context.Context, questionID string, answer []string) error

// Persister records a graded result in durable storage.
type Persister interface {
	Record(ctx context.Context, moduleID string, res *model.Result) (map[string]result.Outcome, error)
}

// Exiter leaves fullscreen on the session's behalf.
type Exiter interface {
	ExitFullscreen(ctx context.Context) error
}

// Countdown is the timer bound to the session.
type Countdown interface {
	RemainingSeconds() int
	Expired() bool
	Stop()
}

// Recorder receives proctoring events.
type Recorder interface {
	Record(ctx context.Context, ev model.ProctorEvent)
}

// Options configures a Controller. Submit is required.
type Options struct {
	SessionID string
	Now       func() time.Time
	Submit    SubmitFunc
	Persister Persister
	Autosave  AutosaveFunc
	// SubmitTimeout bounds the shared submission, which runs detached from
	// the context of whichever caller started it.
	SubmitTimeout time.Duration
	// OnSubmitted runs once after a successful submission.
	OnSubmitted func(res *model.Result, outcomes map[string]result.Outcome)
	// OnForcedFailure runs when a forced submission fails, to get the student
	// out of the exam (back to the module list).
	OnForcedFailure func(err error)
	Recorder        Recorder
	// Event is the template copied into every recorded proctoring event.
	Event model.ProctorEvent
	Log   zerolog.Logger
}

// Controller is the single owner of a practice session's mutable state.
type Controller struct {
	id        string
	moduleID  string
	questions []model.Question
	index     map[string]int
	opts      Options
	startedAt time.Time

	mu         sync.Mutex
	current    int
	answers    *answerStore
	flags      *flagStore
	timeSpent  map[string]time.Duration
	enteredAt  time.Time
	submitting bool
	submitted  bool
	reason     model.SubmitReason
	res        *model.Result
	outcomes   map[string]result.Outcome
	exiter     Exiter
	countdown  Countdown
	closed     bool

	group    singleflight.Group
	autosave chan autosaveItem
	wg       sync.WaitGroup
}

type autosaveItem struct {
	questionID string
	answer     []string
}

// New starts a session over questions. Answers and flags start empty.
func New(moduleID string, questions []model.Question, opts Options) *Controller {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SessionID == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.SubmitTimeout <= 0 {
		opts.SubmitTimeout = DefaultSubmitTimeout
	}
	opts.Log = opts.Log.With().
		Str("component", "practice_session").
		Str("session_id", opts.SessionID).
		Str("module_id", moduleID).
		Logger()
	opts.Event.SessionID = opts.SessionID
	opts.Event.ModuleID = moduleID

	now := opts.Now()
	c := &Controller{
		id:        opts.SessionID,
		moduleID:  moduleID,
		questions: questions,
		index:     make(map[string]int, len(questions)),
		opts:      opts,
		startedAt: now,
		answers:   newAnswerStore(),
		flags:     newFlagStore(),
		timeSpent: make(map[string]time.Duration, len(questions)),
		enteredAt: now,
	}
	for i, q := range questions {
		c.index[q.ID] = i
	}

	if opts.Autosave != nil {
		c.autosave = make(chan autosaveItem, autosaveBuffer)
		c.wg.Add(1)
		go c.runAutosave()
	}
	return c
}

func (c *Controller) ID() string       { return c.id }
func (c *Controller) ModuleID() string { return c.moduleID }

// Questions returns the module's questions in palette order.
func (c *Controller) Questions() []model.Question {
	return c.questions
}

// BindFullscreen sets what Submit asks to leave fullscreen before grading.
func (c *Controller) BindFullscreen(e Exiter) {
	c.mu.Lock()
	c.exiter = e
	c.mu.Unlock()
}

// BindCountdown attaches the session timer. It is stopped once the session is submitted.
func (c *Controller) BindCountdown(cd Countdown) {
	c.mu.Lock()
	c.countdown = cd
	c.mu.Unlock()
}

// ----------------------------------------------------------------
// Navigation
// ----------------------------------------------------------------

// SelectQuestion moves to index. Out-of-range values are ignored.
func (c *Controller) SelectQuestion(i int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i >= 0 && i < len(c.questions) {
		c.moveLocked(i)
	}
	return c.current
}

func (c *Controller) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current+1 < len(c.questions) {
		c.moveLocked(c.current + 1)
	}
	return c.current
}

func (c *Controller) Previous() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current > 0 {
		c.moveLocked(c.current - 1)
	}
	return c.current
}

// Current returns the current index and its question.
func (c *Controller) Current() (int, model.Question) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.questions) == 0 {
		return 0, model.Question{}
	}
	return c.current, c.questions[c.current]
}

func (c *Controller) moveLocked(i int) {
	if i == c.current {
		return
	}
	c.accrueLocked()
	c.current = i
}

// accrueLocked charges the time since the last move to the current question.
func (c *Controller) accrueLocked() {
	now := c.opts.Now()
	if len(c.questions) > 0 && !c.submitted {
		if d := now.Sub(c.enteredAt); d > 0 {
			c.timeSpent[c.questions[c.current].ID] += d
		}
	}
	c.enteredAt = now
}

// ----------------------------------------------------------------
// Mutation
// ----------------------------------------------------------------

// SetAnswer replaces the answer of questionID. An empty answer clears it.
func (c *Controller) SetAnswer(questionID string, answer []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, err := c.mutableLocked(questionID)
	if err != nil {
		return err
	}
	c.answers.set(questionID, answer)
	c.queueAutosaveLocked(q)
	return nil
}

// ClearAnswer is SetAnswer with an empty answer.
func (c *Controller) ClearAnswer(questionID string) error {
	return c.SetAnswer(questionID, nil)
}

// SelectOption applies a click on optionID. Single-choice questions replace the
// answer, multi-choice questions toggle the option.
func (c *Controller) SelectOption(questionID, optionID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, err := c.mutableLocked(questionID)
	if err != nil {
		return nil, err
	}
	if !q.Type.IsChoice() {
		return nil, ErrNotChoiceQuestion
	}
	if !q.HasOption(optionID) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOption, optionID)
	}

	if q.Type == model.QuestionTypeMultiChoice {
		return c.answers.toggle(questionID, optionID), nil
	}
	c.answers.set(questionID, []string{optionID})
	return c.answers.get(questionID), nil
}

// SetText stores a free-text or code answer. Empty text clears the answer.
func (c *Controller) SetText(questionID, text string) error {
	var answer []string
	if text != "" {
		answer = []string{text}
	}
	return c.SetAnswer(questionID, answer)
}

// ToggleFlag inverts the review flag and returns the new state.
func (c *Controller) ToggleFlag(questionID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.mutableLocked(questionID); err != nil {
		return false, err
	}
	return c.flags.toggle(questionID), nil
}

// MarkForReview flags questionID and advances past it. It never blocks on a
// missing answer; the returned warning is WarnNoAnswer in that case.
func (c *Controller) MarkForReview(questionID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.mutableLocked(questionID); err != nil {
		return "", err
	}
	c.flags.set(questionID)

	if i := c.index[questionID]; i+1 < len(c.questions) {
		c.moveLocked(i + 1)
	}
	if !c.answers.has(questionID) {
		return WarnNoAnswer, nil
	}
	return "", nil
}

func (c *Controller) mutableLocked(questionID string) (*model.Question, error) {
	if c.submitted {
		return nil, ErrSessionSubmitted
	}
	if c.submitting {
		return nil, ErrSubmissionInFlight
	}
	// Past the deadline only a submission may change the session.
	if c.countdown != nil && c.countdown.Expired() {
		return nil, ErrDeadlinePassed
	}
	i, ok := c.index[questionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	return &c.questions[i], nil
}

// ----------------------------------------------------------------
// Read-only projections
// ----------------------------------------------------------------

// Answer returns a copy of the current answer of questionID.
func (c *Controller) Answer(questionID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answers.get(questionID)
}

func (c *Controller) Flagged(questionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flags.has(questionID)
}

// Status derives the visitation status of questionID.
func (c *Controller) Status(questionID string) (model.QuestionStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.index[questionID]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	return c.statusLocked(questionID), nil
}

func (c *Controller) statusLocked(id string) model.QuestionStatus {
	flagged, answered := c.flags.has(id), c.answers.has(id)
	switch {
	case c.submitted:
		return model.QuestionStatusSubmitted
	case flagged && answered:
		return model.QuestionStatusMarkedAnswered
	case flagged:
		return model.QuestionStatusFlagged
	case answered:
		return model.QuestionStatusAnswered
	default:
		return model.QuestionStatusNotVisited
	}
}

// Palette lists the status of every question in order.
func (c *Controller) Palette() []model.PaletteEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paletteLocked()
}

func (c *Controller) paletteLocked() []model.PaletteEntry {
	out := make([]model.PaletteEntry, len(c.questions))
	for i, q := range c.questions {
		out[i] = model.PaletteEntry{Index: i, QuestionID: q.ID, Status: c.statusLocked(q.ID)}
	}
	return out
}

// Active reports a session that is neither submitted nor submitting.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.submitted && !c.submitting
}

func (c *Controller) Submitted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submitted
}

// Result returns the graded result and its normalized outcomes once submitted.
func (c *Controller) Result() (*model.Result, map[string]result.Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.res, c.outcomes, c.submitted
}

// Snapshot is a consistent copy of the session for rendering.
func (c *Controller) Snapshot() model.SessionSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := model.SessionSnapshot{
		SessionID:      c.id,
		ModuleID:       c.moduleID,
		CurrentIndex:   c.current,
		TotalQuestions: len(c.questions),
		Answers:        c.answers.snapshot(),
		Flags:          c.flags.list(c.order()),
		Submitted:      c.submitted,
		Palette:        c.paletteLocked(),
		StartedAt:      c.startedAt,
	}
	if c.countdown != nil && !c.submitted {
		snap.RemainingSeconds = c.countdown.RemainingSeconds()
	}
	return snap
}

func (c *Controller) order() []string {
	ids := make([]string, len(c.questions))
	for i, q := range c.questions {
		ids[i] = q.ID
	}
	return ids
}

// ----------------------------------------------------------------
// Submission
// ----------------------------------------------------------------

// Submit grades the session. The first caller wins: concurrent callers share its
// backend call and later callers get the cached result. On failure the session
// stays unsubmitted and Submit may be retried.
func (c *Controller) Submit(ctx context.Context) (*model.Result, error) {
	return c.submit(ctx, model.SubmitReasonManual)
}

// ForceSubmit is the submission path of timer expiry and fullscreen exit. When it
// fails the student is sent away from the exam through OnForcedFailure.
func (c *Controller) ForceSubmit(ctx context.Context, reason model.SubmitReason) (*model.Result, error) {
	c.record(ctx, model.ProctorForcedSubmit, string(reason))

	res, err := c.submit(ctx, reason)
	if err != nil {
		c.opts.Log.Error().Err(err).Str("reason", string(reason)).Msg("Forced submission failed")
		c.record(ctx, model.ProctorForcedSubmitFailed, err.Error())
		if c.opts.OnForcedFailure != nil {
			c.opts.OnForcedFailure(err)
		}
		return nil, err
	}
	return res, nil
}

func (c *Controller) submit(ctx context.Context, reason model.SubmitReason) (*model.Result, error) {
	c.mu.Lock()
	if c.submitted {
		res := c.res
		c.mu.Unlock()
		return res, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("submit", func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.SubmitTimeout)
		defer cancel()
		return c.doSubmit(sctx, reason)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Result), nil
}

func (c *Controller) doSubmit(ctx context.Context, reason model.SubmitReason) (*model.Result, error) {
	c.mu.Lock()
	if c.submitted {
		res := c.res
		c.mu.Unlock()
		return res, nil
	}
	c.submitting = true
	c.accrueLocked()
	sub := c.submissionLocked()
	exiter := c.exiter
	c.mu.Unlock()

	if exiter != nil {
		if err := exiter.ExitFullscreen(ctx); err != nil {
			c.opts.Log.Debug().Err(err).Msg("Exit fullscreen before submit failed")
		}
	}

	res, err := c.opts.Submit(ctx, sub)

	c.mu.Lock()
	c.submitting = false
	if err != nil {
		c.enteredAt = c.opts.Now()
		c.mu.Unlock()
		c.opts.Log.Warn().Err(err).Str("reason", string(reason)).Msg("Submission failed, session left open")
		return nil, fmt.Errorf("submit module %s: %w", c.moduleID, err)
	}
	c.submitted = true
	c.reason = reason
	c.res = res
	countdown := c.countdown
	c.mu.Unlock()

	if countdown != nil {
		countdown.Stop()
	}

	var outcomes map[string]result.Outcome
	if c.opts.Persister != nil {
		// The exam is graded either way; a storage failure only costs the cached copy.
		outcomes, err = c.opts.Persister.Record(ctx, c.moduleID, res)
		if err != nil {
			c.opts.Log.Error().Err(err).Msg("Failed to persist practice result")
		}
	}
	if outcomes == nil {
		outcomes = result.Normalize(res)
	}

	c.mu.Lock()
	c.outcomes = outcomes
	c.mu.Unlock()

	c.opts.Log.Info().
		Str("reason", string(reason)).
		Float64("score_percent", res.ScorePercent).
		Int("answered", len(sub.Answers)).
		Msg("Practice module submitted")

	if c.opts.OnSubmitted != nil {
		c.opts.OnSubmitted(res, outcomes)
	}
	return res, nil
}

// SubmitReason returns what triggered the accepted submission.
func (c *Controller) SubmitReason() model.SubmitReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *Controller) submissionLocked() *model.Submission {
	spent := make(map[string]int, len(c.timeSpent))
	for id, d := range c.timeSpent {
		spent[id] = int(math.Round(d.Seconds()))
	}
	return &model.Submission{
		Answers:   c.answers.snapshot(),
		Flags:     c.flags.list(c.order()),
		TimeSpent: spent,
	}
}

func (c *Controller) record(ctx context.Context, kind model.ProctorEventKind, detail string) {
	if c.opts.Recorder == nil {
		return
	}
	ev := c.opts.Event
	ev.Kind = kind
	ev.Detail = detail
	ev.RecordedAt = c.opts.Now()
	c.opts.Recorder.Record(ctx, ev)
}

// ----------------------------------------------------------------
// Autosave
// ----------------------------------------------------------------

func (c *Controller) queueAutosaveLocked(q *model.Question) {
	if c.autosave == nil || c.closed || q.Type.IsChoice() {
		return
	}
	item := autosaveItem{questionID: q.ID, answer: c.answers.get(q.ID)}
	select {
	case c.autosave <- item:
	default:
		c.opts.Log.Warn().Str("question_id", q.ID).Msg("Autosave queue full, dropping")
	}
}

// runAutosave pushes answers one at a time so the backend sees them in order.
func (c *Controller) runAutosave() {
	defer c.wg.Done()
	for item := range c.autosave {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.opts.Autosave(ctx, item.questionID, item.answer); err != nil {
			c.opts.Log.Warn().Err(err).Str("question_id", item.questionID).Msg("Autosave failed")
		}
		cancel()
	}
}

// Close stops background work. Pending autosaves are flushed first.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.autosave != nil {
		close(c.autosave)
	}
	c.mu.Unlock()
	c.wg.Wait()
}
