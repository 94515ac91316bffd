package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-practice/internal/model"
	"github.com/stemsi/exstem-practice/internal/result"
	"github.com/stemsi/exstem-practice/internal/service"
	"github.com/stemsi/exstem-practice/internal/session"
	"github.com/stemsi/exstem-practice/internal/store"
	"github.com/stemsi/exstem-practice/internal/timer"
)

const studentID = 7

// upstream is an in-memory practice API.
type upstream struct {
	mu        sync.Mutex
	modules   []model.Module
	questions map[string][]model.Question
	submits   int
	submitErr error
	autosaved []string
}

func newUpstream() *upstream {
	return &upstream{
		modules: []model.Module{
			{ID: "algebra", Title: "Algebra", DurationSeconds: 600, QuestionCount: 2},
			{ID: "geometry", Title: "Geometry", DurationSeconds: 300, QuestionCount: 1},
		},
		questions: map[string][]model.Question{
			"algebra": {
				{ID: "q1", Type: model.QuestionTypeSingleChoice, Options: []model.Option{{ID: "a"}, {ID: "b"}}},
				{ID: "q2", Type: model.QuestionTypeFreeText},
			},
			"geometry": {
				{ID: "g1", Type: model.QuestionTypeSingleChoice, Options: []model.Option{{ID: "a"}, {ID: "b"}}},
			},
		},
	}
}

func (u *upstream) ListModules(context.Context, string) ([]model.Module, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]model.Module(nil), u.modules...), nil
}

func (u *upstream) GetModule(_ context.Context, _ string, moduleID string) (*model.Module, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, m := range u.modules {
		if m.ID == moduleID {
			m := m
			return &m, nil
		}
	}
	return nil, errors.New("not found")
}

func (u *upstream) GetQuestions(_ context.Context, _ string, moduleID string) ([]model.Question, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.questions[moduleID], nil
}

func (u *upstream) Autosave(_ context.Context, _, _, questionID string, _ []string) error {
	u.mu.Lock()
	u.autosaved = append(u.autosaved, questionID)
	u.mu.Unlock()
	return nil
}

func (u *upstream) Submit(context.Context, string, string, *model.Submission) (*model.Result, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.submits++
	if u.submitErr != nil {
		return nil, u.submitErr
	}
	correct := true
	return &model.Result{
		ScorePercent: 75,
		QuestionResults: []model.QuestionResult{
			{QuestionID: "q1", Correct: &correct, Score: 1},
		},
	}, nil
}

func (u *upstream) submitCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.submits
}

// screen is a scriptable fullscreen capability.
type screen struct {
	mu        sync.Mutex
	active    bool
	rejectErr error
	fns       map[int]func(bool)
	next      int
}

func (s *screen) Request(context.Context) error {
	s.mu.Lock()
	if s.rejectErr != nil {
		s.mu.Unlock()
		return s.rejectErr
	}
	s.active = true
	s.mu.Unlock()
	s.notify(true)
	return nil
}

func (s *screen) Exit(context.Context) error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.mu.Unlock()
	s.notify(false)
	return nil
}

func (s *screen) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *screen) Subscribe(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[int]func(bool))
	}
	id := s.next
	s.next++
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.fns, id)
		s.mu.Unlock()
	}
}

func (s *screen) notify(active bool) {
	s.mu.Lock()
	fns := make([]func(bool), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(active)
	}
}

type watcher struct {
	graded    chan *model.Result
	warnings  chan string
	redirects chan error
}

func newWatcher() *watcher {
	return &watcher{
		graded:    make(chan *model.Result, 4),
		warnings:  make(chan string, 4),
		redirects: make(chan error, 4),
	}
}

func (w *watcher) OnTick(int, timer.Level)  {}
func (w *watcher) OnWarning(message string) { w.warnings <- message }
func (w *watcher) OnSubmitted(res *model.Result, _ map[string]result.Outcome) {
	w.graded <- res
}
func (w *watcher) OnRedirect(err error) { w.redirects <- err }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newService(t *testing.T, up *upstream, opts service.PracticeOptions) *service.PracticeService {
	t.Helper()
	svc := service.NewPracticeService(up, nil, store.NewMemory(), nil, opts, zerolog.Nop())
	t.Cleanup(svc.Shutdown)
	return svc
}

func start(t *testing.T, svc *service.PracticeService, moduleID string, retake bool, sc *screen, w *watcher) (*service.LiveSession, bool, error) {
	t.Helper()
	return svc.Start(context.Background(), service.StartRequest{
		StudentID:  studentID,
		Token:      "tok",
		ModuleID:   moduleID,
		Retake:     retake,
		Capability: sc,
		Listener:   w,
	})
}

func awaitGraded(t *testing.T, w *watcher) *model.Result {
	t.Helper()
	select {
	case res := <-w.graded:
		return res
	case <-time.After(3 * time.Second):
		t.Fatal("session was not graded")
		return nil
	}
}

func TestStartResumesLiveSession(t *testing.T) {
	svc := newService(t, newUpstream(), service.PracticeOptions{})

	first, resumed, err := start(t, svc, "algebra", false, &screen{}, newWatcher())
	require.NoError(t, err)
	assert.False(t, resumed)

	second, resumed, err := start(t, svc, "algebra", false, &screen{}, newWatcher())
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Same(t, first, second)
	assert.Equal(t, 1, svc.LiveCount())

	_, _, err = start(t, svc, "geometry", false, &screen{}, newWatcher())
	assert.ErrorIs(t, err, service.ErrAnotherSessionActive)
}

func TestStartWithoutQuestions(t *testing.T) {
	up := newUpstream()
	up.questions["algebra"] = nil
	svc := newService(t, up, service.PracticeOptions{})

	_, _, err := start(t, svc, "algebra", false, &screen{}, newWatcher())
	assert.ErrorIs(t, err, service.ErrNoQuestions)
	assert.Zero(t, svc.LiveCount())
}

func TestSubmitStoresResultAndCompletesModule(t *testing.T) {
	up := newUpstream()
	svc := newService(t, up, service.PracticeOptions{})
	w := newWatcher()

	ls, _, err := start(t, svc, "algebra", false, &screen{}, w)
	require.NoError(t, err)
	require.NoError(t, ls.Controller.SetAnswer("q1", []string{"a"}))

	res, err := ls.Controller.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 75.0, res.ScorePercent)
	assert.Equal(t, 75.0, awaitGraded(t, w).ScorePercent)
	assert.Zero(t, svc.LiveCount())

	modules, err := svc.ListModules(context.Background(), studentID, "tok")
	require.NoError(t, err)
	require.Len(t, modules, 2)
	assert.Equal(t, model.ModuleStatusCompleted, modules[0].Status)
	require.NotNil(t, modules[0].ScorePercent)
	assert.Equal(t, 75.0, *modules[0].ScorePercent)
	assert.Equal(t, model.ModuleStatusAvailable, modules[1].Status)

	stored, outcomes, err := svc.Result(context.Background(), studentID, "algebra")
	require.NoError(t, err)
	assert.Equal(t, 75.0, stored.ScorePercent)
	assert.True(t, outcomes["q1"].Correct)

	_, _, err = start(t, svc, "algebra", false, &screen{}, newWatcher())
	assert.ErrorIs(t, err, service.ErrModuleCompleted)

	_, resumed, err := start(t, svc, "algebra", true, &screen{}, newWatcher())
	require.NoError(t, err)
	assert.False(t, resumed)
}

func TestListModulesMarksLiveSessionInProgress(t *testing.T) {
	svc := newService(t, newUpstream(), service.PracticeOptions{})

	_, _, err := start(t, svc, "geometry", false, &screen{}, newWatcher())
	require.NoError(t, err)

	modules, err := svc.ListModules(context.Background(), studentID, "tok")
	require.NoError(t, err)
	assert.Equal(t, model.ModuleStatusAvailable, modules[0].Status)
	assert.Equal(t, model.ModuleStatusInProgress, modules[1].Status)

	m, err := svc.GetModule(context.Background(), studentID, "tok", "geometry")
	require.NoError(t, err)
	assert.Equal(t, model.ModuleStatusInProgress, m.Status)
}

func TestLeavingFullscreenSubmits(t *testing.T) {
	up := newUpstream()
	svc := newService(t, up, service.PracticeOptions{})
	sc := &screen{}
	w := newWatcher()

	ls, _, err := start(t, svc, "algebra", false, sc, w)
	require.NoError(t, err)
	require.True(t, sc.IsActive())

	require.NoError(t, sc.Exit(context.Background()))
	awaitGraded(t, w)

	assert.Equal(t, 1, up.submitCount())
	assert.Equal(t, model.SubmitReasonFullscreenExit, ls.Controller.SubmitReason())
}

func TestManualSubmitDoesNotCountAsLeaving(t *testing.T) {
	up := newUpstream()
	svc := newService(t, up, service.PracticeOptions{})
	sc := &screen{}
	w := newWatcher()

	ls, _, err := start(t, svc, "algebra", false, sc, w)
	require.NoError(t, err)

	_, err = ls.Controller.Submit(context.Background())
	require.NoError(t, err)
	awaitGraded(t, w)

	assert.False(t, sc.IsActive())
	assert.Equal(t, 1, up.submitCount())
	assert.Equal(t, model.SubmitReasonManual, ls.Controller.SubmitReason())
}

func TestRejectedFullscreenWarnsAndContinues(t *testing.T) {
	svc := newService(t, newUpstream(), service.PracticeOptions{})
	w := newWatcher()

	ls, _, err := start(t, svc, "algebra", false, &screen{rejectErr: errors.New("denied")}, w)
	require.NoError(t, err)

	select {
	case msg := <-w.warnings:
		assert.Contains(t, msg, "denied")
	case <-time.After(time.Second):
		t.Fatal("no warning")
	}
	assert.True(t, ls.Controller.Active())
}

func TestForcedSubmitFailureRedirects(t *testing.T) {
	up := newUpstream()
	up.submitErr = errors.New("backend down")
	svc := newService(t, up, service.PracticeOptions{})
	sc := &screen{}
	w := newWatcher()

	ls, _, err := start(t, svc, "algebra", false, sc, w)
	require.NoError(t, err)

	require.NoError(t, sc.Exit(context.Background()))
	select {
	case err := <-w.redirects:
		assert.ErrorContains(t, err, "backend down")
	case <-time.After(3 * time.Second):
		t.Fatal("no redirect")
	}

	// The session stays registered and unsubmitted.
	got, err := svc.Get(studentID, "algebra")
	require.NoError(t, err)
	assert.Same(t, ls, got)
	assert.False(t, ls.Controller.Submitted())
}

func TestDetachedSessionIgnoresOldScreen(t *testing.T) {
	up := newUpstream()
	svc := newService(t, up, service.PracticeOptions{})
	sc := &screen{}

	_, _, err := start(t, svc, "algebra", false, sc, newWatcher())
	require.NoError(t, err)

	svc.Detach(studentID, sc)
	require.NoError(t, sc.Exit(context.Background()))
	time.Sleep(50 * time.Millisecond)

	assert.Zero(t, up.submitCount())
	_, err = svc.Get(studentID, "algebra")
	assert.NoError(t, err)
}

func TestTimerExpirySubmits(t *testing.T) {
	up := newUpstream()
	clk := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	svc := newService(t, up, service.PracticeOptions{Clock: clk})
	w := newWatcher()

	ls, _, err := start(t, svc, "geometry", false, &screen{}, w)
	require.NoError(t, err)

	clk.Advance(301 * time.Second)
	awaitGraded(t, w)

	assert.Equal(t, 1, up.submitCount())
	assert.Equal(t, model.SubmitReasonTimerExpired, ls.Controller.SubmitReason())
}

func TestResumePastDeadlineRetriesSubmission(t *testing.T) {
	up := newUpstream()
	up.submitErr = errors.New("backend down")
	clk := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	svc := newService(t, up, service.PracticeOptions{Clock: clk})
	w := newWatcher()

	ls, _, err := start(t, svc, "geometry", false, &screen{}, w)
	require.NoError(t, err)

	clk.Advance(301 * time.Second)
	select {
	case <-w.redirects:
	case <-time.After(3 * time.Second):
		t.Fatal("failed expiry did not redirect")
	}
	require.False(t, ls.Controller.Submitted())
	assert.ErrorIs(t, ls.Controller.SetAnswer("g1", []string{"a"}), session.ErrDeadlinePassed)

	// The backend recovers and the student comes back an hour later.
	up.mu.Lock()
	up.submitErr = nil
	up.mu.Unlock()
	clk.Advance(time.Hour)
	before := up.submitCount()

	_, resumed, err := start(t, svc, "geometry", false, &screen{}, newWatcher())
	assert.ErrorIs(t, err, service.ErrModuleCompleted)
	assert.False(t, resumed)
	assert.Equal(t, before+1, up.submitCount())
	assert.True(t, ls.Controller.Submitted())
	assert.Equal(t, model.SubmitReasonTimerExpired, ls.Controller.SubmitReason())
	assert.Zero(t, svc.LiveCount())

	_, _, err = svc.Result(context.Background(), studentID, "geometry")
	assert.NoError(t, err)
}

func TestSessionTokenFollowsLiveSession(t *testing.T) {
	svc := newService(t, newUpstream(), service.PracticeOptions{})
	w := newWatcher()

	_, ok := svc.SessionToken(studentID, "algebra")
	assert.False(t, ok)

	ls, _, err := start(t, svc, "algebra", false, &screen{}, w)
	require.NoError(t, err)
	tok, ok := svc.SessionToken(studentID, "algebra")
	assert.True(t, ok)
	assert.Equal(t, "tok", tok)
	_, ok = svc.SessionToken(studentID, "geometry")
	assert.False(t, ok)

	_, err = ls.Controller.Submit(context.Background())
	require.NoError(t, err)
	awaitGraded(t, w)
	_, ok = svc.SessionToken(studentID, "algebra")
	assert.False(t, ok)
}

func TestGetUnknownSession(t *testing.T) {
	svc := newService(t, newUpstream(), service.PracticeOptions{})
	_, err := svc.Get(studentID, "algebra")
	assert.ErrorIs(t, err, service.ErrSessionNotFound)
}
