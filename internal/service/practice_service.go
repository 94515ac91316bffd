package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-practice/internal/config"
	"github.com/stemsi/exstem-practice/internal/fullscreen"
	"github.com/stemsi/exstem-practice/internal/model"
	"github.com/stemsi/exstem-practice/internal/result"
	"github.com/stemsi/exstem-practice/internal/session"
	"github.com/stemsi/exstem-practice/internal/store"
	"github.com/stemsi/exstem-practice/internal/timer"
)

// Practice service errors.
var (
	ErrSessionNotFound      = errors.New("no live practice session")
	ErrAnotherSessionActive = errors.New("another practice module is in progress")
	ErrModuleCompleted      = errors.New("practice module already completed")
	ErrNoQuestions          = errors.New("practice module has no questions")
)

// Backend is the upstream practice API the service depends on.
type Backend interface {
	ListModules(ctx context.Context, token string) ([]model.Module, error)
	GetModule(ctx context.Context, token, moduleID string) (*model.Module, error)
	GetQuestions(ctx context.Context, token, moduleID string) ([]model.Question, error)
	Autosave(ctx context.Context, token, moduleID, questionID string, answer []string) error
	Submit(ctx context.Context, token, moduleID string, sub *model.Submission) (*model.Result, error)
}

// TimeSyncer persists the remaining time of a student's session. DirectSyncer
// calls upstream inline; the queued worker path keys syncs by student.
type TimeSyncer interface {
	SyncTime(ctx context.Context, studentID int, token, moduleID string, secondsRemaining int) error
}

// TokenSyncer is the upstream time-sync call.
type TokenSyncer interface {
	SyncTime(ctx context.Context, token, moduleID string, secondsRemaining int) error
}

// DirectSyncer sends every sync straight to upstream.
func DirectSyncer(up TokenSyncer) TimeSyncer {
	return directSyncer{up: up}
}

type directSyncer struct {
	up TokenSyncer
}

func (d directSyncer) SyncTime(ctx context.Context, _ int, token, moduleID string, secondsRemaining int) error {
	return d.up.SyncTime(ctx, token, moduleID, secondsRemaining)
}

// Recorder receives proctoring events.
type Recorder interface {
	Record(ctx context.Context, ev model.ProctorEvent)
}

// Listener is the connection currently watching a live session.
type Listener interface {
	OnTick(secondsRemaining int, level timer.Level)
	OnWarning(message string)
	OnSubmitted(res *model.Result, outcomes map[string]result.Outcome)
	// OnRedirect sends the student back to the module list after a failed forced submission.
	OnRedirect(err error)
}

// PracticeOptions tunes the sessions created by the service.
type PracticeOptions struct {
	SyncInterval   time.Duration
	RequestTimeout time.Duration
	// Clock drives session timers; nil means wall time.
	Clock timer.Clock
}

// PracticeService owns the live practice sessions, one per student.
type PracticeService struct {
	backend  Backend
	syncer   TimeSyncer
	kv       store.KV
	recorder Recorder
	opts     PracticeOptions
	log      zerolog.Logger

	mu          sync.Mutex
	sessions    map[int]*LiveSession
	reconcilers map[int]*result.Reconciler
}

// NewPracticeService creates a new PracticeService.
func NewPracticeService(
	backend Backend,
	syncer TimeSyncer,
	kv store.KV,
	recorder Recorder,
	opts PracticeOptions,
	log zerolog.Logger,
) *PracticeService {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &PracticeService{
		backend:     backend,
		syncer:      syncer,
		kv:          kv,
		recorder:    recorder,
		opts:        opts,
		log:         log.With().Str("component", "practice_service").Logger(),
		sessions:    make(map[int]*LiveSession),
		reconcilers: make(map[int]*result.Reconciler),
	}
}

// Reconciler returns the result store of a student, scoped to their namespace.
func (s *PracticeService) Reconciler(studentID int) *result.Reconciler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconcilerLocked(studentID)
}

func (s *PracticeService) reconcilerLocked(studentID int) *result.Reconciler {
	r, ok := s.reconcilers[studentID]
	if !ok {
		kv := store.WithNamespace(s.kv, config.StorageKey.StudentNamespace(studentID))
		r = result.NewReconciler(kv, s.log)
		s.reconcilers[studentID] = r
	}
	return r
}

// ListModules returns the upstream modules overlaid with the student's local
// completion state. The one-shot cache maintenance runs first.
func (s *PracticeService) ListModules(ctx context.Context, studentID int, token string) ([]model.ModuleListing, error) {
	rec := s.Reconciler(studentID)
	if _, err := rec.RunMaintenance(ctx); err != nil {
		s.log.Warn().Err(err).Int("student_id", studentID).Msg("Practice cache maintenance failed")
	}

	modules, err := s.backend.ListModules(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}

	submitted, err := rec.Submitted(ctx)
	if err != nil {
		return nil, fmt.Errorf("read submitted modules: %w", err)
	}
	done := make(map[string]bool, len(submitted))
	for _, id := range submitted {
		done[id] = true
	}

	live := s.liveModule(studentID)

	listing := make([]model.ModuleListing, 0, len(modules))
	for _, m := range modules {
		item := model.ModuleListing{Module: m, Status: model.ModuleStatusAvailable}
		switch {
		case live == m.ID:
			item.Status = model.ModuleStatusInProgress
		case done[m.ID]:
			item.Status = model.ModuleStatusCompleted
			if res, err := rec.Load(ctx, m.ID); err == nil {
				score := res.ScorePercent
				item.ScorePercent = &score
			}
		}
		listing = append(listing, item)
	}
	return listing, nil
}

// GetModule returns one module with the student's status.
func (s *PracticeService) GetModule(ctx context.Context, studentID int, token, moduleID string) (*model.ModuleListing, error) {
	m, err := s.backend.GetModule(ctx, token, moduleID)
	if err != nil {
		return nil, fmt.Errorf("get module: %w", err)
	}
	item := &model.ModuleListing{Module: *m, Status: model.ModuleStatusAvailable}
	if s.liveModule(studentID) == moduleID {
		item.Status = model.ModuleStatusInProgress
		return item, nil
	}
	if res, err := s.Reconciler(studentID).Load(ctx, moduleID); err == nil {
		item.Status = model.ModuleStatusCompleted
		score := res.ScorePercent
		item.ScorePercent = &score
	}
	return item, nil
}

func (s *PracticeService) liveModule(studentID int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ls, ok := s.sessions[studentID]; ok && !ls.Controller.Submitted() {
		return ls.Controller.ModuleID()
	}
	return ""
}

// StartRequest describes a session start or resume.
type StartRequest struct {
	StudentID int
	Token     string
	ModuleID  string
	// Retake allows starting a module that already has a stored result.
	Retake     bool
	Capability fullscreen.Capability
	Listener   Listener
}

// Start creates the student's session for a module, or resumes the live one.
// Fullscreen is requested before the timer starts; a rejection is reported to the
// listener and the session goes on.
func (s *PracticeService) Start(ctx context.Context, req StartRequest) (*LiveSession, bool, error) {
	s.mu.Lock()
	if ls, ok := s.sessions[req.StudentID]; ok && !ls.Controller.Submitted() {
		s.mu.Unlock()
		if ls.Controller.ModuleID() != req.ModuleID {
			return nil, false, ErrAnotherSessionActive
		}
		ls.setToken(req.Token)
		if ls.Timer.Expired() {
			return nil, false, s.settleExpired(ctx, ls)
		}
		ls.attach(ctx, req.Capability, req.Listener)
		ls.log.Info().Msg("Practice session resumed")
		return ls, true, nil
	}
	rec := s.reconcilerLocked(req.StudentID)
	s.mu.Unlock()

	if !req.Retake {
		done, err := rec.IsSubmitted(ctx, req.ModuleID)
		if err != nil {
			return nil, false, fmt.Errorf("check submitted: %w", err)
		}
		if done {
			return nil, false, ErrModuleCompleted
		}
	}

	module, err := s.backend.GetModule(ctx, req.Token, req.ModuleID)
	if err != nil {
		return nil, false, fmt.Errorf("get module: %w", err)
	}
	// Questions are fetched fresh for every attempt.
	questions, err := s.backend.GetQuestions(ctx, req.Token, req.ModuleID)
	if err != nil {
		return nil, false, fmt.Errorf("get questions: %w", err)
	}
	if len(questions) == 0 {
		return nil, false, ErrNoQuestions
	}

	ls := s.newLiveSession(req, module, questions, rec)

	s.mu.Lock()
	if cur, ok := s.sessions[req.StudentID]; ok && !cur.Controller.Submitted() {
		// Lost a race with another start of the same student.
		s.mu.Unlock()
		ls.close()
		if cur.Controller.ModuleID() != req.ModuleID {
			return nil, false, ErrAnotherSessionActive
		}
		cur.setToken(req.Token)
		if cur.Timer.Expired() {
			return nil, false, s.settleExpired(ctx, cur)
		}
		cur.attach(ctx, req.Capability, req.Listener)
		return cur, true, nil
	}
	s.sessions[req.StudentID] = ls
	s.mu.Unlock()

	ls.attach(ctx, req.Capability, req.Listener)
	ls.Timer.Start(context.Background())

	ls.log.Info().
		Int("questions", len(questions)).
		Int("duration_seconds", module.DurationSeconds).
		Msg("Practice session started")
	return ls, false, nil
}

// settleExpired retries the forced submission of a session whose deadline passed
// while the backend was failing. It never hands the session back for answering.
func (s *PracticeService) settleExpired(ctx context.Context, ls *LiveSession) error {
	ls.log.Warn().Msg("Resuming a session past its deadline, retrying submission")
	if _, err := ls.Controller.ForceSubmit(ctx, model.SubmitReasonTimerExpired); err != nil {
		return fmt.Errorf("submit expired session: %w", err)
	}
	return ErrModuleCompleted
}

func (s *PracticeService) newLiveSession(req StartRequest, module *model.Module, questions []model.Question, rec *result.Reconciler) *LiveSession {
	ls := &LiveSession{
		StudentID: req.StudentID,
		token:     req.Token,
		recorder:  s.recorder,
		timeout:   s.opts.RequestTimeout,
		log: s.log.With().
			Int("student_id", req.StudentID).
			Str("module_id", req.ModuleID).
			Logger(),
	}
	ev := model.ProctorEvent{StudentID: req.StudentID}

	ls.Controller = session.New(req.ModuleID, questions, session.Options{
		Submit: func(ctx context.Context, sub *model.Submission) (*model.Result, error) {
			return s.backend.Submit(ctx, ls.Token(), req.ModuleID, sub)
		},
		Persister: rec,
		Autosave: func(ctx context.Context, questionID string, answer []string) error {
			return s.backend.Autosave(ctx, ls.Token(), req.ModuleID, questionID, answer)
		},
		OnSubmitted: func(res *model.Result, outcomes map[string]result.Outcome) {
			s.finish(ls)
			if l := ls.listener(); l != nil {
				l.OnSubmitted(res, outcomes)
			}
		},
		OnForcedFailure: func(err error) {
			if l := ls.listener(); l != nil {
				l.OnRedirect(err)
			}
		},
		Recorder: s.recorder,
		Event:    ev,
		Log:      s.log.With().Int("student_id", req.StudentID).Logger(),
	})

	topts := timer.Options{
		Clock:        s.opts.Clock,
		SyncInterval: s.opts.SyncInterval,
		OnExpire: func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_, _ = ls.Controller.ForceSubmit(ctx, model.SubmitReasonTimerExpired)
		},
		OnTick: func(secs int, level timer.Level) {
			if l := ls.listener(); l != nil {
				l.OnTick(secs, level)
			}
		},
		Log: ls.log,
	}
	if s.syncer != nil {
		topts.Sync = func(ctx context.Context, secs int) error {
			return s.syncer.SyncTime(ctx, req.StudentID, ls.Token(), req.ModuleID, secs)
		}
	}
	ls.Timer = timer.New(time.Duration(module.DurationSeconds)*time.Second, topts)
	ls.Controller.BindCountdown(ls.Timer)
	ls.event = ev
	ls.event.SessionID = ls.Controller.ID()
	ls.event.ModuleID = req.ModuleID
	return ls
}

// finish drops a submitted session from the registry.
func (s *PracticeService) finish(ls *LiveSession) {
	s.mu.Lock()
	if cur, ok := s.sessions[ls.StudentID]; ok && cur == ls {
		delete(s.sessions, ls.StudentID)
	}
	s.mu.Unlock()
	go ls.close()
}

// LiveCount returns the number of registered sessions.
func (s *PracticeService) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Get returns the live session of a student for moduleID.
func (s *PracticeService) Get(studentID int, moduleID string) (*LiveSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.sessions[studentID]
	if !ok || ls.Controller.ModuleID() != moduleID {
		return nil, ErrSessionNotFound
	}
	return ls, nil
}

// SessionToken returns the bearer token of the student's live, unsubmitted
// session on moduleID.
func (s *PracticeService) SessionToken(studentID int, moduleID string) (string, bool) {
	ls, err := s.Get(studentID, moduleID)
	if err != nil || ls.Controller.Submitted() {
		return "", false
	}
	return ls.Token(), true
}

// Detach unbinds a closed connection. The session keeps running and the timer
// still submits it on expiry.
func (s *PracticeService) Detach(studentID int, capability fullscreen.Capability) {
	s.mu.Lock()
	ls, ok := s.sessions[studentID]
	s.mu.Unlock()
	if ok {
		ls.detach(capability)
	}
}

// Result returns the stored result of a module with its per-question outcomes.
func (s *PracticeService) Result(ctx context.Context, studentID int, moduleID string) (*model.Result, map[string]result.Outcome, error) {
	res, err := s.Reconciler(studentID).Load(ctx, moduleID)
	if err != nil {
		return nil, nil, err
	}
	return res, result.Normalize(res), nil
}

// Shutdown stops every live session's timer and flushes pending autosaves.
// Unsubmitted sessions are left for the student to resume elsewhere.
func (s *PracticeService) Shutdown() {
	s.mu.Lock()
	live := make([]*LiveSession, 0, len(s.sessions))
	for id, ls := range s.sessions {
		live = append(live, ls)
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	for _, ls := range live {
		ls.close()
	}
	s.log.Info().Int("sessions", len(live)).Msg("Practice sessions stopped")
}

// LiveSession bundles a controller with its timer and fullscreen guard.
type LiveSession struct {
	StudentID  int
	Controller *session.Controller
	Timer      *timer.Timer

	recorder Recorder
	event    model.ProctorEvent
	timeout  time.Duration
	log      zerolog.Logger

	mu         sync.Mutex
	token      string
	capability fullscreen.Capability
	guard      *fullscreen.Guard
	watcher    Listener
	closeOnce  sync.Once
}

func (ls *LiveSession) Token() string {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.token
}

func (ls *LiveSession) setToken(token string) {
	ls.mu.Lock()
	ls.token = token
	ls.mu.Unlock()
}

func (ls *LiveSession) listener() Listener {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.watcher
}

// attach binds a connection: a fresh guard over its capability and its listener.
func (ls *LiveSession) attach(ctx context.Context, capability fullscreen.Capability, l Listener) {
	ls.mu.Lock()
	old := ls.guard
	ls.guard = nil
	ls.capability = capability
	ls.watcher = l
	ls.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if capability == nil {
		ls.Controller.BindFullscreen(nil)
		return
	}

	guard := fullscreen.NewGuard(capability, ls.Controller, fullscreen.GuardOptions{
		RequestTimeout: ls.timeout,
		OnWarning: func(err error) {
			if l != nil {
				l.OnWarning(fmt.Sprintf("Fullscreen unavailable: %v", err))
			}
		},
		Recorder: ls.recorder,
		Event:    ls.event,
		Log:      ls.log,
	})
	ls.mu.Lock()
	ls.guard = guard
	ls.mu.Unlock()
	ls.Controller.BindFullscreen(guard)

	_ = guard.Start(ctx)
}

func (ls *LiveSession) detach(capability fullscreen.Capability) {
	ls.mu.Lock()
	if ls.capability != capability {
		ls.mu.Unlock()
		return
	}
	guard := ls.guard
	ls.guard = nil
	ls.capability = nil
	ls.watcher = nil
	ls.mu.Unlock()

	if guard != nil {
		guard.Close()
	}
	ls.Controller.BindFullscreen(nil)
	ls.log.Info().Msg("Practice session detached")
}

func (ls *LiveSession) close() {
	ls.closeOnce.Do(func() {
		ls.Timer.Stop()
		ls.mu.Lock()
		guard := ls.guard
		ls.guard = nil
		ls.mu.Unlock()
		if guard != nil {
			guard.Close()
			guard.Wait()
		}
		ls.Controller.Close()
	})
}

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, model.ProctorEvent) {}
