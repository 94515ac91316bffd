package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stemsi/exstem-practice/internal/backend"
	"github.com/stemsi/exstem-practice/internal/config"
	"github.com/stemsi/exstem-practice/internal/database"
	"github.com/stemsi/exstem-practice/internal/fullscreen"
	"github.com/stemsi/exstem-practice/internal/logger"
	"github.com/stemsi/exstem-practice/internal/model"
	"github.com/stemsi/exstem-practice/internal/service"
	"github.com/stemsi/exstem-practice/internal/store"
	"golang.org/x/term"
)

const submitWait = 45 * time.Second

func main() {
	var (
		moduleID string
		list     bool
		retake   bool
		dbPath   string
		logPath  string
	)
	flag.StringVar(&moduleID, "module", "", "Module to practice")
	flag.BoolVar(&list, "list", false, "List modules and exit")
	flag.BoolVar(&retake, "retake", false, "Start a module that already has a result")
	flag.StringVar(&dbPath, "db", "practice-client.db", "SQLite file holding submitted results")
	flag.StringVar(&logPath, "log", "", "Write logs to this file (default: discard)")
	flag.Parse()

	if err := run(moduleID, list, retake, dbPath, logPath); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(moduleID string, list, retake bool, dbPath, logPath string) error {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	// The screen belongs to the exam, so logs never go to the terminal.
	var logOut io.Writer = io.Discard
	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open log: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	log := logger.SetupTo(logOut, cfg.LogLevel, "json")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Credentials ───────────────────────────────────────────────────
	token, err := readToken()
	if err != nil {
		return err
	}
	studentID, err := studentFromToken(token)
	if err != nil {
		return err
	}

	// ─── Local Result Store ────────────────────────────────────────────
	db, err := database.NewSQLiteDB(ctx, dbPath, log)
	if err != nil {
		return err
	}
	defer db.Close()
	kv, err := store.NewSQLite(ctx, db)
	if err != nil {
		return err
	}

	// ─── Initialize Service ────────────────────────────────────────────
	api := backend.New(cfg.BackendURL, cfg.BackendTimeout)
	practice := service.NewPracticeService(api, service.DirectSyncer(api), kv, nil, service.PracticeOptions{
		SyncInterval:   cfg.TimeSyncInterval,
		RequestTimeout: cfg.FullscreenRequestTimeout,
	}, log)
	defer practice.Shutdown()

	if list {
		return listModules(ctx, practice, studentID, token)
	}
	if moduleID == "" {
		return errors.New("-module is required (use -list to see modules)")
	}

	// ─── Start Session ─────────────────────────────────────────────────
	screen := fullscreen.NewTerminal(int(os.Stdin.Fd()), os.Stdout)
	ui := newConsole(os.Stdin, os.Stdout)

	ls, resumed, err := practice.Start(ctx, service.StartRequest{
		StudentID:  studentID,
		Token:      token,
		ModuleID:   moduleID,
		Retake:     retake,
		Capability: screen,
		Listener:   ui,
	})
	if errors.Is(err, service.ErrModuleCompleted) {
		res, outcomes, rerr := practice.Result(ctx, studentID, moduleID)
		if rerr == nil {
			printReport(os.Stdout, nil, res, outcomes)
		}
		return errors.New("module already completed, pass -retake to practice it again")
	}
	if err != nil {
		return err
	}
	ui.bind(ls.Controller, screen.IsActive(), screen.Request)
	if resumed {
		ui.printf("Resumed session %s\n", ls.Controller.ID())
	}

	// ─── Command Loop ──────────────────────────────────────────────────
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	leave := func(why string) {
		log.Warn().Str("why", why).Msg("Student left the exam screen")
		if screen.IsActive() {
			// The guard sees the exit and submits.
			_ = screen.Exit(ctx)
			return
		}
		go func() {
			sctx, scancel := context.WithTimeout(context.Background(), submitWait)
			defer scancel()
			_, _ = ls.Controller.ForceSubmit(sctx, model.SubmitReasonFullscreenExit)
		}()
	}

	lines := ui.lines()
	ui.showCurrent()
loop:
	for {
		select {
		case <-ui.done:
			break loop
		case <-sigs:
			leave("signal")
			break loop
		case line, ok := <-lines:
			if !ok {
				leave("eof")
				break loop
			}
			if quit := ui.handle(ctx, strings.TrimSpace(line)); quit {
				leave("quit")
				break loop
			}
		}
	}

	select {
	case <-ui.done:
	case <-time.After(submitWait):
		_ = screen.Exit(ctx)
		return errors.New("timed out waiting for the submission")
	}
	_ = screen.Exit(ctx)

	if err := ui.redirectErr(); err != nil {
		return fmt.Errorf("submission failed, results were not saved: %w", err)
	}
	res, outcomes, _ := ls.Controller.Result()
	printReport(os.Stdout, ls.Controller.Questions(), res, outcomes)
	return nil
}

func readToken() (string, error) {
	if t := strings.TrimSpace(os.Getenv("PRACTICE_TOKEN")); t != "" {
		return t, nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", errors.New("PRACTICE_TOKEN is not set")
	}
	fmt.Fprint(os.Stderr, "Enter access token: ")
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	t := strings.TrimSpace(string(raw))
	if t == "" {
		return "", errors.New("empty token")
	}
	return t, nil
}

// studentFromToken reads the student id from the token. The backend verifies
// the signature; the client only needs the id to key local results.
func studentFromToken(token string) (int, error) {
	var claims service.Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return 0, fmt.Errorf("parse token: %w", err)
	}
	if claims.TokenType != service.TokenTypeStudent || claims.UserID <= 0 {
		return 0, errors.New("token is not a student token")
	}
	return claims.UserID, nil
}

func listModules(ctx context.Context, practice *service.PracticeService, studentID int, token string) error {
	modules, err := practice.ListModules(ctx, studentID, token)
	if err != nil {
		return err
	}
	if len(modules) == 0 {
		fmt.Println("No practice modules available")
		return nil
	}
	for _, m := range modules {
		score := ""
		if m.ScorePercent != nil {
			score = fmt.Sprintf("  %.1f%%", *m.ScorePercent)
		}
		fmt.Printf("%-24s %-12s %4d min  %s%s\n", m.ID, m.Status, m.DurationSeconds/60, m.Title, score)
	}
	return nil
}
