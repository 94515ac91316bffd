package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stemsi/exstem-practice/internal/model"
	"github.com/stemsi/exstem-practice/internal/result"
	"github.com/stemsi/exstem-practice/internal/session"
	"github.com/stemsi/exstem-practice/internal/timer"
	"golang.org/x/term"
)

const helpText = `Commands:
  n / p        next / previous question
  g N          go to question N
  o ID         select (or toggle) option ID
  t TEXT       answer with TEXT (empty clears)
  c            clear answer
  f            toggle flag
  m            mark for review and move on
  l            list questions with status
  s            submit
  q            leave the exam (submits)
`

// console renders a session on a terminal and implements service.Listener.
type console struct {
	in  *os.File
	out *os.File

	mu        sync.Mutex
	w         io.Writer
	line      *term.Terminal
	ctrl      *session.Controller
	lastLevel timer.Level
	redirect  error

	reenter  func(ctx context.Context) error
	done     chan struct{}
	doneOnce sync.Once
}

func newConsole(in, out *os.File) *console {
	return &console{in: in, out: out, w: out, done: make(chan struct{})}
}

// bind attaches the controller. In raw mode lines are edited by x/term, which
// also redraws the prompt around asynchronous output.
func (c *console) bind(ctrl *session.Controller, raw bool, reenter func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ctrl = ctrl
	c.reenter = reenter
	if raw {
		c.line = term.NewTerminal(struct {
			io.Reader
			io.Writer
		}{c.in, c.out}, "> ")
		c.w = c.line
	}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}

// lines streams input lines until EOF or a read error.
func (c *console) lines() <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		if c.line != nil {
			for {
				l, err := c.line.ReadLine()
				if err != nil {
					return
				}
				ch <- l
			}
		}
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

// handle runs one command and reports whether the student asked to leave.
func (c *console) handle(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	_, q := c.ctrl.Current()

	var err error
	switch cmd {
	case "":
		return false
	case "n":
		c.ctrl.Next()
	case "p":
		c.ctrl.Previous()
	case "g":
		n, perr := strconv.Atoi(arg)
		if perr != nil {
			c.printf("g needs a question number\n")
			return false
		}
		c.ctrl.SelectQuestion(n - 1)
	case "o":
		_, err = c.ctrl.SelectOption(q.ID, arg)
	case "t":
		err = c.ctrl.SetText(q.ID, arg)
	case "c":
		err = c.ctrl.ClearAnswer(q.ID)
	case "f":
		var flagged bool
		if flagged, err = c.ctrl.ToggleFlag(q.ID); err == nil {
			c.printf("Flag %s\n", onOff(flagged))
		}
	case "m":
		var warning string
		if warning, err = c.ctrl.MarkForReview(q.ID); warning != "" {
			c.printf("%s\n", warning)
		}
	case "l":
		c.showPalette()
		return false
	case "s":
		c.submit(ctx)
		return false
	case "q":
		return true
	case "h", "?":
		c.printf("%s", helpText)
		return false
	default:
		c.printf("Unknown command %q, type h for help\n", cmd)
		return false
	}

	if err != nil {
		c.printf("Error: %v\n", err)
		return false
	}
	c.showCurrent()
	return false
}

func (c *console) submit(ctx context.Context) {
	sctx, cancel := context.WithTimeout(ctx, submitWait)
	defer cancel()
	c.printf("Submitting...\n")
	if _, err := c.ctrl.Submit(sctx); err != nil {
		c.printf("Submit failed: %v\nYour answers are kept, try again with s.\n", err)
		// Submitting left fullscreen; the session is still running.
		if c.reenter != nil {
			_ = c.reenter(ctx)
		}
	}
}

func (c *console) showCurrent() {
	idx, q := c.ctrl.Current()
	total := len(c.ctrl.Questions())
	status, _ := c.ctrl.Status(q.ID)
	answer := c.ctrl.Answer(q.ID)

	var b strings.Builder
	fmt.Fprintf(&b, "\nQuestion %d/%d  [%s]  %s\n", idx+1, total, status, q.Type)
	fmt.Fprintf(&b, "%s\n", q.Content)
	if q.Type.IsChoice() {
		for _, o := range q.Options {
			mark := " "
			if slices.Contains(answer, o.ID) {
				mark = "x"
			}
			fmt.Fprintf(&b, "  [%s] %s) %s\n", mark, o.ID, o.Text)
		}
	} else if len(answer) > 0 {
		fmt.Fprintf(&b, "  Answer: %s\n", answer[0])
	}
	c.printf("%s", b.String())
}

func (c *console) showPalette() {
	var b strings.Builder
	for _, e := range c.ctrl.Palette() {
		fmt.Fprintf(&b, "  %2d  %-16s %s\n", e.Index+1, e.Status, e.QuestionID)
	}
	c.printf("%s", b.String())
}

func (c *console) finish(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.redirect = err
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *console) redirectErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.redirect
}

// ─── service.Listener ───────────────────────────────────────────────

func (c *console) OnTick(secondsRemaining int, level timer.Level) {
	c.mu.Lock()
	changed := level != c.lastLevel
	c.lastLevel = level
	c.mu.Unlock()

	if !changed && secondsRemaining%60 != 0 && !(level == timer.LevelCritical && secondsRemaining <= 10) {
		return
	}
	d := time.Duration(secondsRemaining) * time.Second
	c.printf("Time left %02d:%02d (%s)\n", int(d.Minutes()), secondsRemaining%60, level)
}

func (c *console) OnWarning(message string) {
	c.printf("Warning: %s\n", message)
}

func (c *console) OnSubmitted(_ *model.Result, _ map[string]result.Outcome) {
	c.finish(nil)
}

func (c *console) OnRedirect(err error) {
	c.finish(err)
}

// ─── Report ─────────────────────────────────────────────────────────

func printReport(w io.Writer, questions []model.Question, res *model.Result, outcomes map[string]result.Outcome) {
	if res == nil {
		return
	}
	fmt.Fprintf(w, "\n=== Result ===\n")
	fmt.Fprintf(w, "Score: %.1f%%   Time taken: %s\n", res.ScorePercent, time.Duration(res.TimeTakenSeconds)*time.Second)

	ids := make([]string, 0, len(outcomes))
	for _, q := range questions {
		if _, ok := outcomes[q.ID]; ok {
			ids = append(ids, q.ID)
		}
	}
	if len(ids) == 0 {
		for id := range outcomes {
			ids = append(ids, id)
		}
		slices.Sort(ids)
	}
	for i, id := range ids {
		o := outcomes[id]
		fmt.Fprintf(w, "%3d. %-20s %-9s %.1f/%.1f", i+1, id, verdict(o.Correct), o.Score, o.MaxScore)
		if o.Feedback != "" {
			fmt.Fprintf(w, "  %s", o.Feedback)
		}
		fmt.Fprintln(w)
	}

	if len(res.WeakAreas) > 0 {
		fmt.Fprintf(w, "\nWeak areas:\n")
		for _, wa := range res.WeakAreas {
			fmt.Fprintf(w, "  %-20s %d/%d correct\n", wa.Tag, wa.Correct, wa.Total)
		}
	}
	if len(res.AnswerReview) > 0 {
		fmt.Fprintf(w, "\nReview:\n")
		for _, r := range res.AnswerReview {
			fmt.Fprintf(w, "- %s\n  yours: %s\n  correct: %s\n",
				r.Statement, strings.Join(r.UserAnswer, ", "), strings.Join(r.CorrectAnswer, ", "))
			if r.Explanation != "" {
				fmt.Fprintf(w, "  %s\n", r.Explanation)
			}
		}
	}
}

func verdict(correct bool) string {
	if correct {
		return "correct"
	}
	return "incorrect"
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
