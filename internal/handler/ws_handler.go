package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-practice/internal/fullscreen"
	"github.com/stemsi/exstem-practice/internal/middleware"
	"github.com/stemsi/exstem-practice/internal/model"
	"github.com/stemsi/exstem-practice/internal/response"
	"github.com/stemsi/exstem-practice/internal/result"
	"github.com/stemsi/exstem-practice/internal/service"
	"github.com/stemsi/exstem-practice/internal/session"
	"github.com/stemsi/exstem-practice/internal/timer"
	"github.com/stemsi/exstem-practice/internal/validator"
	ws "github.com/stemsi/exstem-practice/internal/websocket"
)

const submitTimeout = 30 * time.Second

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams a live practice session over a WebSocket.
type WSHandler struct {
	practice *service.PracticeService
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(practice *service.PracticeService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		practice: practice,
		log:      log.With().Str("component", "ws_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// stream is the state of one connected page.
type stream struct {
	conn      *ws.Conn
	browser   *fullscreen.Browser
	studentID int
	moduleID  string
	token     string
	log       zerolog.Logger
}

// PracticeStream godoc
// WS /ws/v1/student/modules/:module_id/stream?token=
// Drives a practice session: navigation, answers, fullscreen events and submission.
func (h *WSHandler) PracticeStream(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenInvalid)
		return
	}
	moduleID := c.Param("module_id")
	if !validator.IsIdentifier(moduleID) {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	st := &stream{
		conn:      ws.NewConn(raw),
		browser:   fullscreen.NewBrowser(),
		studentID: claims.UserID,
		moduleID:  moduleID,
		token:     middleware.BearerToken(c),
		log: h.log.With().
			Int("student_id", claims.UserID).
			Str("module_id", moduleID).
			Str("request_id", response.RequestID(c)).
			Logger(),
	}
	st.browser.Attach(st.sendCommand)
	defer func() {
		st.browser.Detach()
		h.practice.Detach(st.studentID, st.browser)
		st.conn.Close()
	}()

	st.log.Info().Msg("Student connected")

	for {
		_, msg, err := st.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				st.log.Warn().Err(err).Msg("Unexpected close")
			} else {
				st.log.Debug().Msg("Connection closed")
			}
			return
		}

		var env ws.RequestEnvelope
		if err := json.Unmarshal(msg, &env); err != nil {
			st.conn.WriteError(string(response.ErrInvalidPayload), response.GetMessage(response.ErrInvalidPayload))
			continue
		}
		h.dispatch(st, env.Action, msg)
	}
}

func (h *WSHandler) dispatch(st *stream, action ws.Action, msg []byte) {
	switch action {
	case ws.ActionPing:
		st.conn.WriteTyped(ws.PongResponse{Event: ws.EventPong})
	case ws.ActionFullscreen:
		var req ws.FullscreenRequest
		if decode(st, msg, &req) {
			st.browser.HandleEvent(req.Event, req.Active)
		}
	case ws.ActionStart:
		var req ws.StartRequest
		if decode(st, msg, &req) {
			// Start waits for the page's fullscreen answer, which arrives on this read loop.
			go h.handleStart(st, req.Retake)
		}
	case ws.ActionSubmit:
		go h.handleSubmit(st)
	default:
		ls, err := h.practice.Get(st.studentID, st.moduleID)
		if err != nil {
			st.writeErr(err)
			return
		}
		h.handleMutation(st, ls.Controller, action, msg)
	}
}

func (h *WSHandler) handleStart(st *stream, retake bool) {
	ctx := context.Background()
	ls, resumed, err := h.practice.Start(ctx, service.StartRequest{
		StudentID:  st.studentID,
		Token:      st.token,
		ModuleID:   st.moduleID,
		Retake:     retake,
		Capability: st.browser,
		Listener:   st,
	})
	if err != nil {
		st.log.Warn().Err(err).Msg("Start practice session failed")
		st.writeErr(err)
		return
	}
	st.conn.WriteTyped(ws.PaperResponse{
		Event:     ws.EventPaper,
		Resumed:   resumed,
		Questions: ls.Controller.Questions(),
		State:     ls.Controller.Snapshot(),
	})
}

func (h *WSHandler) handleSubmit(st *stream) {
	ctx, cancel := context.WithTimeout(context.Background(), submitTimeout)
	defer cancel()

	ls, err := h.practice.Get(st.studentID, st.moduleID)
	if errors.Is(err, service.ErrSessionNotFound) {
		// Already submitted and retired: replay the stored result.
		res, outcomes, rerr := h.practice.Result(ctx, st.studentID, st.moduleID)
		if rerr != nil {
			st.writeErr(rerr)
			return
		}
		st.OnSubmitted(res, outcomes)
		return
	}
	if err != nil {
		st.writeErr(err)
		return
	}

	// The graded event is sent by the session's OnSubmitted hook.
	if _, err := ls.Controller.Submit(ctx); err != nil {
		st.log.Warn().Err(err).Msg("Manual submit failed")
		st.conn.WriteError(string(response.ErrSubmitFailed), response.GetMessage(response.ErrSubmitFailed))
	}
}

func (h *WSHandler) handleMutation(st *stream, ctrl *session.Controller, action ws.Action, msg []byte) {
	var (
		warning string
		err     error
	)

	switch action {
	case ws.ActionState:
	case ws.ActionSelect:
		var req ws.SelectRequest
		if !decode(st, msg, &req) {
			return
		}
		ctrl.SelectQuestion(req.Index)
	case ws.ActionNext:
		ctrl.Next()
	case ws.ActionPrevious:
		ctrl.Previous()
	case ws.ActionAnswer:
		var req ws.AnswerRequest
		if !decode(st, msg, &req) {
			return
		}
		err = ctrl.SetAnswer(req.QuestionID, req.Answer)
	case ws.ActionOption:
		var req ws.OptionRequest
		if !decode(st, msg, &req) {
			return
		}
		_, err = ctrl.SelectOption(req.QuestionID, req.OptionID)
	case ws.ActionText:
		var req ws.TextRequest
		if !decode(st, msg, &req) {
			return
		}
		err = ctrl.SetText(req.QuestionID, req.Text)
	case ws.ActionClear, ws.ActionFlag, ws.ActionMarkReview:
		var req ws.QuestionRequest
		if !decode(st, msg, &req) {
			return
		}
		switch action {
		case ws.ActionClear:
			err = ctrl.ClearAnswer(req.QuestionID)
		case ws.ActionFlag:
			_, err = ctrl.ToggleFlag(req.QuestionID)
		default:
			warning, err = ctrl.MarkForReview(req.QuestionID)
		}
	default:
		st.log.Warn().Str("action", string(action)).Msg("Unknown action")
		st.conn.WriteError(string(response.ErrInvalidPayload), "unknown action: "+string(action))
		return
	}

	if err != nil {
		st.writeErr(err)
		return
	}
	st.conn.WriteTyped(ws.StateResponse{Event: ws.EventState, State: ctrl.Snapshot(), Warning: warning})
}

func decode(st *stream, msg []byte, v any) bool {
	if err := json.Unmarshal(msg, v); err != nil {
		st.conn.WriteError(string(response.ErrInvalidPayload), response.GetMessage(response.ErrInvalidPayload))
		return false
	}
	return true
}

func (st *stream) writeErr(err error) {
	_, code := classify(err)
	st.conn.WriteError(string(code), response.GetMessage(code))
}

func (st *stream) sendCommand(cmd fullscreen.Command) error {
	event := ws.EventFullscreenRequest
	if cmd == fullscreen.CommandExit {
		event = ws.EventFullscreenExit
	}
	return st.conn.WriteTyped(ws.CommandResponse{Event: event})
}

// ─── service.Listener ───────────────────────────────────────────────

func (st *stream) OnTick(secondsRemaining int, level timer.Level) {
	st.conn.WriteTyped(ws.TickResponse{
		Event:            ws.EventTick,
		SecondsRemaining: secondsRemaining,
		Level:            string(level),
	})
}

func (st *stream) OnWarning(message string) {
	st.conn.WriteTyped(ws.WarningResponse{Event: ws.EventWarning, Message: message})
}

func (st *stream) OnSubmitted(res *model.Result, outcomes map[string]result.Outcome) {
	st.conn.WriteTyped(ws.GradedResponse{Event: ws.EventGraded, Result: res, Outcomes: outcomes})
}

func (st *stream) OnRedirect(err error) {
	st.log.Warn().Err(err).Msg("Forced submission failed, sending student to module list")
	st.conn.WriteTyped(ws.RedirectResponse{
		Event:  ws.EventRedirect,
		To:     "modules",
		Reason: response.GetMessage(response.ErrSubmitFailed),
	})
}
