package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-practice/internal/middleware"
	"github.com/stemsi/exstem-practice/internal/model"
	"github.com/stemsi/exstem-practice/internal/response"
	"github.com/stemsi/exstem-practice/internal/result"
	"github.com/stemsi/exstem-practice/internal/service"
	"github.com/stemsi/exstem-practice/internal/validator"
)

// ModuleHandler handles the student-facing practice module endpoints.
type ModuleHandler struct {
	practice *service.PracticeService
}

// NewModuleHandler creates a new ModuleHandler.
func NewModuleHandler(practice *service.PracticeService) *ModuleHandler {
	return &ModuleHandler{practice: practice}
}

// ListModules godoc
// GET /api/v1/student/modules
// Returns the practice modules with the student's completion status.
func (h *ModuleHandler) ListModules(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	modules, err := h.practice.ListModules(c.Request.Context(), claims.UserID, middleware.BearerToken(c))
	if err != nil {
		status, code := classify(err)
		response.Fail(c, status, code)
		return
	}

	if modules == nil {
		modules = []model.ModuleListing{}
	}

	response.Success(c, http.StatusOK, gin.H{"modules": modules})
}

// GetModule godoc
// GET /api/v1/student/modules/:module_id
func (h *ModuleHandler) GetModule(c *gin.Context) {
	claims, moduleID, ok := moduleParams(c)
	if !ok {
		return
	}

	module, err := h.practice.GetModule(c.Request.Context(), claims.UserID, middleware.BearerToken(c), moduleID)
	if err != nil {
		status, code := classify(err)
		response.Fail(c, status, code)
		return
	}

	response.Success(c, http.StatusOK, module)
}

// GetState godoc
// GET /api/v1/student/modules/:module_id/state
// Returns the live session snapshot with the question palette.
func (h *ModuleHandler) GetState(c *gin.Context) {
	claims, moduleID, ok := moduleParams(c)
	if !ok {
		return
	}

	ls, err := h.practice.Get(claims.UserID, moduleID)
	if err != nil {
		status, code := classify(err)
		response.Fail(c, status, code)
		return
	}

	response.Success(c, http.StatusOK, model.StateResponse{State: ls.Controller.Snapshot()})
}

// SetAnswer godoc
// POST /api/v1/student/modules/:module_id/answers
func (h *ModuleHandler) SetAnswer(c *gin.Context) {
	claims, moduleID, ok := moduleParams(c)
	if !ok {
		return
	}

	var req model.AnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	ls, err := h.practice.Get(claims.UserID, moduleID)
	if err != nil {
		status, code := classify(err)
		response.Fail(c, status, code)
		return
	}

	ctrl := ls.Controller
	switch {
	case req.OptionID != "":
		_, err = ctrl.SelectOption(req.QuestionID, req.OptionID)
	case req.Text != nil:
		err = ctrl.SetText(req.QuestionID, *req.Text)
	default:
		err = ctrl.SetAnswer(req.QuestionID, req.Answer)
	}
	if err != nil {
		status, code := classify(err)
		response.Fail(c, status, code)
		return
	}

	response.Success(c, http.StatusOK, model.StateResponse{State: ctrl.Snapshot()})
}

// SetFlag godoc
// POST /api/v1/student/modules/:module_id/flags
func (h *ModuleHandler) SetFlag(c *gin.Context) {
	claims, moduleID, ok := moduleParams(c)
	if !ok {
		return
	}

	var req model.FlagRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	ls, err := h.practice.Get(claims.UserID, moduleID)
	if err != nil {
		status, code := classify(err)
		response.Fail(c, status, code)
		return
	}

	var warning string
	if req.MarkForReview {
		warning, err = ls.Controller.MarkForReview(req.QuestionID)
	} else {
		_, err = ls.Controller.ToggleFlag(req.QuestionID)
	}
	if err != nil {
		status, code := classify(err)
		response.Fail(c, status, code)
		return
	}

	response.Success(c, http.StatusOK, model.StateResponse{State: ls.Controller.Snapshot(), Warning: warning})
}

// Navigate godoc
// POST /api/v1/student/modules/:module_id/navigate
func (h *ModuleHandler) Navigate(c *gin.Context) {
	claims, moduleID, ok := moduleParams(c)
	if !ok {
		return
	}

	var req model.NavigateRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	ls, err := h.practice.Get(claims.UserID, moduleID)
	if err != nil {
		status, code := classify(err)
		response.Fail(c, status, code)
		return
	}

	switch {
	case req.Index != nil:
		ls.Controller.SelectQuestion(*req.Index)
	case req.Move == "next":
		ls.Controller.Next()
	case req.Move == "previous":
		ls.Controller.Previous()
	}

	response.Success(c, http.StatusOK, model.StateResponse{State: ls.Controller.Snapshot()})
}

// Submit godoc
// POST /api/v1/student/modules/:module_id/submit
// Submits the live session. Repeated calls return the same result.
func (h *ModuleHandler) Submit(c *gin.Context) {
	claims, moduleID, ok := moduleParams(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	ls, err := h.practice.Get(claims.UserID, moduleID)
	if err != nil {
		// A retired session answers with its stored result.
		res, outcomes, rerr := h.practice.Result(ctx, claims.UserID, moduleID)
		if rerr != nil {
			status, code := classify(err)
			response.Fail(c, status, code)
			return
		}
		response.Success(c, http.StatusOK, gin.H{"result": res, "outcomes": outcomes})
		return
	}

	res, err := ls.Controller.Submit(ctx)
	if err != nil {
		response.Fail(c, http.StatusBadGateway, response.ErrSubmitFailed)
		return
	}
	_, outcomes, _ := ls.Controller.Result()
	if outcomes == nil {
		outcomes = result.Normalize(res)
	}

	response.Success(c, http.StatusOK, gin.H{"result": res, "outcomes": outcomes})
}

// GetResult godoc
// GET /api/v1/student/modules/:module_id/result
func (h *ModuleHandler) GetResult(c *gin.Context) {
	claims, moduleID, ok := moduleParams(c)
	if !ok {
		return
	}

	res, outcomes, err := h.practice.Result(c.Request.Context(), claims.UserID, moduleID)
	if err != nil {
		status, code := classify(err)
		response.Fail(c, status, code)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"result": res, "outcomes": outcomes})
}

func moduleParams(c *gin.Context) (*service.Claims, string, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, "", false
	}
	moduleID := c.Param("module_id")
	if !validator.IsIdentifier(moduleID) {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, "", false
	}
	return claims, moduleID, true
}
