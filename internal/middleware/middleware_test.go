package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-practice/internal/config"
	"github.com/stemsi/exstem-practice/internal/middleware"
	"github.com/stemsi/exstem-practice/internal/service"
)

func newAuth() *service.AuthService {
	return service.NewAuthService(&config.Config{JWTSecret: "middleware-secret"})
}

func newEngine(auth *service.AuthService, limiter *middleware.RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.RequireStudentJWT(auth))
	if limiter != nil {
		r.Use(limiter.Middleware())
	}
	r.GET("/me", func(c *gin.Context) {
		claims := middleware.GetClaims(c)
		c.JSON(http.StatusOK, gin.H{"user_id": claims.UserID, "token": middleware.BearerToken(c)})
	})
	return r
}

func get(r *gin.Engine, path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRequireStudentJWTAcceptsHeaderAndQuery(t *testing.T) {
	auth := newAuth()
	token, err := auth.SignStudentToken(9, 1, time.Hour)
	require.NoError(t, err)
	r := newEngine(auth, nil)

	rec := get(r, "/me", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"user_id":9`)

	rec = get(r, "/me?token="+token, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireStudentJWTRejectsExpiredAndForeignTokens(t *testing.T) {
	auth := newAuth()
	expired, err := auth.SignStudentToken(9, 1, -time.Minute)
	require.NoError(t, err)
	foreign, err := service.NewAuthService(&config.Config{JWTSecret: "other"}).SignStudentToken(9, 1, time.Hour)
	require.NoError(t, err)
	r := newEngine(auth, nil)

	assert.Equal(t, http.StatusUnauthorized, get(r, "/me", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/me", expired).Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/me", foreign).Code)
}

func TestRateLimiterIsPerStudent(t *testing.T) {
	auth := newAuth()
	first, err := auth.SignStudentToken(1, 1, time.Hour)
	require.NoError(t, err)
	second, err := auth.SignStudentToken(2, 1, time.Hour)
	require.NoError(t, err)
	r := newEngine(auth, middleware.NewRateLimiter(2, time.Minute))

	assert.Equal(t, http.StatusOK, get(r, "/me", first).Code)
	assert.Equal(t, http.StatusOK, get(r, "/me", first).Code)
	rec := get(r, "/me", first)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "RATE_LIMIT_EXCEEDED")

	assert.Equal(t, http.StatusOK, get(r, "/me", second).Code)
}
