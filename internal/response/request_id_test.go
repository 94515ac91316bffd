package response_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-practice/internal/response"
)

func requestWithID(t *testing.T, incoming string) (*httptest.ResponseRecorder, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(response.RequestIDMiddleware())
	var seen string
	r.GET("/ping", func(c *gin.Context) {
		seen = response.RequestID(c)
		response.Success(c, http.StatusOK, gin.H{"ok": true})
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if incoming != "" {
		req.Header.Set(response.HeaderRequestID, incoming)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	return rec, seen
}

func TestRequestIDKeepsWellFormedIncomingID(t *testing.T) {
	rec, seen := requestWithID(t, "proxy-7f3a9c21")

	assert.Equal(t, "proxy-7f3a9c21", seen)
	assert.Equal(t, "proxy-7f3a9c21", rec.Header().Get(response.HeaderRequestID))
	assert.Contains(t, rec.Body.String(), `"request_id":"proxy-7f3a9c21"`)
}

func TestRequestIDReplacesMissingOrUnsafeID(t *testing.T) {
	for _, incoming := range []string{"", "short", "has spaces in it", "x" + strings.Repeat("y", 80), "inject\r\nheader"} {
		rec, seen := requestWithID(t, incoming)
		assert.NotEqual(t, incoming, seen)
		assert.Len(t, seen, 36, "generated IDs are UUIDs")
		assert.Equal(t, seen, rec.Header().Get(response.HeaderRequestID))
	}
}
