package middleware

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/joshu-sajeev/jobrunner/common"
)

type bindTarget struct {
	Name  string `json:"name" validate:"required"`
	Count int    `json:"count" validate:"gte=0,lte=5"`
}

func TestBindAndErrorHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name           string
		body           string
		expectedStatus int
		expectedBody   string
	}{
		{name: "valid", body: `{"name":"a","count":2}`, expectedStatus: http.StatusOK, expectedBody: `{"name":"a","count":2}`},
		{name: "malformed json", body: `{`, expectedStatus: http.StatusBadRequest},
		{
			name:           "failed validation lists fields",
			body:           `{"count":9}`,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `{"error":"validation failed","fields":{"Name":"failed required","Count":"failed lte"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(ErrorHandler())
			r.POST("/", func(c *gin.Context) {
				var dest bindTarget
				if !Bind(c, &dest) {
					return
				}
				c.JSON(http.StatusOK, dest)
			})

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", "application/json")
			r.ServeHTTP(w, req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			if tt.expectedBody != "" {
				assert.JSONEq(t, tt.expectedBody, w.Body.String())
			}
		})
	}
}

func TestErrorHandler_PlainErrorIs500(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(ErrorHandler())
	r.GET("/plain", func(c *gin.Context) { _ = c.Error(errors.New("boom")) })
	r.GET("/api", func(c *gin.Context) { _ = c.Error(common.Errf(http.StatusConflict, "job %s busy", "a")) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/plain", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"error":"boom"}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api", nil))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.JSONEq(t, `{"error":"job a busy"}`, w.Body.String())
}

func TestTimeoutMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(TimeoutMiddleware(50 * time.Millisecond))

	var remaining time.Duration
	r.GET("/", func(c *gin.Context) {
		deadline, ok := c.Request.Context().Deadline()
		assert.True(t, ok)
		remaining = time.Until(deadline)
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.LessOrEqual(t, remaining, 50*time.Millisecond)
	assert.Positive(t, remaining)
}

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		status int
		level  string
	}{
		{name: "success", status: http.StatusOK, level: `"level":"info"`},
		{name: "client error", status: http.StatusNotFound, level: `"level":"warn"`},
		{name: "server error", status: http.StatusBadGateway, level: `"level":"error"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			r := gin.New()
			r.Use(RequestLogger(zerolog.New(&buf)))
			r.GET("/jobs/:id", func(c *gin.Context) { c.Status(tt.status) })

			r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/jobs/a", nil))

			assert.Contains(t, buf.String(), tt.level)
			assert.Contains(t, buf.String(), `"path":"/jobs/:id"`)
		})
	}
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusOK, common.StatusOf(nil))
	assert.Equal(t, http.StatusTeapot, common.StatusOf(common.Errf(http.StatusTeapot, "x")))
	assert.Equal(t, http.StatusInternalServerError, common.StatusOf(errors.New("x")))
}
