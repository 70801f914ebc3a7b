package logging_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traylinx/chronicle/internal/logging"
)

func TestLogFormatter_Format(t *testing.T) {
	f := &logging.LogFormatter{}
	entry := &log.Entry{
		Logger:  log.StandardLogger(),
		Time:    time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC),
		Level:   log.WarnLevel,
		Message: "queue full\n",
		Data:    log.Fields{"request_id": "abcd1234", "topic": "x", "drops": 2},
	}

	out, err := f.Format(entry)
	require.NoError(t, err)

	line := string(out)
	assert.True(t, strings.HasPrefix(line, "[2026-01-02 15:04:05] [abcd1234] [warn ] queue full"), line)
	assert.Contains(t, line, "| drops=2, topic=x")
	assert.True(t, strings.HasSuffix(line, "\n"))
}

func TestGinRequestLogger_SetsRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	log.SetOutput(&buf)
	log.SetLevel(log.DebugLevel)
	defer log.SetLevel(log.InfoLevel)

	router := gin.New()
	router.Use(logging.GinRequestLogger())
	router.GET("/ping", func(c *gin.Context) {
		logging.RequestLogger(c).Info("inside handler")
		c.String(http.StatusOK, "pong")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(logging.RequestIDHeader, "req-42")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-42", w.Header().Get(logging.RequestIDHeader))
	assert.Contains(t, buf.String(), "request_id=req-42")
}
