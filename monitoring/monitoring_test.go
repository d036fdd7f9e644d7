package monitoring

import (
	"bytes"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogDedupedSuppressesRepeats(t *testing.T) {
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)
	for i := 0; i < 5; i++ {
		LogDeduped("test_key_dedup", "dedup test line")
	}
	assert.Equal(t, 1, strings.Count(buf.String(), "dedup test line"))
}

func TestETagMiddlewareReturns304OnMatch(t *testing.T) {
	handler := ETagMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	etag := rec.Header().Get("ETag")
	assert.NotEmpty(t, etag)

	req2 := httptest.NewRequest(http.MethodGet, "/", nil)
	req2.Header.Set("If-None-Match", etag)
	rec2 := httptest.NewRecorder()
	handler.ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusNotModified, rec2.Code)
}

func TestSetLogLevelTogglesDebug(t *testing.T) {
	SetLogLevel("debug")
	assert.True(t, IsDebug())
	SetLogLevel("info")
	assert.False(t, IsDebug())
}
