package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestLimiterStore_AllowAndCleanup(t *testing.T) {
	// allow 5 events immediately then the 6th should be rejected
	s := NewLimiterStore(5, 5, time.Hour)
	defer s.Stop()

	key := "test@example.com"
	for i := 0; i < 5; i++ {
		if !s.Allow(key) {
			t.Fatalf("expected allow at iteration %d", i)
		}
	}
	if s.Allow(key) {
		t.Fatalf("expected limiter to block after burst consumed")
	}
	if !s.Allow("other@example.com") {
		t.Fatalf("keys must not share a limiter")
	}

	s.evict(time.Now().Add(time.Minute))
	if n := s.Len(); n != 0 {
		t.Fatalf("expected idle limiters to be evicted, have %d", n)
	}
	// a fresh limiter starts with a full burst
	if !s.Allow(key) {
		t.Fatalf("expected allow after eviction")
	}
	s.Stop()
}

func TestByEmailKeepsBody(t *testing.T) {
	body := `{"email":"  Alice@Example.COM ","password":"x"}`
	r := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(body))
	r.RemoteAddr = "10.0.0.7:5555"

	assert.Equal(t, "email:alice@example.com", ByEmail(r))

	rest, err := io.ReadAll(r.Body)
	assert.NoError(t, err)
	assert.Equal(t, body, string(rest))

	r = httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`not json`))
	r.RemoteAddr = "10.0.0.7:5555"
	assert.Equal(t, "addr:10.0.0.7", ByEmail(r))
}

func TestRateLimitMiddleware(t *testing.T) {
	s := NewLimiterStore(60, 2, time.Hour)
	defer s.Stop()

	h := RateLimit(s, ByRemoteAddr, zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		r := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		r.RemoteAddr = "192.0.2.1:1234"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)

	r := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	r.RemoteAddr = "192.0.2.2:1234"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	assert.Equal(t, http.StatusNoContent, w.Code)
}
