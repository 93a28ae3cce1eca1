package api

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"
)

// CachedResponse is a previously served response kept for replay.
type CachedResponse struct {
	StatusCode int         `json:"status_code"`
	Headers    http.Header `json:"headers"`
	Body       []byte      `json:"body"`
	CachedAt   time.Time   `json:"cached_at"`
}

// IdempotencyStorer is a backend for replayable responses.
type IdempotencyStorer interface {
	Check(ctx context.Context, key string) (*CachedResponse, bool)
	Set(ctx context.Context, key string, resp *CachedResponse)
}

// MemoryIdempotencyStore holds cached responses in process memory.
type MemoryIdempotencyStore struct {
	mu      sync.RWMutex
	entries map[string]*CachedResponse
	ttl     time.Duration
	now     func() time.Time
}

// NewIdempotencyStore creates an in-memory store whose entries expire
// after ttl.
func NewIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		entries: make(map[string]*CachedResponse),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Run drops expired entries until ctx is done.
func (s *MemoryIdempotencyStore) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.expire()
		}
	}
}

func (s *MemoryIdempotencyStore) expire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, v := range s.entries {
		if now.Sub(v.CachedAt) > s.ttl {
			delete(s.entries, k)
		}
	}
}

func (s *MemoryIdempotencyStore) Check(_ context.Context, key string) (*CachedResponse, bool) {
	s.mu.RLock()
	cached, ok := s.entries[key]
	s.mu.RUnlock()

	if ok && s.now().Sub(cached.CachedAt) < s.ttl {
		return cached, true
	}
	return nil, false
}

func (s *MemoryIdempotencyStore) Set(_ context.Context, key string, resp *CachedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *resp
	cp.CachedAt = s.now()
	s.entries[key] = &cp
}

// responseCapture wraps http.ResponseWriter to capture the response.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the first successful response to a POST
// carrying an Idempotency-Key header. Keys are scoped to the request path.
// A second request arriving while the first is still running gets 409.
func IdempotencyMiddleware(store IdempotencyStorer) func(http.Handler) http.Handler {
	var (
		mu       sync.Mutex
		inflight = make(map[string]struct{})
	)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			key = r.URL.Path + "|" + key

			if cached, ok := store.Check(r.Context(), key); ok {
				replay(w, cached)
				return
			}

			mu.Lock()
			if _, busy := inflight[key]; busy {
				mu.Unlock()
				WriteConflict(w, "A request with this Idempotency-Key is still being processed")
				return
			}
			inflight[key] = struct{}{}
			mu.Unlock()
			defer func() {
				mu.Lock()
				delete(inflight, key)
				mu.Unlock()
			}()

			// The request holding the slot may have finished between the
			// first lookup and the slot being taken.
			if cached, ok := store.Check(r.Context(), key); ok {
				replay(w, cached)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				store.Set(r.Context(), key, &CachedResponse{
					StatusCode: capture.statusCode,
					Headers:    w.Header().Clone(),
					Body:       capture.body.Bytes(),
				})
			}
		})
	}
}

func replay(w http.ResponseWriter, cached *CachedResponse) {
	for k, vals := range cached.Headers {
		for _, v := range vals {
			w.Header().Set(k, v)
		}
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(cached.StatusCode)
	_, _ = w.Write(cached.Body)
}
