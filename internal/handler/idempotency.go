package handler

import (
	"bytes"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ledgerd/ledgerd/internal/domain"
	"github.com/ledgerd/ledgerd/internal/infra/cache"
	"github.com/ledgerd/ledgerd/internal/infra/observability"
	"github.com/ledgerd/ledgerd/internal/port"
)

const idempotencyHeader = "Idempotency-Key"

type cachedResponse struct {
	status int
	header http.Header
	body   []byte
}

// Idempotency replays the first successful response of a POST carrying an
// Idempotency-Key. Concurrent requests with the same key wait for the one
// in flight and receive its response.
type Idempotency struct {
	responses port.Cache[cachedResponse]
	stop      func()
	inflight  singleflight.Group
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewIdempotency creates the middleware state. Responses are kept for ttl.
func NewIdempotency(ttl time.Duration, metrics *observability.Metrics, logger *zap.Logger) *Idempotency {
	responses := cache.New[cachedResponse](ttl)
	return &Idempotency{
		responses: responses,
		stop:      responses.Close,
		metrics:   metrics,
		logger:    logger,
	}
}

// Close stops the cache sweeper.
func (i *Idempotency) Close() {
	i.stop()
}

// Middleware wraps POST handlers with Idempotency-Key handling.
func (i *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(idempotencyHeader)
		if r.Method != http.MethodPost || key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > 255 {
			writeError(w, http.StatusBadRequest, codeInvalidRequest, "Idempotency-Key is too long")
			return
		}

		scope := domain.OwnerFromContext(r.Context()) + "|" + r.URL.Path + "|" + key
		if resp, ok := i.responses.Get(scope); ok {
			i.replay(w, resp, key)
			return
		}

		leader := false
		v, _, _ := i.inflight.Do(scope, func() (any, error) {
			if resp, ok := i.responses.Get(scope); ok {
				return resp, nil
			}
			leader = true

			var buf bytes.Buffer
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ww.Tee(&buf)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			resp := cachedResponse{status: status, header: w.Header().Clone(), body: buf.Bytes()}
			if status >= 200 && status < 300 {
				i.responses.Set(scope, resp)
			}
			return resp, nil
		})
		if !leader {
			i.replay(w, v.(cachedResponse), key)
		}
	})
}

func (i *Idempotency) replay(w http.ResponseWriter, resp cachedResponse, key string) {
	for k, vals := range resp.header {
		w.Header()[k] = vals
	}
	w.Header().Set("Idempotent-Replayed", "true")
	w.WriteHeader(resp.status)
	w.Write(resp.body)

	i.metrics.IncrIdempotentReplay()
	i.logger.Debug("idempotent replay", zap.String("idempotency_key", key), zap.Int("status", resp.status))
}
