package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/resellerhq/storefront-backend/api/responses"
	pkgerrors "github.com/resellerhq/storefront-backend/pkg/errors"
	"github.com/resellerhq/storefront-backend/pkg/logger"
)

const (
	IdempotencyHeader = "Idempotency-Key"
	ReplayedHeader    = "Idempotent-Replayed"

	defaultReplayTTL   = 24 * time.Hour
	inFlightLease      = time.Minute
	maxIdempotencyKey  = 255
	maxIdempotentBytes = 1 << 20
)

// ReplayStore is the redis surface the middleware needs.
type ReplayStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	IdempotencyKey(scope, id string) string
}

// replayRecord is stored under the key. While the first request runs it only
// carries the body hash; afterwards it holds the response to replay.
type replayRecord struct {
	Pending     bool   `json:"pending,omitempty"`
	RequestHash string `json:"request_hash"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body,omitempty"`
}

// Idempotency makes a route safe to retry with an Idempotency-Key header.
// The first request reserves the key; concurrent duplicates get 409 until it
// finishes, later duplicates get the stored response. 5xx responses are not
// stored so the client can retry. Requests without the header pass through.
func Idempotency(store ReplayStore, logg *logger.Logger, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = defaultReplayTTL
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
			if store == nil || clientKey == "" {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()
			if err := checkClientKey(clientKey); err != nil {
				responses.WriteError(ctx, logg, w, err)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBytes+1))
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request body"))
				return
			}
			if len(body) > maxIdempotentBytes {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "request body too large"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			hash := sha256.Sum256(body)
			record := replayRecord{Pending: true, RequestHash: hex.EncodeToString(hash[:])}
			key := store.IdempotencyKey(replayScope(r), clientKey)

			reserved, err := store.SetNX(ctx, key, mustJSON(record), inFlightLease)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve idempotency key"))
				return
			}
			if !reserved {
				replayExisting(w, r, store, key, record.RequestHash, logg)
				return
			}

			capture := &responseCapture{ResponseWriter: w}
			defer func() {
				// runs after a panic too, so a crashed request never pins the key
				status := capture.statusCode()
				if rec := recover(); rec != nil {
					release(r, store, key, logg)
					panic(rec)
				}
				if status >= http.StatusInternalServerError {
					release(r, store, key, logg)
					return
				}
				record.Pending = false
				record.Status = status
				record.ContentType = capture.Header().Get("Content-Type")
				record.Body = capture.body.Bytes()
				if err := store.Set(context.WithoutCancel(ctx), key, mustJSON(record), ttl); err != nil {
					logError(ctx, logg, "persist idempotent response", err)
				}
			}()
			next.ServeHTTP(capture, r)
		})
	}
}

func replayExisting(w http.ResponseWriter, r *http.Request, store ReplayStore, key, hash string, logg *logger.Logger) {
	ctx := r.Context()
	raw, err := store.Get(ctx, key)
	if errors.Is(err, redis.Nil) {
		// the holder released it between SETNX and GET
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "request with this idempotency key is in progress"))
		return
	}
	if err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load idempotency record"))
		return
	}
	var stored replayRecord
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode idempotency record"))
		return
	}
	switch {
	case stored.RequestHash != hash:
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeIdempotency, "idempotency key reused with a different request body"))
	case stored.Pending:
		responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "request with this idempotency key is in progress"))
	default:
		if stored.ContentType != "" {
			w.Header().Set("Content-Type", stored.ContentType)
		}
		w.Header().Set(ReplayedHeader, "true")
		w.WriteHeader(stored.Status)
		_, _ = w.Write(stored.Body)
	}
}

func release(r *http.Request, store ReplayStore, key string, logg *logger.Logger) {
	if err := store.Del(context.WithoutCancel(r.Context()), key); err != nil {
		logError(r.Context(), logg, "release idempotency key", err)
	}
}

// replayScope binds a key to the caller and the route so two users, or two
// endpoints, never share a record.
func replayScope(r *http.Request) string {
	route := r.URL.Path
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" && !strings.HasSuffix(pattern, "*") {
			route = pattern
		}
	}
	return fmt.Sprintf("http:%s:%s:%s", UserIDFromContext(r.Context()), r.Method, route)
}

func checkClientKey(key string) error {
	if len(key) > maxIdempotencyKey {
		return pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key too long").
			WithDetails(map[string]any{"max_length": maxIdempotencyKey})
	}
	for i := 0; i < len(key); i++ {
		if key[i] < 0x21 || key[i] > 0x7e {
			return pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key must be printable ASCII")
		}
	}
	return nil
}

func mustJSON(v replayRecord) string {
	out, _ := json.Marshal(v)
	return string(out)
}

type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (c *responseCapture) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *responseCapture) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

func (c *responseCapture) statusCode() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

func logError(ctx context.Context, logg *logger.Logger, msg string, err error) {
	if logg != nil && err != nil {
		logg.Error(ctx, msg, err)
	}
}
