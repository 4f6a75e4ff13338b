package middleware

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/resellerhq/storefront-backend/pkg/errors"
	"github.com/resellerhq/storefront-backend/pkg/redis"
)

const checkoutPath = "/api/v1/checkout/orders"

func newReplayStore(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = raw.Close() })
	return redis.NewFromUniversal(raw), mr
}

// serve mounts h behind the middleware on a chi router so the route pattern is resolved.
func serve(store ReplayStore, h http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.With(Idempotency(store, nil, time.Hour)).Post(checkoutPath, h)
	return r
}

func post(t *testing.T, h http.Handler, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, checkoutPath, strings.NewReader(body))
	if key != "" {
		req.Header.Set(IdempotencyHeader, key)
	}
	req = req.WithContext(context.WithValue(req.Context(), ctxUserID, "user-1"))
	resp := httptest.NewRecorder()
	h.ServeHTTP(resp, req)
	return resp
}

func errorCode(t *testing.T, resp *httptest.ResponseRecorder) string {
	t.Helper()
	var payload struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &payload))
	return payload.Error.Code
}

func TestIdempotencyPassesThroughWithoutHeader(t *testing.T) {
	store, mr := newReplayStore(t)
	calls := 0
	h := serve(store, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusCreated, post(t, h, "", `{"items":[]}`).Code)
	}
	assert.Equal(t, 2, calls)
	assert.Empty(t, mr.Keys())
}

func TestIdempotencyReplaysStoredResponse(t *testing.T) {
	store, mr := newReplayStore(t)
	calls := 0
	h := serve(store, func(w http.ResponseWriter, r *http.Request) {
		calls++
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"foo":"bar"}`, string(body), "handler still sees the body")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	first := post(t, h, "abc", `{"foo":"bar"}`)
	require.Equal(t, http.StatusCreated, first.Code)
	assert.Empty(t, first.Header().Get(ReplayedHeader))

	replay := post(t, h, "abc", `{"foo":"bar"}`)
	assert.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, "application/json", replay.Header().Get("Content-Type"))
	assert.Equal(t, "true", replay.Header().Get(ReplayedHeader))
	assert.Equal(t, `{"ok":true}`, replay.Body.String())
	assert.Equal(t, 1, calls)

	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Contains(t, keys[0], "user-1")
	assert.Contains(t, keys[0], checkoutPath)
	assert.Equal(t, time.Hour, mr.TTL(keys[0]))
}

func TestIdempotencyRejectsBodyChange(t *testing.T) {
	store, _ := newReplayStore(t)
	h := serve(store, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	post(t, h, "xyz", `{"foo":"bar"}`)
	resp := post(t, h, "xyz", `{"foo":"diff"}`)

	assert.Equal(t, http.StatusConflict, resp.Code)
	assert.Equal(t, string(pkgerrors.CodeIdempotency), errorCode(t, resp))
}

func TestIdempotencyServerErrorsStayRetryable(t *testing.T) {
	store, mr := newReplayStore(t)
	calls := 0
	h := serve(store, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	})

	post(t, h, "retry-me", `{}`)
	post(t, h, "retry-me", `{}`)
	assert.Equal(t, 2, calls)
	assert.Empty(t, mr.Keys())
}

func TestIdempotencyConcurrentDuplicateGetsConflict(t *testing.T) {
	store, _ := newReplayStore(t)
	started := make(chan struct{})
	finish := make(chan struct{})
	h := serve(store, func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-finish
		w.WriteHeader(http.StatusCreated)
	})

	var wg sync.WaitGroup
	wg.Add(1)
	var first *httptest.ResponseRecorder
	go func() {
		defer wg.Done()
		first = post(t, h, "dup", `{}`)
	}()
	<-started

	dup := post(t, h, "dup", `{}`)
	assert.Equal(t, http.StatusConflict, dup.Code)
	assert.Equal(t, string(pkgerrors.CodeConflict), errorCode(t, dup))

	close(finish)
	wg.Wait()
	assert.Equal(t, http.StatusCreated, first.Code)
}

func TestIdempotencyReleasesKeyOnPanic(t *testing.T) {
	store, mr := newReplayStore(t)
	h := serve(store, func(w http.ResponseWriter, r *http.Request) { panic("boom") })

	assert.Panics(t, func() { post(t, h, "crash", `{}`) })
	assert.Empty(t, mr.Keys())
}

func TestIdempotencyRejectsBadKeys(t *testing.T) {
	store, _ := newReplayStore(t)
	h := serve(store, func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	for name, key := range map[string]string{
		"too long":  strings.Repeat("k", maxIdempotencyKey+1),
		"non ascii": "clé",
	} {
		t.Run(name, func(t *testing.T) {
			resp := post(t, h, key, `{}`)
			assert.Equal(t, http.StatusBadRequest, resp.Code)
		})
	}
}
