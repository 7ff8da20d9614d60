package rest_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neonbrowser/neondl/internal/config"
	"github.com/neonbrowser/neondl/internal/eventbus"
	"github.com/neonbrowser/neondl/internal/http/rest"
	"github.com/neonbrowser/neondl/internal/ledger"
	"github.com/neonbrowser/neondl/internal/ledger/sqlite"
	"github.com/neonbrowser/neondl/internal/telemetry"
	"github.com/neonbrowser/neondl/internal/transfer"
)

func newTestHandler(t *testing.T) (*rest.Handler, *transfer.Engine) {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := eventbus.New()

	tel, err := telemetry.New(context.Background(), telemetry.Config{Enabled: false})
	require.NoError(t, err)

	cfg := &config.Config{
		MaxConcurrent:    2,
		ChunkSize:        4096,
		RetryAttempts:    1,
		RetryBaseDelay:   10 * time.Millisecond,
		ChunkTimeout:     5 * time.Second,
		AttemptTimeout:   5 * time.Second,
		DiskSafetyMargin: 0,
	}

	engine := transfer.New(context.Background(), cfg, store, bus, tel, http.DefaultClient)
	instrumented := transfer.NewInstrumentedEngine(engine, tel)

	return rest.NewHandler(instrumented, tel), engine
}

func TestHandleStart_RejectsInvalidURL(t *testing.T) {
	h, _ := newTestHandler(t)

	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{
		"url":      "http://169.254.169.254/",
		"save_dir": t.TempDir(),
	})

	resp, err := http.Post(srv.URL+"/downloads/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleStart_HappyPathThenGetAndList(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "5")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	h, _ := newTestHandler(t)

	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	saveDir := t.TempDir()

	body, _ := json.Marshal(map[string]string{
		"url":      upstream.URL + "/file.bin",
		"save_dir": saveDir,
	})

	resp, err := http.Post(srv.URL+"/downloads/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)

	var started struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, started.ID)

	deadline := time.Now().Add(2 * time.Second)

	var rec ledger.Record

	for time.Now().Before(deadline) {
		getResp, err := http.Get(srv.URL + "/downloads/" + started.ID)
		require.NoError(t, err)

		require.NoError(t, json.NewDecoder(getResp.Body).Decode(&rec))
		getResp.Body.Close()

		if rec.Status == ledger.StatusCompleted {
			break
		}

		time.Sleep(5 * time.Millisecond)
	}

	assert.Equal(t, ledger.StatusCompleted, rec.Status)

	listResp, err := http.Get(srv.URL + "/downloads/")
	require.NoError(t, err)
	defer listResp.Body.Close()

	var all []ledger.Record
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&all))
	assert.Len(t, all, 1)
}

func TestHandleVerbs_UnknownIDReturnsNotFound(t *testing.T) {
	h, _ := newTestHandler(t)

	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/downloads/does-not-exist/pause", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsSubscribeAndPoll(t *testing.T) {
	h, _ := newTestHandler(t)

	srv := httptest.NewServer(h.Routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/events/subscribe", "application/json", nil)
	require.NoError(t, err)

	var sub struct {
		Subscriber string `json:"subscriber"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sub))
	resp.Body.Close()

	require.NotEmpty(t, sub.Subscriber)

	pollResp, err := http.Get(srv.URL + "/events/poll/" + sub.Subscriber)
	require.NoError(t, err)
	defer pollResp.Body.Close()

	var events []map[string]any
	require.NoError(t, json.NewDecoder(pollResp.Body).Decode(&events))
	assert.Empty(t, events)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/events/subscribe/"+sub.Subscriber, nil)

	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()

	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)
}
