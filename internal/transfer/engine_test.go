package transfer_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neonbrowser/neondl/internal/config"
	"github.com/neonbrowser/neondl/internal/eventbus"
	"github.com/neonbrowser/neondl/internal/ledger"
	"github.com/neonbrowser/neondl/internal/ledger/sqlite"
	"github.com/neonbrowser/neondl/internal/telemetry"
	"github.com/neonbrowser/neondl/internal/transfer"
)

func newTestEngine(t *testing.T, cfg *config.Config) (*transfer.Engine, *eventbus.Bus) {
	t.Helper()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := eventbus.New()

	tel, err := telemetry.New(context.Background(), telemetry.Config{Enabled: false})
	require.NoError(t, err)

	if cfg == nil {
		cfg = &config.Config{
			MaxConcurrent:    2,
			ChunkSize:        4096,
			RetryAttempts:    3,
			RetryBaseDelay:   10 * time.Millisecond,
			ChunkTimeout:     5 * time.Second,
			AttemptTimeout:   5 * time.Second,
			DiskSafetyMargin: 0,
		}
	}

	return transfer.New(context.Background(), cfg, store, bus, tel, http.DefaultClient), bus
}

func waitForStatus(t *testing.T, eng *transfer.Engine, id string, want ledger.Status, timeout time.Duration) *ledger.Record {
	t.Helper()

	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		rec, err := eng.Get(context.Background(), id)
		require.NoError(t, err)

		if rec.Status == want {
			return rec
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("download %s did not reach status %s in time", id, want)

	return nil
}

func TestStartDownload_HappyPath(t *testing.T) {
	body := []byte("hello, this is the complete file body")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	eng, bus := newTestEngine(t, nil)
	sub := bus.Subscribe()

	saveDir := t.TempDir()

	id, err := eng.StartDownload(context.Background(), srv.URL+"/report.pdf", saveDir, transfer.StartOptions{})
	require.NoError(t, err)

	rec := waitForStatus(t, eng, id, ledger.StatusCompleted, 2*time.Second)

	assert.Equal(t, int64(len(body)), rec.DownloadedBytes)
	assert.NotEmpty(t, rec.Checksum)

	data, err := os.ReadFile(rec.SavePath)
	require.NoError(t, err)
	assert.Equal(t, body, data)

	var sawCompleted bool

	for _, e := range bus.Drain(sub) {
		if e.Kind == eventbus.KindCompleted && e.ID == id {
			sawCompleted = true
		}
	}

	assert.True(t, sawCompleted, "expected a Completed event for %s", id)
}

func TestStartDownload_ZeroByteFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	eng, _ := newTestEngine(t, nil)

	id, err := eng.StartDownload(context.Background(), srv.URL+"/empty.bin", t.TempDir(), transfer.StartOptions{})
	require.NoError(t, err)

	rec := waitForStatus(t, eng, id, ledger.StatusCompleted, 2*time.Second)
	assert.Equal(t, int64(0), rec.DownloadedBytes)
}

func TestStartDownload_UnknownFileSizeCompletesNormally(t *testing.T) {
	body := []byte("streamed without a declared length")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Omit Content-Length and use chunked framing so the client
		// has to read until EOF with no a-priori size.
		w.Header().Set("Transfer-Encoding", "chunked")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	eng, _ := newTestEngine(t, nil)

	id, err := eng.StartDownload(context.Background(), srv.URL+"/stream.bin", t.TempDir(), transfer.StartOptions{})
	require.NoError(t, err)

	rec := waitForStatus(t, eng, id, ledger.StatusCompleted, 2*time.Second)
	assert.Equal(t, int64(len(body)), rec.DownloadedBytes)
	assert.NotEmpty(t, rec.Checksum)
}

func TestStartDownload_RejectsSSRFBeforeAnyNetworkIO(t *testing.T) {
	var hit atomic.Bool

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit.Store(true)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	eng, _ := newTestEngine(t, nil)

	_, err := eng.StartDownload(context.Background(), "http://169.254.169.254/latest/meta-data/", t.TempDir(), transfer.StartOptions{})
	require.Error(t, err)

	var invalidURL *transfer.InvalidURLError
	require.ErrorAs(t, err, &invalidURL)
	assert.False(t, hit.Load(), "no request should reach any server for a rejected URL")
}

func TestStartDownload_DuplicateFilenameGetsUniqueSuffix(t *testing.T) {
	body := []byte("content")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	eng, _ := newTestEngine(t, nil)
	saveDir := t.TempDir()

	id1, err := eng.StartDownload(context.Background(), srv.URL+"/report.pdf", saveDir, transfer.StartOptions{})
	require.NoError(t, err)
	rec1 := waitForStatus(t, eng, id1, ledger.StatusCompleted, 2*time.Second)

	id2, err := eng.StartDownload(context.Background(), srv.URL+"/report.pdf", saveDir, transfer.StartOptions{})
	require.NoError(t, err)
	rec2 := waitForStatus(t, eng, id2, ledger.StatusCompleted, 2*time.Second)

	assert.Equal(t, "report.pdf", rec1.Filename)
	assert.Equal(t, "report (1).pdf", rec2.Filename)
	assert.NotEqual(t, rec1.SavePath, rec2.SavePath)
}

func TestPauseResume_WithRangeSupport(t *testing.T) {
	body := make([]byte, 64*1024)
	for i := range body {
		body[i] = byte(i % 251)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
			w.Header().Set("Accept-Ranges", "bytes")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(body)

			return
		}

		var start int
		_, _ = fmt.Sscanf(rangeHeader, "bytes=%d-", &start)

		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(body)-1, len(body)))
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)-start))
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write(body[start:])
	}))
	defer srv.Close()

	eng, _ := newTestEngine(t, nil)
	saveDir := t.TempDir()

	id, err := eng.StartDownload(context.Background(), srv.URL+"/big.bin", saveDir, transfer.StartOptions{})
	require.NoError(t, err)

	// Let it get partway in, then pause.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, eng.Pause(context.Background(), id))

	waitForStatus(t, eng, id, ledger.StatusPaused, 2*time.Second)

	require.NoError(t, eng.Resume(context.Background(), id))
	rec := waitForStatus(t, eng, id, ledger.StatusCompleted, 2*time.Second)

	data, err := os.ReadFile(rec.SavePath)
	require.NoError(t, err)
	assert.Equal(t, body, data)
}

func TestPauseResume_ServerIgnoresRange(t *testing.T) {
	body := make([]byte, 32*1024)
	for i := range body {
		body[i] = byte(i % 197)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Always returns 200 with the full body, ignoring any Range header.
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	eng, _ := newTestEngine(t, nil)
	saveDir := t.TempDir()

	id, err := eng.StartDownload(context.Background(), srv.URL+"/ignore-range.bin", saveDir, transfer.StartOptions{})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, eng.Pause(context.Background(), id))
	waitForStatus(t, eng, id, ledger.StatusPaused, 2*time.Second)

	require.NoError(t, eng.Resume(context.Background(), id))
	rec := waitForStatus(t, eng, id, ledger.StatusCompleted, 2*time.Second)

	data, err := os.ReadFile(rec.SavePath)
	require.NoError(t, err)
	assert.Equal(t, body, data)
}

func TestTransientServerErrorThenSuccess_Retries(t *testing.T) {
	body := []byte("eventually succeeds")

	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	cfg := &config.Config{
		MaxConcurrent:    2,
		ChunkSize:        4096,
		RetryAttempts:    5,
		RetryBaseDelay:   5 * time.Millisecond,
		ChunkTimeout:     5 * time.Second,
		AttemptTimeout:   5 * time.Second,
		DiskSafetyMargin: 0,
	}

	eng, _ := newTestEngine(t, cfg)

	id, err := eng.StartDownload(context.Background(), srv.URL+"/flaky.bin", t.TempDir(), transfer.StartOptions{})
	require.NoError(t, err)

	rec := waitForStatus(t, eng, id, ledger.StatusCompleted, 3*time.Second)
	assert.Equal(t, int64(len(body)), rec.DownloadedBytes)
	assert.GreaterOrEqual(t, attempts.Load(), int32(3))
}

func TestThreeTransientFailuresThenSuccess_SucceedsOnFourthAttempt(t *testing.T) {
	body := []byte("eventually succeeds")

	var attempts atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Each attempt opens with one HEAD preflight (a failed HEAD is
		// followed by a GET probe), so only HEAD requests are counted.
		n := attempts.Load()
		if r.Method == http.MethodHead {
			n = attempts.Add(1)
		}

		if n <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	// newTestEngine(t, nil) defaults to RetryAttempts: 3, the same
	// default config.LoadConfig ships: 1 initial try plus 3 retries
	// must give exactly enough attempts for the server's 3 failures
	// followed by a success on the 4th call.
	eng, _ := newTestEngine(t, nil)

	id, err := eng.StartDownload(context.Background(), srv.URL+"/flaky.bin", t.TempDir(), transfer.StartOptions{})
	require.NoError(t, err)

	rec := waitForStatus(t, eng, id, ledger.StatusCompleted, 3*time.Second)
	assert.Equal(t, int64(len(body)), rec.DownloadedBytes)
	assert.Equal(t, int32(4), attempts.Load())
}

func TestStartDownload_ThrottleBPSPacesTransfer(t *testing.T) {
	body := make([]byte, 32*1024)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	cfg := &config.Config{
		MaxConcurrent:    2,
		ChunkSize:        4096,
		RetryAttempts:    1,
		RetryBaseDelay:   10 * time.Millisecond,
		ChunkTimeout:     5 * time.Second,
		AttemptTimeout:   5 * time.Second,
		DiskSafetyMargin: 0,
		ThrottleBPS:      16 * 1024,
	}

	eng, _ := newTestEngine(t, cfg)

	start := time.Now()

	id, err := eng.StartDownload(context.Background(), srv.URL+"/throttled.bin", t.TempDir(), transfer.StartOptions{})
	require.NoError(t, err)

	rec := waitForStatus(t, eng, id, ledger.StatusCompleted, 5*time.Second)
	elapsed := time.Since(start)

	assert.Equal(t, int64(len(body)), rec.DownloadedBytes)
	// 32KiB at a 16KiB/s cap, less the 4KiB initial burst, takes at
	// least ~1.75s; allow slack for scheduling.
	assert.GreaterOrEqual(t, elapsed, 1500*time.Millisecond)
}

func TestCancel_RemovesPartialFile(t *testing.T) {
	block := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		w.WriteHeader(http.StatusOK)

		buf := make([]byte, 4096)

		for i := 0; i < 8; i++ {
			_, _ = w.Write(buf)
			w.(http.Flusher).Flush()
			time.Sleep(5 * time.Millisecond)
		}

		<-block
	}))
	defer srv.Close()
	defer close(block)

	eng, _ := newTestEngine(t, nil)
	saveDir := t.TempDir()

	id, err := eng.StartDownload(context.Background(), srv.URL+"/cancel-me.bin", saveDir, transfer.StartOptions{})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, eng.Cancel(context.Background(), id))

	rec := waitForStatus(t, eng, id, ledger.StatusCancelled, 2*time.Second)

	_, statErr := os.Stat(rec.SavePath)
	assert.True(t, os.IsNotExist(statErr), "expected partial file to be removed, stat err = %v", statErr)
}

func TestRetryVerb_ResumesFromFailed(t *testing.T) {
	body := []byte("retry me please")

	var fail atomic.Bool
	fail.Store(true)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(body)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	cfg := &config.Config{
		MaxConcurrent:    2,
		ChunkSize:        4096,
		RetryAttempts:    1,
		RetryBaseDelay:   5 * time.Millisecond,
		ChunkTimeout:     5 * time.Second,
		AttemptTimeout:   5 * time.Second,
		DiskSafetyMargin: 0,
	}

	eng, _ := newTestEngine(t, cfg)

	id, err := eng.StartDownload(context.Background(), srv.URL+"/needs-retry.bin", t.TempDir(), transfer.StartOptions{})
	require.NoError(t, err)

	waitForStatus(t, eng, id, ledger.StatusFailed, 2*time.Second)

	fail.Store(false)

	require.NoError(t, eng.Retry(context.Background(), id))

	rec := waitForStatus(t, eng, id, ledger.StatusCompleted, 2*time.Second)
	assert.Equal(t, int64(len(body)), rec.DownloadedBytes)
}

func TestShutdown_PausesInProgressDownloads(t *testing.T) {
	block := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1048576")
		w.WriteHeader(http.StatusOK)

		buf := make([]byte, 4096)
		_, _ = w.Write(buf)
		w.(http.Flusher).Flush()

		<-block
	}))
	defer srv.Close()
	defer close(block)

	eng, _ := newTestEngine(t, nil)

	id, err := eng.StartDownload(context.Background(), srv.URL+"/long.bin", t.TempDir(), transfer.StartOptions{})
	require.NoError(t, err)

	time.Sleep(15 * time.Millisecond)

	require.NoError(t, eng.Shutdown(context.Background(), 500*time.Millisecond))

	rec, err := eng.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaused, rec.Status)
}

func TestNew_ReconcilesStaleInProgressRecordsOnStartup(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "ledger.db")

	store, err := sqlite.Open(dbPath)
	require.NoError(t, err)

	rec := &ledger.Record{
		ID:       "stale-id",
		URL:      "https://example.com/a.bin",
		Filename: "a.bin",
		SavePath: filepath.Join(t.TempDir(), "a.bin"),
		Status:   ledger.StatusPending,
	}
	require.NoError(t, store.Insert(ctx, rec))

	rec.Status = ledger.StatusInProgress
	require.NoError(t, store.Update(ctx, rec))
	require.NoError(t, store.Close())

	// Simulate a restart after a non-graceful exit: reopen the same
	// database (still carrying the in_progress row no Shutdown ever
	// demoted) and build a fresh Engine against it.
	store, err = sqlite.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := eventbus.New()

	tel, err := telemetry.New(ctx, telemetry.Config{Enabled: false})
	require.NoError(t, err)

	cfg := &config.Config{
		MaxConcurrent:  1,
		ChunkSize:      4096,
		RetryAttempts:  1,
		RetryBaseDelay: 10 * time.Millisecond,
		ChunkTimeout:   time.Second,
		AttemptTimeout: time.Second,
	}

	eng := transfer.New(ctx, cfg, store, bus, tel, http.DefaultClient)

	got, err := eng.Get(ctx, "stale-id")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPaused, got.Status)

	// Resume must now succeed: Paused is a legal predecessor, where
	// in_progress was not.
	assert.NoError(t, eng.Resume(ctx, "stale-id"))
}
