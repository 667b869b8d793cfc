package internal

import (
	"bytes"
	"compress/gzip"
	"crypto/rand"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tanq16/riptide/internal/throttle"
)

// memSink collects chunk writes at absolute offsets, standing in for
// the assembler.
type memSink struct {
	mu   sync.Mutex
	data []byte
}

func (s *memSink) write(offset int64, b []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := offset + int64(len(b))
	if int64(len(s.data)) < end {
		grown := make([]byte, end)
		copy(grown, s.data)
		s.data = grown
	}
	copy(s.data[offset:], b)
	return false, nil
}

func (s *memSink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

// serveRange answers a ranged GET from data with 206 and Content-Range,
// clamping the requested end to the file size.
func serveRange(w http.ResponseWriter, r *http.Request, data []byte) {
	rng := r.Header.Get("Range")
	w.Header().Set("Content-Type", "application/octet-stream")
	if rng == "" {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.Write(data)
		return
	}
	var start, end int64
	fmt.Sscanf(rng, "bytes=%d-%d", &start, &end)
	if end >= int64(len(data)) {
		end = int64(len(data)) - 1
	}
	w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(data)))
	w.WriteHeader(http.StatusPartialContent)
	w.Write(data[start : end+1])
}

type workerHarness struct {
	sink     *memSink
	job      *chunkJob
	finished chan bool
	errs     chan error
	mu       sync.Mutex
}

func startTestWorker(t *testing.T, rawURL string, size int64) *workerHarness {
	t.Helper()
	h := &workerHarness{
		sink:     &memSink{},
		finished: make(chan bool, 1),
		errs:     make(chan error, 4),
	}
	h.job = &chunkJob{
		url:           rawURL,
		size:          size,
		confirmedSize: size,
		state:         chunkRunning,
		dataCB:        h.sink.write,
		errorCB:       func(err error) { h.errs <- err },
	}
	w := newWorker(1, h.job, "riptide-test", nil, throttle.NewFactory(nil), &h.mu,
		nil, func(paused bool) { h.finished <- paused }, nil)
	w.start()
	return h
}

func (h *workerHarness) waitFinish(t *testing.T) bool {
	t.Helper()
	select {
	case paused := <-h.finished:
		return paused
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not finish")
		return false
	}
}

func TestWorkerDownloadsRange(t *testing.T) {
	data := randomPayload(t, 100*1024)
	var gotRange, gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		gotUA = r.Header.Get("User-Agent")
		serveRange(w, r, data)
	}))
	defer server.Close()

	h := startTestWorker(t, server.URL, int64(len(data)))
	paused := h.waitFinish(t)

	assert.False(t, paused)
	assert.Empty(t, h.errs)
	assert.Equal(t, data, h.sink.bytes())
	assert.Equal(t, fmt.Sprintf("bytes=0-%d", len(data)), gotRange)
	assert.Equal(t, "riptide-test", gotUA)

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, int64(len(data)), h.job.confirmedReceived)
	assert.LessOrEqual(t, h.job.size, int64(0))
}

func TestWorkerFollowsRedirect(t *testing.T) {
	data := randomPayload(t, 16*1024)
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()
	mux.HandleFunc("/moved", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/real", http.StatusFound)
	})
	mux.HandleFunc("/real", func(w http.ResponseWriter, r *http.Request) {
		serveRange(w, r, data)
	})

	h := startTestWorker(t, server.URL+"/moved", int64(len(data)))
	paused := h.waitFinish(t)

	assert.False(t, paused)
	assert.Empty(t, h.errs)
	assert.Equal(t, data, h.sink.bytes())
	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, server.URL+"/real", h.job.url)
}

func TestWorkerRedirectLimit(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()
	hops := 0
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		hops++
		http.Redirect(w, r, fmt.Sprintf("/hop%d", hops), http.StatusFound)
	})

	h := startTestWorker(t, server.URL, 1024)
	h.waitFinish(t)

	require.Len(t, h.errs, 1)
	var httpErr *HTTPError
	require.ErrorAs(t, <-h.errs, &httpErr)
	assert.Equal(t, http.StatusFound, httpErr.Status)
	assert.Equal(t, maxRedirectFollow+1, hops)
}

func TestWorkerHTMLBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body>login required</body></html>")
	}))
	defer server.Close()

	h := startTestWorker(t, server.URL, 1024)
	h.waitFinish(t)

	require.Len(t, h.errs, 1)
	var htmlErr *HTMLError
	require.ErrorAs(t, <-h.errs, &htmlErr)
	assert.Equal(t, server.URL, htmlErr.URL)
	assert.Empty(t, h.sink.bytes())
}

func TestWorkerHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	h := startTestWorker(t, server.URL, 1024)
	h.waitFinish(t)

	require.Len(t, h.errs, 1)
	var httpErr *HTTPError
	require.ErrorAs(t, <-h.errs, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.Status)
}

func TestWorkerGzipBody(t *testing.T) {
	payload := []byte(strings.Repeat("riptide gzip payload ", 1024))
	var compressed bytes.Buffer
	gw := gzip.NewWriter(&compressed)
	_, err := gw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, gw.Close())

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")
		w.Write(compressed.Bytes())
	}))
	defer server.Close()

	h := startTestWorker(t, server.URL, int64(len(payload)))
	paused := h.waitFinish(t)

	assert.False(t, paused)
	assert.Empty(t, h.errs)
	assert.Equal(t, payload, h.sink.bytes())
}

func TestWorkerSendsRefererAndCookies(t *testing.T) {
	data := randomPayload(t, 4096)
	var gotReferer, gotCookie string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReferer = r.Header.Get("Referer")
		gotCookie = r.Header.Get("Cookie")
		serveRange(w, r, data)
	}))
	defer server.Close()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	jar.SetCookies(u, []*http.Cookie{{Name: "session", Value: "abc123"}})

	h := &workerHarness{
		sink:     &memSink{},
		finished: make(chan bool, 1),
		errs:     make(chan error, 4),
	}
	h.job = &chunkJob{
		url:           server.URL + "<https://example.com/page",
		size:          int64(len(data)),
		confirmedSize: int64(len(data)),
		state:         chunkRunning,
		dataCB:        h.sink.write,
		errorCB:       func(err error) { h.errs <- err },
	}
	w := newWorker(2, h.job, "riptide-test", jar, throttle.NewFactory(nil), &h.mu,
		nil, func(paused bool) { h.finished <- paused }, nil)
	w.start()
	h.waitFinish(t)

	assert.Equal(t, "https://example.com/page", gotReferer)
	assert.Contains(t, gotCookie, "session=abc123")
	assert.Equal(t, data, h.sink.bytes())
}

func TestWorkerPauseMidStream(t *testing.T) {
	data := randomPayload(t, 64*1024)
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", len(data)-1, len(data)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(data[:8*1024])
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-release
	}))
	defer server.Close()
	defer close(release)

	h := &workerHarness{
		sink:     &memSink{},
		finished: make(chan bool, 1),
		errs:     make(chan error, 4),
	}
	h.job = &chunkJob{
		url:           server.URL,
		size:          int64(len(data)),
		confirmedSize: int64(len(data)),
		state:         chunkRunning,
		dataCB:        h.sink.write,
		errorCB:       func(err error) { h.errs <- err },
	}
	w := newWorker(3, h.job, "riptide-test", nil, throttle.NewFactory(nil), &h.mu,
		nil, func(paused bool) { h.finished <- paused }, nil)
	w.start()

	// let some body bytes arrive before pausing
	time.Sleep(300 * time.Millisecond)
	w.Pause()

	paused := h.waitFinish(t)
	assert.True(t, paused)
	assert.Empty(t, h.errs)
}

func TestWorkerRestartReissuesRequest(t *testing.T) {
	data := randomPayload(t, 32*1024)
	var requests atomic.Int64
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			// first attempt stalls after the headers
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("Content-Range", fmt.Sprintf("bytes 0-%d/%d", len(data)-1, len(data)))
			w.WriteHeader(http.StatusPartialContent)
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			<-release
			return
		}
		serveRange(w, r, data)
	}))
	defer server.Close()
	defer close(release)

	h := &workerHarness{
		sink:     &memSink{},
		finished: make(chan bool, 1),
		errs:     make(chan error, 4),
	}
	h.job = &chunkJob{
		url:           server.URL,
		size:          int64(len(data)),
		confirmedSize: int64(len(data)),
		state:         chunkRunning,
		dataCB:        h.sink.write,
		errorCB:       func(err error) { h.errs <- err },
	}
	w := newWorker(5, h.job, "riptide-test", nil, throttle.NewFactory(nil), &h.mu,
		nil, func(paused bool) { h.finished <- paused }, nil)
	w.start()

	time.Sleep(200 * time.Millisecond)
	w.Restart()

	paused := h.waitFinish(t)
	assert.False(t, paused)
	assert.Empty(t, h.errs)
	assert.Equal(t, data, h.sink.bytes())
	assert.GreaterOrEqual(t, requests.Load(), int64(2))
}

func TestWorkerResponseMetadata(t *testing.T) {
	data := randomPayload(t, 32*1024)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="server-name.zip"`)
		serveRange(w, r, data)
	}))
	defer server.Close()

	type response struct {
		total     int64
		filename  string
		chunkable bool
	}
	responses := make(chan response, 1)
	h := &workerHarness{
		sink:     &memSink{},
		finished: make(chan bool, 1),
		errs:     make(chan error, 4),
	}
	h.job = &chunkJob{
		url:           server.URL,
		size:          int64(len(data)),
		confirmedSize: int64(len(data)),
		state:         chunkRunning,
		dataCB:        h.sink.write,
		errorCB:       func(err error) { h.errs <- err },
		responseCB: func(total int64, filename string, chunkable bool) {
			responses <- response{total, filename, chunkable}
		},
	}
	w := newWorker(4, h.job, "riptide-test", nil, throttle.NewFactory(nil), &h.mu,
		nil, func(paused bool) { h.finished <- paused }, nil)
	w.start()
	h.waitFinish(t)

	resp := <-responses
	assert.Equal(t, int64(len(data)), resp.total)
	assert.Equal(t, "server-name.zip", resp.filename)
	assert.True(t, resp.chunkable)
}
