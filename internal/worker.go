package internal

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/tanq16/riptide/internal/throttle"
	"github.com/tanq16/riptide/utils"
)

// Outcome of one request attempt. The run loop maps these onto the
// worker states Requesting, Streaming, Retrying, Redirecting, Complete
// and Failed without recursion.
type attemptAction int

const (
	actionDone attemptAction = iota
	actionRetry
	actionRedirect
)

// Worker performs ranged GET requests for a single chunk job and
// streams the body through the throttle into the assembler via the
// job's data callback. Job counters are guarded by the manager mutex
// (sharedMu); buffer and lifecycle state by the worker's own mutex.
type Worker struct {
	id        int64
	job       *chunkJob
	userAgent string
	jar       http.CookieJar
	throttle  *throttle.Factory
	sharedMu  *sync.Mutex

	progressCB func(n int64)
	finishCB   func(paused bool)
	headersCB  func(h http.Header)

	mu       sync.Mutex
	cond     *sync.Cond
	buffers  [][]byte
	buffered int64
	writing  bool
	writeErr error

	cancel       context.CancelFunc
	ended        bool
	pausedFlag   bool
	canceledFlag bool
	restartFlag  bool

	redirects int
	log       zerolog.Logger
}

func newWorker(id int64, job *chunkJob, userAgent string, jar http.CookieJar, tf *throttle.Factory, sharedMu *sync.Mutex,
	progressCB func(n int64), finishCB func(paused bool), headersCB func(h http.Header)) *Worker {
	w := &Worker{
		id:         id,
		job:        job,
		userAgent:  userAgent,
		jar:        jar,
		throttle:   tf,
		sharedMu:   sharedMu,
		progressCB: progressCB,
		finishCB:   finishCB,
		headersCB:  headersCB,
		log:        utils.GetLogger("worker").With().Int64("workerID", id).Logger(),
	}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// start launches the request loop; the manager registers the worker in
// its busy table first.
func (w *Worker) start() {
	go w.run()
}

func (w *Worker) run() {
	for {
		switch w.attempt() {
		case actionDone:
			return
		case actionRedirect:
			time.Sleep(redirectSettleDelay)
		case actionRetry:
		}
	}
}

// Cancel aborts the request; the worker ends through its finish path.
func (w *Worker) Cancel() {
	w.interrupt(&w.canceledFlag)
}

// Pause aborts the request and marks the shutdown as a pause so the
// chunk stays resumable.
func (w *Worker) Pause() {
	w.interrupt(&w.pausedFlag)
}

// Restart aborts the underlying request without ending the worker; the
// job is re-issued once the stream shutdown completes.
func (w *Worker) Restart() {
	w.interrupt(&w.restartFlag)
}

func (w *Worker) interrupt(flag *bool) {
	w.mu.Lock()
	if w.ended {
		w.mu.Unlock()
		return
	}
	*flag = true
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (w *Worker) attempt() attemptAction {
	w.mu.Lock()
	if w.canceledFlag || w.pausedFlag {
		paused := w.pausedFlag
		w.mu.Unlock()
		w.finish(paused)
		return actionDone
	}
	w.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()

	// Resolution dispatches handlers and must not run under the shared
	// mutex.
	w.sharedMu.Lock()
	needResolve := w.job.url == "" && w.job.resolveURL != nil
	w.sharedMu.Unlock()
	if needResolve {
		resolved := w.job.resolveURL()
		w.sharedMu.Lock()
		if w.job.url == "" {
			w.job.url = resolved
		}
		w.sharedMu.Unlock()
	}

	w.sharedMu.Lock()
	rawURL := w.job.url
	startOffset := w.job.offset
	startSize := w.job.size
	startReceived := w.job.received
	w.sharedMu.Unlock()
	if rawURL == "" {
		w.fail(&ProcessCanceledError{Reason: "no URL for chunk"})
		return actionDone
	}

	reqURL, referer := splitReferer(rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		w.fail(fmt.Errorf("%w: %v", ErrDataInvalid, err))
		return actionDone
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", startOffset, startOffset+startSize))
	req.Header.Set("User-Agent", w.userAgent)
	req.Header.Set("Accept-Encoding", "gzip, deflate")
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
	w.attachCookies(req)

	// Fresh transport per request; no agent reuse.
	client := &http.Client{
		Transport: &http.Transport{
			DisableKeepAlives: true,
			Proxy:             http.ProxyFromEnvironment,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	w.log.Debug().Str("url", reqURL).Str("range", req.Header.Get("Range")).Msg("Sending range request")
	resp, err := client.Do(req)
	if err != nil {
		return w.handleStreamError(err, 0)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		if w.redirects >= maxRedirectFollow {
			w.fail(&HTTPError{Status: resp.StatusCode, StatusText: resp.Status, URL: reqURL})
			return actionDone
		}
		loc := resp.Header.Get("Location")
		next, perr := req.URL.Parse(loc)
		if loc == "" || perr != nil {
			w.fail(&HTTPError{Status: resp.StatusCode, StatusText: resp.Status, URL: reqURL})
			return actionDone
		}
		w.redirects++
		nextURL := next.String()
		if referer != "" {
			nextURL = nextURL + "<" + referer
		}
		w.sharedMu.Lock()
		w.job.url = nextURL
		w.job.offset = startOffset
		w.job.size = startSize
		w.job.received = startReceived
		w.sharedMu.Unlock()
		w.log.Debug().Str("location", next.String()).Int("redirects", w.redirects).Msg("Following redirect")
		return actionRedirect
	}
	if resp.StatusCode >= 300 {
		w.fail(&HTTPError{Status: resp.StatusCode, StatusText: resp.Status, URL: reqURL})
		return actionDone
	}
	if w.headersCB != nil {
		w.headersCB(resp.Header)
	}
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(strings.ToLower(ct), "text/html") {
		w.fail(&HTMLError{URL: reqURL})
		return actionDone
	}
	total, chunkable := parseTotalSize(resp, startOffset)
	filename := filenameFromDisposition(resp.Header.Get("Content-Disposition"))
	if w.job.responseCB != nil {
		w.job.responseCB(total, filename, chunkable)
	}

	var reader io.Reader = w.throttle.Reader(ctx, resp.Body)
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gr, gerr := gzip.NewReader(reader)
		if gerr != nil {
			return w.handleStreamError(gerr, 0)
		}
		defer gr.Close()
		reader = gr
	case "deflate":
		fr := flate.NewReader(reader)
		defer fr.Close()
		reader = fr
	}

	return w.stream(reader)
}

func (w *Worker) stream(reader io.Reader) attemptAction {
	var attemptReceived int64
	buf := make([]byte, 32*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			attemptReceived += int64(n)
			w.enqueueData(buf[:n])
			if w.progressCB != nil {
				w.progressCB(int64(n))
			}
		}
		w.mu.Lock()
		werr := w.writeErr
		w.mu.Unlock()
		if werr != nil {
			w.fail(werr)
			return actionDone
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return w.handleStreamError(err, attemptReceived)
		}
	}

	if err := w.drain(); err != nil {
		w.fail(err)
		return actionDone
	}
	w.mu.Lock()
	if w.restartFlag {
		w.restartFlag = false
		w.mu.Unlock()
		return actionRetry
	}
	paused := w.pausedFlag
	w.mu.Unlock()
	if paused {
		w.finish(true)
		return actionDone
	}
	if w.job.completionCB != nil {
		w.job.completionCB()
	}
	w.finish(false)
	return actionDone
}

// enqueueData buffers a copy of b. When buffered bytes pass the flush
// threshold and no write is in flight, an async flush starts; at the
// buffer cap with a write in flight the read side blocks, which is
// what pauses the upstream response.
func (w *Worker) enqueueData(b []byte) {
	data := make([]byte, len(b))
	copy(data, b)
	w.mu.Lock()
	for w.buffered >= bufferSizeCap && w.writing && w.writeErr == nil {
		w.cond.Wait()
	}
	w.buffers = append(w.buffers, data)
	w.buffered += int64(len(data))
	if w.buffered >= bufferSize && !w.writing && w.writeErr == nil {
		w.writing = true
		go w.flushLoop()
	}
	w.mu.Unlock()
}

func (w *Worker) flushLoop() {
	for {
		w.mu.Lock()
		if len(w.buffers) == 0 || w.writeErr != nil {
			w.writing = false
			w.cond.Broadcast()
			w.mu.Unlock()
			return
		}
		merged := mergeBuffers(w.buffers, w.buffered)
		w.buffers = nil
		w.buffered = 0
		w.cond.Broadcast()
		w.mu.Unlock()

		if err := w.writeOut(merged); err != nil {
			w.mu.Lock()
			w.writeErr = err
			w.writing = false
			w.cond.Broadcast()
			w.mu.Unlock()
			return
		}
	}
}

// writeOut hands one merged buffer to the assembler. In-flight counters
// advance before the write, confirmed counters only after the ack.
func (w *Worker) writeOut(data []byte) error {
	n := int64(len(data))
	w.sharedMu.Lock()
	offset := w.job.offset
	w.job.offset += n
	w.job.received += n
	w.job.size -= n
	w.sharedMu.Unlock()

	_, err := w.job.dataCB(offset, data)
	if err != nil {
		return err
	}

	w.sharedMu.Lock()
	w.job.confirmedOffset += n
	w.job.confirmedReceived += n
	w.job.confirmedSize -= n
	w.sharedMu.Unlock()
	return nil
}

// drain waits out any in-flight write and flushes the remainder
// synchronously.
func (w *Worker) drain() error {
	w.mu.Lock()
	for w.writing {
		w.cond.Wait()
	}
	if w.writeErr != nil {
		err := w.writeErr
		w.mu.Unlock()
		return err
	}
	var rest []byte
	if w.buffered > 0 {
		rest = mergeBuffers(w.buffers, w.buffered)
		w.buffers = nil
		w.buffered = 0
	}
	w.mu.Unlock()
	if rest != nil {
		return w.writeOut(rest)
	}
	return nil
}

// reresolve rebinds the job URL through the manager's resolver, outside
// the shared mutex.
func (w *Worker) reresolve() {
	if w.job.resolveURL == nil {
		return
	}
	resolved := w.job.resolveURL()
	if resolved == "" {
		return
	}
	w.sharedMu.Lock()
	w.job.url = resolved
	w.sharedMu.Unlock()
}

// dropBuffers discards bytes read but not yet handed to the assembler.
// The next attempt re-requests from the job's current offset, which sits
// exactly past the last flushed byte.
func (w *Worker) dropBuffers() {
	w.mu.Lock()
	for w.writing {
		w.cond.Wait()
	}
	w.buffers = nil
	w.buffered = 0
	w.mu.Unlock()
}

func (w *Worker) handleStreamError(err error, attemptReceived int64) attemptAction {
	w.mu.Lock()
	restart := w.restartFlag
	paused := w.pausedFlag
	canceled := w.canceledFlag
	w.mu.Unlock()

	if errors.Is(err, context.Canceled) || restart || paused || canceled {
		w.dropBuffers()
		if restart {
			w.mu.Lock()
			w.restartFlag = false
			w.mu.Unlock()
			w.reresolve()
			w.log.Debug().Msg("Restarting slow worker")
			return actionRetry
		}
		w.finish(paused)
		return actionDone
	}

	if isTransient(err) && attemptReceived > 0 {
		w.dropBuffers()
		w.reresolve()
		w.log.Debug().Err(err).Int64("received", attemptReceived).Msg("Transient error with progress, retrying chunk")
		return actionRetry
	}

	w.fail(err)
	return actionDone
}

func (w *Worker) fail(err error) {
	w.mu.Lock()
	if w.ended {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	w.log.Debug().Err(err).Msg("Worker attempt failed")
	if w.job.errorCB != nil {
		w.job.errorCB(err)
	}
	w.finish(false)
}

// finish fires the terminal callback exactly once; anything after the
// first call is dropped.
func (w *Worker) finish(paused bool) {
	w.mu.Lock()
	if w.ended {
		w.mu.Unlock()
		return
	}
	w.ended = true
	w.mu.Unlock()
	if w.finishCB != nil {
		w.finishCB(paused)
	}
}

// attachCookies builds a Cookie header from the host cookie store.
// Failure to retrieve cookies never fails the download.
func (w *Worker) attachCookies(req *http.Request) {
	if w.jar == nil {
		return
	}
	u, err := url.Parse(req.URL.String())
	if err != nil {
		return
	}
	cookies := w.jar.Cookies(u)
	if len(cookies) == 0 {
		return
	}
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	req.Header.Set("Cookie", strings.Join(parts, "; "))
}

func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

func mergeBuffers(buffers [][]byte, total int64) []byte {
	if len(buffers) == 1 {
		return buffers[0]
	}
	merged := make([]byte, 0, total)
	for _, b := range buffers {
		merged = append(merged, b...)
	}
	return merged
}

// parseTotalSize extracts the full file size from the response. A
// Content-Range total marks the server as chunkable; otherwise the
// Content-Length plus the requested offset is the best estimate.
func parseTotalSize(resp *http.Response, offset int64) (int64, bool) {
	if cr := resp.Header.Get("Content-Range"); cr != "" {
		if i := strings.LastIndex(cr, "/"); i >= 0 {
			if total, err := strconv.ParseInt(cr[i+1:], 10, 64); err == nil && total > 0 {
				return total, true
			}
		}
	}
	if resp.ContentLength > 0 {
		return offset + resp.ContentLength, false
	}
	return 0, false
}

// filenameFromDisposition pulls a server-suggested filename out of a
// Content-Disposition header.
func filenameFromDisposition(disposition string) string {
	if disposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	if fn, ok := params["filename"]; ok && fn != "" {
		return fn
	}
	if fn, ok := params["filename*"]; ok && strings.HasPrefix(fn, "UTF-8''") {
		if unescaped, err := url.PathUnescape(strings.TrimPrefix(fn, "UTF-8''")); err == nil {
			return unescaped
		}
	}
	return ""
}
