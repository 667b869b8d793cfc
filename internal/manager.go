package internal

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tanq16/riptide/internal/assembler"
	"github.com/tanq16/riptide/internal/speed"
	"github.com/tanq16/riptide/internal/throttle"
	"github.com/tanq16/riptide/utils"
)

type runningDownload struct {
	id         string
	urls       []string
	resolved   []string
	tempName   string
	finalName  string
	origName   string
	size       int64 // 0 = unknown
	received   int64
	chunks     []*chunkJob
	chunkable  chunkability
	redownload RedownloadPolicy
	started    time.Time
	headers    http.Header
	assembler  *assembler.Assembler
	cbs        Callbacks

	firstResponseDone bool
	everStarted       bool
	hadErrors         bool
	failure           error
	completed         bool
}

// Manager is the engine's public surface. All mutable state (queue,
// busy table, slow-worker map, resolve cache, id counter) is guarded by
// one mutex, which workers share for chunk counter updates.
type Manager struct {
	cfg      Config
	speed    *speed.Calculator
	throttle *throttle.Factory

	mu           sync.Mutex
	queue        []*runningDownload
	busy         map[int64]*Worker
	slow         map[int64]int
	resolveCache map[string]resolvedEntry
	nextWorkerID int64
}

func NewManager(cfg Config) *Manager {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.MaxChunks <= 0 {
		cfg.MaxChunks = cfg.MaxWorkers
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = utils.ToolUserAgent
	}
	if cfg.DownloadPath == "" {
		cfg.DownloadPath = "."
	}
	return &Manager{
		cfg:          cfg,
		speed:        speed.New(speed.DefaultWindow, cfg.SpeedCB),
		throttle:     throttle.NewFactory(cfg.MaxBandwidth),
		busy:         make(map[int64]*Worker),
		slow:         make(map[int64]int),
		resolveCache: make(map[string]resolvedEntry),
	}
}

func (m *Manager) Close() {
	m.speed.Close()
}

// Enqueue registers a new download of one logical file served by the
// given mirror URLs and kicks the scheduler. Completion is reported
// through the callbacks.
func (m *Manager) Enqueue(id string, urls []string, filename, destPath string, redownload RedownloadPolicy, cbs Callbacks) error {
	log := utils.GetLogger("manager")
	if len(urls) == 0 {
		return fmt.Errorf("%w: empty url list", ErrDataInvalid)
	}
	base, _ := splitReferer(urls[0])
	parsed, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDataInvalid, err)
	}
	name := filename
	if name == "" {
		name = path.Base(parsed.Path)
		if name == "." || name == "/" {
			name = ""
		}
	}
	if destPath == "" {
		destPath = m.cfg.DownloadPath
	}
	if err := os.MkdirAll(destPath, 0755); err != nil {
		return err
	}
	tempName, err := unusedName(destPath, name, redownload, m.cfg.FileExistsCB)
	if err != nil {
		return err
	}

	d := &runningDownload{
		id:         id,
		urls:       urls,
		tempName:   tempName,
		origName:   filepath.Base(tempName),
		redownload: redownload,
		started:    time.Now(),
		cbs:        cbs,
		chunks: []*chunkJob{{
			size:          minChunkSize,
			confirmedSize: minChunkSize,
			state:         chunkInit,
		}},
	}
	m.mu.Lock()
	m.queue = append(m.queue, d)
	m.mu.Unlock()
	log.Debug().Str("id", id).Str("tempName", tempName).Int("mirrors", len(urls)).Msg("Download enqueued")
	m.emitProgress(d, false)
	m.tick()
	return nil
}

// Resume rebuilds a download from persisted chunk checkpoints. The
// partial file at filePath must still exist.
func (m *Manager) Resume(id, filePath string, urls []string, received, size int64, started time.Time, chunks []Checkpoint, cbs Callbacks) error {
	if len(chunks) == 0 {
		return &ProcessCanceledError{Reason: "no unfinished chunks"}
	}
	d := &runningDownload{
		id:       id,
		urls:     urls,
		tempName: filePath,
		origName: filepath.Base(filePath),
		size:     size,
		received: received,
		started:  started,
		cbs:      cbs,
	}
	// A multi-chunk checkpoint can only have come from a chunkable
	// server; the first response will confirm either way.
	if len(chunks) > 1 {
		d.chunkable = chunkableYes
	}
	for _, cp := range chunks {
		d.chunks = append(d.chunks, &chunkJob{
			url:               cp.URL,
			offset:            cp.Offset,
			size:              cp.Size,
			received:          cp.Received,
			confirmedOffset:   cp.Offset,
			confirmedSize:     cp.Size,
			confirmedReceived: cp.Received,
			state:             chunkInit,
		})
	}
	m.mu.Lock()
	m.queue = append(m.queue, d)
	m.mu.Unlock()
	m.emitProgress(d, false)
	m.tick()
	return nil
}

// Stop cancels a download outright. A download that never started any
// work fails with ErrUserCanceled; otherwise the workers' finish paths
// conclude it.
func (m *Manager) Stop(id string) {
	m.mu.Lock()
	d := m.findLocked(id)
	if d == nil {
		m.mu.Unlock()
		return
	}
	everStarted := d.everStarted
	var workers []*Worker
	for _, c := range d.chunks {
		switch c.state {
		case chunkInit:
			c.state = chunkFinished
		case chunkRunning:
			if w, ok := m.busy[c.workerID]; ok {
				workers = append(workers, w)
			}
		}
	}
	if !everStarted {
		m.removeLocked(d)
	}
	cbs := d.cbs
	m.mu.Unlock()

	for _, w := range workers {
		w.Cancel()
	}
	if !everStarted && cbs.Failed != nil {
		cbs.Failed(ErrUserCanceled)
	}
}

// Pause stops a download and returns the checkpoints needed to resume
// it. Only confirmed counters go into checkpoints. The I/O shutdown of
// paused workers completes asynchronously.
func (m *Manager) Pause(id string) []Checkpoint {
	m.mu.Lock()
	d := m.findLocked(id)
	if d == nil {
		m.mu.Unlock()
		return nil
	}
	var cps []Checkpoint
	var workers []*Worker
	for _, c := range d.chunks {
		switch c.state {
		case chunkInit:
			c.state = chunkPaused
			if c.confirmedSize > 0 {
				cps = append(cps, c.checkpoint())
			}
		case chunkRunning:
			if c.confirmedSize > 0 {
				cps = append(cps, c.checkpoint())
			}
			if w, ok := m.busy[c.workerID]; ok {
				workers = append(workers, w)
			}
		case chunkPaused:
			if c.confirmedSize > 0 {
				cps = append(cps, c.checkpoint())
			}
		}
	}
	m.mu.Unlock()

	for _, w := range workers {
		w.Pause()
	}
	return cps
}

// Speed returns the current aggregate rate in bytes per second.
func (m *Manager) Speed() int64 {
	return m.speed.Aggregate()
}

func (m *Manager) findLocked(id string) *runningDownload {
	for _, d := range m.queue {
		if d.id == id {
			return d
		}
	}
	return nil
}

func (m *Manager) removeLocked(d *runningDownload) {
	for i, q := range m.queue {
		if q == d {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return
		}
	}
}

// tick walks the queue in order and starts init chunks while worker
// slots are free.
func (m *Manager) tick() {
	type start struct {
		d *runningDownload
		c *chunkJob
	}
	m.mu.Lock()
	free := m.cfg.MaxWorkers - len(m.busy)
	var starts []start
	for _, d := range m.queue {
		if d.completed || d.failure != nil {
			continue
		}
		for _, c := range d.chunks {
			if free <= 0 {
				break
			}
			if c.state == chunkInit {
				c.state = chunkRunning
				m.nextWorkerID++
				c.workerID = m.nextWorkerID
				starts = append(starts, start{d, c})
				free--
			}
		}
		if free <= 0 {
			break
		}
	}
	m.mu.Unlock()

	for _, s := range starts {
		m.startWorker(s.d, s.c)
	}
}

func (m *Manager) startWorker(d *runningDownload, c *chunkJob) {
	log := utils.GetLogger("manager")
	m.mu.Lock()
	first := len(d.chunks) > 0 && c == d.chunks[0]
	asm := d.assembler
	tempName := d.tempName
	m.mu.Unlock()

	// The assembler comes up lazily on the first chunk start.
	if asm == nil {
		a, err := assembler.New(tempName)
		if err != nil {
			log.Error().Err(err).Str("file", tempName).Msg("Cannot open partial file")
			m.mu.Lock()
			if d.failure == nil {
				d.failure = &ProcessCanceledError{Reason: "file locked"}
			}
			c.state = chunkFinished
			delete(m.busy, c.workerID)
			m.mu.Unlock()
			m.completeIfDone(d)
			return
		}
		m.mu.Lock()
		if d.assembler == nil {
			d.assembler = a
		} else {
			// Another chunk start won the race.
			a.Close()
		}
		d.everStarted = true
		m.mu.Unlock()
	} else {
		m.mu.Lock()
		d.everStarted = true
		m.mu.Unlock()
	}

	c.resolveURL = func() string {
		urls := m.resolveURLs(d.urls)
		m.mu.Lock()
		d.resolved = urls
		m.mu.Unlock()
		if len(urls) == 0 {
			return ""
		}
		return urls[int(c.workerID)%len(urls)]
	}
	c.dataCB = m.makeDataCB(d)
	if first {
		c.responseCB = func(total int64, filename string, chunkable bool) {
			m.updateDownload(d, c, total, filename, chunkable)
		}
	} else {
		c.responseCB = func(total int64, _ string, _ bool) {
			m.updateDownloadSize(d, total)
		}
	}
	c.errorCB = m.makeErrorCB(d, first)

	workerID := c.workerID
	m.speed.Init(workerID)
	progressCB := func(n int64) {
		m.observeProgress(d, workerID, n)
	}
	finishCB := func(paused bool) {
		m.finishChunk(d, c, paused)
	}
	headersCB := func(h http.Header) {
		m.mu.Lock()
		if d.headers == nil {
			d.headers = h
		}
		m.mu.Unlock()
	}

	w := newWorker(workerID, c, m.cfg.UserAgent, m.cfg.CookieJar, m.throttle, &m.mu, progressCB, finishCB, headersCB)
	m.mu.Lock()
	m.busy[workerID] = w
	m.mu.Unlock()
	log.Debug().Int64("workerID", workerID).Str("file", tempName).Msg("Worker started")
	w.start()
}

// observeProgress feeds the speed calculator and restarts workers that
// starve repeatedly, unless the download is old enough that its URLs
// have likely expired.
func (m *Manager) observeProgress(d *runningDownload, workerID int64, n int64) {
	verdict := m.speed.Add(workerID, n)
	m.mu.Lock()
	switch verdict {
	case speed.Starving:
		m.slow[workerID]++
		if m.slow[workerID] > slowWorkerThreshold && time.Since(d.started) < slowWorkerWindow {
			m.slow[workerID] = 0
			w, ok := m.busy[workerID]
			m.mu.Unlock()
			if ok {
				w.Restart()
			}
			return
		}
	case speed.Healthy:
		delete(m.slow, workerID)
	}
	m.mu.Unlock()
}

// makeDataCB routes chunk writes into the assembler and advances the
// download's durable byte count on ack.
func (m *Manager) makeDataCB(d *runningDownload) func(offset int64, buf []byte) (bool, error) {
	return func(offset int64, buf []byte) (bool, error) {
		m.mu.Lock()
		asm := d.assembler
		m.mu.Unlock()
		if asm == nil {
			return false, &ProcessCanceledError{Reason: "assembler closed"}
		}
		synced, err := asm.AddChunk(offset, buf)
		if err != nil {
			return false, err
		}
		m.mu.Lock()
		d.received += int64(len(buf))
		m.mu.Unlock()
		m.emitProgress(d, synced)
		return synced, nil
	}
}

func (m *Manager) makeErrorCB(d *runningDownload, first bool) func(error) {
	return func(err error) {
		m.mu.Lock()
		if !first {
			d.hadErrors = true
			m.mu.Unlock()
			return
		}
		// A first-chunk failure cancels the whole download.
		if d.failure == nil {
			d.failure = err
		}
		var workers []*Worker
		for _, c := range d.chunks {
			if c.state == chunkInit {
				c.state = chunkFinished
			}
			if c.state == chunkRunning {
				if w, ok := m.busy[c.workerID]; ok {
					workers = append(workers, w)
				}
			}
		}
		m.mu.Unlock()
		for _, w := range workers {
			w.Cancel()
		}
	}
}

// updateDownload handles the first successful response: it fixes the
// download size, may rename the file after a server-provided name, and
// is the only place the download grows from one chunk to many.
func (m *Manager) updateDownload(d *runningDownload, c *chunkJob, total int64, filename string, chunkable bool) {
	log := utils.GetLogger("manager")
	m.mu.Lock()
	if d.firstResponseDone {
		m.mu.Unlock()
		m.updateDownloadSize(d, total)
		return
	}
	d.firstResponseDone = true
	if chunkable {
		d.chunkable = chunkableYes
	} else {
		d.chunkable = chunkableNo
	}
	if total > 0 && total != d.size {
		d.size = total
		if !chunkable || total <= minChunkSize {
			// Single chunk carries the rest of the file from its
			// current offset.
			c.size = total - c.offset
			c.confirmedSize = total - c.confirmedOffset
		}
	}
	// Growth only applies to a pristine first chunk; a resumed chunk
	// already owns its slice of the file.
	grow := chunkable && total > minChunkSize && len(d.chunks) == 1 && c.offset == 0 && c.received == 0
	if grow {
		maxChunks := int64(m.cfg.MaxChunks)
		if int64(m.cfg.MaxWorkers) < maxChunks {
			maxChunks = int64(m.cfg.MaxWorkers)
		}
		remaining := total - minChunkSize
		chunkSize := remaining / maxChunks
		if remaining%maxChunks != 0 {
			chunkSize++
		}
		if chunkSize < minChunkSize {
			chunkSize = minChunkSize
		}
		if chunkSize > remaining {
			chunkSize = remaining
		}
		for offset := minChunkSize + 1; offset < total; {
			sz := chunkSize
			if total-offset < sz {
				sz = total - offset
			}
			d.chunks = append(d.chunks, &chunkJob{
				offset:          offset,
				size:            sz,
				confirmedOffset: offset,
				confirmedSize:   sz,
				state:           chunkInit,
			})
			offset += sz
		}
		log.Debug().Int64("size", total).Int("chunks", len(d.chunks)).Msg("Chunk layout decided")
	}
	asm := d.assembler
	needRename := filename != "" && filename != d.origName && d.finalName == ""
	m.mu.Unlock()

	if total > 0 && asm != nil {
		if err := asm.SetTotalSize(total); err != nil {
			log.Warn().Err(err).Msg("Pre-allocation failed")
		}
	}
	if needRename {
		m.renameDownload(d, filename)
	}
	if grow {
		m.tick()
	}
}

func (m *Manager) updateDownloadSize(d *runningDownload, total int64) {
	if total <= 0 {
		return
	}
	m.mu.Lock()
	if d.size != total {
		d.size = total
	}
	m.mu.Unlock()
}

// renameDownload reserves a fresh name for a server-provided filename
// and renames the open partial file. Failures are logged, never fatal.
func (m *Manager) renameDownload(d *runningDownload, filename string) {
	log := utils.GetLogger("manager")
	m.mu.Lock()
	dir := filepath.Dir(d.tempName)
	asm := d.assembler
	m.mu.Unlock()

	newPath, err := unusedName(dir, filename, RedownloadAlways, nil)
	if err != nil {
		log.Warn().Err(err).Str("filename", filename).Msg("Cannot reserve server filename")
		return
	}
	if asm == nil || asm.Closed() {
		os.Remove(newPath)
		return
	}
	if err := asm.Rename(newPath); err != nil {
		log.Warn().Err(err).Str("to", newPath).Msg("Rename of partial file failed")
		os.Remove(newPath)
		return
	}
	m.mu.Lock()
	d.tempName = newPath
	d.finalName = newPath
	m.mu.Unlock()
}

// finishChunk is each worker's terminal path: free the slot, settle the
// chunk state, and conclude the download once no chunk remains active.
func (m *Manager) finishChunk(d *runningDownload, c *chunkJob, interrupted bool) {
	m.mu.Lock()
	delete(m.busy, c.workerID)
	delete(m.slow, c.workerID)
	m.speed.Stop(c.workerID)
	if interrupted || c.size > 0 {
		c.state = chunkPaused
	} else {
		c.state = chunkFinished
	}
	if !interrupted && c.size > 0 {
		d.hadErrors = true
	}
	m.mu.Unlock()

	m.completeIfDone(d)
	m.tick()
}

func (m *Manager) completeIfDone(d *runningDownload) {
	log := utils.GetLogger("manager")
	m.mu.Lock()
	if d.completed {
		m.mu.Unlock()
		return
	}
	for _, c := range d.chunks {
		if !c.terminal() && !(c.state == chunkInit && d.failure != nil) {
			m.mu.Unlock()
			return
		}
	}
	d.completed = true
	asm := d.assembler
	failure := d.failure
	headers := d.headers
	finalName := d.finalName
	tempName := d.tempName
	hadErrors := d.hadErrors
	cbs := d.cbs
	size := d.size
	if d.received > size {
		size = d.received
	}
	var unfinished []Checkpoint
	for _, c := range d.chunks {
		if c.state == chunkPaused && c.confirmedSize > 0 {
			unfinished = append(unfinished, c.checkpoint())
		}
	}
	m.removeLocked(d)
	m.mu.Unlock()

	if asm != nil {
		if err := asm.Close(); err != nil {
			log.Warn().Err(err).Msg("Closing assembler failed")
		}
	}
	filePath := tempName
	isHTML := headers != nil && strings.HasPrefix(strings.ToLower(headers.Get("Content-Type")), "text/html")
	if failure != nil {
		if isHTML && !strings.HasSuffix(tempName, ".html") {
			os.Remove(tempName)
		}
		log.Debug().Str("id", d.id).Err(failure).Msg("Download failed")
		if cbs.Failed != nil {
			cbs.Failed(failure)
		}
		return
	}
	if finalName != "" && finalName != tempName {
		if err := os.Rename(tempName, finalName); err == nil {
			filePath = finalName
		} else {
			log.Warn().Err(err).Str("to", finalName).Msg("Final rename failed")
		}
	} else if isHTML && !strings.HasSuffix(tempName, ".html") {
		os.Remove(tempName)
	}
	log.Debug().Str("id", d.id).Str("file", filePath).Int64("size", size).Bool("hadErrors", hadErrors).Msg("Download concluded")
	if cbs.Finish != nil {
		cbs.Finish(Result{
			FilePath:         filePath,
			Headers:          headers,
			UnfinishedChunks: unfinished,
			HadErrors:        hadErrors,
			Size:             size,
		})
	}
}

func (m *Manager) emitProgress(d *runningDownload, synced bool) {
	m.mu.Lock()
	prog := Progress{
		Received:  d.received,
		TotalSize: d.size,
		Chunkable: d.chunkable == chunkableYes,
		URLs:      d.resolved,
		FilePath:  d.tempName,
	}
	if synced {
		for _, c := range d.chunks {
			if c.state != chunkFinished && c.confirmedSize > 0 {
				prog.Chunks = append(prog.Chunks, c.checkpoint())
			}
		}
	}
	cb := d.cbs.Progress
	m.mu.Unlock()
	if cb != nil {
		cb(prog)
	}
}
