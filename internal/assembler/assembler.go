// Package assembler owns the partial output file of a download and
// serializes chunk writes at absolute offsets.
package assembler

import (
	"errors"
	"os"
	"sync"

	"github.com/tanq16/riptide/utils"
)

// Accepted bytes between fsync checkpoints. A synced ack tells the
// caller it is safe to persist chunk state.
const syncSize = 16 * 1024 * 1024

var ErrClosed = errors.New("assembler is closed")

type Assembler struct {
	mu       sync.Mutex
	file     *os.File
	path     string
	closed   bool
	unsynced int64
}

// New opens the already-reserved file for writing. The reservation step
// created it exclusively, so a failure here means the file is locked or
// was removed underneath us.
func New(path string) (*Assembler, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &Assembler{file: file, path: path}, nil
}

// SetTotalSize pre-allocates the file once the server reports a size.
func (a *Assembler) SetTotalSize(size int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if fi, err := a.file.Stat(); err == nil && fi.Size() == size {
		return nil
	}
	return a.file.Truncate(size)
}

// AddChunk writes buf at the absolute offset. Concurrent calls are
// serialized; the returned synced flag is true when the write landed on
// an fsync checkpoint.
func (a *Assembler) AddChunk(offset int64, buf []byte) (synced bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false, ErrClosed
	}
	n, err := a.file.WriteAt(buf, offset)
	if err != nil {
		return false, err
	}
	a.unsynced += int64(n)
	if a.unsynced >= syncSize {
		a.unsynced = 0
		if err := a.file.Sync(); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// Rename moves the partial file while keeping it open. Only legal
// before Close and with no write in flight; the lock enforces both.
func (a *Assembler) Rename(newPath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if err := os.Rename(a.path, newPath); err != nil {
		return err
	}
	log := utils.GetLogger("assembler")
	log.Debug().Str("from", a.path).Str("to", newPath).Msg("Renamed partial file")
	a.path = newPath
	return nil
}

// Path returns the current on-disk location of the partial file.
func (a *Assembler) Path() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.path
}

func (a *Assembler) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	serr := a.file.Sync()
	cerr := a.file.Close()
	if serr != nil {
		return serr
	}
	return cerr
}

func (a *Assembler) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}
