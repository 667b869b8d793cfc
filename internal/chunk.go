package internal

type chunkState int

const (
	chunkInit chunkState = iota
	chunkRunning
	chunkPaused
	chunkFinished
)

type chunkability int

const (
	chunkableUnknown chunkability = iota
	chunkableYes
	chunkableNo
)

// chunkJob is one ranged request's worth of work. The in-flight
// counters (offset, size, received) advance when a write is handed to
// the assembler; the confirmed counters advance only on its ack and are
// the only values safe to checkpoint. All counters are guarded by the
// manager mutex shared with the worker.
type chunkJob struct {
	url      string // current URL, rebound on redirect
	offset   int64
	size     int64
	received int64

	confirmedOffset   int64
	confirmedSize     int64
	confirmedReceived int64

	state    chunkState
	workerID int64

	resolveURL   func() string
	dataCB       func(offset int64, buf []byte) (synced bool, err error)
	responseCB   func(totalSize int64, filename string, chunkable bool)
	completionCB func()
	errorCB      func(err error)
}

func (c *chunkJob) checkpoint() Checkpoint {
	return Checkpoint{
		URL:      c.url,
		Offset:   c.confirmedOffset,
		Size:     c.confirmedSize,
		Received: c.confirmedReceived,
	}
}

func (c *chunkJob) terminal() bool {
	return c.state == chunkPaused || c.state == chunkFinished
}
