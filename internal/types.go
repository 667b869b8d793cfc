package internal

import (
	"net/http"
	"time"
)

const (
	bufferSize    = 256 * 1024
	bufferSizeCap = 4 * 1024 * 1024

	maxRedirectFollow   = 2
	redirectSettleDelay = 100 * time.Millisecond

	urlResolveExpire = 5 * time.Minute

	slowWorkerThreshold = 15
	slowWorkerWindow    = 15 * time.Minute
)

// Downloads at or below this size stay on a single chunk. Variable so
// tests can shrink it.
var minChunkSize int64 = 20 * 1024 * 1024

// RedownloadPolicy governs filename collisions at reservation time.
type RedownloadPolicy string

const (
	RedownloadAlways  RedownloadPolicy = "always"
	RedownloadNever   RedownloadPolicy = "never"
	RedownloadAsk     RedownloadPolicy = "ask"
	RedownloadReplace RedownloadPolicy = "replace"
)

// ProtocolHandler resolves an input URL of a registered scheme into
// concrete download URLs.
type ProtocolHandler func(url string) ([]string, error)

type Config struct {
	DownloadPath     string
	MaxWorkers       int
	MaxChunks        int
	UserAgent        string
	ProtocolHandlers map[string]ProtocolHandler
	// Polled global bandwidth ceiling in bytes/s; zero or negative
	// means unlimited.
	MaxBandwidth func() int64
	// Aggregate speed sink, fed once per second.
	SpeedCB func(bytesPerSec int64)
	// Consulted on a name collision under the ask policy; true means
	// reuse the suffix loop, false rejects with ErrUserCanceled.
	FileExistsCB func(filename string) bool
	// Host cookie store; lookups are best effort.
	CookieJar http.CookieJar
}

// Checkpoint is the persisted state of one unfinished chunk. Offset is
// the next absolute byte to write, Size the residual byte count.
type Checkpoint struct {
	URL      string `yaml:"url"`
	Offset   int64  `yaml:"offset"`
	Size     int64  `yaml:"size"`
	Received int64  `yaml:"received"`
}

type Progress struct {
	Received  int64
	TotalSize int64
	// Present only on synced acks; safe to persist.
	Chunks    []Checkpoint
	Chunkable bool
	URLs      []string
	FilePath  string
}

type Result struct {
	FilePath         string
	Headers          http.Header
	UnfinishedChunks []Checkpoint
	HadErrors        bool
	Size             int64
}

type Callbacks struct {
	Progress func(Progress)
	Finish   func(Result)
	Failed   func(error)
}
