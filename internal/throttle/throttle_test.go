package throttle

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	return data
}

func TestUnlimitedPassthrough(t *testing.T) {
	data := randomBytes(t, 512*1024)
	f := NewFactory(func() int64 { return 0 })

	got, err := io.ReadAll(f.Reader(context.Background(), bytes.NewReader(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestNilBandwidthFunc(t *testing.T) {
	data := randomBytes(t, 4096)
	f := NewFactory(nil)

	got, err := io.ReadAll(f.Reader(context.Background(), bytes.NewReader(data)))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestCapSlowsSharedStreams(t *testing.T) {
	// 96 KiB at 32 KiB/s: the burst covers the first chunk, the rest
	// has to wait on refills.
	data := randomBytes(t, 96*1024)
	f := NewFactory(func() int64 { return 32 * 1024 })

	start := time.Now()
	r1 := f.Reader(context.Background(), bytes.NewReader(data[:48*1024]))
	r2 := f.Reader(context.Background(), bytes.NewReader(data[48*1024:]))
	got1, err := io.ReadAll(r1)
	require.NoError(t, err)
	got2, err := io.ReadAll(r2)
	require.NoError(t, err)
	elapsed := time.Since(start)

	assert.Equal(t, data[:48*1024], got1)
	assert.Equal(t, data[48*1024:], got2)
	assert.GreaterOrEqual(t, elapsed, 400*time.Millisecond, "combined streams should be held to the shared cap")
}

func TestCanceledContextStopsWait(t *testing.T) {
	data := randomBytes(t, 256*1024)
	f := NewFactory(func() int64 { return 1024 })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := io.ReadAll(f.Reader(ctx, bytes.NewReader(data)))
	assert.Error(t, err)
}
