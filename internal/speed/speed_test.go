package speed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregateSumsWorkers(t *testing.T) {
	c := New(time.Second, nil)
	defer c.Close()
	c.Init(1)
	c.Init(2)
	c.Add(1, 500_000)
	c.Add(2, 250_000)
	assert.Equal(t, int64(750_000), c.Aggregate())

	c.Stop(2)
	assert.Equal(t, int64(500_000), c.Aggregate())
}

func TestAddUnknownWorker(t *testing.T) {
	c := New(time.Second, nil)
	defer c.Close()
	assert.Equal(t, None, c.Add(42, 1000))
}

func TestStarvingAfterConsecutiveLowSamples(t *testing.T) {
	c := New(50*time.Millisecond, nil)
	defer c.Close()
	c.Init(1)

	// workers are not judged during their first window
	assert.Equal(t, None, c.Add(1, 100_000))
	time.Sleep(60 * time.Millisecond)

	require.Equal(t, Healthy, c.Add(1, 100_000))
	assert.Equal(t, None, c.Add(1, 1))
	assert.Equal(t, None, c.Add(1, 1))
	assert.Equal(t, Starving, c.Add(1, 1))

	// a healthy sample clears the streak
	assert.Equal(t, Healthy, c.Add(1, 100_000))
	assert.Equal(t, None, c.Add(1, 1))
}

func TestSinkReceivesAggregate(t *testing.T) {
	got := make(chan int64, 4)
	c := New(5*time.Second, func(bps int64) { got <- bps })
	defer c.Close()
	c.Init(1)
	c.Add(1, 5_000_000)

	select {
	case bps := <-got:
		assert.Equal(t, int64(1_000_000), bps)
	case <-time.After(3 * time.Second):
		t.Fatal("no speed emitted")
	}
}
