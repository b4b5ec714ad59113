package metrics

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestSampleRates(t *testing.T) {
	c := NewCollector(time.Minute, zap.NewNop())
	clock := time.Unix(1000, 0)
	c.now = func() time.Time { return clock }

	var rows atomic.Int64
	c.Register("rows", rows.Load)

	first := c.Sample()
	assert.Equal(t, int64(0), first.Counters["rows"])
	assert.Empty(t, first.Rates, "no rate without a previous sample")

	rows.Store(500)
	clock = clock.Add(2 * time.Second)
	second := c.Sample()
	assert.Equal(t, int64(500), second.Counters["rows"])
	assert.Equal(t, 250.0, second.Rates["rows"])
	assert.Same(t, second, c.Last())
}

func TestStartLogsFinalSample(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	c := NewCollector(time.Hour, zap.New(core))
	c.Register("nodes", func() int64 { return 42 })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()
	cancel()
	<-done

	entries := logs.FilterMessage("Progress").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(42), entries[0].ContextMap()["nodes"])
}

func TestShortIntervalFallsBack(t *testing.T) {
	c := NewCollector(10*time.Millisecond, zap.NewNop())
	assert.Equal(t, 30*time.Second, c.interval)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "2.0 GiB", formatBytes(2<<30))
}
