package decomp

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gigavox/internal/brick"
	"gigavox/internal/codec"
)

func zstdJob(t *testing.T, ds *brick.Dataset, id brick.ID, size int) Job {
	t.Helper()
	raw := bytes.Repeat([]byte{byte(id)}, size)
	payload, err := codec.Encode(codec.Zstd, raw, [3]int{size, 1, 1})
	require.NoError(t, err)

	d := brick.NewDescriptor(ds, id, [3]int{size, 1, 1}, 1, brick.Source{URI: "x"}, codec.Zstd)
	return Job{Brick: d, Payload: payload, Encoding: codec.Zstd, Size: int64(size)}
}

func TestWorkers(t *testing.T) {
	assert.Equal(t, 0, Workers(0))
	assert.LessOrEqual(t, Workers(1000), 1000)
	assert.Equal(t, Workers(-1), Workers(1<<20))
	assert.GreaterOrEqual(t, Workers(-1), 0)
}

func TestPool_DecodesWithBoundedWorkers(t *testing.T) {
	var (
		mu      sync.Mutex
		results = map[brick.ID][]byte{}
		active  atomic.Int32
		peak    atomic.Int32
	)
	handle := func(r Result) {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		active.Add(-1)

		assert.NoError(t, r.Err)
		mu.Lock()
		results[r.Job.Brick.ID] = r.Data
		mu.Unlock()
	}

	p := New(2, handle, zap.NewNop())
	assert.False(t, p.Synchronous())

	ds := brick.NewDataset("a")
	for i := range 12 {
		require.True(t, p.Submit(zstdJob(t, ds, brick.ID(i), 64)))
	}
	p.Wait()

	assert.Len(t, results, 12)
	for id, data := range results {
		assert.Equal(t, bytes.Repeat([]byte{byte(id)}, 64), data)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, 0, p.Running())
	assert.Equal(t, 0, p.Queued())
}

func TestPool_ReportsDecodeFailure(t *testing.T) {
	var got []Result
	var mu sync.Mutex
	p := New(2, func(r Result) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	}, zap.NewNop())

	ds := brick.NewDataset("a")
	bad := zstdJob(t, ds, 1, 32)
	bad.Payload = []byte("definitely not zstd")
	require.True(t, p.Submit(bad))
	p.Wait()

	require.Len(t, got, 1)
	assert.Error(t, got[0].Err)
	assert.Nil(t, got[0].Data)
}

func TestPool_SynchronousDecodesInline(t *testing.T) {
	var handled int
	p := New(0, func(r Result) {
		require.NoError(t, r.Err)
		handled++
	}, zap.NewNop())

	require.True(t, p.Synchronous())
	require.True(t, p.Submit(zstdJob(t, brick.NewDataset("a"), 1, 16)))
	assert.Equal(t, 1, handled)
}

func TestPool_CancelDropsQueuedJobs(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var decoded, canceled atomic.Int32

	var once sync.Once
	p := New(1, func(r Result) {
		if r.Err == ErrCanceled {
			canceled.Add(1)
			return
		}
		once.Do(func() { close(started) })
		<-release
		decoded.Add(1)
	}, zap.NewNop())

	ds := brick.NewDataset("a")
	for i := range 4 {
		require.True(t, p.Submit(zstdJob(t, ds, brick.ID(i), 16)))
	}
	<-started

	done := make(chan struct{})
	go func() {
		p.Cancel()
		close(done)
	}()

	require.Eventually(t, func() bool { return canceled.Load() == 3 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("Cancel returned while a decode was still running")
	default:
	}

	close(release)
	<-done
	assert.Equal(t, int32(1), decoded.Load())
	assert.False(t, p.Submit(zstdJob(t, ds, 9, 16)), "canceled pool rejects jobs")

	p.Reset()
	require.True(t, p.Submit(zstdJob(t, ds, 10, 16)))
	p.Wait()
	assert.Equal(t, int32(2), decoded.Load())
}
