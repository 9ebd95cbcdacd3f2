package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kon-rad/neoapi-go/internal/adaptive"
	"github.com/kon-rad/neoapi-go/internal/dispatch"
	"github.com/kon-rad/neoapi-go/internal/flush"
	"github.com/kon-rad/neoapi-go/internal/record"
	"github.com/kon-rad/neoapi-go/internal/transport/transporttest"
)

type constructor func(Options) (Engine, error)

var engines = map[string]constructor{
	"threaded": func(o Options) (Engine, error) { return NewThreaded(o) },
	"loop":     func(o Options) (Engine, error) { return NewLoop(o) },
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func forEachEngine(t *testing.T, fn func(t *testing.T, build constructor)) {
	t.Helper()
	for name, build := range engines {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			fn(t, build)
		})
	}
}

func startEngine(t *testing.T, build constructor, opts Options) (Engine, *transporttest.Recorder) {
	t.Helper()
	tr, _ := opts.Transport.(*transporttest.Recorder)
	if tr == nil {
		tr = &transporttest.Recorder{}
		opts.Transport = tr
	}
	opts.Logger = quietLogger()
	e, err := build(opts)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	return e, tr
}

func TestSizeTriggerSendsBothRecordsInOrder(t *testing.T) {
	forEachEngine(t, func(t *testing.T, build constructor) {
		e, tr := startEngine(t, build, Options{BatchSize: 2, FlushInterval: time.Hour})

		a := record.New("Test 1", record.WithTimestamp(1234567890.0))
		b := record.New("Test 2", record.WithTimestamp(1234567891.0))
		require.NoError(t, e.Track(a))
		require.NoError(t, e.Track(b))

		require.Eventually(t, func() bool { return tr.CallCount() == 1 }, time.Second, 5*time.Millisecond)
		calls := tr.Calls()
		require.Len(t, calls[0].Batch, 2)
		assert.Same(t, a, calls[0].Batch[0])
		assert.Same(t, b, calls[0].Batch[1])

		require.NoError(t, e.Stop(context.Background()))
		assert.Equal(t, 1, tr.CallCount())
	})
}

func TestTimerFlushesPartialBatch(t *testing.T) {
	forEachEngine(t, func(t *testing.T, build constructor) {
		e, tr := startEngine(t, build, Options{BatchSize: 10, FlushInterval: 100 * time.Millisecond})

		r := record.New("Test", record.WithTimestamp(1234567890.0))
		require.NoError(t, e.Track(r))

		time.Sleep(250 * time.Millisecond)
		calls := tr.Calls()
		require.Len(t, calls, 1)
		require.Len(t, calls[0].Batch, 1)
		assert.Same(t, r, calls[0].Batch[0])

		require.NoError(t, e.Stop(context.Background()))
	})
}

func TestFullBatchesBeforeTimer(t *testing.T) {
	forEachEngine(t, func(t *testing.T, build constructor) {
		const n, b = 23, 5
		e, tr := startEngine(t, build, Options{BatchSize: b, FlushInterval: time.Hour})

		in := make([]*record.LLMOutput, n)
		for i := range in {
			in[i] = record.New(fmt.Sprintf("r%d", i))
			require.NoError(t, e.Track(in[i]))
		}

		require.Eventually(t, func() bool { return tr.CallCount() == n/b }, time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, []int{b, b, b, b}, tr.Sizes())
		for i, r := range tr.Sent() {
			assert.Same(t, in[i], r)
		}

		require.NoError(t, e.Stop(context.Background()))
		sizes := tr.Sizes()
		assert.Equal(t, n%b, sizes[len(sizes)-1])
		assert.Len(t, tr.Sent(), n)
		assert.Zero(t, e.Stats().QueueDepth)
	})
}

func TestConcurrentTrackPartitionsFive(t *testing.T) {
	forEachEngine(t, func(t *testing.T, build constructor) {
		e, tr := startEngine(t, build, Options{BatchSize: 2, FlushInterval: 100 * time.Millisecond})

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, e.Track(record.New(fmt.Sprintf("Test %d", i))))
			}(i)
		}
		wg.Wait()

		require.Eventually(t, func() bool { return tr.CallCount() == 3 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, []int{2, 2, 1}, tr.Sizes())
		require.NoError(t, e.Stop(context.Background()))
		assert.Equal(t, 3, tr.CallCount())
	})
}

func TestConcurrentProducersDeliverEachRecordOnce(t *testing.T) {
	forEachEngine(t, func(t *testing.T, build constructor) {
		const producers, perProducer = 8, 200
		e, tr := startEngine(t, build, Options{BatchSize: 7, FlushInterval: 10 * time.Millisecond})

		var wg sync.WaitGroup
		for p := 0; p < producers; p++ {
			wg.Add(1)
			go func(p int) {
				defer wg.Done()
				var prev *record.LLMOutput
				for i := 0; i < perProducer; i++ {
					var meta map[string]any
					if prev != nil {
						meta = map[string]any{"prev": prev.ID}
					}
					r := record.New(fmt.Sprintf("%d-%d", p, i), record.WithMetadata(meta))
					assert.NoError(t, e.Track(r))
					prev = r
				}
			}(p)
		}
		wg.Wait()
		require.NoError(t, e.Stop(context.Background()))

		sent := tr.Sent()
		require.Len(t, sent, producers*perProducer)
		position := make(map[string]int, len(sent))
		for i, r := range sent {
			_, dup := position[r.ID]
			require.False(t, dup, "record %s delivered twice", r.Text)
			position[r.ID] = i
		}
		// Per-producer order survives batching.
		for _, r := range sent {
			if prev, ok := r.Metadata["prev"].(string); ok {
				assert.Less(t, position[prev], position[r.ID])
			}
		}
	})
}

func TestStopDrainsEverything(t *testing.T) {
	forEachEngine(t, func(t *testing.T, build constructor) {
		e, tr := startEngine(t, build, Options{BatchSize: 100, FlushInterval: time.Hour})
		for i := 0; i < 3; i++ {
			require.NoError(t, e.Track(record.New(fmt.Sprintf("Test %d", i))))
		}

		require.NoError(t, e.Stop(context.Background()))
		assert.Zero(t, e.Stats().QueueDepth)
		assert.Equal(t, []int{3}, tr.Sizes(), "final drain is unbounded")
		assert.ErrorIs(t, e.Track(record.New("late")), ErrStopped)
		assert.NoError(t, e.Stop(context.Background()), "second stop is a no-op")
	})
}

func TestStopWaitsForInFlightSend(t *testing.T) {
	forEachEngine(t, func(t *testing.T, build constructor) {
		tr := &transporttest.Recorder{Delay: 100 * time.Millisecond}
		e, _ := startEngine(t, build, Options{BatchSize: 2, FlushInterval: time.Hour, Transport: tr})

		for i := 0; i < 3; i++ {
			require.NoError(t, e.Track(record.New("r")))
		}
		time.Sleep(20 * time.Millisecond)
		require.NoError(t, e.Stop(context.Background()))
		assert.Equal(t, []int{2, 1}, tr.Sizes())
	})
}

func TestTrackBeforeStart(t *testing.T) {
	forEachEngine(t, func(t *testing.T, build constructor) {
		e, err := build(Options{Transport: &transporttest.Recorder{}, Logger: quietLogger()})
		require.NoError(t, err)

		err = e.Track(record.New("Test"))
		require.ErrorIs(t, err, ErrNotStarted)
		assert.EqualError(t, err, "Client session is not initialized")
		assert.ErrorIs(t, e.Flush(context.Background()), ErrNotStarted)
		assert.ErrorIs(t, e.Stop(context.Background()), ErrNotStarted)
		assert.Zero(t, e.Stats().QueueDepth)
	})
}

func TestStartTwiceFails(t *testing.T) {
	forEachEngine(t, func(t *testing.T, build constructor) {
		e, tr := startEngine(t, build, Options{})
		assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyStarted)
		assert.Equal(t, 1, tr.Opened(), "session is created once")
		require.NoError(t, e.Stop(context.Background()))
		assert.ErrorIs(t, e.Start(context.Background()), ErrStopped)
	})
}

func TestTrackRejectsNil(t *testing.T) {
	forEachEngine(t, func(t *testing.T, build constructor) {
		e, _ := startEngine(t, build, Options{})
		assert.ErrorIs(t, e.Track(nil), ErrNilRecord)
		require.NoError(t, e.Stop(context.Background()))
	})
}

func TestManualFlushSendsBacklog(t *testing.T) {
	forEachEngine(t, func(t *testing.T, build constructor) {
		e, tr := startEngine(t, build, Options{BatchSize: 50, FlushInterval: time.Hour})
		for i := 0; i < 4; i++ {
			require.NoError(t, e.Track(record.New("r")))
		}
		require.NoError(t, e.Flush(context.Background()))
		assert.Equal(t, []int{4}, tr.Sizes())
		require.NoError(t, e.Stop(context.Background()))
		assert.Equal(t, 1, tr.CallCount())
	})
}

func TestAnalysisRouting(t *testing.T) {
	forEachEngine(t, func(t *testing.T, build constructor) {
		e, tr := startEngine(t, build, Options{BatchSize: 10, FlushInterval: time.Hour})
		plain := record.New("plain")
		analyze := record.New("Analyze this", record.WithNeedAnalysisResponse(true))
		require.NoError(t, e.Track(plain))
		require.NoError(t, e.Track(analyze))
		require.NoError(t, e.Flush(context.Background()))

		calls := tr.Calls()
		require.Len(t, calls, 2)
		assert.False(t, calls[0].WantsAnalysis)
		assert.Same(t, plain, calls[0].Batch[0])
		assert.True(t, calls[1].WantsAnalysis)
		assert.Same(t, analyze, calls[1].Batch[0])
		require.NoError(t, e.Stop(context.Background()))
	})
}

func TestTransportFailureDoesNotHaltEngine(t *testing.T) {
	forEachEngine(t, func(t *testing.T, build constructor) {
		tr := &transporttest.Recorder{Fail: func(call int, _ transporttest.Call) error {
			if call == 1 {
				return errors.New("collector down")
			}
			return nil
		}}
		e, _ := startEngine(t, build, Options{BatchSize: 2, FlushInterval: time.Hour, Transport: tr})
		for i := 0; i < 4; i++ {
			require.NoError(t, e.Track(record.New("r")))
		}
		require.Eventually(t, func() bool { return tr.CallCount() == 2 }, time.Second, 5*time.Millisecond)
		require.NoError(t, e.Stop(context.Background()))

		stats := e.Stats()
		assert.Equal(t, int64(2), stats.Dropped)
		assert.Equal(t, int64(2), stats.Sent)
		assert.Zero(t, stats.QueueDepth)
	})
}

func TestAdaptiveLoopGrowsBatchUnderLoad(t *testing.T) {
	forEachEngine(t, func(t *testing.T, build constructor) {
		var mu sync.Mutex
		var seen []flush.Outcome
		obs := dispatch.ObserverFunc(func(o flush.Outcome) {
			mu.Lock()
			seen = append(seen, o)
			mu.Unlock()
		})
		e, _ := startEngine(t, build, Options{
			BatchSize:          2,
			FlushInterval:      time.Hour,
			AdjustmentInterval: 50 * time.Millisecond,
			Bounds:             adaptive.Bounds{MinBatchSize: 1, MaxBatchSize: 3},
			Observers:          []dispatch.Observer{obs},
		})
		for i := 0; i < 10; i++ {
			require.NoError(t, e.Track(record.New("r")))
		}

		require.Eventually(t, func() bool { return e.Stats().Threshold.BatchSize == 3 }, 2*time.Second, 10*time.Millisecond)
		require.NoError(t, e.Stop(context.Background()))

		mu.Lock()
		defer mu.Unlock()
		require.NotEmpty(t, seen)
		assert.Equal(t, flush.ReasonSize, seen[0].Reason)
	})
}

func TestNewRequiresTransport(t *testing.T) {
	t.Parallel()

	_, err := NewThreaded(Options{})
	assert.ErrorIs(t, err, ErrNoTransport)
	_, err = NewLoop(Options{})
	assert.ErrorIs(t, err, ErrNoTransport)
}

func TestDefaultsApplied(t *testing.T) {
	t.Parallel()

	e, err := NewLoop(Options{Transport: &transporttest.Recorder{}})
	require.NoError(t, err)
	th := e.Stats().Threshold
	assert.Equal(t, DefaultBatchSize, th.BatchSize)
	assert.Equal(t, DefaultFlushInterval, th.FlushInterval)
}

func TestStopPastDeadlineDeliversEverythingInOrder(t *testing.T) {
	forEachEngine(t, func(t *testing.T, build constructor) {
		e, tr := startEngine(t, build, Options{
			BatchSize:     1,
			FlushInterval: time.Hour,
			Transport:     &transporttest.Recorder{Delay: 100 * time.Millisecond},
		})

		var tracked []*record.LLMOutput
		for i := 0; i < 4; i++ {
			r := record.New(fmt.Sprintf("slow %d", i))
			tracked = append(tracked, r)
			require.NoError(t, e.Track(r))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		err := e.Stop(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		stats := e.Stats()
		assert.Zero(t, stats.Dropped)
		assert.EqualValues(t, 4, stats.Sent)
		assert.Zero(t, stats.QueueDepth)

		sent := tr.Sent()
		require.Len(t, sent, len(tracked))
		for i := range tracked {
			assert.Same(t, tracked[i], sent[i])
		}
	})
}
