package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kon-rad/neoapi-go/internal/flush"
	"github.com/kon-rad/neoapi-go/internal/queue"
	"github.com/kon-rad/neoapi-go/internal/record"
	"github.com/kon-rad/neoapi-go/internal/transport"
	"github.com/kon-rad/neoapi-go/internal/transport/transporttest"
)

type outcomes struct {
	mu  sync.Mutex
	all []flush.Outcome
}

func (o *outcomes) Observe(out flush.Outcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.all = append(o.all, out)
}

func newDispatcher(t *testing.T, batch int, tr *transporttest.Recorder, obs ...Observer) *Dispatcher {
	t.Helper()
	require.NoError(t, tr.Open(context.Background()))
	q := queue.New(flush.Threshold{BatchSize: batch, FlushInterval: time.Second})
	return New(slog.New(slog.NewJSONHandler(io.Discard, nil)), q, tr, obs...)
}

func TestFlushNowSendsAtMostOneBatch(t *testing.T) {
	t.Parallel()

	tr := &transporttest.Recorder{}
	obs := &outcomes{}
	d := newDispatcher(t, 3, tr, obs)

	in := make([]*record.LLMOutput, 7)
	for i := range in {
		in[i] = record.New("r")
		d.Enqueue(in[i])
	}

	n, err := d.FlushNow(context.Background(), flush.ReasonTimer)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int{3}, tr.Sizes())
	assert.Equal(t, 4, d.Queue().Len())
	for i, r := range tr.Sent() {
		assert.Same(t, in[i], r)
	}

	require.Len(t, obs.all, 1)
	assert.Equal(t, flush.ReasonTimer, obs.all[0].Reason)
	assert.Equal(t, 3, obs.all[0].Records)
	assert.Equal(t, 3, obs.all[0].BatchSize)
}

func TestFlushNowEmptyIsNoop(t *testing.T) {
	t.Parallel()

	tr := &transporttest.Recorder{}
	obs := &outcomes{}
	d := newDispatcher(t, 3, tr, obs)

	n, err := d.FlushNow(context.Background(), flush.ReasonTimer)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, tr.CallCount())
	assert.Empty(t, obs.all)
}

func TestFlushFullFansOutBursts(t *testing.T) {
	t.Parallel()

	tr := &transporttest.Recorder{}
	d := newDispatcher(t, 2, tr)
	for i := 0; i < 7; i++ {
		d.Enqueue(record.New("r"))
	}

	n, err := d.FlushFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, []int{2, 2, 2}, tr.Sizes())
	assert.Equal(t, 1, d.Queue().Len())

	n, err = d.FlushAll(context.Background(), flush.ReasonStop)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, d.Queue().Len())
}

func TestMixedAnalysisBatchIsSplitInOrder(t *testing.T) {
	t.Parallel()

	tr := &transporttest.Recorder{Analysis: []byte(`{"analysis":"ok"}`)}
	d := newDispatcher(t, 10, tr)

	var analyzed [][]*record.LLMOutput
	d.SetAnalysisHandler(func(batch []*record.LLMOutput, res transport.Result) {
		analyzed = append(analyzed, batch)
		assert.JSONEq(t, `{"analysis":"ok"}`, string(res.Analysis))
	})

	a := record.New("a")
	b := record.New("b", record.WithNeedAnalysisResponse(true))
	c := record.New("c", record.WithNeedAnalysisResponse(true))
	e := record.New("e")
	for _, r := range []*record.LLMOutput{a, b, c, e} {
		d.Enqueue(r)
	}

	_, err := d.FlushAll(context.Background(), flush.ReasonManual)
	require.NoError(t, err)

	calls := tr.Calls()
	require.Len(t, calls, 3)
	assert.False(t, calls[0].WantsAnalysis)
	assert.Equal(t, []*record.LLMOutput{a}, calls[0].Batch)
	assert.True(t, calls[1].WantsAnalysis)
	assert.Equal(t, []*record.LLMOutput{b, c}, calls[1].Batch)
	assert.False(t, calls[2].WantsAnalysis)
	require.Len(t, analyzed, 1)
	assert.Len(t, analyzed[0], 2)
}

func TestFailedSendIsDroppedAndNextFlushProceeds(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	tr := &transporttest.Recorder{Fail: func(call int, _ transporttest.Call) error {
		if call == 1 {
			return boom
		}
		return nil
	}}
	obs := &outcomes{}
	d := newDispatcher(t, 2, tr, obs)

	for i := 0; i < 4; i++ {
		d.Enqueue(record.New("r"))
	}
	_, err := d.FlushNow(context.Background(), flush.ReasonSize)
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, d.Queue().Len(), "failed batch must not be re-queued")

	_, err = d.FlushNow(context.Background(), flush.ReasonSize)
	require.NoError(t, err)

	stats := d.Stats()
	assert.Equal(t, int64(4), stats.Tracked)
	assert.Equal(t, int64(2), stats.Sent)
	assert.Equal(t, int64(2), stats.Dropped)
	assert.Equal(t, int64(2), stats.Flushes)
	assert.Equal(t, "ok", stats.LastStatus)
	assert.NotNil(t, stats.LastFlushAt)

	require.Len(t, obs.all, 2)
	assert.False(t, obs.all[0].Success())
	assert.Equal(t, 2, obs.all[0].Failed)
	assert.True(t, obs.all[1].Success())
	assert.Greater(t, obs.all[1].Gap, time.Duration(0))
}

func TestSplitByAnalysis(t *testing.T) {
	t.Parallel()

	assert.Empty(t, splitByAnalysis(nil))
	one := []*record.LLMOutput{record.New("a")}
	assert.Equal(t, [][]*record.LLMOutput{one}, splitByAnalysis(one))
}
