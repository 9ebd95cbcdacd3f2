// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"context"
	"sync"
	"time"

	"github.com/kon-rad/neoapi-go/internal/record"
	"github.com/kon-rad/neoapi-go/internal/transport"
)

type Call struct {
	Batch         []*record.LLMOutput
	WantsAnalysis bool
}

// Recorder records every Send. Fail, when set, decides per call whether the
// send fails. Delay holds each send for the given time.
type Recorder struct {
	Fail     func(call int, c Call) error
	Delay    time.Duration
	Analysis []byte

	mu     sync.Mutex
	open   bool
	opened int
	calls  []Call
}

func (r *Recorder) Open(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = true
	r.opened++
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.open = false
	return nil
}

func (r *Recorder) Send(ctx context.Context, batch []*record.LLMOutput, wantsAnalysis bool) (transport.Result, error) {
	if r.Delay > 0 {
		select {
		case <-ctx.Done():
			return transport.Result{}, ctx.Err()
		case <-time.After(r.Delay):
		}
	}

	r.mu.Lock()
	if !r.open {
		r.mu.Unlock()
		return transport.Result{}, transport.ErrNotStarted
	}
	c := Call{Batch: append([]*record.LLMOutput(nil), batch...), WantsAnalysis: wantsAnalysis}
	r.calls = append(r.calls, c)
	n := len(r.calls)
	fail := r.Fail
	r.mu.Unlock()

	if fail != nil {
		if err := fail(n, c); err != nil {
			return transport.Result{}, err
		}
	}
	res := transport.Result{StatusCode: 200}
	if wantsAnalysis {
		res.Analysis = r.Analysis
	}
	return res, nil
}

func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

func (r *Recorder) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *Recorder) Opened() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opened
}

// Sent flattens every recorded batch in send order.
func (r *Recorder) Sent() []*record.LLMOutput {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*record.LLMOutput
	for _, c := range r.calls {
		out = append(out, c.Batch...)
	}
	return out
}

// Sizes returns the length of each recorded batch.
func (r *Recorder) Sizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, len(c.Batch))
	}
	return out
}
