package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bdobrica/drydock/internal/drydock/dockerd"
)

// Result is the outcome for one container of a batch call.
type Result struct {
	Ack Ack
	Err error
}

// BatchResult holds one Result per input handle, in input order.
type BatchResult []Result

// Err joins the failures of the batch, or returns nil when every container
// succeeded.
func (b BatchResult) Err() error {
	var errs []error
	for _, r := range b {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s on %s: %w", r.Ack.Handle.ShortID(), r.Ack.Handle.Host, r.Err))
		}
	}
	return errors.Join(errs...)
}

// Failed returns the results that carry an error.
func (b BatchResult) Failed() []Result {
	var out []Result
	for _, r := range b {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// Each runs op for every handle concurrently. A failure never cancels
// its siblings.
func Each(ctx context.Context, hs []dockerd.Handle, op func(context.Context, dockerd.Handle) (Ack, error)) BatchResult {
	out := make(BatchResult, len(hs))
	var wg sync.WaitGroup
	for i, h := range hs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ack, err := op(ctx, h)
			ack.Handle = h
			out[i] = Result{Ack: ack, Err: err}
		}()
	}
	wg.Wait()
	return out
}
