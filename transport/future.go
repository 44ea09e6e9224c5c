package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"dyn-rpc/message"
)

// RemoteError is a failure reported by the server for one call.
// The connection that carried it is still healthy.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return e.Message
}

// Future is the caller's handle on one in-flight call.
// It is completed at most once, by the connection's read loop.
type Future struct {
	id      string
	created time.Time

	once     sync.Once
	done     chan struct{}
	resp     *message.Response
	finished time.Time
}

func newFuture(id string) *Future {
	return &Future{
		id:      id,
		created: time.Now(),
		done:    make(chan struct{}),
	}
}

// ID returns the correlation id of the call.
func (f *Future) ID() string { return f.id }

// complete stores resp and wakes every waiter. Later calls are ignored.
func (f *Future) complete(resp *message.Response) bool {
	completed := false
	f.once.Do(func() {
		f.resp = resp
		f.finished = time.Now()
		close(f.done)
		completed = true
	})
	return completed
}

// Done is closed when the response has arrived.
func (f *Future) Done() <-chan struct{} { return f.done }

func (f *Future) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Response returns the raw response, or nil while the call is outstanding.
func (f *Future) Response() *message.Response {
	if !f.IsDone() {
		return nil
	}
	return f.resp
}

// Elapsed is the time from sending to completion, or until now if still outstanding.
func (f *Future) Elapsed() time.Duration {
	if !f.IsDone() {
		return time.Since(f.created)
	}
	return f.finished.Sub(f.created)
}

// Get waits for the response and decodes its result into reply (which may be nil).
// A remote failure is returned as *RemoteError; a cancelled ctx returns ctx.Err().
func (f *Future) Get(ctx context.Context, reply any) error {
	select {
	case <-f.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if f.resp.IsError() {
		return &RemoteError{Message: f.resp.Error}
	}
	if reply == nil || len(f.resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(f.resp.Result, reply); err != nil {
		return fmt.Errorf("transport: decode result of %s: %w", f.id, err)
	}
	return nil
}
