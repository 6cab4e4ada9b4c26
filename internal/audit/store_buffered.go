package audit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrBufferFull is returned when the buffered store cannot take more entries.
var ErrBufferFull = errors.New("audit buffer full")

// BufferedStore decouples Record from a slow backing store. Append only
// enqueues; Run drains the queue into the backing store. Backing failures
// raise the alarm and the first write after them clears it.
type BufferedStore struct {
	next    Store
	alarm   Alarm
	inbox   chan Entry
	alarmed atomic.Bool
}

func NewBufferedStore(next Store, size int, alarm Alarm) *BufferedStore {
	return &BufferedStore{
		next:  next,
		alarm: alarm,
		inbox: make(chan Entry, size),
	}
}

func (b *BufferedStore) Append(_ context.Context, e Entry) error {
	select {
	case b.inbox <- e:
		return nil
	default:
		return ErrBufferFull
	}
}

// Run persists queued entries until ctx is done, then flushes what is left.
func (b *BufferedStore) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			b.flush(context.WithoutCancel(ctx))
			return nil
		case e := <-b.inbox:
			b.write(ctx, e)
		}
	}
}

func (b *BufferedStore) flush(ctx context.Context) {
	for {
		select {
		case e := <-b.inbox:
			b.write(ctx, e)
		default:
			return
		}
	}
}

func (b *BufferedStore) write(ctx context.Context, e Entry) {
	if err := b.next.Append(ctx, e); err != nil {
		b.alarmed.Store(true)
		if b.alarm != nil {
			b.alarm.AuditWriteFailed(ctx, fmt.Errorf("%w: %s: %w", ErrAuditWriteFailed, e.Action, err))
		}
		return
	}
	if b.alarmed.CompareAndSwap(true, false) && b.alarm != nil {
		b.alarm.AuditRecovered(ctx)
	}
}
