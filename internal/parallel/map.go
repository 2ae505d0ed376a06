// Package parallel maps iterators concurrently with a bounded number of workers.
package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type item[D any] struct {
	value D
	err   error
}

// Map applies fn to every element of an input iterator using at most limit
// concurrent workers and streams the results back as an iterator:
//
//	for finding, err := range parallel.NewMap(ctx, 4, scan).Iter(files) {}
//
// Errors yielded by the input are forwarded unchanged. Results arrive in
// completion order. Canceling ctx or breaking out of the loop stops all
// outstanding work.
type Map[E, D any] struct {
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	gctx   context.Context
	out    chan item[D]
	fn     func(context.Context, E) (D, error)
}

func NewMap[E, D any](ctx context.Context, limit int, fn func(context.Context, E) (D, error)) *Map[E, D] {
	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	// the producer occupies one slot
	group.SetLimit(limit + 1)

	return &Map[E, D]{
		ctx:    ctx,
		cancel: cancel,
		group:  group,
		gctx:   gctx,
		out:    make(chan item[D], limit),
		fn:     fn,
	}
}

func (m *Map[E, D]) emit(it item[D]) error {
	select {
	case <-m.gctx.Done():
		return m.gctx.Err()
	case m.out <- it:
		return nil
	}
}

func (m *Map[E, D]) produce(input iter.Seq2[E, error]) {
	m.group.Go(func() error {
		for elem, err := range input {
			if cerr := m.gctx.Err(); cerr != nil {
				return cerr
			}
			if err != nil {
				var zero D
				if eerr := m.emit(item[D]{value: zero, err: err}); eerr != nil {
					return eerr
				}
				continue
			}
			m.group.Go(func() error {
				value, err := m.fn(m.gctx, elem)
				return m.emit(item[D]{value: value, err: err})
			})
		}
		return nil
	})
}

// Iter starts the workers and returns the stream of results.
func (m *Map[E, D]) Iter(input iter.Seq2[E, error]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		// unblocks workers stuck in emit
		defer m.cancel()
		m.produce(input)

		go func() {
			_ = m.group.Wait()
			close(m.out)
		}()

		for it := range m.out {
			if m.ctx.Err() != nil {
				return
			}
			if !yield(it.value, it.err) {
				return
			}
		}
	}
}
