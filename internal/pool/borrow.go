package pool

import (
	"context"
	"time"

	"github.com/coachpo/resourcepool/errs"
)

const defaultBorrowTimeout = 100 * time.Millisecond

// Borrow acquires an object with a release closure. A non-positive timeout uses a 100ms budget.
// Unlike Acquire, running out of objects is reported as a CodeExhausted error instead of a zero value.
func Borrow[T comparable](ctx context.Context, p *Pool[T], timeout time.Duration) (T, func(), error) {
	var zero T
	if p == nil {
		return zero, func() {}, errs.New("", errs.CodeNotFound, errs.WithMessage("pool not available"))
	}
	if timeout <= 0 {
		timeout = defaultBorrowTimeout
	}
	obj, err := p.Acquire(ctx, timeout)
	if err != nil {
		return zero, func() {}, err
	}
	if obj == zero {
		return zero, func() {}, errs.New(p.Name(), errs.CodeExhausted,
			errs.WithMessage("no object available"),
			errs.WithField("timeout", timeout.String()),
		)
	}
	release := func() {
		if err := p.Release(obj); err != nil {
			p.logger.Error("pool borrow release failed", fieldsFor(p.name, err)...)
		}
	}
	return obj, release, nil
}
