package pool

import (
	"context"
	"fmt"
	"reflect"

	"github.com/coachpo/resourcepool/errs"
)

// Hooks supplies the policy of a pool. Create, Check and MaxSize are required; every other hook
// defaults to a pass-through. Lifecycle hooks receive the pooled handle and must return it
// (optionally mutated); the pool tracks objects by handle identity.
type Hooks[T comparable] struct {
	// Create builds a new object. It runs outside the pool lock.
	Create func(ctx context.Context) (T, error)
	// Check reports whether an object may still be handed out or reused.
	Check func(obj T) bool
	// MaxSize is consulted on every growth decision, so capacity may change at runtime.
	MaxSize func() int

	WhenCreated  func(obj T) T
	WhenAcquired func(obj T) T
	// WhenReleased resets an object before it becomes available again. An error drops it.
	WhenReleased func(obj T) (T, error)
	WhenDropped  func(obj T) T
	// WhenErrored maps a creation or context failure to the Acquire result.
	WhenErrored func(err error) (T, error)
	// WhenNull produces the Acquire result when no object became available in time.
	WhenNull func() (T, error)
	// Identify names an object in log lines and leak reports.
	Identify func(obj T) string
}

func (h Hooks[T]) validate(name string) error {
	var missing []string
	if h.Create == nil {
		missing = append(missing, "Create")
	}
	if h.Check == nil {
		missing = append(missing, "Check")
	}
	if h.MaxSize == nil {
		missing = append(missing, "MaxSize")
	}
	if len(missing) == 0 {
		return nil
	}
	return errs.New(name, errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("missing required hooks %v", missing)))
}

func (h Hooks[T]) withDefaults(name string) Hooks[T] {
	identity := func(obj T) T { return obj }
	if h.WhenCreated == nil {
		h.WhenCreated = identity
	}
	if h.WhenAcquired == nil {
		h.WhenAcquired = identity
	}
	if h.WhenReleased == nil {
		h.WhenReleased = func(obj T) (T, error) { return obj, nil }
	}
	if h.WhenDropped == nil {
		h.WhenDropped = identity
	}
	if h.WhenErrored == nil {
		h.WhenErrored = func(err error) (T, error) {
			var zero T
			return zero, errs.New(name, errs.CodeCreate, errs.WithMessage("acquire failed"), errs.WithCause(err))
		}
	}
	if h.WhenNull == nil {
		h.WhenNull = func() (T, error) {
			var zero T
			return zero, nil
		}
	}
	if h.Identify == nil {
		h.Identify = identify[T]
	}
	return h
}

func identify[T any](obj T) string {
	v := reflect.ValueOf(obj)
	if v.IsValid() && v.Kind() == reflect.Pointer {
		return fmt.Sprintf("%T@%#x", obj, v.Pointer())
	}
	return fmt.Sprint(obj)
}
