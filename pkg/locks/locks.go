// Package locks serializes work per key across goroutines or worker processes.
// Boost replay takes one lock per restaurant so the decay recurrence is applied
// by a single writer at a time.
package locks

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"
)

var (
	ErrBusy = errors.New("lock busy")
	ErrLost = errors.New("lock lost")
)

// Locker runs fn while holding the lock for key. The context passed to fn is
// cancelled with ErrLost if the lock cannot be kept alive.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Options tune lease-based lockers.
type Options struct {
	TTL        time.Duration
	RenewEvery time.Duration

	// Wait is how long to keep retrying a held lock before giving up with ErrBusy.
	// Zero fails immediately.
	Wait         time.Duration
	WaitInterval time.Duration
	WaitJitter   time.Duration

	TokenPrefix string
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 2 * time.Minute
	}
	if o.RenewEvery <= 0 || o.RenewEvery >= o.TTL {
		o.RenewEvery = max(o.TTL/2, time.Second)
	}
	if o.WaitInterval <= 0 {
		o.WaitInterval = 250 * time.Millisecond
	}
	if o.WaitJitter < 0 {
		o.WaitJitter = 0
	}
	return o
}

// leaseBackend is what a lease locker needs from its store.
type leaseBackend interface {
	tryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	renew(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	release(ctx context.Context, key, token string) error
}

// withLease acquires key on backend, keeps it renewed while fn runs and releases it afterwards.
func withLease(ctx context.Context, backend leaseBackend, key, token string, opts Options, fn func(ctx context.Context) error) error {
	if key == "" {
		return errors.New("lock key is empty")
	}

	deadline := time.Now().Add(opts.Wait)
	for {
		ok, err := backend.tryAcquire(ctx, key, token, opts.TTL)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if opts.Wait <= 0 || time.Now().After(deadline) {
			return ErrBusy
		}
		if err := sleepWithJitter(ctx, opts.WaitInterval, opts.WaitJitter); err != nil {
			return err
		}
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		renewLoop(leaseCtx, backend, key, token, opts, stop, cancel)
	}()

	defer func() {
		close(stop)
		wg.Wait()
		cancel(context.Canceled)
		releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer releaseCancel()
		_ = backend.release(releaseCtx, key, token)
	}()

	if err := fn(leaseCtx); err != nil {
		return err
	}
	if cause := context.Cause(leaseCtx); errors.Is(cause, ErrLost) {
		return ErrLost
	}
	return nil
}

func renewLoop(ctx context.Context, backend leaseBackend, key, token string, opts Options, stop <-chan struct{}, cancel context.CancelCauseFunc) {
	t := time.NewTicker(opts.RenewEvery)
	defer t.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			if err := renewOnce(ctx, backend, key, token, opts.TTL); err != nil {
				cancel(err)
				return
			}
		}
	}
}

func renewOnce(ctx context.Context, backend leaseBackend, key, token string, ttl time.Duration) error {
	for attempt := range 3 {
		renewCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		ok, err := backend.renew(renewCtx, key, token, ttl)
		cancel()
		if err == nil {
			if !ok {
				return ErrLost
			}
			return nil
		}
		if attempt == 2 {
			return ErrLost
		}
		if err := sleepWithJitter(ctx, 200*time.Millisecond, 0); err != nil {
			return err
		}
	}
	return ErrLost
}

func sleepWithJitter(ctx context.Context, base, jitter time.Duration) error {
	d := base
	if jitter > 0 {
		d += time.Duration(rand.Int64N(int64(jitter) + 1))
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
