package recalibrate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/fusionscore/internal/model"
)

// keyedMutex serializes work per key inside one process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free or ctx is done.
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	unlock := func() {
		<-l.ch
		k.release(key, l)
	}

	// Prefer a free slot over an already expired context.
	select {
	case l.ch <- struct{}{}:
		return unlock, nil
	default:
	}
	select {
	case l.ch <- struct{}{}:
		return unlock, nil
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}
}

func (k *keyedMutex) release(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// LeaseStore is the slice of the store the locker needs.
type LeaseStore interface {
	AcquireLease(ctx context.Context, lease model.Lease) (bool, error)
	ReleaseLease(ctx context.Context, lease model.Lease) error
}

// locker takes the in-process mutex and then the store lease for an
// (entity, source). The lease keeps separate processes sharing one store
// from recalibrating the same source concurrently.
type locker struct {
	keys   *keyedMutex
	leases LeaseStore
	ttl    time.Duration
	wait   time.Duration
	poll   time.Duration
}

func (l *locker) acquire(ctx context.Context, entityID, sourceID string) (func(), error) {
	key := entityID + "/" + sourceID
	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	unlock, err := l.keys.Lock(waitCtx, key)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrLocked
	}

	lease := model.Lease{
		EntityID:  entityID,
		SourceID:  sourceID,
		Token:     uuid.NewString(),
		// Leases are compared against the store's wall clock.
		ExpiresAt: time.Now().Add(l.ttl),
	}
	for {
		ok, err := l.leases.AcquireLease(ctx, lease)
		if err != nil {
			unlock()
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-waitCtx.Done():
			unlock()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, ErrLocked
		case <-time.After(l.poll):
		}
	}

	return func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := l.leases.ReleaseLease(relCtx, lease); err != nil {
			zap.L().Warn("recalibrate: release lease",
				zap.String("entity_id", entityID),
				zap.String("source_id", sourceID),
				zap.Error(err),
			)
		}
		unlock()
	}, nil
}
