package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/picklr-io/reconciler/internal/logging"
)

// LockDocument is the sentinel marking a reconciliation in progress. It is
// never committed.
const LockDocument = "deploy.lock"

// ErrLocked is returned when another deployment holds the lock.
var ErrLocked = errors.New("deployment already in progress")

// Locker is implemented by stores with a native locking primitive.
type Locker interface {
	Lock(ctx context.Context, owner string) error
	Unlock(ctx context.Context) error
}

// exclusiveCreator is implemented by documents that can be created
// atomically only if absent.
type exclusiveCreator interface {
	Create(ctx context.Context, data []byte) (bool, error)
}

// Lock is a held deployment lock.
type Lock struct {
	store Store
	owner string
}

// AcquireLock takes the deployment lock or fails immediately with ErrLocked.
// There is no waiting and no expiry: a lock left behind by a crashed run must
// be cleared with ForceUnlock.
func AcquireLock(ctx context.Context, store Store, owner string) (*Lock, error) {
	if l, ok := store.(Locker); ok {
		if err := l.Lock(ctx, owner); err != nil {
			return nil, err
		}
		return &Lock{store: store, owner: owner}, nil
	}

	content := []byte(fmt.Sprintf("owner=%s\npid=%d\ntime=%s\n", owner, os.Getpid(), time.Now().UTC().Format(time.RFC3339)))
	doc := store.Get(LockDocument)

	if c, ok := doc.(exclusiveCreator); ok {
		created, err := c.Create(ctx, content)
		if err != nil {
			return nil, fmt.Errorf("failed to create lock: %w", err)
		}
		if !created {
			return nil, lockedError(ctx, doc)
		}
		return &Lock{store: store, owner: owner}, nil
	}

	exists, err := doc.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check lock: %w", err)
	}
	if exists {
		return nil, lockedError(ctx, doc)
	}
	if err := doc.SetData(ctx, content); err != nil {
		return nil, fmt.Errorf("failed to create lock: %w", err)
	}
	return &Lock{store: store, owner: owner}, nil
}

func lockedError(ctx context.Context, doc Document) error {
	holder := "unknown"
	if data, err := doc.Data(ctx); err == nil && len(data) > 0 {
		holder = strings.ReplaceAll(strings.TrimSpace(string(data)), "\n", ", ")
	}
	return fmt.Errorf("%w (held by %s). If this is an error, clear it with `reconciler unlock`", ErrLocked, holder)
}

// Release removes the lock.
func (l *Lock) Release(ctx context.Context) error {
	if lk, ok := l.store.(Locker); ok {
		return lk.Unlock(ctx)
	}
	if err := l.store.Get(LockDocument).Delete(ctx); err != nil {
		return fmt.Errorf("failed to remove lock: %w", err)
	}
	logging.Debug("deployment lock released", "owner", l.owner)
	return nil
}

// ForceUnlock clears a lock regardless of who holds it.
func ForceUnlock(ctx context.Context, store Store) error {
	return (&Lock{store: store}).Release(ctx)
}

// IsLocked reports whether a lock document is present. Stores with a native
// Locker are not inspected.
func IsLocked(ctx context.Context, store Store) (bool, error) {
	return store.Get(LockDocument).Exists(ctx)
}
