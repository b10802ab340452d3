// Copyright (c) 2024 CollabSec, Inc.

package lifecycle

import (
	"sync"

	"github.com/collabsec/labdesk/backend/services/types"
)

// lockKey identifies one lease: an employee can hold at most one VM per OS
// kind.
type lockKey struct {
	employee types.UserID
	os       types.OSKind
}

// lockMap hands out one mutex per lease so concurrent operations on the same
// VM serialize while operations on different VMs proceed in parallel. Locks
// are created lazily and never removed; the inventory is small enough that
// this never matters.
type lockMap struct {
	mu    sync.Mutex
	locks map[lockKey]*sync.Mutex
}

func newLockMap() *lockMap {
	return &lockMap{
		locks: map[lockKey]*sync.Mutex{},
	}
}

// get returns the mutex for the given lease, creating it on first use. The
// caller locks and unlocks the returned mutex itself.
func (l *lockMap) get(employee types.UserID, os types.OSKind) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := lockKey{employee: employee, os: os}
	lock, ok := l.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[key] = lock
	}

	return lock
}
