package migration

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// lockRegistry serializes migrations per source VM. A lock is held from
// job admission until the job reaches a terminal state.
type lockRegistry struct {
	mu   sync.Mutex
	held map[string]uuid.UUID
}

func newLockRegistry() *lockRegistry {
	return &lockRegistry{held: make(map[string]uuid.UUID)}
}

func lockKey(clusterID uint, vmid int) string {
	return fmt.Sprintf("%d/%d", clusterID, vmid)
}

func (l *lockRegistry) TryAcquire(key string, owner uuid.UUID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[key]; taken {
		return false
	}
	l.held[key] = owner
	return true
}

// Release is a no-op unless owner still holds the key.
func (l *lockRegistry) Release(key string, owner uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == owner {
		delete(l.held, key)
	}
}
