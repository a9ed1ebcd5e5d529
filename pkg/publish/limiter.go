package publish

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// userLimiter caps concurrent publications per user (§5: max 4). Each user
// gets a lazily-created weighted semaphore; acquisition is non-blocking so
// an over-limit publisher gets an immediate answer instead of queueing.
type userLimiter struct {
	mu    sync.Mutex
	max   int64
	users map[int64]*semaphore.Weighted
}

func newUserLimiter(max int64) *userLimiter {
	return &userLimiter{max: max, users: make(map[int64]*semaphore.Weighted)}
}

func (l *userLimiter) acquire(userID int64) bool {
	l.mu.Lock()
	sem, ok := l.users[userID]
	if !ok {
		sem = semaphore.NewWeighted(l.max)
		l.users[userID] = sem
	}
	l.mu.Unlock()
	return sem.TryAcquire(1)
}

func (l *userLimiter) release(userID int64) {
	l.mu.Lock()
	sem := l.users[userID]
	l.mu.Unlock()
	if sem != nil {
		sem.Release(1)
	}
}
