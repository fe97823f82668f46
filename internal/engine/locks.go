package engine

import "sync"

// MissionLocks serializes gate operations per mission id. Entries are
// reference counted and removed once no caller holds or waits for them.
type MissionLocks struct {
	mu    sync.Mutex
	locks map[int64]*missionLock
}

type missionLock struct {
	sync.Mutex
	refs int
}

func NewMissionLocks() *MissionLocks {
	return &MissionLocks{locks: map[int64]*missionLock{}}
}

// Lock blocks until id is free and returns the matching unlock func.
func (l *MissionLocks) Lock(id int64) func() {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = map[int64]*missionLock{}
	}
	ml, ok := l.locks[id]
	if !ok {
		ml = &missionLock{}
		l.locks[id] = ml
	}
	ml.refs++
	l.mu.Unlock()

	ml.Lock()
	return func() {
		ml.Unlock()
		l.mu.Lock()
		ml.refs--
		if ml.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// Len reports how many ids currently have holders or waiters.
func (l *MissionLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
