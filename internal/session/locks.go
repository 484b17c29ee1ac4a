package session

import "sync"

// Locks serialises work per user id. Commands of different users run in
// parallel; commands of one user run one at a time.
type Locks struct {
	mu    sync.Mutex
	users map[UserID]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// NewLocks returns an empty lock table.
func NewLocks() *Locks {
	return &Locks{users: make(map[UserID]*userLock)}
}

// Lock blocks until user's lock is held and returns the function releasing
// it. Entries are dropped once nobody holds or waits for them.
func (l *Locks) Lock(user UserID) (unlock func()) {
	l.mu.Lock()
	ul, ok := l.users[user]
	if !ok {
		ul = &userLock{}
		l.users[user] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ul.mu.Unlock()
			l.mu.Lock()
			ul.refs--
			if ul.refs == 0 {
				delete(l.users, user)
			}
			l.mu.Unlock()
		})
	}
}

// Len returns the number of users currently holding or waiting on a lock.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.users)
}
