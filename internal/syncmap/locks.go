package syncmap

import "sync"

type refMutex struct {
	sync.Mutex
	refs int
}

// Locks is a set of mutexes keyed by K. An entry exists only while some
// goroutine holds or waits for it. The zero value is ready to use.
type Locks[K comparable] struct {
	mu sync.Mutex
	m  map[K]*refMutex
}

// Lock blocks until the mutex for key is held and returns its unlock
// function. Calling unlock more than once is a no-op.
func (l *Locks[K]) Lock(key K) func() {
	l.mu.Lock()
	if l.m == nil {
		l.m = make(map[K]*refMutex)
	}
	rm, ok := l.m[key]
	if !ok {
		rm = &refMutex{}
		l.m[key] = rm
	}
	rm.refs++
	l.mu.Unlock()

	rm.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			rm.Unlock()

			l.mu.Lock()
			defer l.mu.Unlock()
			rm.refs--
			if rm.refs == 0 {
				delete(l.m, key)
			}
		})
	}
}

// Len returns the number of keys currently held or waited for.
func (l *Locks[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}
