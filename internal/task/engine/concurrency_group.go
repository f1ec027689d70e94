package engine

import "sync"

// groupSemaphore bounds concurrent executions within one group. The limit is
// fixed by the first task seen for the group.
type groupSemaphore chan struct{}

func (g groupSemaphore) tryAcquire() bool {
	select {
	case g <- struct{}{}:
		return true
	default:
		return false
	}
}

func (g groupSemaphore) release() {
	select {
	case <-g:
	default:
	}
}

// groups holds one semaphore per group name. Idle semaphores are dropped so
// per-tenant groups do not accumulate.
type groups struct {
	mu sync.Mutex
	m  map[string]groupSemaphore
}

func (s *groups) acquire(name string, limit int) (release func(), ok bool) {
	if name == "" || limit <= 0 {
		return func() {}, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string]groupSemaphore)
	}
	g := s.m[name]
	if g == nil {
		g = make(groupSemaphore, limit)
		s.m[name] = g
	}
	if !g.tryAcquire() {
		return nil, false
	}
	return func() {
		s.mu.Lock()
		g.release()
		if len(g) == 0 && s.m[name] == g {
			delete(s.m, name)
		}
		s.mu.Unlock()
	}, true
}

// inflight tracks keys of SkipIfRunning tasks that are queued or running.
type inflight struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func (f *inflight) tryAcquire(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keys == nil {
		f.keys = make(map[string]struct{})
	}
	if _, ok := f.keys[key]; ok {
		return false
	}
	f.keys[key] = struct{}{}
	return true
}

func (f *inflight) release(key string) {
	f.mu.Lock()
	delete(f.keys, key)
	f.mu.Unlock()
}
