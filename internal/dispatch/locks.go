package dispatch

import "sync"

// AgentLocks hands out one mutex per agent name, created on first use.
type AgentLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Lock acquires the agent's mutex and returns its release func.
func (l *AgentLocks) Lock(agent string) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	m, ok := l.locks[agent]
	if !ok {
		m = &sync.Mutex{}
		l.locks[agent] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
