package status

import (
	"sync"
	"time"
)

// Memory is the default, process-local Store.
type Memory struct {
	mu   sync.Mutex
	snap Snapshot
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{snap: Snapshot{Phase: PhaseStarting}}
}

func (m *Memory) SetPhase(p Phase)  { m.mu.Lock(); m.snap.Phase = p; m.mu.Unlock() }
func (m *Memory) SetReady(v bool)   { m.mu.Lock(); m.snap.Ready = v; m.mu.Unlock() }
func (m *Memory) SetClosing(v bool) { m.mu.Lock(); m.snap.Closing = v; m.mu.Unlock() }

func (m *Memory) PairStarted(id, remote string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.Phase = PhaseForwarding
	m.snap.PairID = id
	m.snap.PairRemote = remote
	m.snap.PairSince = time.Now().UTC()
	m.snap.Pairs++
}

// PairEnded clears the current pair if id still matches it.
func (m *Memory) PairEnded(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap.PairID != id {
		return
	}
	m.snap.PairID = ""
	m.snap.PairRemote = ""
	m.snap.PairSince = time.Time{}
}

func (m *Memory) HandshakeRejected(string) {
	m.mu.Lock()
	m.snap.Rejected++
	m.mu.Unlock()
}

func (m *Memory) Snapshot() Snapshot {
	m.mu.Lock()
	s := m.snap
	m.mu.Unlock()
	s.Now = time.Now().UTC().Format(time.RFC3339)
	return s
}
