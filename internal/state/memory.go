package state

import (
	"fmt"
	"sort"
	"sync"
)

type flags struct {
	mu      sync.Mutex
	ready   bool
	closing bool
}

func (f *flags) SetReady(ready bool)     { f.mu.Lock(); f.ready = ready; f.mu.Unlock() }
func (f *flags) SetClosing(closing bool) { f.mu.Lock(); f.closing = closing; f.mu.Unlock() }
func (f *flags) IsReady() bool           { f.mu.Lock(); defer f.mu.Unlock(); return f.ready }
func (f *flags) IsClosing() bool         { f.mu.Lock(); defer f.mu.Unlock(); return f.closing }

// Memory keeps session state in process.
type Memory struct {
	flags

	mu              sync.Mutex
	sessions        map[string]SessionInfo
	totalSessions   int64
	primaryFailures int64
	shadowFailures  int64
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]SessionInfo)}
}

func (m *Memory) Open(info SessionInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sessions[info.ID]; exists {
		return fmt.Errorf("session already registered: %s", info.ID)
	}
	m.sessions[info.ID] = info
	m.totalSessions++
	return nil
}

func (m *Memory) Close(id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *Memory) RecordDialFailure(_ string, primary bool) error {
	m.mu.Lock()
	if primary {
		m.primaryFailures++
	} else {
		m.shadowFailures++
	}
	m.mu.Unlock()
	return nil
}

// Sessions returns running sessions ordered by start time.
func (m *Memory) Sessions() ([]SessionInfo, error) {
	m.mu.Lock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()
	sortSessions(out)
	return out, nil
}

func (m *Memory) Stats() (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		ActiveSessions:      len(m.sessions),
		TotalSessions:       m.totalSessions,
		PrimaryDialFailures: m.primaryFailures,
		ShadowDialFailures:  m.shadowFailures,
		Now:                 nowString(),
	}, nil
}

func sortSessions(s []SessionInfo) {
	sort.Slice(s, func(i, j int) bool { return s[i].Started.Before(s[j].Started) })
}
