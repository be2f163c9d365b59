package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/buildrun/daemonconnect/internal/daemon"
)

// Memory is an in-process Registry, used by the embedded variant and by
// tests that do not want to touch the filesystem.
type Memory struct {
	mu     sync.Mutex
	infos  map[string]daemon.Info
	events []daemon.StopEvent
}

// NewMemory returns an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{infos: make(map[string]daemon.Info)}
}

func (m *Memory) GetAll() ([]daemon.Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]daemon.Info, 0, len(m.infos))
	for _, info := range m.infos {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetIdle() ([]daemon.Info, error) {
	all, _ := m.GetAll()
	idle := all[:0:0]
	for _, info := range all {
		if info.State == daemon.Idle {
			idle = append(idle, info)
		}
	}
	return idle, nil
}

func (m *Memory) Get(id string) (daemon.Info, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.infos[id]
	return info, ok, nil
}

// Put is test/launcher-side sugar, not part of the Registry interface: it
// lets a fake daemon register itself.
func (m *Memory) Put(info daemon.Info) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infos[info.ID] = info
}

func (m *Memory) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.infos, id)
	return nil
}

func (m *Memory) GetStopEvents() ([]daemon.StopEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]daemon.StopEvent, len(m.events))
	copy(out, m.events)
	return out, nil
}

func (m *Memory) StoreStopEvent(ev daemon.StopEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *Memory) RemoveStopEvents(toRemove []daemon.StopEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	drop := make(map[string]struct{}, len(toRemove))
	for _, ev := range toRemove {
		drop[stopEventKey(ev)] = struct{}{}
	}
	kept := m.events[:0]
	for _, ev := range m.events {
		if _, gone := drop[stopEventKey(ev)]; !gone {
			kept = append(kept, ev)
		}
	}
	m.events = kept
	return nil
}

func stopEventKey(ev daemon.StopEvent) string {
	return fmt.Sprintf("%s@%d", ev.DaemonID, ev.Timestamp.UnixNano())
}

var _ Registry = (*Memory)(nil)
