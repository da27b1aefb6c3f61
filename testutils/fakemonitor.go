package testutils

import (
	"sync"

	"github.com/couchbase/stellar-sdam/core/description"
)

type Invalidation struct {
	Reason          string
	TopologyVersion *description.TopologyVersion
}

// FakeMonitor is a heartbeat monitor whose description is set by the test.
type FakeMonitor struct {
	lock              sync.Mutex
	desc              *description.ServerDescription
	nextID            int
	handlers          map[int]func(previous, current *description.ServerDescription)
	initializeCount   int
	closeCount        int
	heartbeatRequests int
	cancelCount       int
	invalidations     []Invalidation
}

func NewFakeMonitor(serverID description.ServerID) *FakeMonitor {
	return &FakeMonitor{
		desc:     description.NewServerDescription(serverID),
		handlers: make(map[int]func(previous, current *description.ServerDescription)),
	}
}

func (m *FakeMonitor) Initialize() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.initializeCount++
}

func (m *FakeMonitor) Description() *description.ServerDescription {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.desc
}

func (m *FakeMonitor) RequestHeartbeat() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.heartbeatRequests++
}

func (m *FakeMonitor) CancelCurrentCheck() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.cancelCount++
}

func (m *FakeMonitor) Invalidate(reason string, topologyVersion *description.TopologyVersion) {
	m.lock.Lock()
	m.invalidations = append(m.invalidations, Invalidation{
		Reason:          reason,
		TopologyVersion: topologyVersion,
	})
	m.lock.Unlock()

	m.SetDescription(m.Description().With(
		description.WithUnknown(),
		description.WithTopologyVersion(topologyVersion),
		description.WithHeartbeatError(nil),
		description.WithReasonChanged(reason)))
}

func (m *FakeMonitor) OnDescriptionChanged(handler func(previous, current *description.ServerDescription)) func() {
	m.lock.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = handler
	m.lock.Unlock()

	return func() {
		m.lock.Lock()
		delete(m.handlers, id)
		m.lock.Unlock()
	}
}

func (m *FakeMonitor) Close() {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.closeCount++
}

// SetDescription replaces the description and, if it changed, notifies the
// registered handlers the way a heartbeat would.
func (m *FakeMonitor) SetDescription(desc *description.ServerDescription) {
	m.lock.Lock()
	previous := m.desc
	m.desc = desc
	handlers := make([]func(previous, current *description.ServerDescription), 0, len(m.handlers))
	for id := 0; id < m.nextID; id++ {
		if handler, ok := m.handlers[id]; ok {
			handlers = append(handlers, handler)
		}
	}
	m.lock.Unlock()

	if previous == desc {
		return
	}
	for _, handler := range handlers {
		handler(previous, desc)
	}
}

func (m *FakeMonitor) InitializeCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.initializeCount
}

func (m *FakeMonitor) CloseCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.closeCount
}

func (m *FakeMonitor) HeartbeatRequests() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.heartbeatRequests
}

func (m *FakeMonitor) CancelCount() int {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.cancelCount
}

func (m *FakeMonitor) Invalidations() []Invalidation {
	m.lock.Lock()
	defer m.lock.Unlock()

	invalidations := make([]Invalidation, len(m.invalidations))
	copy(invalidations, m.invalidations)
	return invalidations
}
