package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/luikyv/go-oid4vci/internal/timeutil"
	"github.com/luikyv/go-oid4vci/pkg/goid4vci"
	"github.com/samber/lo"
)

type flowEntry struct {
	createdAt int
	// mu serializes updates of the flow.
	mu   sync.Mutex
	flow *goid4vci.FlowState
}

type FlowStateManager struct {
	mu      sync.RWMutex
	flows   map[string]*flowEntry
	maxSize int
}

// NewFlowStateManager returns an in-memory manager holding at most maxSize
// flows. When full, the oldest flow is evicted.
func NewFlowStateManager(maxSize int) *FlowStateManager {
	return &FlowStateManager{
		flows:   make(map[string]*flowEntry),
		maxSize: maxSize,
	}
}

func (m *FlowStateManager) Save(_ context.Context, flow *goid4vci.FlowState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.flows[flow.EphemeralKeyTag]; ok {
		entry.mu.Lock()
		entry.flow = flow.Clone()
		entry.mu.Unlock()
		return nil
	}

	if m.maxSize > 0 && len(m.flows) >= m.maxSize {
		m.evictOldest()
	}

	m.flows[flow.EphemeralKeyTag] = &flowEntry{
		createdAt: flow.CreatedAtTimestamp,
		flow:      flow.Clone(),
	}
	return nil
}

func (m *FlowStateManager) FlowState(_ context.Context, keyTag string) (*goid4vci.FlowState, error) {
	entry, ok := m.entry(keyTag)
	if !ok {
		return nil, goid4vci.ErrFlowNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.flow.IsExpired(timeutil.TimestampNow()) {
		return nil, goid4vci.ErrFlowNotFound
	}
	return entry.flow.Clone(), nil
}

func (m *FlowStateManager) FlowStateByState(_ context.Context, state string) (*goid4vci.FlowState, error) {
	if state == "" {
		return nil, goid4vci.ErrFlowNotFound
	}
	return m.find(func(flow *goid4vci.FlowState) bool {
		return flow.State == state
	})
}

func (m *FlowStateManager) FlowStateByIssuerHash(_ context.Context, issuerHash string) (*goid4vci.FlowState, error) {
	if issuerHash == "" {
		return nil, goid4vci.ErrFlowNotFound
	}
	return m.find(func(flow *goid4vci.FlowState) bool {
		return flow.IssuerHash == issuerHash
	})
}

// Update applies update to a copy of the flow and stores the copy only if
// update succeeds. Updates of the same flow run one at a time.
func (m *FlowStateManager) Update(_ context.Context, keyTag string, update func(*goid4vci.FlowState) error) error {
	entry, ok := m.entry(keyTag)
	if !ok {
		return goid4vci.ErrFlowNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.flow.IsExpired(timeutil.TimestampNow()) {
		return goid4vci.ErrFlowNotFound
	}

	flow := entry.flow.Clone()
	if err := update(flow); err != nil {
		return err
	}

	if flow.EphemeralKeyTag != keyTag {
		return fmt.Errorf("the key tag of flow %s cannot change", keyTag)
	}
	flow.Version = entry.flow.Version + 1
	entry.flow = flow
	return nil
}

func (m *FlowStateManager) Delete(_ context.Context, keyTag string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.flows, keyTag)
	return nil
}

// evictOldest drops the flow created first. m.mu must be held for writing.
func (m *FlowStateManager) evictOldest() {
	oldest := lo.MinBy(lo.Entries(m.flows), func(a, b lo.Entry[string, *flowEntry]) bool {
		return a.Value.createdAt < b.Value.createdAt
	})
	delete(m.flows, oldest.Key)
}

// find returns a copy of the first live flow matching.
func (m *FlowStateManager) find(match func(*goid4vci.FlowState) bool) (*goid4vci.FlowState, error) {
	m.mu.RLock()
	entries := lo.Values(m.flows)
	m.mu.RUnlock()

	now := timeutil.TimestampNow()
	for _, entry := range entries {
		entry.mu.Lock()
		if match(entry.flow) && !entry.flow.IsExpired(now) {
			flow := entry.flow.Clone()
			entry.mu.Unlock()
			return flow, nil
		}
		entry.mu.Unlock()
	}
	return nil, goid4vci.ErrFlowNotFound
}

func (m *FlowStateManager) entry(keyTag string) (*flowEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.flows[keyTag]
	return entry, ok
}

var _ goid4vci.FlowStateManager = NewFlowStateManager(0)
