package admission

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryRecordStore keeps decisions in process memory
type MemoryRecordStore struct {
	mu        sync.RWMutex
	decisions map[string]*Decision
}

var _ RecordStore = (*MemoryRecordStore)(nil)

// NewMemoryRecordStore creates an empty store
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{decisions: make(map[string]*Decision)}
}

// SaveDecision implements RecordStore.SaveDecision
func (s *MemoryRecordStore) SaveDecision(ctx context.Context, d *Decision) error {
	if d.ID == "" {
		return fmt.Errorf("decision has no id")
	}
	cp := *d
	s.mu.Lock()
	s.decisions[d.ID] = &cp
	s.mu.Unlock()
	return nil
}

// GetDecision implements RecordStore.GetDecision
func (s *MemoryRecordStore) GetDecision(ctx context.Context, id string) (*Decision, error) {
	s.mu.RLock()
	d, ok := s.decisions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDecisionNotFound, id)
	}
	cp := *d
	return &cp, nil
}

// ListDecisions implements RecordStore.ListDecisions
func (s *MemoryRecordStore) ListDecisions(ctx context.Context, filter ListFilter) ([]*Decision, error) {
	s.mu.RLock()
	var matched []*Decision
	for _, d := range s.decisions {
		if filter.Plugin != "" && d.Plugin != filter.Plugin {
			continue
		}
		if filter.Admitted != nil && d.Admitted != *filter.Admitted {
			continue
		}
		cp := *d
		matched = append(matched, &cp)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset >= len(matched) {
		return []*Decision{}, nil
	}
	matched = matched[max(filter.Offset, 0):]
	if limit := filter.EffectiveLimit(); len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}
