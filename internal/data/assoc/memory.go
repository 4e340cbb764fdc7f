package assoc

import (
	"context"
	"sort"
	"sync"

	"github.com/yungbote/copurchase/internal/recommender"
)

// MemoryStore keeps association sets in process. Empty sets are dropped, the same way
// Redis drops an empty sorted set.
type MemoryStore struct {
	mu   sync.Mutex
	sets map[string]map[recommender.ProductID]float64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sets: make(map[string]map[recommender.ProductID]float64)}
}

func (s *MemoryStore) IncrBy(_ context.Context, key string, member recommender.ProductID, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.incrLocked(key, member, delta)
	return nil
}

func (s *MemoryStore) IncrPairs(_ context.Context, incs []recommender.Increment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inc := range incs {
		s.incrLocked(inc.Key, inc.Member, inc.Delta)
	}
	return nil
}

func (s *MemoryStore) incrLocked(key string, member recommender.ProductID, delta float64) {
	set, ok := s.sets[key]
	if !ok {
		set = make(map[recommender.ProductID]float64)
		s.sets[key] = set
	}
	set[member] += delta
}

func (s *MemoryStore) TopN(_ context.Context, key string, n int) ([]recommender.Entry, error) {
	s.mu.Lock()
	set := s.sets[key]
	entries := make([]recommender.Entry, 0, len(set))
	for m, score := range set {
		entries = append(entries, recommender.Entry{Member: m, Score: score})
	}
	s.mu.Unlock()

	recommender.SortEntries(entries)
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

func (s *MemoryStore) UnionInto(_ context.Context, dst string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	union := make(map[recommender.ProductID]float64)
	for _, key := range keys {
		for m, score := range s.sets[key] {
			union[m] += score
		}
	}
	if len(union) == 0 {
		delete(s.sets, dst)
		return nil
	}
	s.sets[dst] = union
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, key string, members ...recommender.ProductID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, key)
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.sets, key)
	}
	return nil
}

// Keys lists the keys currently holding a non-empty set, sorted.
func (s *MemoryStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sets))
	for k := range s.sets {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (s *MemoryStore) Score(key string, member recommender.ProductID) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	score, ok := s.sets[key][member]
	return score, ok
}
