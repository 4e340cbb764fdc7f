package recommender

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ProductID is issued by the product catalog. Valid ids are positive.
type ProductID int64

func (id ProductID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseProductID parses a decimal product id as stored in a sorted-set member.
func ParseProductID(s string) (ProductID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return ProductID(n), nil
}

// Entry is one scored member of an association set.
type Entry struct {
	Member ProductID
	Score  float64
}

// Increment adds Delta to Member's score under Key.
type Increment struct {
	Key    string
	Member ProductID
	Delta  float64
}

// Store is the sorted-set contract the recommender needs from its backing store.
//
// TopN returns at most n entries ordered by score descending, then member ascending,
// and must apply that order before cutting at n. A missing key reads as an empty set.
// UnionInto overwrites dst with the SUM-aggregated union of keys.
type Store interface {
	IncrBy(ctx context.Context, key string, member ProductID, delta float64) error
	TopN(ctx context.Context, key string, n int) ([]Entry, error)
	UnionInto(ctx context.Context, dst string, keys []string) error
	Remove(ctx context.Context, key string, members ...ProductID) error
	Delete(ctx context.Context, keys ...string) error
}

// PairIncrementer is implemented by stores that can ship many increments in one round
// trip. Each increment must still be applied atomically on its own.
type PairIncrementer interface {
	IncrPairs(ctx context.Context, incs []Increment) error
}

// SortEntries orders entries by score descending, then member ascending.
func SortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].Member < entries[j].Member
	})
}

// KeySpace derives store keys. Writers and readers agree on keys without a registry.
type KeySpace struct {
	Prefix string
}

func (k KeySpace) Product(id ProductID) string {
	return fmt.Sprintf("%sproduct:%d:purchased_with", k.Prefix, id)
}

// Scratch returns a per-call key for a multi-seed union. token keeps concurrent calls
// over the same seeds apart.
func (k KeySpace) Scratch(seeds []ProductID, token string) string {
	parts := make([]string, 0, len(seeds))
	for _, id := range seeds {
		parts = append(parts, id.String())
	}
	return fmt.Sprintf("%stmp:suggest:%s:%s", k.Prefix, strings.Join(parts, "-"), token)
}
