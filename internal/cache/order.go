package cache

import (
	"fmt"
	"strings"
)

// Order decides which entries are evicted first when a store is over its limit.
type Order int

const (
	// Insertion evicts the least recently inserted entry (FIFO). Reads do not matter.
	Insertion Order = iota
	// Recency evicts the least recently used entry (LRU). Reads refresh an entry.
	Recency
)

// ParseOrder parses "fifo" or "lru" (case-insensitive).
func ParseOrder(s string) (Order, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fifo", "insertion":
		return Insertion, nil
	case "lru", "recency":
		return Recency, nil
	default:
		return Insertion, fmt.Errorf("cache: unknown eviction order %q", s)
	}
}

func (o Order) String() string {
	switch o {
	case Recency:
		return "lru"
	default:
		return "fifo"
	}
}
