package pkce

import (
	"context"
	"sync"
)

// MemoryStore is the fast tier: an in-process map consulted before the
// durable store. Safe for concurrent use.
type MemoryStore struct {
	mu    sync.RWMutex
	pairs map[string]Pair
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{pairs: make(map[string]Pair)}
}

// PutPair stores a pair in memory.
func (s *MemoryStore) PutPair(ctx context.Context, flowID string, pair Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pairs[flowID] = pair
	return nil
}

// GetPair retrieves a pair from memory.
func (s *MemoryStore) GetPair(ctx context.Context, flowID string) (Pair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pair, ok := s.pairs[flowID]
	if !ok {
		return Pair{}, ErrNotFound
	}
	if !pair.valid() {
		return Pair{}, ErrCorruptPair
	}
	return pair, nil
}

// DeletePair removes a pair from memory.
func (s *MemoryStore) DeletePair(ctx context.Context, flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pairs, flowID)
	return nil
}

// TieredStore layers a fast store over a durable one. Reads try the fast
// tier first and fall back to the durable tier, backfilling the fast tier
// on a durable hit so later reads in the same process stay local. Writes
// and deletes go to both tiers; the durable tier is authoritative.
type TieredStore struct {
	fast    Store
	durable Store
}

// NewTieredStore creates a two-tier store.
func NewTieredStore(fast, durable Store) *TieredStore {
	return &TieredStore{fast: fast, durable: durable}
}

// PutPair writes to the durable tier first, then the fast tier.
func (s *TieredStore) PutPair(ctx context.Context, flowID string, pair Pair) error {
	if err := s.durable.PutPair(ctx, flowID, pair); err != nil {
		return err
	}
	// A fast-tier write failure is not fatal; the durable copy exists.
	_ = s.fast.PutPair(ctx, flowID, pair)
	return nil
}

// GetPair reads the fast tier, falling back to the durable tier on a miss.
func (s *TieredStore) GetPair(ctx context.Context, flowID string) (Pair, error) {
	pair, err := s.fast.GetPair(ctx, flowID)
	if err == nil {
		return pair, nil
	}

	pair, err = s.durable.GetPair(ctx, flowID)
	if err != nil {
		return Pair{}, err
	}

	_ = s.fast.PutPair(ctx, flowID, pair)
	return pair, nil
}

// DeletePair removes the pair from both tiers.
func (s *TieredStore) DeletePair(ctx context.Context, flowID string) error {
	_ = s.fast.DeletePair(ctx, flowID)
	return s.durable.DeletePair(ctx, flowID)
}
