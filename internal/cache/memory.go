package cache

import (
	"context"
	"fmt"
	"sync"
)

type memoryEntry struct {
	entry   Entry
	payload []byte
}

// MemoryStore is a process-local Store, used for offline dry runs and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryEntry
	opts  options
}

func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{
		items: make(map[string]memoryEntry),
		opts:  buildOptions(opts),
	}
}

func (c *MemoryStore) Get(ctx context.Context, key Key) (*Entry, bool, error) {
	e, _, ok, err := c.Load(ctx, key)
	return e, ok, err
}

func (c *MemoryStore) Exists(ctx context.Context, key Key) (bool, error) {
	_, ok, err := c.Get(ctx, key)
	return ok, err
}

func (c *MemoryStore) Load(ctx context.Context, key Key) (*Entry, []byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, false, fmt.Errorf("context error: %w", err)
	}

	c.mu.RLock()
	item, ok := c.items[key.Hash]
	c.mu.RUnlock()

	if !ok {
		return nil, nil, false, nil
	}
	if err := verify(&item.entry, key, item.payload); err != nil {
		c.opts.corrupt(key, "verify payload", err)
		return nil, nil, false, nil
	}

	e := item.entry
	payload := make([]byte, len(item.payload))
	copy(payload, item.payload)
	return &e, payload, true, nil
}

// Put replaces the entry for key in a single map assignment.
func (c *MemoryStore) Put(ctx context.Context, key Key, payload []byte, cov Coverage) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context error: %w", err)
	}

	// Copy to decouple from caller's buffer
	valueCopy := make([]byte, len(payload))
	copy(valueCopy, payload)

	e := newEntry(key, valueCopy, cov, c.opts.now())
	e.PayloadRef = "memory:" + key.Hash

	c.mu.Lock()
	c.items[key.Hash] = memoryEntry{entry: *e, payload: valueCopy}
	c.mu.Unlock()

	out := *e
	return &out, nil
}

// Len returns the number of entries.
func (c *MemoryStore) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Clear removes all entries.
func (c *MemoryStore) Clear() {
	c.mu.Lock()
	c.items = make(map[string]memoryEntry)
	c.mu.Unlock()
}
