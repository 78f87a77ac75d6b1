package nonce

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is a volatile Ledger. Entries are lost on restart, so it only
// guards against replays within one process lifetime; the contract's on-chain
// used-set remains the final arbiter.
type MemoryLedger struct {
	mu   sync.Mutex
	used map[string]time.Time
}

// NewMemoryLedger creates an empty in-memory ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{used: make(map[string]time.Time)}
}

func (l *MemoryLedger) Has(ctx context.Context, key Key) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.used[key.String()]
	return ok, nil
}

func (l *MemoryLedger) CheckAndMark(ctx context.Context, key Key) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	k := key.String()
	if _, ok := l.used[k]; ok {
		return false, nil
	}
	l.used[k] = time.Now()
	return true, nil
}

// Len returns the number of consumed nonces
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.used)
}
