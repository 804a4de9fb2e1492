package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/md-rashed-zaman/apptsched/services/booking-service/internal/apperr"
)

// KeyedLocks is a set of per-key mutexes whose acquisition can time out. Keys never contend with
// each other, so different staff members are locked independently.
type KeyedLocks struct {
	mu    sync.Mutex
	slots map[string]*keySlot
}

type keySlot struct {
	ch   chan struct{}
	refs int
}

func NewKeyedLocks() *KeyedLocks {
	return &KeyedLocks{slots: map[string]*keySlot{}}
}

// Acquire locks keys in the given order, which callers keep sorted to avoid lock-order
// inversions. The returned func releases all of them.
func (k *KeyedLocks) Acquire(ctx context.Context, keys []string, timeout time.Duration) (func(), error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	held := make([]string, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			k.unlock(held[i])
		}
	}
	for _, key := range keys {
		slot := k.ref(key)
		select {
		case slot.ch <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			k.unref(key)
			release()
			return nil, fmt.Errorf("%w: staff %s", apperr.ErrLockTimeout, key)
		}
	}
	return release, nil
}

func (k *KeyedLocks) ref(key string) *keySlot {
	k.mu.Lock()
	defer k.mu.Unlock()
	slot, ok := k.slots[key]
	if !ok {
		slot = &keySlot{ch: make(chan struct{}, 1)}
		k.slots[key] = slot
	}
	slot.refs++
	return slot
}

func (k *KeyedLocks) unref(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if slot, ok := k.slots[key]; ok {
		slot.refs--
		if slot.refs == 0 {
			delete(k.slots, key)
		}
	}
}

func (k *KeyedLocks) unlock(key string) {
	k.mu.Lock()
	slot := k.slots[key]
	k.mu.Unlock()
	if slot != nil {
		<-slot.ch
	}
	k.unref(key)
}

// SortedKeys returns the distinct non-empty keys in ascending order.
func SortedKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
