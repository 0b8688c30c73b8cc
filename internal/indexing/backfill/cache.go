package backfill

import (
	"context"
	"slices"
	"sync"

	"github.com/vietddude/chainsync/internal/core/domain"
)

// blockCall is one memoized block fetch. done is closed once block or err
// is set.
type blockCall struct {
	done  chan struct{}
	block *domain.Block
	err   error
}

// blockCache guarantees at most one fetch per block number per pass.
// Fetches run under the pass context so that a failing Source does not
// cancel a block another Source is waiting on.
type blockCache struct {
	ctx   context.Context
	fetch func(ctx context.Context, number uint64) (*domain.Block, error)

	mu    sync.Mutex
	calls map[uint64]*blockCall
}

func newBlockCache(
	ctx context.Context,
	fetch func(ctx context.Context, number uint64) (*domain.Block, error),
) *blockCache {
	return &blockCache{ctx: ctx, fetch: fetch, calls: make(map[uint64]*blockCall)}
}

// start begins fetching number unless a fetch is already under way.
func (c *blockCache) start(number uint64) *blockCall {
	c.mu.Lock()
	call, ok := c.calls[number]
	if !ok {
		call = &blockCall{done: make(chan struct{})}
		c.calls[number] = call
	}
	c.mu.Unlock()

	if !ok {
		go func() {
			call.block, call.err = c.fetch(c.ctx, number)
			close(call.done)
		}()
	}
	return call
}

// get returns block number, waiting for the shared fetch.
func (c *blockCache) get(ctx context.Context, number uint64) (*domain.Block, error) {
	return c.start(number).wait(ctx)
}

func (call *blockCall) wait(ctx context.Context) (*domain.Block, error) {
	select {
	case <-call.done:
		return call.block, call.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// blocks returns every successfully fetched block in number order. Fetches
// still running are skipped.
func (c *blockCache) blocks() []*domain.Block {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*domain.Block
	for _, call := range c.calls {
		select {
		case <-call.done:
			if call.err == nil && call.block != nil {
				out = append(out, call.block)
			}
		default:
		}
	}
	slices.SortFunc(out, func(a, b *domain.Block) int {
		switch {
		case a.Number < b.Number:
			return -1
		case a.Number > b.Number:
			return 1
		}
		return 0
	})
	return out
}

// hashSet is a concurrent set of transaction hashes.
type hashSet struct {
	mu     sync.Mutex
	hashes map[string]struct{}
}

func newHashSet() *hashSet {
	return &hashSet{hashes: make(map[string]struct{})}
}

func (s *hashSet) add(hashes ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range hashes {
		s.hashes[h] = struct{}{}
	}
}

func (s *hashSet) has(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.hashes[hash]
	return ok
}
