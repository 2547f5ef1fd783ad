package relay

import (
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"Attester/internal/chain"
)

const (
	// defaultReplayTTL is how long an answered request is remembered.
	defaultReplayTTL = 10 * time.Minute

	// replayCleanupInterval is the interval between cleanup runs.
	replayCleanupInterval = 30 * time.Second
)

// replayEntry is the outcome of an answered request.
type replayEntry struct {
	receipt *chain.Receipt
	at      int64 // at is the unix nano time the entry was stored
}

// replayCache remembers receipts by request hash so a retransmitted
// request is answered without a second transaction.
type replayCache struct {
	seen map[[32]byte]replayEntry
	mu   sync.Mutex
	ttl  int64
	stop chan struct{}
	wg   sync.WaitGroup
}

func newReplayCache(ttl time.Duration) *replayCache {
	if ttl <= 0 {
		ttl = defaultReplayTTL
	}

	c := &replayCache{
		seen: make(map[[32]byte]replayEntry),
		ttl:  int64(ttl),
		stop: make(chan struct{}),
	}

	c.wg.Add(1)
	go c.cleanupLoop()

	return c
}

// get returns the stored receipt of data, if still fresh.
func (c *replayCache) get(data []byte) (*chain.Receipt, bool) {
	hash := blake3.Sum256(data)
	now := time.Now().UnixNano()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.seen[hash]
	if !ok || now-e.at >= c.ttl {
		return nil, false
	}

	return e.receipt, true
}

// put stores the receipt of data.
func (c *replayCache) put(data []byte, rc *chain.Receipt) {
	hash := blake3.Sum256(data)

	c.mu.Lock()
	c.seen[hash] = replayEntry{receipt: rc, at: time.Now().UnixNano()}
	c.mu.Unlock()
}

func (c *replayCache) close() {
	close(c.stop)
	c.wg.Wait()
}

func (c *replayCache) cleanupLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(replayCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stop:
			return
		}
	}
}

// cleanup removes expired entries.
func (c *replayCache) cleanup() {
	now := time.Now().UnixNano()

	c.mu.Lock()
	for hash, e := range c.seen {
		if now-e.at >= c.ttl {
			delete(c.seen, hash)
		}
	}
	c.mu.Unlock()
}
