package speech

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Cache holds synthesized clips in memory so voice-output blocks can carry a
// short reference id instead of the audio itself. Clips expire after the TTL;
// a background loop reclaims them.
type Cache struct {
	ttl time.Duration

	mu    sync.Mutex
	clips map[string]clip

	stopC chan struct{}
	doneC chan struct{}
}

type clip struct {
	audio       []byte
	contentType string
	storedAt    time.Time
}

// NewCache creates a cache and starts its eviction loop. Call Shutdown to
// stop it.
func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	c := &Cache{
		ttl:   ttl,
		clips: make(map[string]clip),
		stopC: make(chan struct{}),
		doneC: make(chan struct{}),
	}
	go c.evictLoop()
	return c
}

// Put stores a clip and returns its reference id.
func (c *Cache) Put(audio []byte, contentType string) string {
	id := uuid.NewString()
	c.mu.Lock()
	c.clips[id] = clip{audio: audio, contentType: contentType, storedAt: time.Now()}
	c.mu.Unlock()
	return id
}

// Get returns the clip for id. Expired clips are treated as missing even if
// the eviction loop has not swept them yet.
func (c *Cache) Get(id string) ([]byte, string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl, ok := c.clips[id]
	if !ok {
		return nil, "", false
	}
	if time.Since(cl.storedAt) > c.ttl {
		delete(c.clips, id)
		return nil, "", false
	}
	return cl.audio, cl.contentType, true
}

// Len reports how many clips are currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clips)
}

// Shutdown stops the eviction loop and blocks until it exits.
func (c *Cache) Shutdown() {
	close(c.stopC)
	<-c.doneC
}

func (c *Cache) evictLoop() {
	defer close(c.doneC)

	ticker := time.NewTicker(c.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopC:
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *Cache) evictExpired() {
	cutoff := time.Now().Add(-c.ttl)
	c.mu.Lock()
	for id, cl := range c.clips {
		if cl.storedAt.Before(cutoff) {
			delete(c.clips, id)
		}
	}
	c.mu.Unlock()
}
