package conversation

import "sync"

// PromptCache holds the current system prompt with an explicit version so
// callers can invalidate it deliberately instead of relying on hidden
// module-level state.
type PromptCache struct {
	mu      sync.RWMutex
	value   string
	version int64
}

// NewPromptCache creates a cache seeded with the given prompt.
func NewPromptCache(prompt string) *PromptCache {
	c := &PromptCache{}
	if prompt != "" {
		c.Set(prompt)
	}
	return c
}

// Get returns the cached prompt and its version.
func (c *PromptCache) Get() (string, int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.value, c.version
}

// Set replaces the prompt and bumps the version.
func (c *PromptCache) Set(prompt string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = prompt
	c.version++
	return c.version
}

// Invalidate clears the prompt. The next Get returns an empty value with a
// new version, forcing callers to reload.
func (c *PromptCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = ""
	c.version++
}
