package ingest

import (
	"regexp"
	"sync"
)

// PatternCache memoizes compiled rule patterns keyed by pattern text so the
// classifier does not recompile per message. Store-once-read-many: a racing
// miss compiles twice at worst, never yields a wrong result.
type PatternCache struct {
	patterns sync.Map // pattern text -> *regexp.Regexp
}

// NewPatternCache returns an empty cache.
func NewPatternCache() *PatternCache {
	return &PatternCache{}
}

// Get returns the compiled pattern, compiling and caching it on a miss.
// Invalid patterns return the compile error and are not cached.
func (c *PatternCache) Get(pattern string) (*regexp.Regexp, error) {
	if cached, ok := c.patterns.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	c.patterns.Store(pattern, compiled)
	return compiled, nil
}

// Reset drops all cached patterns.
func (c *PatternCache) Reset() {
	c.patterns = sync.Map{}
}
