package detect

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultExpressionCacheSize bounds the number of compiled expressions kept.
const DefaultExpressionCacheSize = 512

// ExpressionCache memoizes compiled expressions by source text. Rules are
// re-read from disk on every pass, so the same expressions are compiled
// repeatedly; the cache is keyed by text, never by rule id.
type ExpressionCache struct {
	cache *lru.Cache[string, *Expression]
}

// NewExpressionCache creates a cache holding up to size entries.
func NewExpressionCache(size int) (*ExpressionCache, error) {
	if size <= 0 {
		size = DefaultExpressionCacheSize
	}
	c, err := lru.New[string, *Expression](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create expression cache: %w", err)
	}
	return &ExpressionCache{cache: c}, nil
}

// Compile returns the cached expression for source, compiling on miss.
// Compile errors are not cached.
func (c *ExpressionCache) Compile(source string) (*Expression, error) {
	if expr, ok := c.cache.Get(source); ok {
		return expr, nil
	}
	expr, err := Compile(source)
	if err != nil {
		return nil, err
	}
	c.cache.Add(source, expr)
	return expr, nil
}

// Len returns the number of cached expressions.
func (c *ExpressionCache) Len() int {
	return c.cache.Len()
}
