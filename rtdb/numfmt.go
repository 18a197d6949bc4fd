// Package rtdb is the sole interface between VoltGrid services and the
// real-time data bus. It owns the key space, the canonical wire encoding of
// point values, the change/command envelopes, the change publisher, and the
// server-side function contract.
package rtdb

import (
	"fmt"
	"strconv"
	"sync"
)

// Numeric point values cross the bus as fixed decimals with exactly six
// fractional digits, no exponent, ASCII. Parsers accept any parseable decimal;
// writers must emit this form.
const fractionDigits = 6

// FormatFloat renders v in the canonical wire form, e.g. 25 -> "25.000000".
func FormatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', fractionDigits, 64)
}

// FormatBool renders a discrete value as "0" or "1".
func FormatBool(v bool) string {
	if v {
		return "1"
	}
	return "0"
}

// ParseFloat accepts any parseable decimal (canonical or not).
func ParseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("rtdb: bad decimal %q: %w", s, err)
	}
	return v, nil
}

// ParseBool accepts "0"/"1" plus any decimal, treating nonzero as true.
func ParseBool(s string) (bool, error) {
	switch s {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	v, err := ParseFloat(s)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// =============================================================================
// POINT ID CACHE
// =============================================================================

// PointIDCache caches the decimal rendering of point ids. Ids in field
// deployments are small and heavily reused, so a slice-backed cache covers the
// hot path; larger ids fall back to a fresh conversion.
type PointIDCache struct {
	mu    sync.RWMutex
	cache []string
}

const defaultPointIDCacheSize = 1024

// NewPointIDCache creates a cache covering ids 0..1023.
func NewPointIDCache() *PointIDCache {
	return &PointIDCache{cache: make([]string, defaultPointIDCacheSize)}
}

// Get returns the decimal string for id, caching small ids.
func (c *PointIDCache) Get(id uint32) string {
	if int(id) >= len(c.cache) {
		return strconv.FormatUint(uint64(id), 10)
	}
	c.mu.RLock()
	s := c.cache[id]
	c.mu.RUnlock()
	if s != "" {
		return s
	}
	s = strconv.FormatUint(uint64(id), 10)
	c.mu.Lock()
	c.cache[id] = s
	c.mu.Unlock()
	return s
}
