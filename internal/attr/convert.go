package attr

import (
	"fmt"
	"sync"

	"github.com/seantiz/anvil/internal/status"
)

// MaxConverters is the capacity of a converter registry.
const MaxConverters = 5

// UnknownKey is returned by KeyToString for a key no table recognises.
const UnknownKey = "UNKNOWN-KEY"

// ConverterFunc renders an extension key as a string.
type ConverterFunc func(Key) string

type converter struct {
	project string
	low     Key
	high    Key
	fn      ConverterFunc
}

// Converters resolves keys outside the built-in ranges. Entries are appended
// and never removed. It is safe for concurrent use.
type Converters struct {
	mu      sync.RWMutex
	entries []converter
}

// NewConverters creates an empty converter registry.
func NewConverters() *Converters {
	return &Converters{}
}

// Register adds a converter for the half-open key range [low, high). The
// range must lie at or above BuiltinKeyMax.
func (c *Converters) Register(project string, low, high Key, fn ConverterFunc) error {
	if project == "" || fn == nil || low >= high || low < BuiltinKeyMax {
		return fmt.Errorf("register converter %q [%d,%d): %w", project, low, high, status.ErrBadParam)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= MaxConverters {
		return fmt.Errorf("register converter %q: %w", project, status.ErrOutOfResources)
	}
	c.entries = append(c.entries, converter{project: project, low: low, high: high, fn: fn})
	return nil
}

// KeyToString never fails: built-in keys come from the key table, others
// from the first converter whose range holds the key, and anything left
// yields UnknownKey.
func (c *Converters) KeyToString(key Key) string {
	if s, ok := builtinKeys[key]; ok {
		return s
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, e := range c.entries {
		if key >= e.low && key < e.high {
			return e.fn(key)
		}
	}
	return UnknownKey
}

// Projects lists the registered converter projects in registration order.
func (c *Converters) Projects() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.project
	}
	return out
}
