package attr

import (
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/anvil/internal/status"
)

// Collection is an ordered list of attributes. Keys need not be unique:
// Add and Prepend stack repeated keys, and FetchNext walks them. The zero
// value is an empty collection ready for use. A Collection is not safe for
// concurrent mutation.
type Collection struct {
	attrs []Attribute
}

// NewCollection returns a collection holding attrs in order. It fails when
// two attrs share a key with different types.
func NewCollection(attrs ...Attribute) (Collection, error) {
	var c Collection
	for _, a := range attrs {
		if err := c.insert(a, false); err != nil {
			return Collection{}, err
		}
	}
	return c, nil
}

// Len returns the number of attributes, counting repeated keys.
func (c *Collection) Len() int {
	return len(c.attrs)
}

// All returns a copy of the attributes in insertion order.
func (c *Collection) All() []Attribute {
	out := make([]Attribute, len(c.attrs))
	copy(out, c.attrs)
	return out
}

// Clone returns an independent copy of the collection. Pointer values are
// shared.
func (c *Collection) Clone() Collection {
	return Collection{attrs: c.All()}
}

// Lookup returns the first attribute with key.
func (c *Collection) Lookup(key Key) (Attribute, bool) {
	for _, a := range c.attrs {
		if a.Key == key {
			return a, true
		}
	}
	return Attribute{}, false
}

// Get returns the value of the first attribute with key. It fails with
// ErrTypeMismatch when that attribute was stored with a type other than typ.
func (c *Collection) Get(key Key, typ Type) (any, bool, error) {
	a, ok := c.Lookup(key)
	if !ok {
		return nil, false, nil
	}
	if a.Type != typ {
		return nil, true, fmt.Errorf("get %s as %s, stored as %s: %w", Name(key), typ, a.Type, status.ErrTypeMismatch)
	}
	return a.Value, true, nil
}

// Set overwrites the first attribute with key or appends one when the key is
// absent.
func (c *Collection) Set(key Key, local bool, value any, typ Type) error {
	a, err := New(key, local, value, typ)
	if err != nil {
		return err
	}
	for i := range c.attrs {
		if c.attrs[i].Key != key {
			continue
		}
		if c.attrs[i].Type != typ {
			return fmt.Errorf("set %s as %s, stored as %s: %w", Name(key), typ, c.attrs[i].Type, status.ErrTypeMismatch)
		}
		c.attrs[i] = a
		return nil
	}
	c.attrs = append(c.attrs, a)
	return nil
}

// Add appends an attribute even if the key is already present.
func (c *Collection) Add(key Key, local bool, value any, typ Type) error {
	a, err := New(key, local, value, typ)
	if err != nil {
		return err
	}
	return c.insert(a, false)
}

// Prepend inserts an attribute at the head even if the key is already present.
func (c *Collection) Prepend(key Key, local bool, value any, typ Type) error {
	a, err := New(key, local, value, typ)
	if err != nil {
		return err
	}
	return c.insert(a, true)
}

// Append adds a pre-built attribute to the tail.
func (c *Collection) Append(a Attribute) error {
	if err := checkValue(a.Value, a.Type); err != nil {
		return fmt.Errorf("attribute %s: %w", Name(a.Key), err)
	}
	return c.insert(a, false)
}

func (c *Collection) insert(a Attribute, head bool) error {
	if prev, ok := c.Lookup(a.Key); ok && prev.Type != a.Type {
		return fmt.Errorf("add %s as %s, stored as %s: %w", Name(a.Key), a.Type, prev.Type, status.ErrTypeMismatch)
	}
	if head {
		c.attrs = append([]Attribute{a}, c.attrs...)
		return nil
	}
	c.attrs = append(c.attrs, a)
	return nil
}

// FetchNext returns the attribute with key that follows prev, or the first
// one when prev is nil. prev must have been returned by FetchNext on this
// collection with no mutation since. It returns nil when no entry remains.
func (c *Collection) FetchNext(prev *Attribute, key Key) *Attribute {
	start := 0
	if prev != nil {
		start = -1
		for i := range c.attrs {
			if &c.attrs[i] == prev {
				start = i + 1
				break
			}
		}
		if start < 0 {
			return nil
		}
	}
	for i := start; i < len(c.attrs); i++ {
		if c.attrs[i].Key == key {
			return &c.attrs[i]
		}
	}
	return nil
}

// Remove deletes the first attribute with key and reports whether one existed.
func (c *Collection) Remove(key Key) bool {
	for i := range c.attrs {
		if c.attrs[i].Key == key {
			c.attrs = append(c.attrs[:i], c.attrs[i+1:]...)
			return true
		}
	}
	return false
}

// Global returns the attributes eligible to cross a process boundary.
func (c *Collection) Global() Collection {
	var out Collection
	for _, a := range c.attrs {
		if !a.Local {
			out.attrs = append(out.attrs, a)
		}
	}
	return out
}

// Contains reports whether every attribute of match is present in c with an
// equal value.
func (c *Collection) Contains(match *Collection) bool {
	for _, want := range match.attrs {
		found := false
		for _, have := range c.attrs {
			if have.Equal(want) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (c *Collection) String() string {
	parts := make([]string, len(c.attrs))
	for i, a := range c.attrs {
		parts[i] = a.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func getAs[T any](c *Collection, key Key, typ Type) (T, bool, error) {
	var zero T
	v, ok, err := c.Get(key, typ)
	if err != nil || !ok {
		return zero, ok, err
	}
	return v.(T), true, nil
}

func (c *Collection) GetBool(key Key) (bool, bool, error) { return getAs[bool](c, key, TypeBool) }

func (c *Collection) GetInt32(key Key) (int32, bool, error) { return getAs[int32](c, key, TypeInt32) }

func (c *Collection) GetInt64(key Key) (int64, bool, error) { return getAs[int64](c, key, TypeInt64) }

func (c *Collection) GetUint32(key Key) (uint32, bool, error) {
	return getAs[uint32](c, key, TypeUint32)
}

func (c *Collection) GetString(key Key) (string, bool, error) {
	return getAs[string](c, key, TypeString)
}

func (c *Collection) GetDuration(key Key) (time.Duration, bool, error) {
	return getAs[time.Duration](c, key, TypeDuration)
}

func (c *Collection) GetProc(key Key) (ProcName, bool, error) {
	return getAs[ProcName](c, key, TypeProc)
}

// GetPointer returns a pointer-valued attribute. Callers type-assert the
// result to the concrete pointer they embedded.
func (c *Collection) GetPointer(key Key) (any, bool, error) { return c.Get(key, TypePointer) }
