// Package attr implements the typed key/value annotations attached to jobs,
// nodes, processes and events. A value is stored as an interface with a
// parallel Type tag; the tag is checked on every read and write.
package attr

import (
	"bytes"
	"fmt"
	"reflect"
	"time"

	"github.com/seantiz/anvil/internal/status"
)

// Type discriminates the payload of an Attribute.
type Type uint8

const (
	TypeUndef Type = iota
	TypeBool
	TypeInt32
	TypeInt64
	TypeUint32
	TypeUint64
	TypeString
	TypeBytes
	TypeDuration
	TypeTime
	TypeProc
	TypePointer
	TypeEnvar
)

var typeNames = [...]string{
	TypeUndef:    "undef",
	TypeBool:     "bool",
	TypeInt32:    "int32",
	TypeInt64:    "int64",
	TypeUint32:   "uint32",
	TypeUint64:   "uint64",
	TypeString:   "string",
	TypeBytes:    "bytes",
	TypeDuration: "duration",
	TypeTime:     "time",
	TypeProc:     "proc",
	TypePointer:  "pointer",
	TypeEnvar:    "envar",
}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", t)
}

// ProcName identifies one process: the job it belongs to and its rank.
type ProcName struct {
	Job  string `json:"job"`
	Rank uint32 `json:"rank"`
}

func (p ProcName) String() string {
	return fmt.Sprintf("[%s,%d]", p.Job, p.Rank)
}

// Envar is an environment directive. Multiple Envar attributes under the
// same key are applied in collection order.
type Envar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Attribute is one annotation. Local attributes never leave the process.
type Attribute struct {
	Key   Key
	Local bool
	Type  Type
	Value any
}

// New builds an attribute after checking that value matches typ.
func New(key Key, local bool, value any, typ Type) (Attribute, error) {
	if err := checkValue(value, typ); err != nil {
		return Attribute{}, fmt.Errorf("attribute %s: %w", Name(key), err)
	}
	return Attribute{Key: key, Local: local, Type: typ, Value: value}, nil
}

// Must is New for built-in values known to be well typed. It panics on a
// mismatch.
func Must(key Key, local bool, value any, typ Type) Attribute {
	a, err := New(key, local, value, typ)
	if err != nil {
		panic(err)
	}
	return a
}

func checkValue(v any, typ Type) error {
	var ok bool
	switch typ {
	case TypeBool:
		_, ok = v.(bool)
	case TypeInt32:
		_, ok = v.(int32)
	case TypeInt64:
		_, ok = v.(int64)
	case TypeUint32:
		_, ok = v.(uint32)
	case TypeUint64:
		_, ok = v.(uint64)
	case TypeString:
		_, ok = v.(string)
	case TypeBytes:
		_, ok = v.([]byte)
	case TypeDuration:
		_, ok = v.(time.Duration)
	case TypeTime:
		_, ok = v.(time.Time)
	case TypeProc:
		_, ok = v.(ProcName)
	case TypePointer:
		ok = v != nil && reflect.TypeOf(v).Kind() == reflect.Pointer
	case TypeEnvar:
		_, ok = v.(Envar)
	}
	if !ok {
		return fmt.Errorf("value %T is not a %s: %w", v, typ, status.ErrBadParam)
	}
	return nil
}

// Equal reports whether two attributes carry the same key, type and value.
// Locality is not compared.
func (a Attribute) Equal(b Attribute) bool {
	if a.Key != b.Key || a.Type != b.Type {
		return false
	}
	switch a.Type {
	case TypeBytes:
		return bytes.Equal(a.Value.([]byte), b.Value.([]byte))
	case TypeTime:
		return a.Value.(time.Time).Equal(b.Value.(time.Time))
	default:
		return a.Value == b.Value
	}
}

func (a Attribute) String() string {
	scope := "global"
	if a.Local {
		scope = "local"
	}
	switch a.Type {
	case TypePointer:
		return fmt.Sprintf("%s(%s,%s)=%p", Name(a.Key), a.Type, scope, a.Value)
	case TypeBytes:
		return fmt.Sprintf("%s(%s,%s)=%d bytes", Name(a.Key), a.Type, scope, len(a.Value.([]byte)))
	default:
		return fmt.Sprintf("%s(%s,%s)=%v", Name(a.Key), a.Type, scope, a.Value)
	}
}
