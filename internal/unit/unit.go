// Package unit defines the contract for work dispatched to worker processes
// and the registry used to move units across a process boundary.
//
// Go values cannot carry code between processes, so every unit type is
// registered under a stable name in both the parent and the child (normally
// from a package init function). The parent encodes the unit's exported fields
// with msgpack; the child decodes them into a fresh value of the same type.
//
//	type Resize struct{ Path string }
//
//	func (r *Resize) Call(args ...any) error { ... }
//
//	func init() { unit.Register("resize", &Resize{}) }
package unit

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Unit is a unit of work executed inside a worker process.
type Unit interface {
	Call(args ...any) error
}

// Setuper is implemented by units that need one-time preparation before the
// first unit a worker process executes.
type Setuper interface {
	Setup() error
}

// ErrUnregistered is returned when packing or unpacking an unknown unit type.
var ErrUnregistered = errors.New("unit type not registered")

var (
	registryMu sync.RWMutex
	byName     = make(map[string]reflect.Type)
	byType     = make(map[reflect.Type]string)
)

// Register records the concrete type of u under name.
// It panics if either the name or the type is already registered.
func Register(name string, u Unit) {
	if name == "" {
		panic("unit: empty name")
	}
	if u == nil {
		panic("unit: nil unit")
	}
	t := reflect.TypeOf(u)

	registryMu.Lock()
	defer registryMu.Unlock()

	if existing, ok := byName[name]; ok {
		panic(fmt.Sprintf("unit: name %q already registered for %s", name, existing))
	}
	if existing, ok := byType[t]; ok {
		panic(fmt.Sprintf("unit: type %s already registered as %q", t, existing))
	}
	byName[name] = t
	byType[t] = name
}

// Name returns the registered name of u's type.
func Name(u Unit) (string, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	name, ok := byType[reflect.TypeOf(u)]
	return name, ok
}

// Envelope carries one scheduled unit and its arguments over a channel.
type Envelope struct {
	ID      string `msgpack:"id"`
	Unit    string `msgpack:"unit"`
	Payload []byte `msgpack:"payload"`
	Args    []any  `msgpack:"args"`
}

// Pack encodes u and args into an envelope with a fresh job ID.
func Pack(u Unit, args []any) (*Envelope, error) {
	name, ok := Name(u)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnregistered, u)
	}

	payload, err := msgpack.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("failed to encode unit %q: %w", name, err)
	}

	return &Envelope{
		ID:      ulid.Make().String(),
		Unit:    name,
		Payload: payload,
		Args:    args,
	}, nil
}

// Unpack instantiates the registered unit type and decodes the payload into it.
func (e *Envelope) Unpack() (Unit, []any, error) {
	registryMu.RLock()
	t, ok := byName[e.Unit]
	registryMu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnregistered, e.Unit)
	}

	var v reflect.Value
	if t.Kind() == reflect.Pointer {
		v = reflect.New(t.Elem())
		if err := msgpack.Unmarshal(e.Payload, v.Interface()); err != nil {
			return nil, nil, fmt.Errorf("failed to decode unit %q: %w", e.Unit, err)
		}
	} else {
		ptr := reflect.New(t)
		if err := msgpack.Unmarshal(e.Payload, ptr.Interface()); err != nil {
			return nil, nil, fmt.Errorf("failed to decode unit %q: %w", e.Unit, err)
		}
		v = ptr.Elem()
	}

	u, ok := v.Interface().(Unit)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s does not implement Unit", ErrUnregistered, t)
	}
	return u, e.Args, nil
}
