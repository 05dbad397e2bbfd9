// Package uses provides the hierarchical container that supplies externally
// provided values to composite fragments.
//
// A Container maps (type, optional name) to a value. Lookups match by type
// assignability, so a value registered as *postgresStore is found when asking
// for the Store interface it implements. Lookups that miss locally fall back
// to the parent container; writes only ever touch the local maps.
//
// Expected usage:
//
//	defaults := uses.New().Use(cfg).UseWithName("primary", db)
//	perBuild := uses.NewWithParent(defaults).Use(requestID)
//	db, ok := uses.Lookup[*sql.DB](perBuild, "primary")
package uses

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// ErrResolvePanic is returned if a lookup panics internally.
var ErrResolvePanic = errors.New("uses: panic during Resolve")

type entry struct {
	typ reflect.Type
	val any
}

// Container is a hierarchical (type x name) -> value store.
//
// The zero value is not usable; construct with New, NewWithParent or CopyOf.
type Container struct {
	// mu is nil for containers created without ThreadSafe; the assembly-time
	// fast path then skips locking entirely.
	mu     *sync.RWMutex
	parent *Container

	// unnamed and named buckets keep registration order, newest last.
	unnamed []entry
	named   map[string][]entry
}

// Option configures a Container at construction.
type Option func(*Container)

// ThreadSafe makes every read and write on the container take a lock.
func ThreadSafe() Option {
	return func(c *Container) { c.mu = &sync.RWMutex{} }
}

// New creates an empty root container.
func New(opts ...Option) *Container {
	c := &Container{named: map[string][]entry{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewWithParent creates an empty container that delegates misses to parent.
func NewWithParent(parent *Container, opts ...Option) *Container {
	c := New(opts...)
	c.parent = parent
	return c
}

// CopyOf snapshots the local entries of src into a new container that shares
// src's parent and locking mode. Later writes to either container are not
// visible in the other.
func CopyOf(src *Container) *Container {
	if src == nil {
		return New()
	}
	src.rlock()
	defer src.runlock()

	cp := &Container{parent: src.parent, named: make(map[string][]entry, len(src.named))}
	if src.mu != nil {
		cp.mu = &sync.RWMutex{}
	}
	cp.unnamed = append([]entry(nil), src.unnamed...)
	for name, bucket := range src.named {
		cp.named[name] = append([]entry(nil), bucket...)
	}
	return cp
}

// Parent returns the container misses are delegated to, or nil.
func (c *Container) Parent() *Container { return c.parent }

// Use registers value without a name and returns the container for chaining.
//
// An unnamed registration replaces any earlier unnamed value of the same
// dynamic type. An untyped nil carries no type to index and is ignored.
func (c *Container) Use(value any) *Container {
	return c.UseWithName("", value)
}

// UseWithName registers value under name. An empty name is the unnamed bucket.
func (c *Container) UseWithName(name string, value any) *Container {
	if value == nil {
		return c
	}
	e := entry{typ: reflect.TypeOf(value), val: value}

	c.lock()
	defer c.unlock()

	if name == "" {
		c.unnamed = put(c.unnamed, e)
		return c
	}
	c.named[name] = put(c.named[name], e)
	return c
}

func put(bucket []entry, e entry) []entry {
	for i, old := range bucket {
		if old.typ == e.typ {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	return append(bucket, e)
}

// Remove deletes the local value that a lookup for (t, name) would return.
// The parent is never modified. It reports whether anything was removed.
func (c *Container) Remove(t reflect.Type, name string) bool {
	if t == nil {
		return false
	}
	c.lock()
	defer c.unlock()

	bucket := c.unnamed
	if name != "" {
		bucket = c.named[name]
	}
	i := match(bucket, t)
	if i < 0 {
		return false
	}
	bucket = append(bucket[:i], bucket[i+1:]...)
	if name == "" {
		c.unnamed = bucket
	} else {
		c.named[name] = bucket
	}
	return true
}

// match returns the index of the newest entry assignable to t, or -1.
func match(bucket []entry, t reflect.Type) int {
	for i := len(bucket) - 1; i >= 0; i-- {
		if bucket[i].typ.AssignableTo(t) {
			return i
		}
	}
	return -1
}

// Get returns the value registered for (t, name), searching the local
// container first and then each parent in turn. First hit wins.
func (c *Container) Get(t reflect.Type, name string) (any, bool) {
	if t == nil {
		return nil, false
	}
	for cur := c; cur != nil; cur = cur.parent {
		if v, ok := cur.local(t, name); ok {
			return v, true
		}
	}
	return nil, false
}

func (c *Container) local(t reflect.Type, name string) (any, bool) {
	c.rlock()
	defer c.runlock()

	bucket := c.unnamed
	if name != "" {
		bucket = c.named[name]
	}
	if i := match(bucket, t); i >= 0 {
		return bucket[i].val, true
	}
	return nil, false
}

// Has reports whether Get would find a value for (t, name).
func (c *Container) Has(t reflect.Type, name string) bool {
	_, ok := c.Get(t, name)
	return ok
}

// Resolve is Get with panics converted into errors.
func (c *Container) Resolve(t reflect.Type, name string) (val any, ok bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			val = nil
			ok = false
			err = fmt.Errorf("%w: %v", ErrResolvePanic, rec)
		}
	}()

	val, ok = c.Get(t, name)
	return val, ok, nil
}

// MustGet returns the value or panics with a helpful message.
func (c *Container) MustGet(t reflect.Type, name string) any {
	v, ok := c.Get(t, name)
	if !ok {
		panic(fmt.Errorf("uses: no value for %s named %q", t, name))
	}
	return v
}

// Len returns the number of local entries (parents are not counted).
func (c *Container) Len() int {
	c.rlock()
	defer c.runlock()

	n := len(c.unnamed)
	for _, bucket := range c.named {
		n += len(bucket)
	}
	return n
}

// Lookup is the typed form of Get.
func Lookup[T any](c *Container, name string) (T, bool) {
	var zero T
	if c == nil {
		return zero, false
	}
	v, ok := c.Get(reflect.TypeOf((*T)(nil)).Elem(), name)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// MustLookup is the typed form of MustGet.
func MustLookup[T any](c *Container, name string) T {
	return c.MustGet(reflect.TypeOf((*T)(nil)).Elem(), name).(T)
}

func (c *Container) lock() {
	if c.mu != nil {
		c.mu.Lock()
	}
}

func (c *Container) unlock() {
	if c.mu != nil {
		c.mu.Unlock()
	}
}

func (c *Container) rlock() {
	if c.mu != nil {
		c.mu.RLock()
	}
}

func (c *Container) runlock() {
	if c.mu != nil {
		c.mu.RUnlock()
	}
}
