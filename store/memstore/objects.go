package memstore

import (
	"context"
	"sync"

	"github.com/kabili207/camgate/store"
)

// Object is a stored blob.
type Object struct {
	Data        []byte
	ContentType string
}

// Objects is an in-memory store.ObjectStore.
type Objects struct {
	mu      sync.Mutex
	objects map[string]Object
	puts    int
	fail    error
}

var _ store.ObjectStore = (*Objects)(nil)

// NewObjects creates an empty object store.
func NewObjects() *Objects {
	return &Objects{objects: make(map[string]Object)}
}

// SetFailure makes every subsequent Put return err. Pass nil to clear.
func (o *Objects) SetFailure(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fail = err
}

func (o *Objects) Put(_ context.Context, path string, data []byte, contentType string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.fail != nil {
		return o.fail
	}
	o.objects[path] = Object{Data: append([]byte(nil), data...), ContentType: contentType}
	o.puts++
	return nil
}

func (o *Objects) Check(context.Context) error { return nil }

// Get returns the object at path.
func (o *Objects) Get(path string) (Object, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	obj, ok := o.objects[path]
	return obj, ok
}

// Paths returns every stored path.
func (o *Objects) Paths() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.objects))
	for p := range o.objects {
		out = append(out, p)
	}
	return out
}

// Puts returns the number of successful Put calls, including overwrites.
func (o *Objects) Puts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.puts
}
