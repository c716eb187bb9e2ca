package envelope

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/meow-io/slick-nse/ids"
	"golang.org/x/exp/maps"
)

// Delivery is a decrypted payload handed to the notification layer.
type Delivery struct {
	EnvelopeID     string
	ConversationID ids.ID
	Type           PayloadType
	Data           []byte
}

// Handler turns a delivery into user visible content. It runs inside the envelope
// transaction, returning an error rolls the whole envelope back so it can be retried.
// Handlers must not use the database.
type Handler interface {
	Handle(ctx context.Context, d *Delivery) error
}

type HandlerFunc func(ctx context.Context, d *Delivery) error

func (f HandlerFunc) Handle(ctx context.Context, d *Delivery) error {
	return f(ctx, d)
}

type Registry struct {
	lock     sync.RWMutex
	handlers map[PayloadType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[PayloadType]Handler)}
}

// Register installs the one handler for t.
func (r *Registry) Register(t PayloadType, h Handler) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	if _, ok := r.handlers[t]; ok {
		return fmt.Errorf("envelope: handler for %s already registered", t)
	}
	r.handlers[t] = h
	return nil
}

func (r *Registry) Lookup(t PayloadType) (Handler, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

func (r *Registry) Types() []PayloadType {
	r.lock.RLock()
	types := maps.Keys(r.handlers)
	r.lock.RUnlock()
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
