package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ChannelCallback receives the payload of one push frame.
type ChannelCallback func(payload json.RawMessage)

// Subscription describes a channel known to a Router.
type Subscription struct {
	Tag       string
	CreatedAt time.Time
	Callbacks int
	// Active is false once the connection that opened the channel closed.
	// A suspended channel receives nothing until it is registered again.
	Active bool
}

type channel struct {
	tag       string
	createdAt time.Time
	callbacks []ChannelCallback
	active    bool
}

// Router maps channel tags to callbacks and dispatches push frames.
// It is safe for concurrent use.
type Router struct {
	mu       sync.RWMutex
	channels map[string]*channel
	now      func() time.Time
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{
		channels: make(map[string]*channel),
		now:      time.Now,
	}
}

// On appends cb to tag's callbacks, creating the channel if needed.
// Registering on a suspended channel starts it afresh: the callbacks left
// over from the previous connection are discarded.
func (r *Router) On(tag string, cb ChannelCallback) {
	if cb == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[tag]
	if !ok || !ch.active {
		ch = &channel{tag: tag, createdAt: r.now(), active: true}
		r.channels[tag] = ch
	}
	ch.callbacks = append(ch.callbacks, cb)
}

// Off forgets tag. Later frames for it are dropped. It reports whether tag was known.
func (r *Router) Off(tag string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.channels[tag]
	delete(r.channels, tag)
	return ok
}

// Has reports whether tag is registered and active.
func (r *Router) Has(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.channels[tag]
	return ok && ch.active
}

// Dispatch hands payload to every callback of tag, once each, in
// registration order, on the calling goroutine. Callbacks run without the
// router lock held so they may call On or Off. delivered is false when tag
// is unknown or suspended. A panicking callback is recovered; its panic is
// returned wrapped in ErrCallbackPanic and the remaining callbacks still run.
func (r *Router) Dispatch(tag string, payload json.RawMessage) (delivered bool, err error) {
	r.mu.RLock()
	ch, ok := r.channels[tag]
	if !ok || !ch.active {
		r.mu.RUnlock()
		return false, nil
	}
	callbacks := make([]ChannelCallback, len(ch.callbacks))
	copy(callbacks, ch.callbacks)
	r.mu.RUnlock()

	var errs []error
	for i, cb := range callbacks {
		if perr := invokeCallback(cb, payload); perr != nil {
			errs = append(errs, fmt.Errorf("%w: tag %s callback %d: %v", ErrCallbackPanic, tag, i, perr))
		}
	}

	return true, errors.Join(errs...)
}

func invokeCallback(cb ChannelCallback, payload json.RawMessage) (recovered any) {
	defer func() {
		recovered = recover()
	}()
	cb(payload)
	return nil
}

// Suspend marks every channel inactive. The records stay listed by
// Subscriptions so the owner can see what needs to be subscribed again.
func (r *Router) Suspend() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, ch := range r.channels {
		ch.active = false
	}
}

// Subscriptions returns a snapshot of all channels ordered by creation time.
func (r *Router) Subscriptions() []Subscription {
	r.mu.RLock()
	subs := make([]Subscription, 0, len(r.channels))
	for _, ch := range r.channels {
		subs = append(subs, Subscription{
			Tag:       ch.tag,
			CreatedAt: ch.createdAt,
			Callbacks: len(ch.callbacks),
			Active:    ch.active,
		})
	}
	r.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].Tag < subs[j].Tag
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
	return subs
}
