// Package locator is the subscription core of the daemon. It owns the client
// contexts, one registry per event kind, the router, and the per-context
// single-shot coordinators, and it wires them to a producer.
package locator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/charlie0129/locd/pkg/bridge"
	"github.com/charlie0129/locd/pkg/dispatch"
	"github.com/charlie0129/locd/pkg/events"
	"github.com/charlie0129/locd/pkg/handle"
	"github.com/charlie0129/locd/pkg/provider"
	"github.com/charlie0129/locd/pkg/router"
	"github.com/charlie0129/locd/pkg/subscription"
)

var (
	// ErrUnknownContext is returned for context ids that were never
	// attached or are already detached.
	ErrUnknownContext = pkgerrors.New("unknown client context")
	// ErrInvalidArgument is returned for configuration arguments that do not
	// decode or validate.
	ErrInvalidArgument = pkgerrors.New("invalid argument")
)

const (
	defaultSingleShotTimeout = 10 * time.Second
	defaultDrainTimeout      = 2 * time.Second
	defaultOutboxSize        = 256
	defaultAttachGrace       = 30 * time.Second
)

// Options configures a Locator.
type Options struct {
	Producer          provider.Producer
	Equality          handle.Equality // nil means handle.StrictEquality
	SingleShotTimeout time.Duration
	DrainTimeout      time.Duration
	OutboxSize        int // per-context event buffer for remote streams
	// AttachGrace is how long a context may go without ever opening an
	// event stream before it is detached.
	AttachGrace time.Duration
}

type client struct {
	id       dispatch.ContextID
	identity provider.Identity
	created  time.Time
	hub      *events.EventHub
	single   *bridge.SingleShot

	// mu is held for reading while subscribing and for writing while
	// detaching, so no subscription outlives its context.
	mu     sync.RWMutex
	closed bool

	streamed atomic.Bool
	lease    *time.Timer

	reqMu sync.Mutex
	req   events.SingleShotRequest
}

// Locator implements On, Off and RequestOnce for attached client contexts.
type Locator struct {
	opts       Options
	producer   provider.Producer
	dispatcher *dispatch.Dispatcher
	registries map[string]*subscription.Registry
	router     *router.Router
	validate   *validator.Validate

	mu      sync.RWMutex
	clients map[dispatch.ContextID]*client

	cancelWatch func()
}

// New builds the registries and the router and starts watching the
// producer for death.
func New(opts Options) (*Locator, error) {
	if opts.Producer == nil {
		return nil, pkgerrors.New("producer is required")
	}
	if opts.Equality == nil {
		opts.Equality = handle.StrictEquality{}
	}
	if opts.SingleShotTimeout <= 0 {
		opts.SingleShotTimeout = defaultSingleShotTimeout
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = defaultDrainTimeout
	}
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = defaultOutboxSize
	}
	if opts.AttachGrace <= 0 {
		opts.AttachGrace = defaultAttachGrace
	}

	l := &Locator{
		opts:       opts,
		producer:   opts.Producer,
		dispatcher: dispatch.NewDispatcher(),
		registries: make(map[string]*subscription.Registry),
		validate:   validator.New(),
		clients:    make(map[dispatch.ContextID]*client),
	}

	var entries []router.Entry
	for _, spec := range kindSpecs() {
		reg := subscription.NewRegistry(spec.kind, opts.Equality)
		l.registries[spec.kind] = reg
		entries = append(entries, router.Entry{
			Kind:       spec.kind,
			MinArgs:    spec.onArgs,
			MaxArgs:    spec.onArgs,
			OffMaxArgs: spec.offMax,
			Registry:   reg,
			Subscribe:  l.subscriber(spec, reg),
			UnsubscribeOne: func(ctx dispatch.ContextID, token handle.Token) bool {
				return reg.Remove(ctx, token)
			},
			UnsubscribeAll: func(ctx dispatch.ContextID) bool {
				return len(reg.RemoveAllForContext(ctx)) > 0
			},
		})
	}

	r, err := router.New(entries...)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to build router")
	}
	l.router = r
	l.cancelWatch = l.producer.WatchDeath(l.onProducerDeath)

	return l, nil
}

// Kinds returns the event kinds On and Off accept.
func (l *Locator) Kinds() []string {
	return l.router.Kinds()
}

// Attach creates a client context with its own run loop.
func (l *Locator) Attach(identity provider.Identity) (dispatch.ContextID, error) {
	id := dispatch.ContextID(uuid.NewString())
	if _, err := l.dispatcher.Open(id); err != nil {
		return "", err
	}

	c := &client{
		id:       id,
		identity: identity,
		created:  time.Now(),
		hub:      events.NewEventHub(l.opts.OutboxSize),
	}
	c.single = bridge.NewSingleShot(events.LocationChange, id, l.dispatcher, l.issueSingleShot(c))

	c.lease = time.AfterFunc(l.opts.AttachGrace, func() {
		if c.streamed.Load() {
			return
		}
		if released, err := l.Release(id); released {
			logrus.WithField("context", id).WithError(err).Warn("client never opened an event stream, detached")
		}
	})

	l.mu.Lock()
	l.clients[id] = c
	l.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"context": id,
		"uid":     identity.UID,
		"pid":     identity.PID,
		"name":    identity.Name,
	}).Info("client attached")
	return id, nil
}

// Detach removes every subscription of the context, fails a pending
// single-shot request, waits for in-flight deliveries and closes the run
// loop.
func (l *Locator) Detach(id dispatch.ContextID) error {
	c, err := l.client(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return pkgerrors.Wrapf(ErrUnknownContext, "%s", id)
	}
	c.closed = true
	c.mu.Unlock()

	return l.detach(c)
}

// Release detaches the context if it has no open event stream, which is
// how a client that went away without detaching is cleaned up. released
// reports whether the context was detached by this call.
func (l *Locator) Release(id dispatch.ContextID) (released bool, err error) {
	c, err := l.client(id)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	if c.closed || c.hub.Subscribers() > 0 {
		c.mu.Unlock()
		return false, nil
	}
	c.closed = true
	c.mu.Unlock()

	return true, l.detach(c)
}

// detach tears down a context already marked closed.
func (l *Locator) detach(c *client) error {
	id := c.id
	c.lease.Stop()

	l.mu.Lock()
	delete(l.clients, id)
	l.mu.Unlock()

	var bridges []*bridge.Bridge
	for _, kind := range l.router.Kinds() {
		bridges = append(bridges, l.registries[kind].RemoveAllForContext(id)...)
	}
	c.single.Bridge().Invalidate()
	bridges = append(bridges, c.single.Bridge())

	// queued deliveries are cancelled, not run
	l.dispatcher.Close(id)

	ctx, cancel := context.WithTimeout(context.Background(), l.opts.DrainTimeout)
	defer cancel()
	var err error
	for _, b := range bridges {
		err = multierr.Append(err, b.Drain(ctx))
	}
	c.hub.Close()

	logrus.WithFields(logrus.Fields{
		"context":       id,
		"subscriptions": len(bridges) - 1,
	}).Info("client detached")
	return err
}

// Close detaches every context and stops watching the producer.
func (l *Locator) Close() error {
	if l.cancelWatch != nil {
		l.cancelWatch()
	}

	l.mu.RLock()
	ids := make([]dispatch.ContextID, 0, len(l.clients))
	for id := range l.clients {
		ids = append(ids, id)
	}
	l.mu.RUnlock()

	var err error
	for _, id := range ids {
		if derr := l.Detach(id); derr != nil && !errors.Is(derr, ErrUnknownContext) {
			err = multierr.Append(err, derr)
		}
	}
	return err
}

func (l *Locator) client(id dispatch.ContextID) (*client, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.clients[id]
	if !ok {
		return nil, pkgerrors.Wrapf(ErrUnknownContext, "%s", id)
	}
	return c, nil
}

// On subscribes the handler token in the last argument to kind. A token
// that is a func(events.Event) (or bridge.Handler) is called directly on
// the context's run loop; any other token routes events to the context's
// streams, tagged with handle.Key(token). created is false if the token
// was already subscribed.
func (l *Locator) On(id dispatch.ContextID, kind string, args ...any) (created bool, err error) {
	if _, err := l.client(id); err != nil {
		return false, err
	}
	return l.router.On(id, kind, args...)
}

// Off unsubscribes. With no arguments every handler of the context for kind
// is removed. removed is false if nothing matched.
func (l *Locator) Off(id dispatch.ContextID, kind string, args ...any) (removed bool, err error) {
	if _, err := l.client(id); err != nil {
		return false, err
	}
	return l.router.Off(id, kind, args...)
}

func (c *client) handlerFor(token handle.Token) bridge.Handler {
	switch h := token.(type) {
	case bridge.Handler:
		return h
	case func(events.Event):
		return h
	}

	key := handle.Key(token)
	return func(ev events.Event) {
		ev.Handler = key
		if !c.hub.Publish(ev) {
			logrus.WithFields(logrus.Fields{
				"context": c.id,
				"kind":    ev.Name,
				"handler": key,
			}).Debug("no stream took the event")
		}
	}
}

// subscriber builds the Subscribe func of one kind. The registry insert
// happens before the producer registration; a refused registration undoes
// the insert.
func (l *Locator) subscriber(spec kindSpec, reg *subscription.Registry) router.SubscribeFunc {
	return func(id dispatch.ContextID, args []any) error {
		c, err := l.client(id)
		if err != nil {
			return err
		}
		token := args[len(args)-1]

		var cfg any
		if spec.decode != nil {
			if cfg, err = spec.decode(l, args[0]); err != nil {
				return err
			}
		}

		c.mu.RLock()
		defer c.mu.RUnlock()
		if c.closed {
			return pkgerrors.Wrapf(ErrUnknownContext, "%s", id)
		}

		b := bridge.New(spec.kind, l.dispatcher)
		b.Bind(id, token, c.handlerFor(token))
		if err := reg.Add(id, token, b); err != nil {
			return err
		}

		unregister, ok := spec.reg(l.producer, b, cfg, c.identity)
		if !ok {
			reg.Remove(id, token)
			return pkgerrors.Wrapf(provider.ErrProducerUnavailable, "%s registration refused", spec.kind)
		}
		if !b.Attach(unregister) {
			// removed while registering, e.g. producer death
			unregister()
		}
		return nil
	}
}

func (l *Locator) issueSingleShot(c *client) bridge.IssueFunc {
	return func(b *bridge.Bridge) (func() bool, error) {
		c.reqMu.Lock()
		req := events.LocationRequest{
			Priority:    c.req.Priority,
			Scenario:    c.req.Scenario,
			MaxAccuracy: c.req.MaxAccuracy,
		}
		c.reqMu.Unlock()

		if !l.producer.StartLocating(b, req, c.identity) {
			return nil, provider.ErrProducerUnavailable
		}
		return func() bool { return l.producer.StopLocating(b) }, nil
	}
}

// RequestOnce blocks until one location arrives, the timeout elapses, or
// ctx is done. A timeout <= 0 uses the configured default. An empty result
// from the producer (e.g. switched off) yields ErrProducerUnavailable.
func (l *Locator) RequestOnce(ctx context.Context, id dispatch.ContextID, req events.SingleShotRequest, timeout time.Duration) (events.Location, error) {
	c, err := l.client(id)
	if err != nil {
		return events.Location{}, err
	}
	if err := l.validate.Struct(req); err != nil {
		return events.Location{}, pkgerrors.Wrapf(ErrInvalidArgument, "%v", err)
	}
	if timeout <= 0 {
		timeout = l.opts.SingleShotTimeout
	}

	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return events.Location{}, pkgerrors.Wrapf(ErrUnknownContext, "%s", id)
	}
	c.reqMu.Lock()
	c.req = req
	c.reqMu.Unlock()
	ticket, err := c.single.Request()
	c.mu.RUnlock()
	if err != nil {
		return events.Location{}, err
	}

	fields := logrus.Fields{
		"context": id,
		"ticket":  ticket.Seq(),
		"timeout": timeout,
	}
	logrus.WithFields(fields).Debug("single-shot request issued")

	res, err := c.single.Wait(ctx, ticket, timeout)
	if err != nil {
		logrus.WithFields(fields).WithError(err).Debug("single-shot request failed")
		if errors.Is(err, bridge.ErrInvalidated) {
			return events.Location{}, pkgerrors.Wrapf(ErrUnknownContext, "%s detached", id)
		}
		return events.Location{}, err
	}
	if res.Empty {
		return events.Location{}, pkgerrors.Wrapf(provider.ErrProducerUnavailable, "empty result")
	}
	return events.DecodeAs[events.Location](res.Event)
}

// Stream attaches a remote event stream to the context. Events of every
// non-func handler are sent to it until cancel is called or the context is
// detached.
func (l *Locator) Stream(id dispatch.ContextID) (<-chan events.Event, func(), error) {
	c, err := l.client(id)
	if err != nil {
		return nil, nil, err
	}

	// under mu so Release never detaches a context gaining a stream
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, nil, pkgerrors.Wrapf(ErrUnknownContext, "%s detached", id)
	}
	ch := c.hub.Subscribe()
	if ch == nil {
		return nil, nil, pkgerrors.Wrapf(ErrUnknownContext, "%s detached", id)
	}
	c.streamed.Store(true)
	return ch, func() { c.hub.Unsubscribe(ch) }, nil
}

// onProducerDeath tears down every bridge bound to the producer. Later
// deliveries are dropped and later Off calls find nothing.
func (l *Locator) onProducerDeath() {
	removed := 0
	for _, kind := range l.router.Kinds() {
		removed += len(l.registries[kind].RemoveAll())
	}

	l.mu.RLock()
	clients := make([]*client, 0, len(l.clients))
	for _, c := range l.clients {
		clients = append(clients, c)
	}
	l.mu.RUnlock()

	for _, c := range clients {
		c.single.Cancel(pkgerrors.Wrapf(provider.ErrProducerUnavailable, "producer died"))
	}

	logrus.WithField("subscriptions", removed).Warn("producer died, all subscriptions removed")
}

// ContextStatus describes one client context.
type ContextStatus struct {
	ID            dispatch.ContextID `json:"id"`
	Identity      provider.Identity  `json:"identity"`
	Created       time.Time          `json:"created"`
	Subscriptions map[string]int     `json:"subscriptions"`
	Streams       int                `json:"streams"`
	Dropped       uint64             `json:"dropped"`
	Pending       int                `json:"pending"`
	SingleShot    string             `json:"singleShot"`
}

// Status is a snapshot of all contexts and subscriptions.
type Status struct {
	ProducerAlive bool            `json:"producerAlive"`
	Enabled       bool            `json:"enabled"`
	Subscriptions map[string]int  `json:"subscriptions"`
	Contexts      []ContextStatus `json:"contexts"`
}

func (l *Locator) Status() Status {
	s := Status{
		ProducerAlive: l.producer.Alive(),
		Enabled:       l.producer.Enabled(),
		Subscriptions: make(map[string]int),
	}
	for kind, reg := range l.registries {
		s.Subscriptions[kind] = reg.Len()
	}

	l.mu.RLock()
	clients := make([]*client, 0, len(l.clients))
	for _, c := range l.clients {
		clients = append(clients, c)
	}
	l.mu.RUnlock()

	for _, c := range clients {
		cs := ContextStatus{
			ID:            c.id,
			Identity:      c.identity,
			Created:       c.created,
			Subscriptions: make(map[string]int),
			Streams:       c.hub.Subscribers(),
			Dropped:       c.hub.Dropped(),
			SingleShot:    c.single.State().String(),
		}
		for kind, reg := range l.registries {
			if n := reg.Count(c.id); n > 0 {
				cs.Subscriptions[kind] = n
			}
		}
		if loop, ok := l.dispatcher.Lookup(c.id); ok {
			cs.Pending = loop.Len()
		}
		s.Contexts = append(s.Contexts, cs)
	}
	sort.Slice(s.Contexts, func(i, j int) bool {
		return s.Contexts[i].Created.Before(s.Contexts[j].Created)
	})
	return s
}
