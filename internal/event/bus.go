// Package event implements the notification bus: asynchronous handler
// registration and ordered dispatch over an explicit proceed chain. All
// registration state is owned by the progress loop.
package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/anvil/internal/attr"
	"github.com/seantiz/anvil/internal/pending"
	"github.com/seantiz/anvil/internal/progress"
	"github.com/seantiz/anvil/internal/status"
)

var errBusStopped = errors.New("event bus stopped")

type registration struct {
	id         ID
	name       string
	codes      []status.Code
	match      attr.Collection
	info       attr.Collection
	handler    Handler
	singleShot bool
}

// Bus dispatches notifications to registered handlers on a progress loop.
type Bus struct {
	loop      *progress.Loop
	logger    *slog.Logger
	broker    *Broker
	regs      []*registration
	observers []func(Record)
}

// NewBus creates a bus dispatching on loop.
func NewBus(loop *progress.Loop, logger *slog.Logger) *Bus {
	return &Bus{
		loop:   loop,
		logger: logger,
		broker: NewBroker(),
	}
}

// Broker returns the per-job record stream fed by every notification.
func (b *Bus) Broker() *Broker {
	return b.broker
}

// Observe adds fn as a passive observer of every notification, called on
// the loop before the handler chain starts.
func (b *Bus) Observe(fn func(Record)) {
	b.loop.Post(func() {
		b.observers = append(b.observers, fn)
	})
}

// Register adds a handler. Completion is reported through cb, called on the
// loop with the new registration ID. cb may be nil.
func (b *Bus) Register(reg Registration, cb func(err error, id ID)) {
	if cb == nil {
		cb = func(error, ID) {}
	}
	if reg.Handler == nil {
		err := fmt.Errorf("register event handler %q: %w", reg.Name, status.ErrBadParam)
		if !b.loop.Post(func() { cb(err, "") }) {
			cb(err, "")
		}
		return
	}

	r := &registration{
		id:         ID(uuid.NewString()),
		name:       reg.Name,
		codes:      slices.Clone(reg.Codes),
		match:      reg.Match.Clone(),
		info:       reg.Info.Clone(),
		handler:    reg.Handler,
		singleShot: reg.SingleShot,
	}
	if r.name == "" {
		r.name = string(r.id)
	}

	ok := b.loop.Post(func() {
		b.regs = append(b.regs, r)
		b.logger.Debug("event handler registered", "registration", string(r.id), "name", r.name, "codes", len(r.codes))
		cb(nil, r.id)
	})
	if !ok {
		cb(fmt.Errorf("register event handler %q: %w", r.name, errBusStopped), "")
	}
}

// Deregister removes a registration. Dispatches already in flight still
// reach it; later ones do not. Completion is reported through cb, called
// on the loop. cb may be nil.
func (b *Bus) Deregister(id ID, cb func(err error)) {
	if cb == nil {
		cb = func(error) {}
	}
	ok := b.loop.Post(func() {
		if !b.remove(id) {
			cb(fmt.Errorf("deregister event handler %s: %w", id, status.ErrNotFound))
			return
		}
		b.logger.Debug("event handler deregistered", "registration", string(id))
		cb(nil)
	})
	if !ok {
		cb(fmt.Errorf("deregister event handler %s: %w", id, errBusStopped))
	}
}

// RegisterAndWait is Register for callers outside the loop.
func (b *Bus) RegisterAndWait(ctx context.Context, reg Registration) (ID, error) {
	type reply struct {
		id  ID
		err error
	}
	ch := make(chan reply, 1)
	b.Register(reg, func(err error, id ID) { ch <- reply{id: id, err: err} })

	select {
	case r := <-ch:
		return r.id, r.err
	case <-ctx.Done():
		return "", fmt.Errorf("register event handler %q: %w", reg.Name, ctx.Err())
	}
}

// DeregisterAndWait is Deregister for callers outside the loop.
func (b *Bus) DeregisterAndWait(ctx context.Context, id ID) error {
	ch := make(chan error, 1)
	b.Deregister(id, func(err error) { ch <- err })

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return fmt.Errorf("deregister event handler %s: %w", id, ctx.Err())
	}
}

// Notify dispatches an event. Handlers registered for code run first, most
// recently registered first, followed by default handlers in registration
// order. done, if non-nil, is called on the loop with the chain's result
// once the last handler proceeds.
func (b *Bus) Notify(code status.Code, source attr.ProcName, info attr.Collection, done func(pending.Result)) {
	ev := &Event{
		ID:     uuid.NewString(),
		Code:   code,
		Source: source,
		Info:   info.Clone(),
		Time:   time.Now().UTC(),
	}
	notificationsTotal.WithLabelValues(code.String()).Inc()

	if !b.loop.Post(func() { b.dispatch(ev, done) }) {
		b.logger.Warn("notification dropped", "code", code.String(), "event_id", ev.ID, "error", errBusStopped)
		if done != nil {
			done(pending.Result{Status: errBusStopped})
		}
	}
}

// NotifyAndWait is Notify for callers outside the loop: it blocks until the
// handler chain completes.
func (b *Bus) NotifyAndWait(ctx context.Context, code status.Code, source attr.ProcName, info attr.Collection) (pending.Result, error) {
	cell := pending.New(1)
	b.Notify(code, source, info, func(r pending.Result) { cell.Release(r) })
	return cell.WaitContext(ctx)
}

func (b *Bus) dispatch(ev *Event, done func(pending.Result)) {
	rec := ev.Record()
	for _, fn := range b.observers {
		fn(rec)
	}
	if rec.JobID != "" {
		b.broker.Publish(rec.JobID, rec)
	}

	d := &dispatch{bus: b, event: ev, chain: b.chainFor(ev), done: done}
	b.logger.Debug("dispatching event",
		"event_id", ev.ID,
		"code", ev.Code.String(),
		"source", ev.Source.String(),
		"handlers", len(d.chain),
	)
	d.step()
}

// chainFor snapshots the handlers for ev. Single-shot registrations leave
// the table as soon as they are picked.
func (b *Bus) chainFor(ev *Event) []*registration {
	var chain []*registration
	for i := len(b.regs) - 1; i >= 0; i-- {
		r := b.regs[i]
		if len(r.codes) > 0 && slices.Contains(r.codes, ev.Code) && ev.Info.Contains(&r.match) {
			chain = append(chain, r)
		}
	}
	for _, r := range b.regs {
		if len(r.codes) == 0 && ev.Info.Contains(&r.match) {
			chain = append(chain, r)
		}
	}
	for _, r := range chain {
		if r.singleShot {
			b.remove(r.id)
		}
	}
	return chain
}

func (b *Bus) remove(id ID) bool {
	for i, r := range b.regs {
		if r.id == id {
			b.regs = slices.Delete(b.regs, i, i+1)
			return true
		}
	}
	return false
}

// dispatch walks one event through its handler chain.
type dispatch struct {
	bus     *Bus
	event   *Event
	chain   []*registration
	next    int
	results attr.Collection
	errs    []error
	done    func(pending.Result)
}

func (d *dispatch) step() {
	if d.next >= len(d.chain) {
		d.finish()
		return
	}
	r := d.chain[d.next]
	d.next++

	var called atomic.Bool
	proceed := func(err error, results ...attr.Attribute) {
		if !called.CompareAndSwap(false, true) {
			d.bus.logger.Warn("event proceed called twice", "event_id", d.event.ID, "handler", r.name)
			return
		}
		d.bus.loop.Post(func() { d.advance(r, err, results) })
	}

	delivery := &Delivery{
		Event:        d.event,
		Registration: r.id,
		Name:         r.name,
		Info:         r.info.Clone(),
		Results:      d.results.Clone(),
	}
	d.invoke(r, delivery, proceed)
}

func (d *dispatch) invoke(r *registration, delivery *Delivery, proceed ProceedFunc) {
	defer func() {
		if p := recover(); p != nil {
			d.bus.logger.Error("event handler panicked", "event_id", d.event.ID, "handler", r.name, "panic", fmt.Sprint(p))
			proceed(fmt.Errorf("handler %s panicked: %v", r.name, p))
		}
	}()
	r.handler(delivery, proceed)
}

func (d *dispatch) advance(r *registration, err error, results []attr.Attribute) {
	for _, a := range results {
		if aerr := d.results.Append(a); aerr != nil {
			d.errs = append(d.errs, fmt.Errorf("%s result: %w", r.name, aerr))
		}
	}
	if errors.Is(err, status.ErrActionComplete) {
		d.finish()
		return
	}
	if err != nil {
		d.errs = append(d.errs, fmt.Errorf("%s: %w", r.name, err))
	}
	d.step()
}

func (d *dispatch) finish() {
	if d.done != nil {
		d.done(pending.Result{Status: errors.Join(d.errs...), Info: d.results})
	}
}
