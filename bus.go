package worlds

import (
	"log/slog"
	"sync"
)

// Handler observes events synchronously on the world's task queue.
// Handlers must not block; long work is spawned as a detached goroutine
// that re-enters through Publish.
type Handler func(Event)

type subscription struct {
	id      int
	kind    EventKind
	all     bool
	handler Handler
}

// observerQueueSize bounds each SubscribeChan buffer. On overflow the
// oldest event is dropped and a warning is logged and mirrored as a bus
// log event.
const observerQueueSize = 1024

type observer struct {
	id   int
	kind EventKind
	all  bool

	mu      sync.Mutex
	queue   []Event
	wake    chan struct{}
	quit    chan struct{}
	closed  bool
	dropped int
	out     chan Event
}

// Bus is the per-world event bus. A single worker goroutine drains a FIFO
// task queue; Publish and Do enqueue work onto it, so all handler
// execution and queued state mutation is serialized without locks.
type Bus struct {
	worldID string
	logger  *slog.Logger

	done chan struct{}

	taskMu sync.Mutex
	taskCv *sync.Cond
	tasks  []func()

	mu        sync.Mutex
	nextID    int
	subs      []*subscription
	observers []*observer
	closed    bool
}

// NewBus starts the world worker goroutine.
func NewBus(worldID string, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = nopLogger
	}
	b := &Bus{
		worldID: worldID,
		logger:  logger,
		done:    make(chan struct{}),
	}
	b.taskCv = sync.NewCond(&b.taskMu)
	go b.run()
	return b
}

func (b *Bus) run() {
	for {
		b.taskMu.Lock()
		for len(b.tasks) == 0 {
			if b.isClosed() {
				b.taskMu.Unlock()
				close(b.done)
				return
			}
			b.taskCv.Wait()
		}
		task := b.tasks[0]
		b.tasks = b.tasks[1:]
		b.taskMu.Unlock()
		task()
	}
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Do enqueues fn onto the world task queue. It is the scheduling primitive
// everything else builds on: state owned by the world is only touched from
// inside queued tasks. The queue is unbounded so a task can always enqueue
// follow-up work without blocking.
func (b *Bus) Do(fn func()) {
	if b.isClosed() {
		return
	}
	b.taskMu.Lock()
	b.tasks = append(b.tasks, fn)
	b.taskMu.Unlock()
	b.taskCv.Signal()
}

// Done blocks until fn has run on the queue, or returns immediately if the
// bus is closed. Useful for callers that need a result from queued state.
// Must not be called from inside a queued task.
func (b *Bus) Done(fn func()) {
	if b.isClosed() {
		return
	}
	ran := make(chan struct{})
	b.Do(func() {
		fn()
		close(ran)
	})
	select {
	case <-ran:
	case <-b.done:
	}
}

// Publish enqueues delivery of ev to all matching subscribers. Handlers for
// one publish run sequentially in registration order before the next queued
// task starts, so events published by the same task are observed in
// emission order.
func (b *Bus) Publish(ev Event) {
	ev.WorldID = b.worldID
	b.Do(func() { b.deliver(ev) })
}

func (b *Bus) deliver(ev Event) {
	b.mu.Lock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.all || s.kind == ev.Kind {
			subs = append(subs, s)
		}
	}
	obs := make([]*observer, 0, len(b.observers))
	for _, o := range b.observers {
		if o.all || o.kind == ev.Kind {
			obs = append(obs, o)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.handler(ev)
	}
	for _, o := range obs {
		o.push(ev, b)
	}
}

// Subscribe registers a synchronous handler for one event kind. The
// returned function unsubscribes.
func (b *Bus) Subscribe(kind EventKind, h Handler) func() {
	return b.subscribe(kind, false, h)
}

// SubscribeAll registers a synchronous handler for every event kind.
func (b *Bus) SubscribeAll(h Handler) func() {
	return b.subscribe("", true, h)
}

func (b *Bus) subscribe(kind EventKind, all bool, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	s := &subscription{id: b.nextID, kind: kind, all: all, handler: h}
	b.subs = append(b.subs, s)
	id := s.id
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, cur := range b.subs {
			if cur.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeChan registers an asynchronous observer and returns its receive
// channel plus an unsubscribe function. Each observer has its own bounded
// queue (1024); when it overflows the oldest event is dropped so slow
// observers never stall the world.
func (b *Bus) SubscribeChan(kind EventKind) (<-chan Event, func()) {
	return b.subscribeChan(kind, false)
}

// SubscribeChanAll is SubscribeChan across all event kinds.
func (b *Bus) SubscribeChanAll() (<-chan Event, func()) {
	return b.subscribeChan("", true)
}

func (b *Bus) subscribeChan(kind EventKind, all bool) (<-chan Event, func()) {
	b.mu.Lock()
	b.nextID++
	o := &observer{
		id:   b.nextID,
		kind: kind,
		all:  all,
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		out:  make(chan Event),
	}
	b.observers = append(b.observers, o)
	b.mu.Unlock()

	go o.pump()

	id := o.id
	cancel := func() {
		b.mu.Lock()
		for i, cur := range b.observers {
			if cur.id == id {
				b.observers = append(b.observers[:i], b.observers[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		o.close()
	}
	return o.out, cancel
}

func (o *observer) push(ev Event, b *Bus) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if len(o.queue) >= observerQueueSize {
		o.queue = o.queue[1:]
		o.dropped++
		dropped := o.dropped
		o.mu.Unlock()
		b.logger.Warn("event observer overflow, dropping oldest",
			"world_id", b.worldID, "kind", ev.Kind, "dropped_total", dropped)
		// Log-kind events never mirror, or a full log observer would
		// generate its own overflow forever.
		if ev.Kind != EventLog {
			b.Publish(Event{
				Kind: EventLog,
				Log: &LogPayload{
					Category:  "bus",
					Level:     "warn",
					Message:   "event observer overflow, dropping oldest",
					Data:      map[string]any{"kind": string(ev.Kind), "droppedTotal": dropped},
					Timestamp: NowMillis(),
				},
			})
		}
		o.mu.Lock()
		// The observer may have been cancelled during the unlocked window.
		if o.closed {
			o.mu.Unlock()
			return
		}
	}
	o.queue = append(o.queue, ev)
	o.mu.Unlock()
	// wake is never closed, so this send cannot race with cancellation;
	// pump shuts down via quit alone.
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *observer) pump() {
	for {
		select {
		case <-o.wake:
		case <-o.quit:
			return
		}
		for {
			o.mu.Lock()
			if o.closed {
				o.mu.Unlock()
				return
			}
			if len(o.queue) == 0 {
				o.mu.Unlock()
				break
			}
			ev := o.queue[0]
			o.queue = o.queue[1:]
			o.mu.Unlock()
			select {
			case o.out <- ev:
			case <-o.quit:
				return
			}
		}
	}
}

func (o *observer) close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.queue = nil
	o.mu.Unlock()
	close(o.quit)
}

// Close stops the worker after draining already queued tasks. Publish and
// Do become no-ops once closed.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	observers := b.observers
	b.observers = nil
	b.mu.Unlock()
	for _, o := range observers {
		o.close()
	}
	b.taskMu.Lock()
	b.taskCv.Signal()
	b.taskMu.Unlock()
	<-b.done
}
