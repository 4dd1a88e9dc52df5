package store

import "sync"

// Stream selects which entity's changes an observer receives. Chat and
// message notifications are independent streams.
type Stream int

const (
	StreamChats Stream = iota
	StreamMessages
)

// Phase orders the notifications of one batch: one WillChange, one Change
// per item, one DidChange.
type Phase int

const (
	PhaseWillChange Phase = iota
	PhaseChange
	PhaseDidChange
)

type ChangeKind int

const (
	ChangeInsert ChangeKind = iota
	ChangeUpdate
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	default:
		return "delete"
	}
}

// Event is one notification. Kind, Index and the entity are set only in
// PhaseChange. For messages Index is the position within the chat's
// timestamp-ordered message list; for chats it is the position in Chats().
type Event struct {
	Stream  Stream
	Phase   Phase
	Kind    ChangeKind
	Index   int
	Chat    *Chat
	Message *Message
}

type Observer func(Event)

// Notifier delivers events to observers on a single goroutine in emission
// order.
type Notifier struct {
	mu        sync.Mutex
	queue     []func()
	wake      chan struct{}
	done      chan struct{}
	closed    bool
	observers map[Stream]map[int]Observer
	nextID    int
}

func newNotifier() *Notifier {
	n := &Notifier{
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		observers: map[Stream]map[int]Observer{},
	}
	go n.run()
	return n
}

// Subscribe registers fn for stream and returns a function that removes it.
func (n *Notifier) Subscribe(stream Stream, fn Observer) (unsubscribe func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	if n.observers[stream] == nil {
		n.observers[stream] = map[int]Observer{}
	}
	n.observers[stream][id] = fn
	return func() {
		n.mu.Lock()
		delete(n.observers[stream], id)
		n.mu.Unlock()
	}
}

// emit queues one batch. Will, per-item and Did events of a batch are
// queued together so batches never interleave.
func (n *Notifier) emit(stream Stream, changes []Event) {
	if len(changes) == 0 {
		return
	}
	events := make([]Event, 0, len(changes)+2)
	events = append(events, Event{Stream: stream, Phase: PhaseWillChange})
	for _, c := range changes {
		c.Stream, c.Phase = stream, PhaseChange
		events = append(events, c)
	}
	events = append(events, Event{Stream: stream, Phase: PhaseDidChange})

	n.enqueue(func() {
		n.mu.Lock()
		obs := make([]Observer, 0, len(n.observers[stream]))
		for _, fn := range n.observers[stream] {
			obs = append(obs, fn)
		}
		n.mu.Unlock()
		for _, ev := range events {
			for _, fn := range obs {
				fn(ev)
			}
		}
	})
}

func (n *Notifier) enqueue(fn func()) bool {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return false
	}
	n.queue = append(n.queue, fn)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
	return true
}

// Sync blocks until every event queued before the call has been delivered.
func (n *Notifier) Sync() {
	ch := make(chan struct{})
	if !n.enqueue(func() { close(ch) }) {
		return
	}
	<-ch
}

// Close delivers pending events and stops the delivery goroutine.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
	<-n.done
}

func (n *Notifier) run() {
	defer close(n.done)
	for range n.wake {
		for {
			n.mu.Lock()
			batch := n.queue
			n.queue = nil
			closed := n.closed
			n.mu.Unlock()

			for _, fn := range batch {
				fn()
			}
			if len(batch) == 0 {
				if closed {
					return
				}
				break
			}
		}
	}
}
