package transform

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"gitlab.com/gomidi/midichain/clock"
	"gitlab.com/gomidi/midichain/command"
	"gitlab.com/gomidi/midichain/debug"
)

// EventKind identifies a chain mutation.
type EventKind int

const (
	EventAdded EventKind = iota
	EventRemoved
	EventMoved
	EventConfigured
	EventReplaced
	EventReset
)

func (k EventKind) String() string {
	switch k {
	case EventAdded:
		return "added"
	case EventRemoved:
		return "removed"
	case EventMoved:
		return "moved"
	case EventConfigured:
		return "configured"
	case EventReplaced:
		return "replaced"
	case EventReset:
		return "reset"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is published to subscribers after every mutation.
type Event struct {
	Kind  EventKind
	Type  Type
	Index int
	Epoch uint64
}

// Chain is an ordered list of transformers applied by left-to-right reduction.
type Chain struct {
	mu      sync.RWMutex
	members []Transformer
	index   map[Type][]int

	// run serialises everything that touches transformer state.
	run sync.Mutex

	subsMu  sync.Mutex
	subs    map[int]chan Event
	nextSub int

	epoch   uint64
	version uint64
	log     debug.Logger
}

// NewChain returns a chain of the given members, in order.
func NewChain(members ...Transformer) *Chain {
	c := &Chain{
		subs: map[int]chan Event{},
		log:  debug.Nop,
	}
	c.members = append(c.members, members...)
	c.rebuild()
	return c
}

// DefaultChain is the chain a pipeline starts with: a neutral transposer and a disabled quantiser.
func DefaultChain() *Chain {
	return NewChain(NewTransposer(0), NewQuantiser())
}

// SetLogger sets the sink for dropped commands and transformer faults.
func (c *Chain) SetLogger(l debug.Logger) {
	if l == nil {
		l = debug.Nop
	}
	c.mu.Lock()
	c.log = l
	c.mu.Unlock()
}

func (c *Chain) logger() debug.Logger {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.log
}

// rebuild recreates the lookup by type; callers hold mu.
func (c *Chain) rebuild() {
	c.index = make(map[Type][]int, len(c.members))
	for i, t := range c.members {
		c.index[t.Type()] = append(c.index[t.Type()], i)
	}
}

// Apply runs cmds through every member. Members added or removed while
// Apply runs take effect on the next call.
func (c *Chain) Apply(cmds []command.Command, clk clock.Snapshot) []command.Command {
	c.mu.RLock()
	members := append([]Transformer(nil), c.members...)
	log := c.log
	c.mu.RUnlock()

	out := make([]command.Command, 0, len(cmds))
	for _, cmd := range cmds {
		if err := cmd.Validate(); err != nil {
			log.Log("chain", "dropping command: %v", err)
			continue
		}
		out = append(out, cmd.Clamped())
	}

	c.run.Lock()
	defer c.run.Unlock()
	for _, t := range members {
		out = c.stage(t, out, clk, log)
	}
	return out
}

// stage runs one transformer; a panicking transformer is skipped for this batch.
func (c *Chain) stage(t Transformer, in []command.Command, clk clock.Snapshot, log debug.Logger) (out []command.Command) {
	defer func() {
		if r := recover(); r != nil {
			log.Log("chain", "transformer %s failed: %v", t.Type(), r)
			out = in
		}
	}()
	return t.Transform(in, clk)
}

// Reset clears the state of every member and starts a new epoch.
func (c *Chain) Reset() {
	c.mu.RLock()
	members := append([]Transformer(nil), c.members...)
	c.mu.RUnlock()

	c.run.Lock()
	for _, t := range members {
		t.Reset()
	}
	epoch := atomic.AddUint64(&c.epoch, 1)
	c.run.Unlock()

	c.publish(Event{Kind: EventReset, Index: -1, Epoch: epoch})
}

// Epoch changes with every Reset.
func (c *Chain) Epoch() uint64 {
	return atomic.LoadUint64(&c.epoch)
}

// Version changes with every mutation of the members or their configuration.
func (c *Chain) Version() uint64 {
	return atomic.LoadUint64(&c.version)
}

// Len returns the number of members.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.members)
}

// Members returns a copy of the member list.
func (c *Chain) Members() []Transformer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Transformer(nil), c.members...)
}

// Find returns the first member of type t.
func (c *Chain) Find(t Type) (Transformer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx := c.index[t]
	if len(idx) == 0 {
		return nil, false
	}
	return c.members[idx[0]], true
}

// Grid reports the grid of the first quantiser member, ok is false when
// there is none or it is disabled.
func (c *Chain) Grid() (divisor int, singleNotePerSlot bool, ok bool) {
	t, found := c.Find(TypeQuantiser)
	if !found {
		return 0, false, false
	}
	q, isQ := t.(*Quantiser)
	if !isQ {
		return 0, false, false
	}
	return q.Grid()
}

// Add appends t.
func (c *Chain) Add(t Transformer) {
	c.mu.Lock()
	c.members = append(c.members, t)
	i := len(c.members) - 1
	c.rebuild()
	c.mu.Unlock()
	c.publish(Event{Kind: EventAdded, Type: t.Type(), Index: i})
}

// Insert puts t at position i, shifting later members.
func (c *Chain) Insert(i int, t Transformer) error {
	c.mu.Lock()
	if i < 0 || i > len(c.members) {
		c.mu.Unlock()
		return errors.Wrapf(ErrOutOfRange, "insert at %d", i)
	}
	c.members = append(c.members, nil)
	copy(c.members[i+1:], c.members[i:])
	c.members[i] = t
	c.rebuild()
	c.mu.Unlock()
	c.publish(Event{Kind: EventAdded, Type: t.Type(), Index: i})
	return nil
}

// Remove deletes the member at i and returns it.
func (c *Chain) Remove(i int) (Transformer, error) {
	c.mu.Lock()
	if i < 0 || i >= len(c.members) {
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrOutOfRange, "remove %d", i)
	}
	t := c.members[i]
	c.members = append(c.members[:i], c.members[i+1:]...)
	c.rebuild()
	c.mu.Unlock()
	c.publish(Event{Kind: EventRemoved, Type: t.Type(), Index: i})
	return t, nil
}

// Swap exchanges the members at i and j.
func (c *Chain) Swap(i, j int) error {
	c.mu.Lock()
	if i < 0 || j < 0 || i >= len(c.members) || j >= len(c.members) {
		c.mu.Unlock()
		return errors.Wrapf(ErrOutOfRange, "swap %d, %d", i, j)
	}
	c.members[i], c.members[j] = c.members[j], c.members[i]
	t := c.members[j]
	c.rebuild()
	c.mu.Unlock()
	c.publish(Event{Kind: EventMoved, Type: t.Type(), Index: j})
	return nil
}

// MoveBefore moves the member at i one step towards the start.
func (c *Chain) MoveBefore(i int) error {
	return c.Swap(i, i-1)
}

// MoveAfter moves the member at i one step towards the end.
func (c *Chain) MoveAfter(i int) error {
	return c.Swap(i, i+1)
}

// SetField changes a single configuration field of the member at i.
func (c *Chain) SetField(i int, name, value string) error {
	c.mu.RLock()
	if i < 0 || i >= len(c.members) {
		c.mu.RUnlock()
		return errors.Wrapf(ErrOutOfRange, "member %d", i)
	}
	t := c.members[i]
	c.mu.RUnlock()

	c.run.Lock()
	err := t.Configure(Record{Type: t.Type(), Fields: map[string]string{name: value}})
	c.run.Unlock()
	if err != nil {
		return err
	}
	c.publish(Event{Kind: EventConfigured, Type: t.Type(), Index: i})
	return nil
}

// SetTypeField changes a configuration field of the first member of type t.
func (c *Chain) SetTypeField(t Type, name, value string) error {
	c.mu.RLock()
	idx := c.index[t]
	if len(idx) == 0 {
		c.mu.RUnlock()
		return errors.Wrapf(ErrUnknownType, "no %s member", t)
	}
	i := idx[0]
	m := c.members[i]
	c.mu.RUnlock()

	c.run.Lock()
	err := m.Configure(Record{Type: t, Fields: map[string]string{name: value}})
	c.run.Unlock()
	if err != nil {
		return err
	}
	c.publish(Event{Kind: EventConfigured, Type: t, Index: i})
	return nil
}

// Export returns the configuration of every member, in chain order.
func (c *Chain) Export() []Record {
	members := c.Members()
	c.run.Lock()
	defer c.run.Unlock()
	recs := make([]Record, len(members))
	for i, t := range members {
		recs[i] = t.Config().Record()
	}
	return recs
}

// Import replaces all members with transformers built from recs.
// If recs has the same types in the same order as the members, the members
// are reconfigured in place and keep their held state.
// Nothing changes if any record is invalid.
func (c *Chain) Import(recs []Record) error {
	ts, err := FromRecords(recs)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if sameTypes(c.members, recs) {
		c.run.Lock()
		for i, t := range c.members {
			// can't fail: FromRecords configured a fresh one with the same record
			t.Configure(recs[i])
		}
		c.run.Unlock()
	} else {
		c.members = ts
		c.rebuild()
	}
	c.mu.Unlock()
	c.publish(Event{Kind: EventReplaced, Index: -1})
	return nil
}

func sameTypes(members []Transformer, recs []Record) bool {
	if len(members) != len(recs) {
		return false
	}
	for i, t := range members {
		if t.Type() != recs[i].Type {
			return false
		}
	}
	return true
}

// Subscribe returns a channel receiving chain events and a function to cancel
// the subscription. Events are dropped while the channel buffer is full; a
// subscriber re-reading the chain on any event therefore misses nothing.
func (c *Chain) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, id)
			c.subsMu.Unlock()
			close(ch)
		})
	}
}

func (c *Chain) publish(ev Event) {
	if ev.Kind != EventReset {
		atomic.AddUint64(&c.version, 1)
		ev.Epoch = c.Epoch()
	}
	c.logger().Log("chain", "%s %s at %d", ev.Kind, ev.Type, ev.Index)

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
