package agent

import (
	"bytes"
	"net"
	"sync"
	"time"

	"github.com/backkem/rmpp/pkg/mad"
	"github.com/backkem/rmpp/pkg/rmpp"
)

// txKey identifies a transaction. Requests and responses under the same
// transaction ID are separate transactions, told apart by the response bit
// of the method.
type txKey struct {
	peer     string
	class    mad.MgmtClass
	tid      uint64
	response bool
}

func keyOf(peer net.Addr, h mad.Header) txKey {
	return txKey{
		peer:     peer.String(),
		class:    h.MgmtClass,
		tid:      h.TransactionID,
		response: h.Method.IsResponse(),
	}
}

// reply returns the key of the transaction answering k.
func (k txKey) reply() txKey {
	k.response = !k.response
	return k
}

// transaction owns one rmpp.Context and implements its Host. Every call into
// the context is made with mu held.
type transaction struct {
	agent *Agent
	peer  net.Addr
	keys  []txKey

	mu        sync.Mutex
	ctx       *rmpp.Context
	timers    map[rmpp.TimerKind]*time.Timer
	gen       map[rmpp.TimerKind]uint64
	completed bool
	closed    bool

	// Hooks run with mu held and must not call back into ctx.
	onDeliver  func(msg *rmpp.Message)
	onComplete func(err error)
}

func (a *Agent) newTransaction(peer net.Addr) (*transaction, error) {
	t := &transaction{
		agent:  a,
		peer:   peer,
		timers: make(map[rmpp.TimerKind]*time.Timer),
		gen:    make(map[rmpp.TimerKind]uint64),
	}
	ctx, err := rmpp.NewContext(a.config.Params, t)
	if err != nil {
		return nil, err
	}
	t.ctx = ctx
	return t, nil
}

// Transmit implements rmpp.Host.
func (t *transaction) Transmit(pkt []byte) error {
	return t.agent.udp.Send(pkt, t.peer)
}

// ScheduleTimer implements rmpp.Host.
func (t *transaction) ScheduleTimer(kind rmpp.TimerKind, d time.Duration) {
	if timer := t.timers[kind]; timer != nil {
		timer.Stop()
	}
	t.gen[kind]++
	gen := t.gen[kind]
	t.timers[kind] = time.AfterFunc(d, func() {
		t.expire(kind, gen)
	})
}

// CancelTimer implements rmpp.Host.
func (t *transaction) CancelTimer(kind rmpp.TimerKind) {
	if timer := t.timers[kind]; timer != nil {
		timer.Stop()
		delete(t.timers, kind)
	}
	t.gen[kind]++
}

// Deliver implements rmpp.Host. The reassembly buffer is copied out before
// the context can release it.
func (t *transaction) Deliver(msg *rmpp.Message) {
	if t.onDeliver == nil {
		return
	}
	t.onDeliver(&rmpp.Message{
		Header:      msg.Header,
		ClassHeader: bytes.Clone(msg.ClassHeader),
		Data:        bytes.Clone(msg.Data),
	})
}

// Complete implements rmpp.Host.
func (t *transaction) Complete(err error) {
	t.completed = true
	if t.onComplete != nil {
		t.onComplete(err)
	}
}

func (t *transaction) handle(pkt *mad.Packet) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.ctx.HandleInbound(pkt)
}

// expire runs a timer event unless the timer was rearmed or cancelled since
// it was scheduled.
func (t *transaction) expire(kind rmpp.TimerKind, gen uint64) {
	t.mu.Lock()
	if t.closed || t.gen[kind] != gen {
		t.mu.Unlock()
		return
	}
	delete(t.timers, kind)
	t.ctx.Expire(kind)
	finished := t.ctx.Finished()
	t.mu.Unlock()

	if finished {
		t.agent.retire(t)
	}
}

// close stops the timers and frees the buffers. A transaction that has not
// completed yet is completed with reason.
func (t *transaction) close(reason error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for kind, timer := range t.timers {
		timer.Stop()
		delete(t.timers, kind)
	}
	if !t.completed && reason != nil {
		t.Complete(reason)
	}
	t.ctx.Release()
}

// call is a pending Send waiting for its outcome.
type call struct {
	done chan struct{}
	once sync.Once
	msg  *rmpp.Message
	err  error
}

func newCall() *call {
	return &call{done: make(chan struct{})}
}

func (c *call) finish(msg *rmpp.Message, err error) {
	c.once.Do(func() {
		c.msg = msg
		c.err = err
		close(c.done)
	})
}
