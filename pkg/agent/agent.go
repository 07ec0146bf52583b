// Package agent runs RMPP transactions over a datagram transport.
//
// An Agent owns the transaction table, implements the engine's timers and
// transmit path, and routes every inbound datagram to the transaction it
// belongs to. Applications either register a handler per management class
// to answer requests, or call Send to issue one and wait for the outcome.
//
// Example:
//
//	a, _ := agent.New(agent.Config{ListenAddr: ":7700"})
//	a.Handle(mad.ClassSubnAdm, func(peer net.Addr, req *rmpp.Message) (*rmpp.Message, error) {
//		return &rmpp.Message{Data: lookup(req)}, nil
//	}, agent.HandlerOptions{})
//	a.Start()
//	defer a.Stop()
package agent

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/backkem/rmpp/pkg/mad"
	"github.com/backkem/rmpp/pkg/rmpp"
	"github.com/backkem/rmpp/pkg/transport"
	"github.com/pion/logging"
)

// HandlerFunc answers a request. A nil response sends nothing. The
// response header inherits class, transaction ID and the response form of
// the request method; other zero header fields are copied from the request.
type HandlerFunc func(peer net.Addr, req *rmpp.Message) (*rmpp.Message, error)

// HandlerOptions modifies how requests of a class are received and answered.
type HandlerOptions struct {
	// DoubleSided receives requests as the first half of a double-sided
	// transaction. The handler runs once the requester acknowledges the
	// handoff, and its response is always sent with RMPP.
	DoubleSided bool

	// OmitLength leaves the total length of multi-packet responses
	// undeclared.
	OmitLength bool
}

// SendOptions modifies a Send.
type SendOptions struct {
	// DoubleSided sends the request as the first half of a double-sided
	// transaction; Send returns the peer's reply.
	DoubleSided bool

	// OmitLength leaves the total length undeclared in the first segment.
	OmitLength bool

	// ExpectResponse makes Send wait for a response transaction from the
	// peer under the same transaction ID. Bound the wait with ctx.
	ExpectResponse bool
}

type handlerEntry struct {
	fn   HandlerFunc
	opts HandlerOptions
}

// Agent multiplexes RMPP transactions over one transport.
type Agent struct {
	config Config
	udp    *transport.UDP
	log    logging.LeveledLogger

	mu       sync.Mutex
	txs      map[txKey]*transaction
	calls    map[txKey]*call
	handlers map[mad.MgmtClass]handlerEntry
	started  bool
	closed   bool

	wg sync.WaitGroup
}

// New creates an agent bound to the configured connection or address.
func New(config Config) (*Agent, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	a := &Agent{
		config:   config,
		txs:      make(map[txKey]*transaction),
		calls:    make(map[txKey]*call),
		handlers: make(map[mad.MgmtClass]handlerEntry),
	}
	if config.LoggerFactory != nil {
		a.log = config.LoggerFactory.NewLogger("agent")
	} else {
		a.log = logging.NewDefaultLeveledLoggerForScope("agent", logging.LogLevelDisabled, io.Discard)
	}

	udp, err := transport.NewUDP(transport.UDPConfig{
		Conn:          config.Conn,
		ListenAddr:    config.ListenAddr,
		DatagramSize:  config.Params.PacketSize,
		Handler:       a.onDatagram,
		LoggerFactory: config.LoggerFactory,
	})
	if err != nil {
		return nil, err
	}
	a.udp = udp
	return a, nil
}

// Start begins receiving datagrams.
func (a *Agent) Start() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.started {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	a.started = true
	a.mu.Unlock()

	return a.udp.Start()
}

// Stop closes the transport, tears down every transaction and fails every
// pending Send with ErrClosed. It waits for running handlers to return.
func (a *Agent) Stop() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.closed = true
	txs := a.txs
	calls := a.calls
	a.txs = make(map[txKey]*transaction)
	a.calls = make(map[txKey]*call)
	a.mu.Unlock()

	err := a.udp.Stop()

	for _, t := range txs {
		t.close(ErrClosed)
	}
	for _, c := range calls {
		c.finish(nil, ErrClosed)
	}
	a.wg.Wait()

	return err
}

// Handle registers the handler for requests of a management class,
// replacing any previous one.
func (a *Agent) Handle(class mad.MgmtClass, fn HandlerFunc, opts HandlerOptions) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[class] = handlerEntry{fn: fn, opts: opts}
}

// LocalAddr returns the address the agent receives on.
func (a *Agent) LocalAddr() net.Addr {
	return a.udp.LocalAddr()
}

// TransactionCount returns the number of transactions in the table,
// including finished ones that are still lingering.
func (a *Agent) TransactionCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[*transaction]struct{}, len(a.txs))
	for _, t := range a.txs {
		seen[t] = struct{}{}
	}
	return len(seen)
}

// Send transfers msg to peer and blocks until the transfer completes, the
// expected reply arrives, or ctx is done.
//
// A message that is not double-sided and fits one packet is sent as a plain
// datagram without RMPP. Everything else runs as an RMPP sender transaction.
// Failures of the transaction are returned as *rmpp.AbortError.
func (a *Agent) Send(ctx context.Context, peer net.Addr, msg *rmpp.Message, opts SendOptions) (*rmpp.Message, error) {
	if peer == nil {
		return nil, ErrInvalidPeer
	}
	if msg == nil {
		return nil, ErrInvalidMessage
	}

	h := msg.Header
	if h.BaseVersion == 0 {
		h.BaseVersion = mad.BaseVersion
	}
	msg = &rmpp.Message{Header: h, ClassHeader: msg.ClassHeader, Data: msg.Data}
	key := keyOf(peer, h)
	replyKey := key.reply()

	if !opts.DoubleSided && a.fitsOnePacket(msg) {
		if !opts.ExpectResponse {
			return nil, a.sendPlain(peer, msg)
		}
		c := newCall()
		if err := a.expect(replyKey, c); err != nil {
			return nil, err
		}
		if err := a.sendPlain(peer, msg); err != nil {
			a.forget(replyKey, c)
			return nil, err
		}
		return a.wait(ctx, c, &replyKey, nil)
	}

	t, err := a.newTransaction(peer)
	if err != nil {
		return nil, err
	}
	c := newCall()
	var reply *rmpp.Message
	t.onDeliver = func(m *rmpp.Message) {
		reply = m
	}
	t.onComplete = func(err error) {
		switch {
		case err != nil:
			c.finish(nil, err)
		case opts.DoubleSided:
			c.finish(reply, nil)
		case !opts.ExpectResponse:
			c.finish(nil, nil)
		}
	}

	keys := []txKey{key}
	if opts.DoubleSided {
		// the reply arrives under the response key and must reach the
		// same context
		keys = append(keys, replyKey)
	}
	var callKey *txKey
	if opts.ExpectResponse && !opts.DoubleSided {
		callKey = &replyKey
	}

	t.mu.Lock()
	if err := a.register(t, keys, callKey, c); err != nil {
		t.mu.Unlock()
		return nil, err
	}
	err = t.ctx.StartSend(msg, rmpp.SendOptions{
		DoubleSided: opts.DoubleSided,
		OmitLength:  opts.OmitLength,
	})
	unclassified := t.ctx.State() == rmpp.StateUninitialized
	t.mu.Unlock()

	if err != nil {
		if unclassified {
			a.retire(t)
			if callKey != nil {
				a.forget(*callKey, c)
			}
			return nil, err
		}
		// the window is resent when the response timer expires
		a.log.Debugf("tid %#x: first window incomplete: %v", h.TransactionID, err)
	}

	return a.wait(ctx, c, callKey, t)
}

func (a *Agent) wait(ctx context.Context, c *call, callKey *txKey, t *transaction) (*rmpp.Message, error) {
	select {
	case <-c.done:
	case <-ctx.Done():
		c.finish(nil, ctx.Err())
		if t != nil {
			a.retire(t)
		}
	}
	if callKey != nil {
		a.forget(*callKey, c)
	}
	return c.msg, c.err
}

// register publishes a transaction under keys and, if callKey is set, the
// call waiting for the reply.
func (a *Agent) register(t *transaction, keys []txKey, callKey *txKey, c *call) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	for _, k := range keys {
		if _, exists := a.txs[k]; exists {
			return ErrTransactionExists
		}
	}
	if callKey != nil {
		if _, exists := a.calls[*callKey]; exists {
			return ErrTransactionExists
		}
		a.calls[*callKey] = c
	}
	for _, k := range keys {
		a.txs[k] = t
	}
	t.keys = keys
	return nil
}

func (a *Agent) expect(k txKey, c *call) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	if _, exists := a.calls[k]; exists {
		return ErrTransactionExists
	}
	a.calls[k] = c
	return nil
}

func (a *Agent) forget(k txKey, c *call) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.calls[k] == c {
		delete(a.calls, k)
	}
}

// retire removes a transaction from the table and tears it down.
func (a *Agent) retire(t *transaction) {
	a.mu.Lock()
	for _, k := range t.keys {
		if a.txs[k] == t {
			delete(a.txs, k)
		}
	}
	a.mu.Unlock()

	t.close(ErrClosed)
}

func (a *Agent) fitsOnePacket(msg *rmpp.Message) bool {
	layout := a.config.Params.Layout(msg.Header.MgmtClass)
	return len(msg.ClassHeader) <= layout.HeaderSize &&
		len(msg.Data) <= layout.DataSize(a.config.Params.PacketSize)
}

// sendPlain sends msg as one datagram with the RMPP Active flag clear.
func (a *Agent) sendPlain(peer net.Addr, msg *rmpp.Message) error {
	layout := a.config.Params.Layout(msg.Header.MgmtClass)
	pkt, err := mad.Build(a.config.Params.PacketSize, &msg.Header, &mad.RMPPHeader{}, layout, msg.ClassHeader, msg.Data)
	if err != nil {
		return err
	}
	return a.udp.Send(pkt, peer)
}

func (a *Agent) onDatagram(d *transport.Datagram) {
	pkt, err := mad.Decode(d.Data)
	if err != nil {
		a.log.Debugf("dropping datagram from %v: %v", d.Peer, err)
		return
	}
	if pkt.Header.BaseVersion != mad.BaseVersion {
		a.log.Debugf("dropping datagram from %v: base version %d", d.Peer, pkt.Header.BaseVersion)
		return
	}

	key := keyOf(d.Peer, pkt.Header)
	if !pkt.RMPP.Active() {
		a.handlePlain(d.Peer, key, pkt)
		return
	}

	if t := a.route(d.Peer, key, pkt); t != nil {
		t.handle(pkt)
	}
}

// route finds the transaction an RMPP packet belongs to. Segment 1 of an
// unknown transaction starts a receiver if a call awaits it as a reply or a
// handler accepts it as a request.
func (a *Agent) route(peer net.Addr, key txKey, pkt *mad.Packet) *transaction {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	if t, ok := a.txs[key]; ok {
		return t
	}
	if pkt.RMPP.Type != mad.TypeData || pkt.RMPP.SegmentNumber != 1 {
		a.log.Tracef("tid %#x: dropping %s for unknown transaction", key.tid, pkt.RMPP.Type)
		return nil
	}

	c := a.calls[key]
	h, hasHandler := a.handlers[key.class]
	if c == nil && (key.response || !hasHandler) {
		a.log.Debugf("tid %#x: no receiver for class %s from %v", key.tid, key.class, peer)
		return nil
	}

	t, err := a.newTransaction(peer)
	if err != nil {
		a.log.Warnf("tid %#x: %v", key.tid, err)
		return nil
	}

	if c != nil {
		t.onDeliver = func(m *rmpp.Message) {
			c.finish(m, nil)
		}
		t.onComplete = func(err error) {
			if err != nil {
				c.finish(nil, err)
			}
		}
		_ = t.ctx.BeginReceive(false)
	} else {
		var req *rmpp.Message
		t.onDeliver = func(m *rmpp.Message) {
			if h.opts.DoubleSided {
				req = m
				return
			}
			a.serve(peer, h, m, false)
		}
		t.onComplete = func(err error) {
			if err != nil {
				if !errors.Is(err, ErrClosed) {
					a.log.Warnf("tid %#x: request from %v failed: %v", key.tid, peer, err)
				}
				return
			}
			if h.opts.DoubleSided {
				a.serve(peer, h, req, true)
			}
		}
		_ = t.ctx.BeginReceive(h.opts.DoubleSided)
	}

	t.keys = []txKey{key}
	a.txs[key] = t
	return t
}

func (a *Agent) handlePlain(peer net.Addr, key txKey, pkt *mad.Packet) {
	layout := a.config.Params.Layout(pkt.Header.MgmtClass)
	if len(pkt.Raw) < mad.CommonHeaderSize+layout.HeaderOffset+layout.HeaderSize {
		a.log.Debugf("tid %#x: dropping short datagram from %v", key.tid, peer)
		return
	}
	msg := &rmpp.Message{
		Header:      pkt.Header,
		ClassHeader: bytes.Clone(layout.ClassHeader(pkt.Raw)),
		Data:        bytes.Clone(layout.Data(pkt.Raw)),
	}

	a.mu.Lock()
	c := a.calls[key]
	h, hasHandler := a.handlers[key.class]
	a.mu.Unlock()

	switch {
	case c != nil:
		c.finish(msg, nil)
	case !key.response && hasHandler:
		a.serve(peer, h, msg, false)
	default:
		a.log.Debugf("tid %#x: no receiver for class %s from %v", key.tid, key.class, peer)
	}
}

// serve runs a handler off the read loop and sends its response. A
// double-sided response is always an RMPP transaction so it reaches the
// requester's context waiting in the switch state.
func (a *Agent) serve(peer net.Addr, h handlerEntry, req *rmpp.Message, doubleSided bool) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()

		resp, err := h.fn(peer, req)
		if err != nil {
			a.log.Warnf("tid %#x: handler for class %s failed: %v",
				req.Header.TransactionID, req.Header.MgmtClass, err)
			return
		}
		if resp == nil {
			return
		}

		reply := responseTo(req, resp)
		if !doubleSided && a.fitsOnePacket(reply) {
			err = a.sendPlain(peer, reply)
		} else {
			err = a.respond(peer, reply, h.opts)
		}
		if err != nil {
			a.log.Warnf("tid %#x: response to %v failed: %v", reply.Header.TransactionID, peer, err)
		}
	}()
}

// respond starts a sender transaction for a response.
func (a *Agent) respond(peer net.Addr, reply *rmpp.Message, opts HandlerOptions) error {
	t, err := a.newTransaction(peer)
	if err != nil {
		return err
	}
	tid := reply.Header.TransactionID
	t.onComplete = func(err error) {
		if err != nil && !errors.Is(err, ErrClosed) {
			a.log.Warnf("tid %#x: response to %v failed: %v", tid, peer, err)
		}
	}

	t.mu.Lock()
	if err := a.register(t, []txKey{keyOf(peer, reply.Header)}, nil, nil); err != nil {
		t.mu.Unlock()
		return err
	}
	err = t.ctx.StartSend(reply, rmpp.SendOptions{OmitLength: opts.OmitLength})
	unclassified := t.ctx.State() == rmpp.StateUninitialized
	t.mu.Unlock()

	if err != nil && unclassified {
		a.retire(t)
		return err
	}
	return nil
}

func responseTo(req, resp *rmpp.Message) *rmpp.Message {
	h := resp.Header
	h.BaseVersion = mad.BaseVersion
	h.MgmtClass = req.Header.MgmtClass
	h.TransactionID = req.Header.TransactionID
	h.Method = req.Header.Method.Response()
	if h.ClassVersion == 0 {
		h.ClassVersion = req.Header.ClassVersion
	}
	if h.AttributeID == 0 {
		h.AttributeID = req.Header.AttributeID
		h.AttributeModifier = req.Header.AttributeModifier
	}
	return &rmpp.Message{Header: h, ClassHeader: resp.ClassHeader, Data: resp.Data}
}
