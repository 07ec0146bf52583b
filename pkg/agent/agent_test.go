package agent

import (
	"bytes"
	"context"
	"errors"
	"net"
	"slices"
	"testing"
	"time"

	"github.com/backkem/rmpp/pkg/mad"
	"github.com/backkem/rmpp/pkg/rmpp"
	"github.com/backkem/rmpp/pkg/transport"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastParams() rmpp.Params {
	return rmpp.Params{
		WindowSize:         4,
		ResponseTimeout:    20 * time.Millisecond,
		TransactionTimeout: 2 * time.Second,
		LingerTimeout:      50 * time.Millisecond,
		MaxRetries:         5,
	}
}

type agentPair struct {
	client     *Agent
	server     *Agent
	pipe       *transport.Pipe
	serverAddr net.Addr
}

func newAgentPair(t *testing.T, params rmpp.Params) *agentPair {
	t.Helper()

	f0, f1 := transport.NewPipeFactoryPair()
	conn0, _ := f0.CreatePacketConn()
	conn1, _ := f1.CreatePacketConn()

	client, err := New(Config{Conn: conn0, Params: params})
	require.NoError(t, err)
	server, err := New(Config{Conn: conn1, Params: params})
	require.NoError(t, err)

	require.NoError(t, client.Start())
	require.NoError(t, server.Start())

	return &agentPair{
		client:     client,
		server:     server,
		pipe:       f0.Pipe(),
		serverAddr: f0.PeerAddr(),
	}
}

func (p *agentPair) Close() {
	p.client.Stop()
	p.server.Stop()
	p.pipe.Close()
}

func (p *agentPair) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.client.TransactionCount() == 0 && p.server.TransactionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func requestHeader(class mad.MgmtClass, tid uint64) mad.Header {
	return mad.Header{
		MgmtClass:     class,
		ClassVersion:  2,
		Method:        mad.MethodGetTable,
		TransactionID: tid,
		AttributeID:   0x38,
	}
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func TestSendSingleSided(t *testing.T) {
	defer leaktest.Check(t)()

	for _, omit := range []bool{false, true} {
		p := newAgentPair(t, fastParams())

		got := make(chan *rmpp.Message, 1)
		p.server.Handle(mad.ClassSubnAdm, func(peer net.Addr, req *rmpp.Message) (*rmpp.Message, error) {
			got <- req
			return nil, nil
		}, HandlerOptions{})

		data := payload(5000)
		classHeader := []byte{1, 2, 3, 4, 5, 6, 7, 8}
		reply, err := p.client.Send(context.Background(), p.serverAddr, &rmpp.Message{
			Header:      requestHeader(mad.ClassSubnAdm, 0x1001),
			ClassHeader: classHeader,
			Data:        data,
		}, SendOptions{OmitLength: omit})
		require.NoError(t, err, "omit=%v", omit)
		assert.Nil(t, reply)

		select {
		case req := <-got:
			assert.Equal(t, data, req.Data, "omit=%v", omit)
			assert.Equal(t, classHeader, req.ClassHeader[:len(classHeader)])
			assert.Equal(t, uint64(0x1001), req.Header.TransactionID)
		case <-time.After(time.Second):
			t.Fatalf("omit=%v: handler not called", omit)
		}

		p.waitIdle(t)
		p.Close()
	}
}

func TestSendExpectResponse(t *testing.T) {
	defer leaktest.Check(t)()

	p := newAgentPair(t, fastParams())
	defer p.Close()

	table := payload(3000)
	p.server.Handle(mad.ClassVendorOUI, func(peer net.Addr, req *rmpp.Message) (*rmpp.Message, error) {
		if !bytes.HasPrefix(req.Data, []byte("query")) {
			return nil, errors.New("unexpected request")
		}
		return &rmpp.Message{Data: table}, nil
	}, HandlerOptions{})

	reply, err := p.client.Send(context.Background(), p.serverAddr, &rmpp.Message{
		Header: requestHeader(mad.ClassVendorOUI, 0x2002),
		Data:   []byte("query"),
	}, SendOptions{ExpectResponse: true})
	require.NoError(t, err)
	require.NotNil(t, reply)

	assert.Equal(t, table, reply.Data)
	assert.Equal(t, mad.MethodGetTableResp, reply.Header.Method)
	assert.Equal(t, uint64(0x2002), reply.Header.TransactionID)
	assert.Equal(t, uint16(0x38), reply.Header.AttributeID)

	p.waitIdle(t)
}

func TestSendExpectPlainResponse(t *testing.T) {
	p := newAgentPair(t, fastParams())
	defer p.Close()

	p.server.Handle(mad.ClassPerfMgmt, func(peer net.Addr, req *rmpp.Message) (*rmpp.Message, error) {
		return &rmpp.Message{Data: []byte("counters")}, nil
	}, HandlerOptions{})

	h := requestHeader(mad.ClassPerfMgmt, 0x3003)
	h.Method = mad.MethodGet
	reply, err := p.client.Send(context.Background(), p.serverAddr, &rmpp.Message{
		Header: h,
		Data:   []byte("get"),
	}, SendOptions{ExpectResponse: true})
	require.NoError(t, err)

	assert.Equal(t, mad.MethodGetResp, reply.Header.Method)
	assert.True(t, bytes.HasPrefix(reply.Data, []byte("counters")))
	assert.Len(t, reply.Data, mad.LayoutDefault.DataSize(mad.Size))
	assert.Equal(t, 0, p.client.TransactionCount())
}

func TestSendDoubleSided(t *testing.T) {
	defer leaktest.Check(t)()

	p := newAgentPair(t, fastParams())
	defer p.Close()
	p.pipe.SetCondition(transport.NetworkCondition{DuplicateRate: 1.0})

	calls := make(chan struct{}, 4)
	p.server.Handle(mad.ClassVendorLow, func(peer net.Addr, req *rmpp.Message) (*rmpp.Message, error) {
		calls <- struct{}{}
		resp := slices.Clone(req.Data)
		slices.Reverse(resp)
		return &rmpp.Message{Data: resp}, nil
	}, HandlerOptions{DoubleSided: true})

	data := payload(2000)
	reply, err := p.client.Send(context.Background(), p.serverAddr, &rmpp.Message{
		Header: requestHeader(mad.ClassVendorLow, 0x4004),
		Data:   data,
	}, SendOptions{DoubleSided: true})
	require.NoError(t, err)
	require.NotNil(t, reply)

	want := slices.Clone(data)
	slices.Reverse(want)
	assert.Equal(t, want, reply.Data)
	assert.True(t, reply.Header.Method.IsResponse())

	p.waitIdle(t)
	assert.Len(t, calls, 1)
}

func TestSendTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	params := fastParams()
	params.MaxRetries = 2
	p := newAgentPair(t, params)
	defer p.Close()
	p.pipe.SetCondition(transport.NetworkCondition{DropRate: 1.0})

	_, err := p.client.Send(context.Background(), p.serverAddr, &rmpp.Message{
		Header: requestHeader(mad.ClassVendorLow, 0x5005),
		Data:   payload(1000),
	}, SendOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, &rmpp.AbortError{Status: mad.StatusTimeout})
	assert.Equal(t, mad.StatusTimeout, rmpp.StatusOf(err))

	p.waitIdle(t)
}

func TestSendContextCanceled(t *testing.T) {
	p := newAgentPair(t, fastParams())
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := p.client.Send(ctx, p.serverAddr, &rmpp.Message{
		Header: requestHeader(mad.ClassVendorLow, 0x6006),
		Data:   []byte("nobody answers"),
	}, SendOptions{ExpectResponse: true})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, p.client.TransactionCount())
}

func TestSendDuplicateTransaction(t *testing.T) {
	params := fastParams()
	params.MaxRetries = 3
	p := newAgentPair(t, params)
	defer p.Close()
	p.pipe.SetCondition(transport.NetworkCondition{DropRate: 1.0})

	msg := &rmpp.Message{
		Header: requestHeader(mad.ClassVendorLow, 0x7007),
		Data:   payload(1000),
	}

	done := make(chan error, 1)
	go func() {
		_, err := p.client.Send(context.Background(), p.serverAddr, msg, SendOptions{})
		done <- err
	}()

	require.Eventually(t, func() bool {
		return p.client.TransactionCount() == 1
	}, time.Second, 5*time.Millisecond)

	_, err := p.client.Send(context.Background(), p.serverAddr, msg, SendOptions{})
	assert.ErrorIs(t, err, ErrTransactionExists)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, &rmpp.AbortError{Status: mad.StatusTimeout})
	case <-time.After(2 * time.Second):
		t.Fatal("first Send did not time out")
	}
}

func TestStopFailsPendingSend(t *testing.T) {
	defer leaktest.Check(t)()

	params := fastParams()
	params.MaxRetries = 1000
	p := newAgentPair(t, params)
	p.pipe.SetCondition(transport.NetworkCondition{DropRate: 1.0})

	done := make(chan error, 1)
	go func() {
		_, err := p.client.Send(context.Background(), p.serverAddr, &rmpp.Message{
			Header: requestHeader(mad.ClassVendorLow, 0x8008),
			Data:   payload(1000),
		}, SendOptions{DoubleSided: true})
		done <- err
	}()

	require.Eventually(t, func() bool {
		return p.client.TransactionCount() == 1
	}, time.Second, 5*time.Millisecond)
	p.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("Send still pending after Stop")
	}

	_, err := p.client.Send(context.Background(), p.serverAddr, &rmpp.Message{
		Header: requestHeader(mad.ClassVendorLow, 0x8009),
		Data:   payload(1000),
	}, SendOptions{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSendValidation(t *testing.T) {
	p := newAgentPair(t, fastParams())
	defer p.Close()

	_, err := p.client.Send(context.Background(), nil, &rmpp.Message{}, SendOptions{})
	assert.ErrorIs(t, err, ErrInvalidPeer)

	_, err = p.client.Send(context.Background(), p.serverAddr, nil, SendOptions{})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	_, err = p.client.Send(context.Background(), p.serverAddr, &rmpp.Message{
		Header:      requestHeader(mad.ClassVendorOUI, 0x9009),
		ClassHeader: make([]byte, 5),
		Data:        payload(1000),
	}, SendOptions{})
	assert.ErrorIs(t, err, mad.ErrPayloadTooLarge)
	assert.Equal(t, 0, p.client.TransactionCount())
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{Params: rmpp.Params{WindowSize: -1}})
	assert.ErrorIs(t, err, rmpp.ErrInvalidWindow)

	_, err = New(Config{Params: rmpp.Params{PacketSize: mad.RMPPDataOffset}})
	assert.ErrorIs(t, err, rmpp.ErrPacketTooSmall)
}

func TestStartStop(t *testing.T) {
	defer leaktest.Check(t)()

	a, err := New(Config{ListenAddr: "127.0.0.1:0"})
	require.NoError(t, err)

	require.NoError(t, a.Start())
	assert.ErrorIs(t, a.Start(), ErrAlreadyStarted)
	require.NoError(t, a.Stop())
	assert.ErrorIs(t, a.Stop(), ErrClosed)
	assert.ErrorIs(t, a.Start(), ErrClosed)
}

func TestDoubleSidedOverUDP(t *testing.T) {
	defer leaktest.Check(t)()

	server, err := New(Config{ListenAddr: "127.0.0.1:0", Params: fastParams()})
	require.NoError(t, err)
	require.NoError(t, server.Start())
	defer server.Stop()

	client, err := New(Config{ListenAddr: "127.0.0.1:0", Params: fastParams()})
	require.NoError(t, err)
	require.NoError(t, client.Start())
	defer client.Stop()

	server.Handle(mad.ClassSubnAdm, func(peer net.Addr, req *rmpp.Message) (*rmpp.Message, error) {
		return &rmpp.Message{Data: bytes.ToUpper(req.Data)}, nil
	}, HandlerOptions{DoubleSided: true, OmitLength: true})

	data := bytes.Repeat([]byte("fabric path record "), 100)
	reply, err := client.Send(context.Background(), server.LocalAddr(), &rmpp.Message{
		Header: requestHeader(mad.ClassSubnAdm, 0xA00A),
		Data:   data,
	}, SendOptions{DoubleSided: true})
	require.NoError(t, err)
	assert.Equal(t, bytes.ToUpper(data), reply.Data)
}
