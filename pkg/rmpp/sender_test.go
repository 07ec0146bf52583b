package rmpp

import (
	"errors"
	"testing"

	"github.com/backkem/rmpp/pkg/mad"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenSegmentsWindowOfFour(t *testing.T) {
	// no class header and 1000 bytes of data per segment
	params := Params{WindowSize: 4, PacketSize: mad.RMPPDataOffset + 1000}
	s := newEndpoint(t, params)
	r := newEndpoint(t, params)
	require.NoError(t, r.ctx.BeginReceive(false))

	msg := &Message{Header: testHeader(mad.ClassVendorLow, 0x10), Data: payload(10000)}
	require.NoError(t, s.ctx.StartSend(msg, SendOptions{}))
	require.EqualValues(t, 10, s.ctx.NumSegments())

	steps := []struct {
		segs   []uint32
		ack    uint32
		window uint32
	}{
		{[]uint32{1, 2, 3, 4}, 4, 8},
		{[]uint32{5, 6, 7, 8}, 8, 10},
		// the terminal ack still advertises a full window
		{[]uint32{9, 10}, 10, 14},
	}
	for _, step := range steps {
		data := s.host.take(t)
		require.Len(t, data, len(step.segs))
		for i, p := range data {
			assert.Equal(t, mad.TypeData, p.RMPP.Type)
			assert.Equal(t, step.segs[i], p.RMPP.SegmentNumber)
			r.ctx.HandleInbound(p)
		}

		acks := r.host.take(t)
		require.Len(t, acks, 1)
		assert.Equal(t, mad.TypeAck, acks[0].RMPP.Type)
		assert.Equal(t, step.ack, acks[0].RMPP.SegmentNumber)
		assert.Equal(t, step.window, acks[0].RMPP.Word)
		s.ctx.HandleInbound(acks[0])
	}

	assert.Equal(t, StateDone, s.ctx.State())
	assert.Equal(t, []error{nil}, s.host.completions)
	assert.Empty(t, s.host.take(t))
	require.Len(t, r.host.delivered, 1)
	assert.Equal(t, msg.Data, r.host.delivered[0].Data)
}

func TestSegmentLengthWords(t *testing.T) {
	s := newEndpoint(t, Params{WindowSize: 8})
	msg := &Message{Header: testHeader(mad.ClassSubnAdm, 1), Data: payload(450)}
	require.NoError(t, s.ctx.StartSend(msg, SendOptions{}))

	pkts := s.host.take(t)
	require.Len(t, pkts, 3)

	// 3 segments of up to 200 bytes, 20-byte class header each
	assert.EqualValues(t, 450+3*20, pkts[0].RMPP.Word)
	assert.True(t, pkts[0].RMPP.First())
	assert.False(t, pkts[0].RMPP.Last())
	assert.EqualValues(t, 200, pkts[1].RMPP.Word)
	assert.EqualValues(t, 50+20, pkts[2].RMPP.Word)
	assert.True(t, pkts[2].RMPP.Last())
	for _, p := range pkts {
		assert.True(t, p.RMPP.Active())
		assert.Equal(t, mad.RRespTimeNone, p.RMPP.RRespTime)
		assert.Equal(t, msg.Header, p.Header)
	}
}

func TestOmitLengthSingleSegmentStillDeclares(t *testing.T) {
	s := newEndpoint(t, Params{})
	msg := &Message{Header: testHeader(mad.ClassSubnAdm, 1), Data: payload(10)}
	require.NoError(t, s.ctx.StartSend(msg, SendOptions{OmitLength: true}))

	pkts := s.host.take(t)
	require.Len(t, pkts, 1)
	assert.EqualValues(t, 30, pkts[0].RMPP.Word)

	s2 := newEndpoint(t, Params{})
	msg.Data = payload(1000)
	require.NoError(t, s2.ctx.StartSend(msg, SendOptions{OmitLength: true}))
	pkts = s2.host.take(t)
	assert.EqualValues(t, 0, pkts[0].RMPP.Word)
}

func TestWindowMonotonicity(t *testing.T) {
	params := Params{WindowSize: 3}
	s := newEndpoint(t, params)
	r := newEndpoint(t, params)
	require.NoError(t, r.ctx.BeginReceive(false))

	msg := &Message{Header: testHeader(mad.ClassSubnAdm, 2), Data: payload(10*200 + 1)}
	require.NoError(t, s.ctx.StartSend(msg, SendOptions{}))

	lastFirst, lastLast, _ := s.ctx.Window()
	check := func() {
		if s.ctx.State() != StateSenderActive {
			return
		}
		first, last, next := s.ctx.Window()
		assert.GreaterOrEqual(t, first, lastFirst, "window first decreased")
		assert.GreaterOrEqual(t, last, lastLast, "window last decreased")
		assert.LessOrEqual(t, first, next)
		assert.LessOrEqual(t, next, last+1)
		lastFirst, lastLast = first, last
	}
	check()
	pump(t, s, r, check)

	assert.Equal(t, StateDone, s.ctx.State())
	assert.Equal(t, msg.Data, r.host.delivered[0].Data)
}

func TestSenderActiveAborts(t *testing.T) {
	tests := []struct {
		name   string
		typ    mad.Type
		status mad.Status
		seg    uint32
		word   uint32
		want   mad.Status
		remote bool
	}{
		{"ack beyond window", mad.TypeAck, mad.StatusNormal, 5, 8, mad.StatusSegmentTooBig, false},
		{"window shrinks", mad.TypeAck, mad.StatusNormal, 2, 3, mad.StatusWindowToSegment, false},
		{"unknown type", mad.Type(7), mad.StatusNormal, 0, 0, mad.StatusBadType, false},
		{"peer stop", mad.TypeStop, mad.StatusResourceExhausted, 0, 0, mad.StatusResourceExhausted, true},
		{"peer abort", mad.TypeAbort, mad.StatusTimeout, 0, 0, mad.StatusTimeout, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newEndpoint(t, Params{WindowSize: 4})
			hdr := testHeader(mad.ClassSubnAdm, 3)
			require.NoError(t, s.ctx.StartSend(&Message{Header: hdr, Data: payload(2000)}, SendOptions{}))
			s.host.take(t)

			s.ctx.HandleInbound(controlPacket(t, hdr, tc.typ, tc.status, tc.seg, tc.word))

			assert.Equal(t, StateAbort, s.ctx.State())
			require.Len(t, s.host.completions, 1)
			var ae *AbortError
			require.True(t, errors.As(s.host.completions[0], &ae))
			assert.Equal(t, tc.want, ae.Status)
			assert.Equal(t, tc.remote, ae.Remote)
			assert.Equal(t, s.ctx.params.LingerTimeout, s.host.timers[TimerResponse])

			sent := s.host.take(t)
			if tc.remote {
				assert.Empty(t, sent)
				return
			}
			require.Len(t, sent, 1)
			assert.Equal(t, mad.TypeAbort, sent[0].RMPP.Type)
			assert.Equal(t, tc.want, sent[0].RMPP.Status)
			assert.Equal(t, hdr.TransactionID, sent[0].Header.TransactionID)
		})
	}
}

func TestSenderStaleAckKeepsWindow(t *testing.T) {
	s := newEndpoint(t, Params{WindowSize: 4})
	hdr := testHeader(mad.ClassSubnAdm, 4)
	require.NoError(t, s.ctx.StartSend(&Message{Header: hdr, Data: payload(2000)}, SendOptions{}))
	require.Len(t, s.host.take(t), 4)
	delete(s.host.timers, TimerResponse)

	s.ctx.HandleInbound(controlPacket(t, hdr, mad.TypeAck, mad.StatusNormal, 0, 4))

	assert.Equal(t, StateSenderActive, s.ctx.State())
	assert.Empty(t, s.host.take(t))
	assert.Equal(t, DefaultResponseTimeout, s.host.timers[TimerResponse])
	first, last, next := s.ctx.Window()
	assert.Equal(t, []uint32{1, 4, 5}, []uint32{first, last, next})
}

func TestSenderResponseTimeoutRetries(t *testing.T) {
	s := newEndpoint(t, Params{WindowSize: 4, MaxRetries: 2})
	hdr := testHeader(mad.ClassSubnAdm, 5)
	require.NoError(t, s.ctx.StartSend(&Message{Header: hdr, Data: payload(2000)}, SendOptions{}))
	s.host.take(t)

	for i := 0; i < 2; i++ {
		s.ctx.Expire(TimerResponse)
		pkts := s.host.take(t)
		require.Len(t, pkts, 4)
		assert.EqualValues(t, 1, pkts[0].RMPP.SegmentNumber)
		assert.Equal(t, StateSenderActive, s.ctx.State())
	}

	s.ctx.Expire(TimerResponse)
	assert.Equal(t, StateAbort, s.ctx.State())
	assert.Equal(t, mad.StatusTimeout, StatusOf(s.host.completions[0]))
	pkts := s.host.take(t)
	require.Len(t, pkts, 1)
	assert.Equal(t, mad.TypeAbort, pkts[0].RMPP.Type)
	assert.Equal(t, mad.StatusTimeout, pkts[0].RMPP.Status)

	s.ctx.Expire(TimerResponse)
	assert.True(t, s.ctx.Finished())
}

func TestSendWindowTransmitFailureArmsTimer(t *testing.T) {
	s := newEndpoint(t, Params{WindowSize: 4})
	s.host.failAt = 2
	hdr := testHeader(mad.ClassSubnAdm, 6)

	err := s.ctx.StartSend(&Message{Header: hdr, Data: payload(2000)}, SendOptions{})
	require.ErrorIs(t, err, errTransmit)
	require.Len(t, s.host.take(t), 1)

	_, _, next := s.ctx.Window()
	assert.EqualValues(t, 2, next)
	assert.Equal(t, DefaultResponseTimeout, s.host.timers[TimerResponse])

	s.ctx.Expire(TimerResponse)
	assert.Len(t, s.host.take(t), 4)
}

func TestStartSendValidation(t *testing.T) {
	s := newEndpoint(t, Params{})
	hdr := testHeader(mad.ClassSubnAdm, 7)

	err := s.ctx.StartSend(&Message{Header: hdr, ClassHeader: make([]byte, 21)}, SendOptions{})
	require.ErrorIs(t, err, mad.ErrPayloadTooLarge)

	small := newEndpoint(t, Params{PacketSize: mad.RMPPDataOffset + 10})
	err = small.ctx.StartSend(&Message{Header: hdr}, SendOptions{})
	require.ErrorIs(t, err, ErrPacketTooSmall)

	require.NoError(t, s.ctx.StartSend(&Message{Header: hdr}, SendOptions{}))
	require.ErrorIs(t, s.ctx.StartSend(&Message{Header: hdr}, SendOptions{}), ErrInvalidState)
}
