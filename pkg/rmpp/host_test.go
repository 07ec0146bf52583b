package rmpp

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/backkem/rmpp/pkg/mad"
	"github.com/stretchr/testify/require"
)

var errTransmit = errors.New("transmit failed")

// recordingHost captures everything a Context asks of its owner.
type recordingHost struct {
	sent        [][]byte
	timers      map[TimerKind]time.Duration
	delivered   []*Message
	completions []error

	// failAt makes the Nth transmit (1-based) fail.
	failAt    int
	transmits int
}

func newRecordingHost() *recordingHost {
	return &recordingHost{timers: make(map[TimerKind]time.Duration)}
}

func (h *recordingHost) Transmit(pkt []byte) error {
	h.transmits++
	if h.failAt > 0 && h.transmits == h.failAt {
		return errTransmit
	}
	h.sent = append(h.sent, pkt)
	return nil
}

func (h *recordingHost) ScheduleTimer(kind TimerKind, d time.Duration) {
	h.timers[kind] = d
}

func (h *recordingHost) CancelTimer(kind TimerKind) {
	delete(h.timers, kind)
}

func (h *recordingHost) Deliver(msg *Message) {
	cp := *msg
	cp.Data = bytes.Clone(msg.Data)
	h.delivered = append(h.delivered, &cp)
}

func (h *recordingHost) Complete(err error) {
	h.completions = append(h.completions, err)
}

// take decodes and clears the transmitted packets.
func (h *recordingHost) take(t *testing.T) []*mad.Packet {
	t.Helper()
	var out []*mad.Packet
	for _, raw := range h.sent {
		pkt, err := mad.Decode(raw)
		require.NoError(t, err)
		out = append(out, pkt)
	}
	h.sent = nil
	return out
}

type endpoint struct {
	ctx  *Context
	host *recordingHost
}

func newEndpoint(t *testing.T, params Params) *endpoint {
	t.Helper()
	h := newRecordingHost()
	c, err := NewContext(params, h)
	require.NoError(t, err)
	return &endpoint{ctx: c, host: h}
}

// pump shuttles packets between two endpoints until both are quiet. check
// runs after every packet handled by a.
func pump(t *testing.T, a, b *endpoint, check func()) {
	t.Helper()
	for i := 0; i < 10000; i++ {
		fromA := a.host.take(t)
		fromB := b.host.take(t)
		if len(fromA) == 0 && len(fromB) == 0 {
			return
		}
		for _, p := range fromA {
			b.ctx.HandleInbound(p)
		}
		for _, p := range fromB {
			a.ctx.HandleInbound(p)
			if check != nil {
				check()
			}
		}
	}
	t.Fatal("pump did not settle")
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

func testHeader(class mad.MgmtClass, tid uint64) mad.Header {
	return mad.Header{
		BaseVersion:   mad.BaseVersion,
		MgmtClass:     class,
		ClassVersion:  2,
		Method:        mad.MethodGetTableResp,
		TransactionID: tid,
		AttributeID:   0x0038,
	}
}

// dataPacket hand-crafts a Data segment.
func dataPacket(t *testing.T, h mad.Header, seg uint32, flags mad.Flags, word uint32, data []byte) *mad.Packet {
	t.Helper()
	r := mad.RMPPHeader{
		Version:       mad.RMPPVersion,
		Type:          mad.TypeData,
		Flags:         mad.FlagActive | flags,
		SegmentNumber: seg,
		Word:          word,
	}
	raw, err := mad.Build(mad.Size, &h, &r, mad.LayoutOf(h.MgmtClass), nil, data)
	require.NoError(t, err)
	pkt, err := mad.Decode(raw)
	require.NoError(t, err)
	return pkt
}

func controlPacket(t *testing.T, h mad.Header, typ mad.Type, status mad.Status, seg, word uint32) *mad.Packet {
	t.Helper()
	r := mad.RMPPHeader{
		Version:       mad.RMPPVersion,
		Type:          typ,
		Flags:         mad.FlagActive,
		Status:        status,
		SegmentNumber: seg,
		Word:          word,
	}
	raw, err := mad.Build(mad.Size, &h, &r, mad.LayoutDefault, nil, nil)
	require.NoError(t, err)
	pkt, err := mad.Decode(raw)
	require.NoError(t, err)
	return pkt
}
