package mad

// Packet is a decoded datagram. Raw keeps the full wire bytes so class
// header and segment data can be sliced out with a Layout.
type Packet struct {
	Header Header
	RMPP   RMPPHeader
	Raw    []byte
}

// Decode parses a datagram. The RMPP header is decoded for every packet;
// callers check RMPP.Active() to tell multi-packet traffic from plain MADs.
func Decode(raw []byte) (*Packet, error) {
	if len(raw) < RMPPDataOffset {
		return nil, ErrTooShort
	}
	p := &Packet{Raw: raw}
	n, err := p.Header.Decode(raw)
	if err != nil {
		return nil, err
	}
	if _, err := p.RMPP.Decode(raw[n:]); err != nil {
		return nil, err
	}
	return p, nil
}

// Payload returns the RMPP data area: everything after the RMPP header.
func (p *Packet) Payload() []byte {
	return p.Raw[RMPPDataOffset:]
}

// Build encodes a datagram of the given size. The class header and data are
// placed according to layout; unused bytes are zero.
func Build(size int, h *Header, r *RMPPHeader, layout Layout, classHeader, data []byte) ([]byte, error) {
	if layout.DataSize(size) < 0 {
		return nil, ErrInvalidSize
	}
	if len(classHeader) > layout.HeaderSize || len(data) > layout.DataSize(size) {
		return nil, ErrPayloadTooLarge
	}
	buf := make([]byte, size)
	h.EncodeTo(buf)
	r.EncodeTo(buf[CommonHeaderSize:])
	copy(layout.ClassHeader(buf), classHeader)
	copy(layout.Data(buf), data)
	return buf, nil
}
