package mad

import "encoding/binary"

// Header is the MAD common header. It identifies the class, method and
// transaction a datagram belongs to.
type Header struct {
	BaseVersion   uint8
	MgmtClass     MgmtClass
	ClassVersion  uint8
	Method        Method
	Status        uint16
	ClassSpecific uint16

	// TransactionID correlates requests, responses and every segment of a
	// multi-packet transfer.
	TransactionID uint64

	AttributeID       uint16
	AttributeModifier uint32
}

// EncodeTo serializes the header into buf, which must hold at least
// CommonHeaderSize bytes. Returns the number of bytes written.
func (h *Header) EncodeTo(buf []byte) int {
	buf[0] = h.BaseVersion
	buf[1] = uint8(h.MgmtClass)
	buf[2] = h.ClassVersion
	buf[3] = uint8(h.Method)
	binary.BigEndian.PutUint16(buf[4:], h.Status)
	binary.BigEndian.PutUint16(buf[6:], h.ClassSpecific)
	binary.BigEndian.PutUint64(buf[8:], h.TransactionID)
	binary.BigEndian.PutUint16(buf[16:], h.AttributeID)
	// 2 reserved bytes
	buf[18] = 0
	buf[19] = 0
	binary.BigEndian.PutUint32(buf[20:], h.AttributeModifier)
	return CommonHeaderSize
}

// Decode parses the header from data.
// Returns the number of bytes consumed.
func (h *Header) Decode(data []byte) (int, error) {
	if len(data) < CommonHeaderSize {
		return 0, ErrTooShort
	}
	h.BaseVersion = data[0]
	h.MgmtClass = MgmtClass(data[1])
	h.ClassVersion = data[2]
	h.Method = Method(data[3])
	h.Status = binary.BigEndian.Uint16(data[4:])
	h.ClassSpecific = binary.BigEndian.Uint16(data[6:])
	h.TransactionID = binary.BigEndian.Uint64(data[8:])
	h.AttributeID = binary.BigEndian.Uint16(data[16:])
	h.AttributeModifier = binary.BigEndian.Uint32(data[20:])
	return CommonHeaderSize, nil
}

// RMPPHeader is the multi-packet transfer control header.
type RMPPHeader struct {
	Version   uint8
	Type      Type
	RRespTime uint8
	Flags     Flags
	Status    Status

	// SegmentNumber is the 1-based segment index for Data, the last
	// cumulatively received segment for Ack.
	SegmentNumber uint32

	// Word is PayloadLength on Data and NewWindowLast on Ack.
	Word uint32
}

// Active reports whether the datagram takes part in an RMPP transfer.
func (r *RMPPHeader) Active() bool {
	return r.Flags.Has(FlagActive)
}

// First reports whether the First flag is set.
func (r *RMPPHeader) First() bool {
	return r.Flags.Has(FlagFirst)
}

// Last reports whether the Last flag is set.
func (r *RMPPHeader) Last() bool {
	return r.Flags.Has(FlagLast)
}

// EncodeTo serializes the RMPP header into buf, which must hold at least
// RMPPHeaderSize bytes. Returns the number of bytes written.
func (r *RMPPHeader) EncodeTo(buf []byte) int {
	buf[0] = r.Version
	buf[1] = uint8(r.Type)
	buf[2] = r.RRespTime<<3 | uint8(r.Flags&flagsMask)
	buf[3] = uint8(r.Status)
	binary.BigEndian.PutUint32(buf[4:], r.SegmentNumber)
	binary.BigEndian.PutUint32(buf[8:], r.Word)
	return RMPPHeaderSize
}

// Decode parses the RMPP header from data.
// Returns the number of bytes consumed.
func (r *RMPPHeader) Decode(data []byte) (int, error) {
	if len(data) < RMPPHeaderSize {
		return 0, ErrTooShort
	}
	r.Version = data[0]
	r.Type = Type(data[1])
	r.RRespTime = data[2] >> 3
	r.Flags = Flags(data[2]) & flagsMask
	r.Status = Status(data[3])
	r.SegmentNumber = binary.BigEndian.Uint32(data[4:])
	r.Word = binary.BigEndian.Uint32(data[8:])
	return RMPPHeaderSize, nil
}
