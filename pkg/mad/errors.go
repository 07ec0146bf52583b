package mad

import "errors"

// Wire format errors.
var (
	ErrTooShort        = errors.New("mad: data too short")
	ErrPayloadTooLarge = errors.New("mad: payload exceeds packet size")
	ErrInvalidSize     = errors.New("mad: packet size too small for class layout")
)

// Wire format constants.
const (
	// Size is the standard MAD size in bytes.
	Size = 256

	// CommonHeaderSize is the size of the common header.
	// BaseVersion(1) + MgmtClass(1) + ClassVersion(1) + Method(1) + Status(2) +
	// ClassSpecific(2) + TID(8) + AttrID(2) + Reserved(2) + AttrModifier(4) = 24
	CommonHeaderSize = 24

	// RMPPHeaderSize is the size of the RMPP header.
	// Version(1) + Type(1) + RRespTime/Flags(1) + Status(1) + SegmentNumber(4) +
	// PayloadLength/NewWindowLast(4) = 12
	RMPPHeaderSize = 12

	// RMPPDataOffset is where the RMPP data area starts.
	RMPPDataOffset = CommonHeaderSize + RMPPHeaderSize

	// BaseVersion is the only supported MAD base version.
	BaseVersion uint8 = 1

	// RMPPVersion is the only supported RMPP protocol version.
	RMPPVersion uint8 = 1

	// RRespTimeNone signals that no response time hint is given.
	RRespTimeNone uint8 = 0x1F
)
