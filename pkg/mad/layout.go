package mad

// Layout describes where a management class places its class-specific
// header. HeaderOffset is measured from the end of the common header, so
// for RMPP classes it covers the RMPP header.
type Layout struct {
	HeaderOffset int
	HeaderSize   int
}

// Class header layouts. The table is read-only and shared by all
// transactions.
var (
	// LayoutSubnAdm carries SM_Key(8) + AttributeOffset(2) + Reserved(2) +
	// ComponentMask(8).
	LayoutSubnAdm = Layout{HeaderOffset: RMPPHeaderSize, HeaderSize: 20}

	// LayoutVendorOUI carries Reserved(1) + OUI(3).
	LayoutVendorOUI = Layout{HeaderOffset: RMPPHeaderSize, HeaderSize: 4}

	// LayoutDefault has no class header.
	LayoutDefault = Layout{HeaderOffset: RMPPHeaderSize, HeaderSize: 0}
)

// LayoutOf returns the class header layout for a management class.
func LayoutOf(class MgmtClass) Layout {
	switch {
	case class == ClassSubnAdm:
		return LayoutSubnAdm
	case class >= ClassVendorOUI && class <= ClassVendorOUIEnd:
		return LayoutVendorOUI
	default:
		return LayoutDefault
	}
}

// DataSize returns the number of message data bytes one packet of the
// given size carries, excluding the class header.
func (l Layout) DataSize(packetSize int) int {
	return packetSize - CommonHeaderSize - l.HeaderOffset - l.HeaderSize
}

// HeaderDataSize returns the class header plus data capacity of one packet.
// This is the per-segment unit counted by the Data payload length word.
func (l Layout) HeaderDataSize(packetSize int) int {
	return l.DataSize(packetSize) + l.HeaderSize
}

// ClassHeader returns the class header region of raw.
func (l Layout) ClassHeader(raw []byte) []byte {
	start := CommonHeaderSize + l.HeaderOffset
	return raw[start : start+l.HeaderSize]
}

// Data returns the segment data region of raw.
func (l Layout) Data(raw []byte) []byte {
	return raw[CommonHeaderSize+l.HeaderOffset+l.HeaderSize:]
}
