// Package mad implements the management datagram (MAD) wire format used by the
// reliable multi-packet transfer engine.
//
// A MAD is a fixed-size datagram (256 bytes unless configured otherwise) that
// starts with a 24-byte common header. Classes that support multi-packet
// transfer follow it with a 12-byte RMPP header, an optional class-specific
// header and the segment data. All multi-byte fields are big-endian.
//
// The package provides:
//   - Common header and RMPP header encoding/decoding
//   - RMPP type, status and flag enumerations
//   - The read-only per-class header layout table
package mad

// MgmtClass identifies the management class of a datagram.
type MgmtClass uint8

const (
	// ClassSubnLID is LID-routed subnet management.
	ClassSubnLID MgmtClass = 0x01

	// ClassSubnAdm is subnet administration. Large query results travel as
	// multi-packet GetTable responses.
	ClassSubnAdm MgmtClass = 0x03

	// ClassPerfMgmt is performance management.
	ClassPerfMgmt MgmtClass = 0x04

	// ClassBoardMgmt is baseboard management.
	ClassBoardMgmt MgmtClass = 0x05

	// ClassDevMgmt is device management.
	ClassDevMgmt MgmtClass = 0x06

	// ClassCommMgmt is communication management.
	ClassCommMgmt MgmtClass = 0x07

	// ClassSNMP is SNMP tunneling.
	ClassSNMP MgmtClass = 0x08

	// ClassVendorLow is the first vendor class without an OUI header.
	ClassVendorLow MgmtClass = 0x09

	// ClassVendorLowEnd is the last vendor class without an OUI header.
	ClassVendorLowEnd MgmtClass = 0x0F

	// ClassVendorOUI is the first vendor class carrying an OUI header.
	ClassVendorOUI MgmtClass = 0x30

	// ClassVendorOUIEnd is the last vendor class carrying an OUI header.
	ClassVendorOUIEnd MgmtClass = 0x4F
)

// String returns a human-readable name for the management class.
func (c MgmtClass) String() string {
	switch {
	case c == ClassSubnLID:
		return "SubnLID"
	case c == ClassSubnAdm:
		return "SubnAdm"
	case c == ClassPerfMgmt:
		return "PerfMgmt"
	case c == ClassBoardMgmt:
		return "BoardMgmt"
	case c == ClassDevMgmt:
		return "DevMgmt"
	case c == ClassCommMgmt:
		return "CommMgmt"
	case c == ClassSNMP:
		return "SNMP"
	case c >= ClassVendorLow && c <= ClassVendorLowEnd:
		return "Vendor"
	case c >= ClassVendorOUI && c <= ClassVendorOUIEnd:
		return "VendorOUI"
	default:
		return "Unknown"
	}
}

// Method is the method byte of the common header. The high bit marks a
// response.
type Method uint8

const (
	MethodGet          Method = 0x01
	MethodSet          Method = 0x02
	MethodSend         Method = 0x03
	MethodTrap         Method = 0x05
	MethodReport       Method = 0x06
	MethodGetTable     Method = 0x12
	MethodGetTraceTbl  Method = 0x13
	MethodGetMulti     Method = 0x14
	MethodDelete       Method = 0x15
	MethodGetResp      Method = 0x81
	MethodGetTableResp Method = 0x92

	// MethodResponse is the response bit of the method byte.
	MethodResponse Method = 0x80
)

// IsResponse reports whether the response bit is set.
func (m Method) IsResponse() bool {
	return m&MethodResponse != 0
}

// Response returns the response form of the method.
func (m Method) Response() Method {
	return m | MethodResponse
}

// Type is the RMPP packet type.
type Type uint8

const (
	// TypeNone marks a datagram that does not take part in RMPP.
	TypeNone Type = 0

	// TypeData carries one segment of the message.
	TypeData Type = 1

	// TypeAck acknowledges segments cumulatively and advances the window.
	TypeAck Type = 2

	// TypeStop asks the sender to stop the transfer.
	TypeStop Type = 3

	// TypeAbort terminates the transfer.
	TypeAbort Type = 4
)

// String returns a human-readable name for the RMPP type.
func (t Type) String() string {
	switch t {
	case TypeNone:
		return "None"
	case TypeData:
		return "Data"
	case TypeAck:
		return "Ack"
	case TypeStop:
		return "Stop"
	case TypeAbort:
		return "Abort"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the type is one of Data, Ack, Stop or Abort.
func (t Type) IsValid() bool {
	return t >= TypeData && t <= TypeAbort
}

// Status is the RMPP status code.
type Status uint8

const (
	StatusNormal                   Status = 0
	StatusResourceExhausted        Status = 1
	StatusTotalLengthError         Status = 118
	StatusInconsistentLastLength   Status = 119
	StatusInconsistentFirstSegment Status = 120
	StatusBadType                  Status = 121
	StatusWindowToSegment          Status = 122
	StatusSegmentTooBig            Status = 123
	StatusInvalidStatus            Status = 124
	StatusUnsupportedVersion       Status = 125
	StatusTimeout                  Status = 126
	StatusUnspecifiedError         Status = 127
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "Normal"
	case StatusResourceExhausted:
		return "ResourceExhausted"
	case StatusTotalLengthError:
		return "TotalLengthError"
	case StatusInconsistentLastLength:
		return "InconsistentLastLength"
	case StatusInconsistentFirstSegment:
		return "InconsistentFirstSegment"
	case StatusBadType:
		return "BadType"
	case StatusWindowToSegment:
		return "WindowToSegment"
	case StatusSegmentTooBig:
		return "SegmentTooBig"
	case StatusInvalidStatus:
		return "InvalidStatus"
	case StatusUnsupportedVersion:
		return "UnsupportedVersion"
	case StatusTimeout:
		return "Timeout"
	case StatusUnspecifiedError:
		return "UnspecifiedError"
	default:
		return "Unknown"
	}
}

// AbortOnly reports whether the status may only appear on an Abort packet.
func (s Status) AbortOnly() bool {
	return s >= StatusTotalLengthError && s <= StatusUnspecifiedError
}

// Flags is the three-bit RMPP flags field.
type Flags uint8

const (
	// FlagActive marks the datagram as part of an RMPP transfer.
	FlagActive Flags = 1 << 0

	// FlagFirst marks the first segment.
	FlagFirst Flags = 1 << 1

	// FlagLast marks the terminal segment.
	FlagLast Flags = 1 << 2

	flagsMask Flags = 0x07
)

// Has reports whether all bits of f are set.
func (fl Flags) Has(f Flags) bool {
	return fl&f == f
}
