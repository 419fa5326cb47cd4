package radio

import (
	"fmt"

	blelib "github.com/go-ble/ble"
	"github.com/srg/blehost/internal/bt"
)

// AdvEventType is the legacy advertising PDU type.
type AdvEventType uint8

const (
	AdvInd AdvEventType = iota
	AdvDirectInd
	AdvScanInd
	AdvNonconnInd
	ScanRsp
)

func (t AdvEventType) String() string {
	switch t {
	case AdvInd:
		return "ADV_IND"
	case AdvDirectInd:
		return "ADV_DIRECT_IND"
	case AdvScanInd:
		return "ADV_SCAN_IND"
	case AdvNonconnInd:
		return "ADV_NONCONN_IND"
	case ScanRsp:
		return "SCAN_RSP"
	default:
		return fmt.Sprintf("adv-event(%d)", uint8(t))
	}
}

// Scannable reports whether a scan response may follow the PDU.
func (t AdvEventType) Scannable() bool {
	return t == AdvInd || t == AdvScanInd
}

// Connectable reports whether the PDU type accepts connections.
func (t AdvEventType) Connectable() bool {
	return t == AdvInd || t == AdvDirectInd
}

// FragmentOp tags one chunk of an extended advertising payload.
type FragmentOp uint8

const (
	FragmentIntermediate FragmentOp = 0x00
	FragmentFirst        FragmentOp = 0x01
	FragmentLast         FragmentOp = 0x02
	FragmentComplete     FragmentOp = 0x03
)

func (op FragmentOp) String() string {
	switch op {
	case FragmentIntermediate:
		return "intermediate"
	case FragmentFirst:
		return "first"
	case FragmentLast:
		return "last"
	case FragmentComplete:
		return "complete"
	default:
		return fmt.Sprintf("fragment-op(%d)", uint8(op))
	}
}

// AdvParams is the parameter record for legacy and extended sets.
// Intervals are in 0.625 ms units.
type AdvParams struct {
	Handle       uint8
	IntervalMin  uint16
	IntervalMax  uint16
	Type         AdvEventType
	Connectable  bool
	Scannable    bool
	Legacy       bool
	OwnAddrType  bt.AddrType
	ChannelMap   uint8
	FilterPolicy uint8
	TxPower      int8
	PrimaryPHY   bt.PHY
	SecondaryPHY bt.PHY
}

// ScanParams is the parameter record for one scanning PHY.
// Interval and window are in 0.625 ms units.
type ScanParams struct {
	PHY          bt.PHY
	Active       bool
	Interval     uint16
	Window       uint16
	OwnAddrType  bt.AddrType
	FilterPolicy uint8
}

// LegacyReport is one legacy advertising report.
type LegacyReport struct {
	EventType AdvEventType
	Peer      bt.PeerKey
	RSSI      int8
	Data      []byte
}

// Extended report event type bits.
const (
	ExtEvtConnectable  uint16 = 0x0001
	ExtEvtScannable    uint16 = 0x0002
	ExtEvtDirected     uint16 = 0x0004
	ExtEvtScanResponse uint16 = 0x0008
	ExtEvtLegacy       uint16 = 0x0010

	ExtEvtDataStatusMask uint16 = 0x0060
)

// ExtDataStatus is the data status field of an extended report.
type ExtDataStatus uint8

const (
	DataComplete         ExtDataStatus = 0
	DataIncompleteMore   ExtDataStatus = 1
	DataIncompleteNoMore ExtDataStatus = 2
)

// ExtReport is one extended advertising report.
type ExtReport struct {
	EventType    uint16
	Peer         bt.PeerKey
	RSSI         int8
	PrimaryPHY   bt.PHY
	SecondaryPHY bt.PHY
	Data         []byte
}

// DataStatus extracts the fragment status from the event type.
func (r ExtReport) DataStatus() ExtDataStatus {
	return ExtDataStatus((r.EventType & ExtEvtDataStatusMask) >> 5)
}

// IsLegacy reports whether the report carries a legacy PDU.
func (r ExtReport) IsLegacy() bool {
	return r.EventType&ExtEvtLegacy != 0
}

// LegacyEventType maps a legacy-bit extended report onto the legacy PDU type.
func (r ExtReport) LegacyEventType() AdvEventType {
	switch {
	case r.EventType&ExtEvtScanResponse != 0:
		return ScanRsp
	case r.EventType&ExtEvtDirected != 0:
		return AdvDirectInd
	case r.EventType&ExtEvtConnectable != 0:
		return AdvInd
	case r.EventType&ExtEvtScannable != 0:
		return AdvScanInd
	default:
		return AdvNonconnInd
	}
}

// ConnEvent reports a completed LE connection.
type ConnEvent struct {
	Status     bt.Status
	Peer       bt.PeerKey
	ConnHandle uint16
	Role       uint8 // 0 central, 1 peripheral
	AdvHandle  uint8
}

// Connection roles
const (
	RoleCentral    uint8 = 0
	RolePeripheral uint8 = 1
)

// DisconnectEvent reports a dropped link.
type DisconnectEvent struct {
	Status     bt.Status
	Peer       bt.PeerKey
	ConnHandle uint16
	Reason     uint8
}

// Filter criteria presence bits.
const (
	FilterAddress uint16 = 1 << iota
	FilterServiceUUID
	FilterSolicitationUUID
	FilterName
	FilterManufacturerData
	FilterServiceData
)

// FilterParam is the offload record for one scan filter index.
type FilterParam struct {
	Index    uint8
	Features uint16

	Address bt.PeerKey
	Name    string

	ServiceUUID          blelib.UUID
	ServiceUUIDMask      blelib.UUID
	SolicitationUUID     blelib.UUID
	SolicitationUUIDMask blelib.UUID

	ServiceData     []byte
	ServiceDataMask []byte

	ManufacturerID       uint16
	ManufacturerIDMask   uint16
	ManufacturerData     []byte
	ManufacturerDataMask []byte
}
