package bt

import "fmt"

// Status is a radio-layer completion code.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusFailed
	StatusBadParam
	StatusNotSupported
	StatusBusy
	StatusNoResources
	StatusTimeout
	StatusNotReady
)

func (s Status) OK() bool {
	return s == StatusSuccess
}

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusBadParam:
		return "bad_param"
	case StatusNotSupported:
		return "not_supported"
	case StatusBusy:
		return "busy"
	case StatusNoResources:
		return "no_resources"
	case StatusTimeout:
		return "timeout"
	case StatusNotReady:
		return "not_ready"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Opcode identifies the radio command whose completion failed.
type Opcode uint16

// LE controller command opcodes (OGF 0x08).
const (
	OpNone                 Opcode = 0x0000
	OpSetRandomAddress     Opcode = 0x2005
	OpSetAdvParams         Opcode = 0x2006
	OpReadAdvTxPower       Opcode = 0x2007
	OpSetAdvData           Opcode = 0x2008
	OpSetScanRspData       Opcode = 0x2009
	OpSetAdvEnable         Opcode = 0x200A
	OpSetScanParams        Opcode = 0x200B
	OpSetScanEnable        Opcode = 0x200C
	OpSetExtAdvRandomAddr  Opcode = 0x2035
	OpSetExtAdvParams      Opcode = 0x2036
	OpSetExtAdvData        Opcode = 0x2037
	OpSetExtScanRspData    Opcode = 0x2038
	OpSetExtAdvEnable      Opcode = 0x2039
	OpRemoveAdvSet         Opcode = 0x203C
	OpClearAdvSets         Opcode = 0x203D
	OpSetExtScanParams     Opcode = 0x2041
	OpSetExtScanEnable     Opcode = 0x2042
	OpGenerateRPA          Opcode = 0xFC01 // vendor: host-side RPA derivation
	OpStartAdvertising     Opcode = 0xFC02 // vendor: aggregate start failure
	OpStopAdvertising      Opcode = 0xFC03 // vendor: aggregate stop failure
)

var opcodeNames = map[Opcode]string{
	OpSetRandomAddress:    "LE Set Random Address",
	OpSetAdvParams:        "LE Set Advertising Parameters",
	OpReadAdvTxPower:      "LE Read Advertising Channel Tx Power",
	OpSetAdvData:          "LE Set Advertising Data",
	OpSetScanRspData:      "LE Set Scan Response Data",
	OpSetAdvEnable:        "LE Set Advertising Enable",
	OpSetScanParams:       "LE Set Scan Parameters",
	OpSetScanEnable:       "LE Set Scan Enable",
	OpSetExtAdvRandomAddr: "LE Set Advertising Set Random Address",
	OpSetExtAdvParams:     "LE Set Extended Advertising Parameters",
	OpSetExtAdvData:       "LE Set Extended Advertising Data",
	OpSetExtScanRspData:   "LE Set Extended Scan Response Data",
	OpSetExtAdvEnable:     "LE Set Extended Advertising Enable",
	OpRemoveAdvSet:        "LE Remove Advertising Set",
	OpClearAdvSets:        "LE Clear Advertising Sets",
	OpSetExtScanParams:    "LE Set Extended Scan Parameters",
	OpSetExtScanEnable:    "LE Set Extended Scan Enable",
	OpGenerateRPA:         "Generate RPA",
	OpStartAdvertising:    "Start Advertising",
	OpStopAdvertising:     "Stop Advertising",
}

func (o Opcode) String() string {
	if n, ok := opcodeNames[o]; ok {
		return n
	}
	return fmt.Sprintf("opcode 0x%04X", uint16(o))
}
