// Package advdata reads and writes the length-type-value AD structures
// carried in advertising and scan response payloads.
package advdata

import (
	"encoding/binary"

	blelib "github.com/go-ble/ble"
)

// MaxLegacyLength is the largest legacy advertising or scan response payload.
const MaxLegacyLength = 31

// AD types
const (
	TypeFlags            = 0x01
	TypeSomeUUID16       = 0x02
	TypeAllUUID16        = 0x03
	TypeSomeUUID32       = 0x04
	TypeAllUUID32        = 0x05
	TypeSomeUUID128      = 0x06
	TypeAllUUID128       = 0x07
	TypeShortName        = 0x08
	TypeCompleteName     = 0x09
	TypeTxPower          = 0x0A
	TypeServiceSol16     = 0x14
	TypeServiceSol128    = 0x15
	TypeServiceData16    = 0x16
	TypeAppearance       = 0x19
	TypeServiceSol32     = 0x1F
	TypeServiceData32    = 0x20
	TypeServiceData128   = 0x21
	TypeManufacturerData = 0xFF
)

// Flags bits
const (
	FlagLimitedDiscoverable = 0x01
	FlagGeneralDiscoverable = 0x02
	FlagLEOnly              = 0x04
	FlagBothController      = 0x08
	FlagBothHost            = 0x10
)

// Packet is a raw AD payload.
type Packet []byte

// Field is one decoded AD structure.
type Field struct {
	Type byte
	Data []byte
}

// Fields splits the payload into AD structures. Parsing stops at the first
// zero-length structure or at a structure overrunning the payload.
func (p Packet) Fields() []Field {
	var fields []Field
	b := p
	for len(b) >= 2 {
		l := int(b[0])
		if l == 0 || len(b) < 1+l {
			break
		}
		fields = append(fields, Field{Type: b[1], Data: b[2 : 1+l]})
		b = b[1+l:]
	}
	return fields
}

// Field returns the data of the first structure of type typ, or nil.
func (p Packet) Field(typ byte) []byte {
	for _, f := range p.Fields() {
		if f.Type == typ {
			return f.Data
		}
	}
	return nil
}

// AppendField appends one AD structure.
func (p Packet) AppendField(typ byte, data []byte) Packet {
	p = append(p, byte(len(data)+1), typ)
	return append(p, data...)
}

// AppendCompleteName appends a complete local name structure.
func (p Packet) AppendCompleteName(name string) Packet {
	return p.AppendField(TypeCompleteName, []byte(name))
}

// AppendTxPower appends a tx power level structure.
func (p Packet) AppendTxPower(dbm int8) Packet {
	return p.AppendField(TypeTxPower, []byte{byte(dbm)})
}

// AppendFlags appends a flags structure.
func (p Packet) AppendFlags(flags byte) Packet {
	return p.AppendField(TypeFlags, []byte{flags})
}

// AppendManufacturerData appends manufacturer data prefixed with the company id.
func (p Packet) AppendManufacturerData(id uint16, data []byte) Packet {
	d := make([]byte, 2, 2+len(data))
	binary.LittleEndian.PutUint16(d, id)
	return p.AppendField(TypeManufacturerData, append(d, data...))
}

// AppendServiceUUID appends a complete service UUID list with a single entry.
func (p Packet) AppendServiceUUID(u blelib.UUID) Packet {
	switch u.Len() {
	case 2:
		return p.AppendField(TypeAllUUID16, u)
	case 4:
		return p.AppendField(TypeAllUUID32, u)
	default:
		return p.AppendField(TypeAllUUID128, u)
	}
}

// NameFieldLen is the encoded size of a complete local name structure.
func NameFieldLen(name string) int {
	return len(name) + 2
}

// TxPowerFieldLen is the encoded size of a tx power structure.
const TxPowerFieldLen = 3
