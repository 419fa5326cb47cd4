package testutils

import (
	blelib "github.com/go-ble/ble"
	"github.com/srg/blehost/internal/advdata"
)

// AdvDataBuilder assembles AD payloads with a fluent API.
type AdvDataBuilder struct {
	p advdata.Packet
}

func NewAdvDataBuilder() *AdvDataBuilder {
	return &AdvDataBuilder{}
}

func (b *AdvDataBuilder) WithFlags(flags byte) *AdvDataBuilder {
	b.p = b.p.AppendFlags(flags)
	return b
}

func (b *AdvDataBuilder) WithName(name string) *AdvDataBuilder {
	b.p = b.p.AppendCompleteName(name)
	return b
}

// WithServices appends one complete-list structure per UUID ("180F" or full form).
func (b *AdvDataBuilder) WithServices(uuids ...string) *AdvDataBuilder {
	for _, u := range uuids {
		b.p = b.p.AppendServiceUUID(blelib.MustParse(u))
	}
	return b
}

func (b *AdvDataBuilder) WithManufacturerData(id uint16, data []byte) *AdvDataBuilder {
	b.p = b.p.AppendManufacturerData(id, data)
	return b
}

func (b *AdvDataBuilder) WithTxPower(dbm int8) *AdvDataBuilder {
	b.p = b.p.AppendTxPower(dbm)
	return b
}

// WithFiller pads the payload to exactly n bytes with manufacturer-specific structures.
func (b *AdvDataBuilder) WithFiller(n int) *AdvDataBuilder {
	for r := n - len(b.p); r > 0; r = n - len(b.p) {
		if r == 1 {
			b.p = append(b.p, 0x00)
			break
		}
		chunk := min(r, 256)
		if r-chunk == 1 {
			chunk--
		}
		b.p = b.p.AppendField(advdata.TypeManufacturerData, make([]byte, chunk-2))
	}
	return b
}

func (b *AdvDataBuilder) Build() []byte {
	return append([]byte(nil), b.p...)
}
