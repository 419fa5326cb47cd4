package advdata

import (
	"encoding/binary"

	blelib "github.com/go-ble/ble"
)

// Record is the decoded view of a merged advertising payload.
type Record struct {
	Flags            byte
	HasFlags         bool
	Name             string
	TxPower          int8
	HasTxPower       bool
	Appearance       uint16
	Services         []blelib.UUID
	Solicited        []blelib.UUID
	ServiceData      []blelib.ServiceData
	ManufacturerID   uint16
	ManufacturerData []byte
	Payload          []byte
}

// Parse decodes every AD structure of payload. Unknown types are ignored.
// A complete name takes precedence over a shortened one.
func Parse(payload []byte) *Record {
	r := &Record{Payload: append([]byte(nil), payload...)}
	shortName := ""
	for _, f := range Packet(payload).Fields() {
		switch f.Type {
		case TypeFlags:
			if len(f.Data) >= 1 {
				r.Flags, r.HasFlags = f.Data[0], true
			}
		case TypeCompleteName:
			r.Name = string(f.Data)
		case TypeShortName:
			shortName = string(f.Data)
		case TypeTxPower:
			if len(f.Data) >= 1 {
				r.TxPower, r.HasTxPower = int8(f.Data[0]), true
			}
		case TypeAppearance:
			if len(f.Data) >= 2 {
				r.Appearance = binary.LittleEndian.Uint16(f.Data)
			}
		case TypeSomeUUID16, TypeAllUUID16:
			r.Services = uuidList(r.Services, f.Data, 2)
		case TypeSomeUUID32, TypeAllUUID32:
			r.Services = uuidList(r.Services, f.Data, 4)
		case TypeSomeUUID128, TypeAllUUID128:
			r.Services = uuidList(r.Services, f.Data, 16)
		case TypeServiceSol16:
			r.Solicited = uuidList(r.Solicited, f.Data, 2)
		case TypeServiceSol32:
			r.Solicited = uuidList(r.Solicited, f.Data, 4)
		case TypeServiceSol128:
			r.Solicited = uuidList(r.Solicited, f.Data, 16)
		case TypeServiceData16:
			r.ServiceData = serviceData(r.ServiceData, f.Data, 2)
		case TypeServiceData32:
			r.ServiceData = serviceData(r.ServiceData, f.Data, 4)
		case TypeServiceData128:
			r.ServiceData = serviceData(r.ServiceData, f.Data, 16)
		case TypeManufacturerData:
			if len(f.Data) >= 2 {
				r.ManufacturerID = binary.LittleEndian.Uint16(f.Data)
				r.ManufacturerData = append([]byte(nil), f.Data[2:]...)
			}
		}
	}
	if r.Name == "" {
		r.Name = shortName
	}
	return r
}

func uuidList(u []blelib.UUID, d []byte, w int) []blelib.UUID {
	for len(d) >= w {
		u = append(u, blelib.UUID(append([]byte(nil), d[:w]...)))
		d = d[w:]
	}
	return u
}

func serviceData(sd []blelib.ServiceData, d []byte, w int) []blelib.ServiceData {
	if len(d) < w {
		return sd
	}
	return append(sd, blelib.ServiceData{
		UUID: blelib.UUID(append([]byte(nil), d[:w]...)),
		Data: append([]byte(nil), d[w:]...),
	})
}
