package bt

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	blelib "github.com/go-ble/ble"
)

// AddrType is the LE address type carried in HCI commands and events.
type AddrType uint8

const (
	AddrPublic AddrType = iota
	AddrRandom
	AddrPublicIdentity
	AddrRandomIdentity
)

func (t AddrType) String() string {
	switch t {
	case AddrPublic:
		return "public"
	case AddrRandom:
		return "random"
	case AddrPublicIdentity:
		return "public-identity"
	case AddrRandomIdentity:
		return "random-identity"
	default:
		return fmt.Sprintf("addr-type(%d)", uint8(t))
	}
}

func (t AddrType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// Address is a 48-bit device address, most significant byte first.
type Address [6]byte

// EmptyAddress is the all-zero address used as "not set".
var EmptyAddress = Address{}

// ParseAddress parses "AA:BB:CC:DD:EE:FF" (case-insensitive, ':' or '-' separated).
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.ReplaceAll(strings.TrimSpace(s), "-", ":")
	parts := strings.Split(s, ":")
	if len(parts) != len(a) {
		return EmptyAddress, fmt.Errorf("invalid address %q: expected 6 octets", s)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return EmptyAddress, fmt.Errorf("invalid address %q: octet %d", s, i)
		}
		b, err := hex.DecodeString(p)
		if err != nil {
			return EmptyAddress, fmt.Errorf("invalid address %q: %w", s, err)
		}
		a[i] = b[0]
	}
	return a, nil
}

// MustParseAddress is ParseAddress for constants in tests and tables.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String returns the canonical upper-case colon form.
func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(b []byte) error {
	v, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// BLEAddr adapts the address to the go-ble address interface.
func (a Address) BLEAddr() blelib.Addr {
	return blelib.NewAddr(a.String())
}

func (a Address) IsEmpty() bool {
	return a == EmptyAddress
}

// IsValid rejects the all-zero and all-ones addresses.
func (a Address) IsValid() bool {
	return a != EmptyAddress && a != Address{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
}

// IsStaticRandom reports whether the two most significant bits are 0b11.
func (a Address) IsStaticRandom() bool {
	return a[0]&0xC0 == 0xC0
}

// IsResolvablePrivate reports whether the two most significant bits are 0b01.
func (a Address) IsResolvablePrivate() bool {
	return a[0]&0xC0 == 0x40
}

// NewStaticRandomAddress returns a fresh static random address.
func NewStaticRandomAddress() (Address, error) {
	var a Address
	for {
		if _, err := rand.Read(a[:]); err != nil {
			return EmptyAddress, fmt.Errorf("failed to generate static random address: %w", err)
		}
		a[0] |= 0xC0
		// the random part must contain at least one 0 and one 1
		if a != (Address{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}) && !(a[0] == 0xC0 && a[1]|a[2]|a[3]|a[4]|a[5] == 0) {
			return a, nil
		}
	}
}

// PeerKey identifies a peer in caches keyed by address type and address.
type PeerKey struct {
	Type AddrType `json:"type"`
	Addr Address  `json:"address"`
}

func (k PeerKey) String() string {
	return k.Addr.String() + "/" + k.Type.String()
}
