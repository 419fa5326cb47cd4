package bt

import (
	"fmt"
	"strings"
)

// PHY selects an LE physical layer.
type PHY uint8

const (
	PHY1M    PHY = 1
	PHY2M    PHY = 2
	PHYCoded PHY = 3
)

func (p PHY) String() string {
	switch p {
	case PHY1M:
		return "1M"
	case PHY2M:
		return "2M"
	case PHYCoded:
		return "coded"
	default:
		return fmt.Sprintf("phy(%d)", uint8(p))
	}
}

// AddressPolicy is the own-address policy used when advertising and scanning.
type AddressPolicy uint8

const (
	AddressPublic AddressPolicy = iota
	AddressStaticRandom
	AddressRPA
)

var addressPolicyNames = map[string]AddressPolicy{
	"public": AddressPublic,
	"random": AddressStaticRandom,
	"rpa":    AddressRPA,
}

// ParseAddressPolicy accepts "public", "random" or "rpa".
func ParseAddressPolicy(s string) (AddressPolicy, error) {
	if p, ok := addressPolicyNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return p, nil
	}
	return AddressPublic, fmt.Errorf("invalid address policy: %s (must be public, random, or rpa)", s)
}

func (p AddressPolicy) String() string {
	for name, v := range addressPolicyNames {
		if v == p {
			return name
		}
	}
	return fmt.Sprintf("address-policy(%d)", uint8(p))
}

// OwnAddrType maps the policy to the HCI own-address type.
func (p AddressPolicy) OwnAddrType() AddrType {
	if p == AddressPublic {
		return AddrPublic
	}
	return AddrRandom
}

// IOCapability is the SMP IO capability.
type IOCapability uint8

const (
	IODisplayOnly IOCapability = iota
	IODisplayYesNo
	IOKeyboardOnly
	IONoInputNoOutput
	IOKeyboardDisplay
)

var ioCapabilityNames = []string{"display-only", "display-yes-no", "keyboard-only", "no-input-no-output", "keyboard-display"}

func (c IOCapability) String() string {
	if int(c) < len(ioCapabilityNames) {
		return ioCapabilityNames[c]
	}
	return fmt.Sprintf("io-cap(%d)", uint8(c))
}

// ParseIOCapability accepts the names returned by IOCapability.String.
func ParseIOCapability(s string) (IOCapability, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range ioCapabilityNames {
		if n == s {
			return IOCapability(i), nil
		}
	}
	return IONoInputNoOutput, fmt.Errorf("invalid io capability: %s", s)
}

// PairState is the per-peer pairing status.
type PairState uint8

const (
	PairNone PairState = iota
	PairPairing
	PairPaired
	PairCanceling
)

func (s PairState) String() string {
	switch s {
	case PairNone:
		return "none"
	case PairPairing:
		return "pairing"
	case PairPaired:
		return "paired"
	case PairCanceling:
		return "canceling"
	default:
		return fmt.Sprintf("pair-state(%d)", uint8(s))
	}
}

// DiscoveryMode filters discovered peers by their advertised flags.
type DiscoveryMode uint8

const (
	DiscoveryNonDiscoverable DiscoveryMode = iota
	DiscoveryGeneral
	DiscoveryLimited
	DiscoveryAll
)

var discoveryModeNames = map[string]DiscoveryMode{
	"non-discoverable": DiscoveryNonDiscoverable,
	"general":          DiscoveryGeneral,
	"limited":          DiscoveryLimited,
	"all":              DiscoveryAll,
}

func ParseDiscoveryMode(s string) (DiscoveryMode, error) {
	if m, ok := discoveryModeNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return m, nil
	}
	return DiscoveryAll, fmt.Errorf("invalid discovery mode: %s (must be non-discoverable, general, limited, or all)", s)
}

func (m DiscoveryMode) String() string {
	for name, v := range discoveryModeNames {
		if v == m {
			return name
		}
	}
	return fmt.Sprintf("discovery-mode(%d)", uint8(m))
}

// Roles is a bitmask of supported LE roles.
type Roles uint8

const (
	RoleCentral Roles = 1 << iota
	RolePeripheral
	RoleBroadcaster
	RoleObserver

	RolesAll = RoleCentral | RolePeripheral | RoleBroadcaster | RoleObserver
)

// Normalize falls back to all roles for an empty or out-of-range mask.
func (r Roles) Normalize() Roles {
	if r == 0 || r&^RolesAll != 0 {
		return RolesAll
	}
	return r
}

// DeviceType reports which transports a peer was seen on.
type DeviceType uint8

const (
	DeviceTypeUnknown DeviceType = iota
	DeviceTypeLE
	DeviceTypeDual
)

// SecurityLevel is the LE security mode 1 level.
type SecurityLevel uint8

const (
	SecurityNone SecurityLevel = iota + 1
	SecurityUnauthenticated
	SecurityAuthenticated
	SecurityAuthenticatedSC
)
