// Package radio declares the GAP/HCI binding consumed by the control plane.
//
// Commands complete asynchronously through typed closures invoked on an
// arbitrary goroutine. Implementations must not call a completion
// synchronously from inside the command method. Unsolicited events are
// delivered through handlers registered per concern.
package radio

import (
	"context"

	"github.com/srg/blehost/internal/bt"
)

// Done is a command completion.
type Done func(status bt.Status)

// Features is the controller capability snapshot.
type Features struct {
	ExtendedAdvertising bool  `json:"extended_advertising" yaml:"extended_advertising"`
	LE2MPHY             bool  `json:"le_2m_phy" yaml:"le_2m_phy"`
	LECodedPHY          bool  `json:"le_coded_phy" yaml:"le_coded_phy"`
	LLPrivacy           bool  `json:"ll_privacy" yaml:"ll_privacy"`
	MaxAdvDataLength    int   `json:"max_adv_data_length" yaml:"max_adv_data_length"`
	MaxAdvSets          int   `json:"max_adv_sets" yaml:"max_adv_sets"`
	ControllerVersion   uint8 `json:"controller_version" yaml:"controller_version"`
}

// Controller brings the radio up and down and exposes capabilities.
type Controller interface {
	Features() Features
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}

// Privacy covers local address programming and the resolving list.
type Privacy interface {
	SetOwnAddrType(t bt.AddrType)
	SetRandomAddress(addr bt.Address, done Done)
	GenerateRPA(irk [16]byte, done func(status bt.Status, addr bt.Address))
	AddToResolvingList(entry ResolvingEntry) bt.Status
	RemoveFromResolvingList(identity bt.PeerKey) bt.Status
}

// ResolvingEntry is one paired peer identity pushed to the controller.
type ResolvingEntry struct {
	Identity bt.PeerKey
	PeerIRK  [16]byte
}

// AdvHandler receives advertising events.
type AdvHandler interface {
	// OnAdvSetTerminated reports that a connection ended advertising on handle.
	OnAdvSetTerminated(handle uint8, status bt.Status, connHandle uint16)
}

// LegacyAdvertiser drives the single legacy advertising instance.
type LegacyAdvertiser interface {
	RegisterAdvCallbacks(h AdvHandler)
	DeregisterAdvCallbacks()
	SetAdvParams(p AdvParams, done Done)
	ReadAdvTxPower(done func(status bt.Status, dbm int8))
	SetAdvData(data []byte, done Done)
	SetScanRspData(data []byte, done Done)
	SetAdvEnable(enable bool, done Done)
}

// ExtendedAdvertiser drives advertising sets.
type ExtendedAdvertiser interface {
	RegisterExtAdvCallbacks(h AdvHandler)
	DeregisterExtAdvCallbacks()
	SetExtAdvParams(p AdvParams, done func(status bt.Status, selectedTxPower int8))
	SetExtAdvData(handle uint8, op FragmentOp, data []byte, done Done)
	SetExtScanRspData(handle uint8, op FragmentOp, data []byte, done Done)
	SetExtAdvRandomAddr(handle uint8, addr bt.Address, done Done)
	SetExtAdvEnable(enable bool, handles []uint8, done Done)
	RemoveAdvSet(handle uint8, done Done)
	ClearAdvSets(done Done)
}

// ScanHandler receives advertising reports.
type ScanHandler interface {
	OnAdvReport(r LegacyReport)
	OnExtAdvReport(r ExtReport)
}

// Scanner drives legacy and extended scanning.
type Scanner interface {
	RegisterScanCallbacks(h ScanHandler)
	DeregisterScanCallbacks()
	SetScanParams(p ScanParams, done Done)
	SetScanEnable(enable, filterDuplicates bool, done Done)
	RegisterExtScanCallbacks(h ScanHandler)
	DeregisterExtScanCallbacks()
	SetExtScanParams(p []ScanParams, done Done)
	SetExtScanEnable(enable, filterDuplicates bool, done Done)
}

// SecurityHandler receives pairing events.
type SecurityHandler interface {
	OnPairingEvent(ev PairingEvent)
}

// Security drives SMP procedures.
type Security interface {
	RegisterSecurityCallbacks(h SecurityHandler)
	DeregisterSecurityCallbacks()
	SetSecurityMode(level bt.SecurityLevel) bt.Status
	SetMinEncKeySize(size uint8) bt.Status
	SetBondableMode(bondable bool) bt.Status
	Pair(peer bt.PeerKey) bt.Status
	CancelPair(peer bt.PeerKey) bt.Status
	PairFeatureRsp(peer bt.PeerKey, accept bool, f PairFeature) bt.Status
	PairPasskeyRsp(peer bt.PeerKey, accept bool, passkey uint32) bt.Status
	PairUserConfirmRsp(peer bt.PeerKey, accept bool) bt.Status
	PairOOBRsp(peer bt.PeerKey, accept bool, tk [16]byte) bt.Status
	PairScOOBRsp(peer bt.PeerKey, accept bool, confirm, random [16]byte) bt.Status
	RequestSecurity(peer bt.PeerKey, level bt.SecurityLevel) bt.Status
}

// ACLHandler receives link events.
type ACLHandler interface {
	OnLeConnect(ev ConnEvent)
	OnDisconnect(ev DisconnectEvent)
}

// Link covers ACL level operations.
type Link interface {
	RegisterACLCallbacks(h ACLHandler)
	DeregisterACLCallbacks()
	Disconnect(peer bt.PeerKey) bt.Status
	ReadRemoteRSSI(peer bt.PeerKey, done func(status bt.Status, rssi int8))
	ReadRemoteName(peer bt.PeerKey, done func(status bt.Status, name string))
}

// Radio is the complete binding.
type Radio interface {
	Controller
	Privacy
	LegacyAdvertiser
	ExtendedAdvertiser
	Scanner
	Security
	Link
}

// FilterEngine is the optional scan filter offload.
type FilterEngine interface {
	MaxFilterNumber() int
	AddScanFilter(p FilterParam, done Done)
	DeleteScanFilter(p FilterParam, done Done)
	StartScanFilter(done Done)
	StopScanFilter(done Done)
}
