package radio

import "github.com/srg/blehost/internal/bt"

// PairMethod is the association model negotiated for a pairing.
type PairMethod uint8

const (
	MethodJustWorks PairMethod = iota
	MethodPasskeyEntry
	MethodPasskeyDisplay
	MethodNumericComparison
	MethodOOBLegacy
	MethodOOBSecureConnections
)

// Authentication requirement bits.
const (
	AuthBonding  uint8 = 0x01
	AuthMITM     uint8 = 0x04
	AuthSC       uint8 = 0x08
	AuthKeypress uint8 = 0x10
)

// Key distribution bits.
const (
	KeyDistEnc  uint8 = 0x01
	KeyDistID   uint8 = 0x02
	KeyDistSign uint8 = 0x04
)

// PairFeature is the SMP pairing request/response body.
type PairFeature struct {
	IOCapability bt.IOCapability
	OOBDataFlag  bool
	AuthReq      uint8
	MaxKeySize   uint8
	InitKeyDist  uint8
	RespKeyDist  uint8
}

// LTK is an encryption key with its diversifier.
type LTK struct {
	Key     [16]byte
	EDIV    uint16
	Rand    uint64
	KeySize uint8
}

// SigningKey is a CSRK with its counter.
type SigningKey struct {
	CSRK    [16]byte
	Counter uint32
}

// IdentityKey is the IRK and identity address distributed in phase 3.
type IdentityKey struct {
	IRK      [16]byte
	Identity bt.PeerKey
}

// KeySet holds the keys delivered by one pairing; each is optional.
type KeySet struct {
	LocalLTK   *LTK
	LocalCSRK  *SigningKey
	RemoteLTK  *LTK
	RemoteIRK  *IdentityKey
	RemoteCSRK *SigningKey
}

// PairingEvent is the sum of SMP events delivered to a SecurityHandler.
type PairingEvent interface {
	PeerKey() bt.PeerKey
	pairingEvent()
}

// PeerEvent is embedded by every pairing event.
type PeerEvent struct {
	Peer bt.PeerKey
}

func (e PeerEvent) PeerKey() bt.PeerKey { return e.Peer }
func (PeerEvent) pairingEvent()         {}

// FeatureRequest asks the local side for its pairing features.
// LocalInitiated is true when this side started the procedure.
type FeatureRequest struct {
	PeerEvent
	LocalInitiated bool
	Remote         PairFeature
}

// FeatureIndication carries the features the remote side answered with.
type FeatureIndication struct {
	PeerEvent
	Remote PairFeature
}

// MethodNotify announces the negotiated association model.
type MethodNotify struct {
	PeerEvent
	Method PairMethod
}

type PasskeyRequest struct {
	PeerEvent
}

type PasskeyNotify struct {
	PeerEvent
	Number uint32
}

type UserConfirmRequest struct {
	PeerEvent
	Number uint32
}

type OOBRequest struct {
	PeerEvent
}

type ScOOBRequest struct {
	PeerEvent
}

// SecurityRequest is a peripheral asking the central to secure the link.
type SecurityRequest struct {
	PeerEvent
	AuthReq uint8
}

type PairComplete struct {
	PeerEvent
	Status bt.Status
	Level  bt.SecurityLevel
}

type KeyNotify struct {
	PeerEvent
	Keys KeySet
}

type EncryptionComplete struct {
	PeerEvent
	Status bt.Status
}
