// Package security runs the per-peer pairing state machine on top of the
// radio SMP binding and persists the keys each pairing delivers.
//
// Pair state lives in the shared registry:
//
//	None → Pairing → Paired
//	          ↓  ↑
//	       Canceling → None
//
// A completion that arrives while Canceling is treated as a failure. Replies
// to passkey, confirmation and OOB requests are forced to reject while a peer
// is Canceling.
package security

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/bt"
	"github.com/srg/blehost/internal/dispatcher"
	"github.com/srg/blehost/internal/observer"
	"github.com/srg/blehost/internal/radio"
	"github.com/srg/blehost/internal/registry"
	"github.com/srg/blehost/internal/store"
)

// ConfirmKind is the user interaction a pairing is waiting for.
type ConfirmKind uint8

const (
	ConfirmPasskeyEntry ConfirmKind = iota
	ConfirmPasskeyDisplay
	ConfirmNumericComparison
	ConfirmOOB
	ConfirmScOOB
)

func (k ConfirmKind) String() string {
	switch k {
	case ConfirmPasskeyEntry:
		return "passkey_entry"
	case ConfirmPasskeyDisplay:
		return "passkey_display"
	case ConfirmNumericComparison:
		return "numeric_comparison"
	case ConfirmOOB:
		return "oob"
	case ConfirmScOOB:
		return "sc_oob"
	default:
		return fmt.Sprintf("confirm(%d)", uint8(k))
	}
}

// Observer receives pairing progress. Callbacks run on the dispatcher.
type Observer interface {
	// OnPairRequested reports a remote-initiated pairing awaiting PairRequestReply.
	OnPairRequested(peer bt.PeerKey)
	// OnPairConfirm asks for user interaction; number is the value to display
	// or compare and is zero for passkey entry and OOB.
	OnPairConfirm(peer bt.PeerKey, kind ConfirmKind, number uint32)
	OnPairStatusChanged(peer bt.PeerKey, state bt.PairState)
	OnPairDevicesRemoved(peers []bt.PeerKey)
}

// NopObserver implements Observer with no-ops for embedding.
type NopObserver struct{}

func (NopObserver) OnPairRequested(bt.PeerKey)                    {}
func (NopObserver) OnPairConfirm(bt.PeerKey, ConfirmKind, uint32) {}
func (NopObserver) OnPairStatusChanged(bt.PeerKey, bt.PairState)  {}
func (NopObserver) OnPairDevicesRemoved([]bt.PeerKey)             {}

// Radio is the subset of the binding used for pairing.
type Radio interface {
	radio.Controller
	radio.Security
	radio.Link
	AddToResolvingList(entry radio.ResolvingEntry) bt.Status
	RemoveFromResolvingList(identity bt.PeerKey) bt.Status
}

// ResolvingList serializes resolving-list edits against running advertising
// and scanning. fn runs while both are paused.
type ResolvingList interface {
	UpdateResolvingList(ctx context.Context, fn func()) error
}

// AddrTypeLookup resolves the address type of a peer seen while scanning.
type AddrTypeLookup interface {
	DeviceAddrType(addr bt.Address) (bt.AddrType, bool)
}

// CompatRule clears the Secure Connections bit for peers whose address starts
// with Prefix while the local controller version is below BelowVersion.
type CompatRule struct {
	Prefix       string `yaml:"prefix"`
	BelowVersion uint8  `yaml:"below_version"`
}

// OOBData carries out-of-band pairing values. TK is used by legacy OOB,
// Confirm and Random by Secure Connections OOB.
type OOBData struct {
	TK      [16]byte
	Confirm [16]byte
	Random  [16]byte
}

// Options are the local pairing parameters.
type Options struct {
	IOCapability bt.IOCapability
	Level        bt.SecurityLevel
	Bondable     bool
	MaxKeySize   uint8
	Compat       []CompatRule
	WaitTimeout  time.Duration
}

func DefaultOptions() Options {
	return Options{
		IOCapability: bt.IONoInputNoOutput,
		Level:        bt.SecurityUnauthenticated,
		Bondable:     true,
		MaxKeySize:   16,
		WaitTimeout:  dispatcher.DefaultWaitTimeout,
	}
}

// Security is the pairing state machine.
type Security struct {
	radio     Radio
	d         *dispatcher.Dispatcher
	registry  *registry.Registry
	config    *store.BleConfig
	logger    *logrus.Logger
	opts      Options
	observers *observer.List[Observer]

	resolving ResolvingList
	addrTypes AddrTypeLookup

	// dispatcher-owned
	pendingOOB map[bt.Address]bool
}

var _ radio.SecurityHandler = (*Security)(nil)

// New creates the state machine. resolving and addrTypes are optional and
// may be attached later with SetResolvingList and SetAddrTypeLookup.
func New(r Radio, d *dispatcher.Dispatcher, reg *registry.Registry, config *store.BleConfig, opts Options, logger *logrus.Logger) *Security {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.MaxKeySize == 0 {
		opts.MaxKeySize = 16
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = dispatcher.DefaultWaitTimeout
	}
	return &Security{
		radio:      r,
		d:          d,
		registry:   reg,
		config:     config,
		logger:     logger,
		opts:       opts,
		observers:  observer.NewList[Observer](),
		pendingOOB: map[bt.Address]bool{},
	}
}

func (s *Security) SetResolvingList(rl ResolvingList) {
	s.resolving = rl
}

func (s *Security) SetAddrTypeLookup(l AddrTypeLookup) {
	s.addrTypes = l
}

func (s *Security) RegisterObserver(o Observer) observer.ID {
	return s.observers.Register(o)
}

func (s *Security) DeregisterObserver(id observer.ID) {
	s.observers.Deregister(id)
}

// Options returns the local pairing parameters.
func (s *Security) Options() Options {
	return s.opts
}

// GetPairState returns PairNone for unknown peers.
func (s *Security) GetPairState(addr bt.Address) bt.PairState {
	return s.registry.PairState(addr)
}

// StartPair initiates pairing with addr.
func (s *Security) StartPair(ctx context.Context, addr bt.Address) error {
	return s.call(ctx, func() error {
		peer := s.peerKey(addr)
		state := s.registry.PairState(addr)
		if state == bt.PairPairing || state == bt.PairCanceling {
			return bt.NewError(bt.CodeAlreadyPairing, "%s is %s", addr, state)
		}

		if status := s.radio.Pair(peer); !status.OK() {
			return bt.NewError(bt.CodeInternal, "pair %s: %s", addr, status)
		}
		s.setPairState(peer, bt.PairPairing)
		s.logger.WithField("address", peer).Info("Pairing started")
		return nil
	})
}

// CancelPairing aborts an ongoing pairing; the peer stays Canceling until
// the procedure completes.
func (s *Security) CancelPairing(ctx context.Context, addr bt.Address) error {
	return s.call(ctx, func() error {
		p, ok := s.registry.Get(addr)
		if !ok {
			return bt.NewError(bt.CodeUnknownDevice, "%s", addr)
		}
		if p.PairState != bt.PairPairing {
			return bt.NewError(bt.CodeNotPairing, "%s is %s", addr, p.PairState)
		}
		if status := s.radio.CancelPair(p.Key); !status.OK() {
			return bt.NewError(bt.CodeInternal, "cancel pair %s: %s", addr, status)
		}
		s.registry.SetPairState(addr, bt.PairCanceling)
		s.logger.WithField("address", p.Key).Info("Pairing canceling")
		return nil
	})
}

// PairRequestReply answers a remote-initiated pairing request.
func (s *Security) PairRequestReply(ctx context.Context, addr bt.Address, accept bool) error {
	return s.call(ctx, func() error {
		peer := s.peerKey(addr)
		accept = s.gate(addr, accept)
		status := s.radio.PairFeatureRsp(peer, accept, s.localFeature(peer))
		return s.replyErr("pair feature response", addr, status)
	})
}

// SetDevicePasskey answers a passkey entry request.
func (s *Security) SetDevicePasskey(ctx context.Context, addr bt.Address, passkey uint32, accept bool) error {
	return s.call(ctx, func() error {
		p, ok := s.registry.Get(addr)
		if !ok {
			return bt.NewError(bt.CodeUnknownDevice, "%s", addr)
		}
		accept = s.gate(addr, accept)
		switch {
		case !accept:
			passkey = 0
		case passkey > 999999:
			return bt.NewError(bt.CodeInvalidParam, "passkey %d out of range", passkey)
		}
		status := s.radio.PairPasskeyRsp(p.Key, accept, passkey)
		return s.replyErr("passkey response", addr, status)
	})
}

// SetUserConfirm answers a numeric comparison or just-works confirmation.
func (s *Security) SetUserConfirm(ctx context.Context, addr bt.Address, accept bool) error {
	return s.call(ctx, func() error {
		p, ok := s.registry.Get(addr)
		if !ok {
			return bt.NewError(bt.CodeUnknownDevice, "%s", addr)
		}
		status := s.radio.PairUserConfirmRsp(p.Key, s.gate(addr, accept))
		return s.replyErr("user confirm response", addr, status)
	})
}

// SetOOBData answers the outstanding OOB request of addr with the variant
// the controller asked for.
func (s *Security) SetOOBData(ctx context.Context, addr bt.Address, accept bool, oob OOBData) error {
	return s.call(ctx, func() error {
		p, ok := s.registry.Get(addr)
		if !ok {
			return bt.NewError(bt.CodeUnknownDevice, "%s", addr)
		}
		sc, pending := s.pendingOOB[addr]
		if !pending {
			return bt.NewError(bt.CodeNotPairing, "no OOB request outstanding for %s", addr)
		}
		delete(s.pendingOOB, addr)

		accept = s.gate(addr, accept)
		var status bt.Status
		if sc {
			status = s.radio.PairScOOBRsp(p.Key, accept, oob.Confirm, oob.Random)
		} else {
			status = s.radio.PairOOBRsp(p.Key, accept, oob.TK)
		}
		return s.replyErr("oob response", addr, status)
	})
}

// gate forces a reject while the peer is Canceling.
func (s *Security) gate(addr bt.Address, accept bool) bool {
	if s.registry.PairState(addr) == bt.PairCanceling {
		if accept {
			s.logger.WithField("address", addr).Debug("Reply forced to reject while canceling")
		}
		return false
	}
	return accept
}

func (s *Security) replyErr(what string, addr bt.Address, status bt.Status) error {
	if status.OK() {
		return nil
	}
	return bt.NewError(bt.CodeInternal, "%s %s: %s", what, addr, status)
}

// localFeature builds the pairing features this side answers with.
func (s *Security) localFeature(peer bt.PeerKey) radio.PairFeature {
	auth := radio.AuthSC
	switch s.opts.Level {
	case bt.SecurityAuthenticated, bt.SecurityAuthenticatedSC:
		auth |= radio.AuthMITM
	}
	if s.opts.Bondable {
		auth |= radio.AuthBonding
	}
	if s.legacyOnly(peer) {
		auth &^= radio.AuthSC
	}

	dist := radio.KeyDistEnc | radio.KeyDistID | radio.KeyDistSign
	return radio.PairFeature{
		IOCapability: s.opts.IOCapability,
		AuthReq:      auth,
		MaxKeySize:   s.opts.MaxKeySize,
		InitKeyDist:  dist,
		RespKeyDist:  dist,
	}
}

// legacyOnly applies the compatibility list.
func (s *Security) legacyOnly(peer bt.PeerKey) bool {
	version := s.radio.Features().ControllerVersion
	addr := peer.Addr.String()
	for _, rule := range s.opts.Compat {
		if version < rule.BelowVersion && strings.HasPrefix(addr, strings.ToUpper(rule.Prefix)) {
			s.logger.WithFields(logrus.Fields{
				"address":            peer,
				"controller_version": version,
			}).Debug("Secure Connections disabled for legacy peer")
			return true
		}
	}
	return false
}

// peerKey resolves the address type from the registry, then scan results.
func (s *Security) peerKey(addr bt.Address) bt.PeerKey {
	if p, ok := s.registry.Get(addr); ok {
		return p.Key
	}
	if s.addrTypes != nil {
		if t, ok := s.addrTypes.DeviceAddrType(addr); ok {
			return bt.PeerKey{Type: t, Addr: addr}
		}
	}
	return bt.PeerKey{Type: bt.AddrPublic, Addr: addr}
}

func (s *Security) setPairState(peer bt.PeerKey, state bt.PairState) {
	s.registry.Upsert(peer, func(p *registry.Peer) { p.PairState = state })
	s.observers.ForEach(func(o Observer) { o.OnPairStatusChanged(peer, state) })
}

// call runs fn on the dispatcher and returns its error.
func (s *Security) call(ctx context.Context, fn func() error) error {
	var err error
	if callErr := s.d.Call(ctx, s.opts.WaitTimeout, func() { err = fn() }); callErr != nil {
		return callErr
	}
	return err
}

func (s *Security) String() string {
	return fmt.Sprintf("Security{io=%s level=%d bondable=%t}", s.opts.IOCapability, s.opts.Level, s.opts.Bondable)
}
