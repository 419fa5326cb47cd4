package simradio

import (
	"fmt"

	"github.com/srg/blehost/internal/bt"
	"github.com/srg/blehost/internal/radio"
)

// Pairing follows the configured association model:
//
//	Pair → FeatureRequest(local) → PairFeatureRsp → MethodNotify →
//	  just works:          KeyNotify, PairComplete
//	  numeric comparison:  UserConfirmRequest → PairUserConfirmRsp → ...
//	  passkey entry:       PasskeyRequest → PairPasskeyRsp → ...
//	  passkey display:     PasskeyNotify, KeyNotify, PairComplete
//
// A remote-initiated pairing starts with InjectPairingEvent(FeatureRequest).

func (c *Controller) RegisterSecurityCallbacks(h radio.SecurityHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secHandler = h
}

func (c *Controller) DeregisterSecurityCallbacks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.secHandler = nil
}

func (c *Controller) SetSecurityMode(level bt.SecurityLevel) bt.Status {
	return c.call(Command{Name: "SetSecurityMode", Detail: fmt.Sprintf("level=%d", level)})
}

func (c *Controller) SetMinEncKeySize(size uint8) bt.Status {
	return c.call(Command{Name: "SetMinEncKeySize", Detail: fmt.Sprintf("size=%d", size)})
}

func (c *Controller) SetBondableMode(bondable bool) bt.Status {
	return c.call(Command{Name: "SetBondableMode", Enable: boolPtr(bondable)})
}

func (c *Controller) Pair(peer bt.PeerKey) bt.Status {
	status := c.call(Command{Name: "Pair", Address: peer.Addr.String()})
	if !status.OK() {
		return status
	}
	c.mu.Lock()
	c.pairing[peer.Addr] = true
	c.mu.Unlock()
	c.emit(&radio.FeatureRequest{PeerEvent: radio.PeerEvent{Peer: peer}, LocalInitiated: true})
	return status
}

func (c *Controller) CancelPair(peer bt.PeerKey) bt.Status {
	status := c.call(Command{Name: "CancelPair", Address: peer.Addr.String()})
	if status.OK() && c.endPairing(peer.Addr) {
		c.emit(&radio.PairComplete{PeerEvent: radio.PeerEvent{Peer: peer}, Status: bt.StatusFailed})
	}
	return status
}

func (c *Controller) PairFeatureRsp(peer bt.PeerKey, accept bool, f radio.PairFeature) bt.Status {
	status := c.call(Command{Name: "PairFeatureRsp", Address: peer.Addr.String(), Enable: boolPtr(accept),
		Detail: fmt.Sprintf("io=%s auth=0x%02X key=%d", f.IOCapability, f.AuthReq, f.MaxKeySize)})
	if !status.OK() {
		return status
	}
	c.mu.Lock()
	c.pairing[peer.Addr] = true
	c.mu.Unlock()
	if !accept {
		c.finish(peer, false)
		return status
	}

	pe := radio.PeerEvent{Peer: peer}
	c.emit(&radio.MethodNotify{PeerEvent: pe, Method: c.opts.PairMethod})
	switch c.opts.PairMethod {
	case radio.MethodNumericComparison:
		c.emit(&radio.UserConfirmRequest{PeerEvent: pe, Number: c.opts.PasskeyNumber})
	case radio.MethodPasskeyEntry:
		c.emit(&radio.PasskeyRequest{PeerEvent: pe})
	case radio.MethodPasskeyDisplay:
		c.emit(&radio.PasskeyNotify{PeerEvent: pe, Number: c.opts.PasskeyNumber})
		c.finish(peer, true)
	case radio.MethodOOBLegacy:
		c.emit(&radio.OOBRequest{PeerEvent: pe})
	case radio.MethodOOBSecureConnections:
		c.emit(&radio.ScOOBRequest{PeerEvent: pe})
	default:
		c.finish(peer, true)
	}
	return status
}

func (c *Controller) PairPasskeyRsp(peer bt.PeerKey, accept bool, passkey uint32) bt.Status {
	status := c.call(Command{Name: "PairPasskeyRsp", Address: peer.Addr.String(), Enable: boolPtr(accept),
		Detail: fmt.Sprintf("passkey=%06d", passkey)})
	if status.OK() {
		c.finish(peer, accept)
	}
	return status
}

func (c *Controller) PairUserConfirmRsp(peer bt.PeerKey, accept bool) bt.Status {
	status := c.call(Command{Name: "PairUserConfirmRsp", Address: peer.Addr.String(), Enable: boolPtr(accept)})
	if status.OK() {
		c.finish(peer, accept)
	}
	return status
}

func (c *Controller) PairOOBRsp(peer bt.PeerKey, accept bool, _ [16]byte) bt.Status {
	status := c.call(Command{Name: "PairOOBRsp", Address: peer.Addr.String(), Enable: boolPtr(accept)})
	if status.OK() {
		c.finish(peer, accept)
	}
	return status
}

func (c *Controller) PairScOOBRsp(peer bt.PeerKey, accept bool, _, _ [16]byte) bt.Status {
	status := c.call(Command{Name: "PairScOOBRsp", Address: peer.Addr.String(), Enable: boolPtr(accept)})
	if status.OK() {
		c.finish(peer, accept)
	}
	return status
}

func (c *Controller) RequestSecurity(peer bt.PeerKey, level bt.SecurityLevel) bt.Status {
	status := c.call(Command{Name: "RequestSecurity", Address: peer.Addr.String(), Detail: fmt.Sprintf("level=%d", level)})
	if status.OK() {
		c.emit(&radio.EncryptionComplete{PeerEvent: radio.PeerEvent{Peer: peer}, Status: bt.StatusSuccess})
	}
	return status
}

// finish ends an outstanding pairing with keys on success.
func (c *Controller) finish(peer bt.PeerKey, success bool) {
	if !c.endPairing(peer.Addr) {
		return
	}
	pe := radio.PeerEvent{Peer: peer}
	if !success {
		c.emit(&radio.PairComplete{PeerEvent: pe, Status: bt.StatusFailed})
		return
	}

	var irk [16]byte
	copy(irk[:], peer.Addr[:])
	c.emit(&radio.KeyNotify{PeerEvent: pe, Keys: radio.KeySet{
		LocalLTK:  &radio.LTK{Key: irk, EDIV: 0x1234, Rand: 0x0102030405060708, KeySize: 16},
		RemoteLTK: &radio.LTK{Key: irk, EDIV: 0x4321, Rand: 0x0807060504030201, KeySize: 16},
		RemoteIRK: &radio.IdentityKey{IRK: irk, Identity: peer},
	}})
	c.emit(&radio.PairComplete{PeerEvent: pe, Status: bt.StatusSuccess, Level: bt.SecurityUnauthenticated})
	c.emit(&radio.EncryptionComplete{PeerEvent: pe, Status: bt.StatusSuccess})
}

func (c *Controller) endPairing(addr bt.Address) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pairing[addr] {
		return false
	}
	delete(c.pairing, addr)
	return true
}

func (c *Controller) emit(ev radio.PairingEvent) {
	c.deliver(func() {
		if h := c.security(); h != nil {
			h.OnPairingEvent(ev)
		}
	})
}
