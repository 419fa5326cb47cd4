package security

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/bt"
	"github.com/srg/blehost/internal/radio"
	"github.com/srg/blehost/internal/registry"
)

// OnPairingEvent is called by the radio on its own goroutine.
func (s *Security) OnPairingEvent(ev radio.PairingEvent) {
	if err := s.d.Post(func() { s.HandlePairingEvent(ev) }); err != nil {
		s.logger.WithError(err).WithField("address", ev.PeerKey()).Warn("Pairing event dropped")
	}
}

// HandlePairingEvent advances the state machine. It must run on the dispatcher.
func (s *Security) HandlePairingEvent(ev radio.PairingEvent) {
	peer := ev.PeerKey()
	log := s.logger.WithField("address", peer)

	switch e := ev.(type) {
	case *radio.FeatureRequest:
		s.onFeatureRequest(e)

	case *radio.FeatureIndication:
		log.WithFields(logrus.Fields{
			"io_capability": e.Remote.IOCapability,
			"auth_req":      e.Remote.AuthReq,
			"max_key_size":  e.Remote.MaxKeySize,
		}).Debug("Remote pairing features")
		s.registry.Update(peer.Addr, func(p *registry.Peer) { p.IOCapability = e.Remote.IOCapability })

	case *radio.MethodNotify:
		log.WithField("method", e.Method).Debug("Pairing method selected")

	case *radio.PasskeyRequest:
		s.confirm(peer, ConfirmPasskeyEntry, 0)

	case *radio.PasskeyNotify:
		s.confirm(peer, ConfirmPasskeyDisplay, e.Number)

	case *radio.UserConfirmRequest:
		s.confirm(peer, ConfirmNumericComparison, e.Number)

	case *radio.OOBRequest:
		s.pendingOOB[peer.Addr] = false
		s.confirm(peer, ConfirmOOB, 0)

	case *radio.ScOOBRequest:
		s.pendingOOB[peer.Addr] = true
		s.confirm(peer, ConfirmScOOB, 0)

	case *radio.SecurityRequest:
		s.onSecurityRequest(e)

	case *radio.KeyNotify:
		s.onKeyNotify(peer, e.Keys)

	case *radio.PairComplete:
		s.onPairComplete(e)

	case *radio.EncryptionComplete:
		encrypted := e.Status.OK()
		s.registry.Update(peer.Addr, func(p *registry.Peer) { p.Encrypted = encrypted })
		log.WithField("encrypted", encrypted).Debug("Encryption complete")

	default:
		log.Warnf("Unhandled pairing event %T", ev)
	}
}

func (s *Security) onFeatureRequest(e *radio.FeatureRequest) {
	peer := e.Peer
	if e.LocalInitiated {
		accept := s.gate(peer.Addr, true)
		if status := s.radio.PairFeatureRsp(peer, accept, s.localFeature(peer)); !status.OK() {
			s.logger.WithFields(logrus.Fields{
				"address": peer,
				"status":  status,
			}).Error("Failed to answer pairing feature request")
		}
		return
	}

	s.logger.WithFields(logrus.Fields{
		"address":       peer,
		"io_capability": e.Remote.IOCapability,
	}).Info("Remote pairing request")
	s.setPairState(peer, bt.PairPairing)
	s.observers.ForEach(func(o Observer) { o.OnPairRequested(peer) })
}

// onSecurityRequest encrypts with existing keys for a bonded peer, otherwise
// starts pairing.
func (s *Security) onSecurityRequest(e *radio.SecurityRequest) {
	peer := e.Peer
	log := s.logger.WithFields(logrus.Fields{"address": peer, "auth_req": e.AuthReq})

	switch s.registry.PairState(peer.Addr) {
	case bt.PairPaired:
		log.Debug("Security request from bonded peer; encrypting")
		if status := s.radio.RequestSecurity(peer, s.opts.Level); !status.OK() {
			log.WithField("status", status).Error("Failed to encrypt link")
		}
	case bt.PairNone:
		log.Info("Security request; starting pairing")
		if status := s.radio.Pair(peer); !status.OK() {
			log.WithField("status", status).Error("Failed to start pairing")
			return
		}
		s.setPairState(peer, bt.PairPairing)
	default:
		log.Debug("Security request ignored; pairing in progress")
	}
}

func (s *Security) confirm(peer bt.PeerKey, kind ConfirmKind, number uint32) {
	s.registry.Upsert(peer, nil)
	s.logger.WithFields(logrus.Fields{
		"address": peer,
		"kind":    kind,
	}).Debug("Pairing confirmation requested")
	s.observers.ForEach(func(o Observer) { o.OnPairConfirm(peer, kind, number) })
}

func (s *Security) onPairComplete(e *radio.PairComplete) {
	peer := e.Peer
	delete(s.pendingOOB, peer.Addr)

	prev := s.registry.PairState(peer.Addr)
	log := s.logger.WithFields(logrus.Fields{
		"address":  peer,
		"status":   e.Status,
		"previous": prev,
	})

	if !e.Status.OK() || prev == bt.PairCanceling {
		log.Warn("Pairing failed")
		s.setPairState(peer, bt.PairNone)
		return
	}

	log.WithField("level", e.Level).Info("Pairing complete")
	s.setPairState(peer, bt.PairPaired)

	rec, err := s.config.Peer(peer.Addr.String())
	if err != nil || !rec.HasIdentity() {
		return
	}
	entry := radio.ResolvingEntry{Identity: rec.Identity, PeerIRK: *rec.IRK}
	s.updateResolvingList("add", func() {
		if status := s.radio.AddToResolvingList(entry); !status.OK() {
			s.logger.WithFields(logrus.Fields{
				"identity": entry.Identity,
				"status":   status,
			}).Warn("Failed to add peer to resolving list")
		}
	})
}
