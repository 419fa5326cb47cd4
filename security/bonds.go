package security

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/bt"
	"github.com/srg/blehost/internal/groutine"
	"github.com/srg/blehost/internal/radio"
	"github.com/srg/blehost/internal/registry"
	"github.com/srg/blehost/internal/store"
)

// onKeyNotify persists the delivered keys. Any other peer that resolved to
// the same identity is purged first so one identity maps to one bond.
func (s *Security) onKeyNotify(peer bt.PeerKey, keys radio.KeySet) {
	log := s.logger.WithField("address", peer)

	var identity bt.PeerKey
	if keys.RemoteIRK != nil {
		identity = keys.RemoteIRK.Identity
		s.purgeIdentity(peer.Addr, identity.Addr)
	}

	rec, err := s.config.Peer(peer.Addr.String())
	if err != nil {
		rec = store.PeerRecord{Key: peer}
	}
	if p, ok := s.registry.Get(peer.Addr); ok {
		rec.Name = p.Name
		rec.Alias = p.Alias
		rec.DeviceType = p.DeviceType
		rec.IOCapability = p.IOCapability
	}
	if keys.RemoteIRK != nil {
		irk := keys.RemoteIRK.IRK
		rec.IRK = &irk
		rec.Identity = identity
	}
	if keys.LocalLTK != nil {
		rec.LocalLTK = keys.LocalLTK
	}
	if keys.RemoteLTK != nil {
		rec.RemoteLTK = keys.RemoteLTK
	}
	if keys.LocalCSRK != nil {
		rec.LocalCSRK = keys.LocalCSRK
	}
	if keys.RemoteCSRK != nil {
		rec.RemoteCSRK = keys.RemoteCSRK
	}
	s.config.SavePeer(rec)

	if !identity.Addr.IsEmpty() {
		s.registry.Upsert(peer, func(p *registry.Peer) { p.Identity = identity })
	}
	s.save()

	log.WithFields(logrus.Fields{
		"identity":    identity,
		"remote_ltk":  keys.RemoteLTK != nil,
		"remote_irk":  keys.RemoteIRK != nil,
		"remote_csrk": keys.RemoteCSRK != nil,
	}).Info("Pairing keys stored")
}

func (s *Security) purgeIdentity(keep, identity bt.Address) {
	for _, rec := range s.config.PeersWithIdentity(identity) {
		if rec.Key.Addr == keep {
			continue
		}
		s.config.RemovePeer(rec.Key.Addr)
		s.registry.Remove(rec.Key.Addr)
		s.logger.WithFields(logrus.Fields{
			"address":  rec.Key,
			"identity": identity,
		}).Info("Purged stale bond sharing identity")
	}
	for _, p := range s.registry.FindByIdentity(identity) {
		if p.Key.Addr != keep {
			s.registry.Remove(p.Key.Addr)
		}
	}
}

// RemovePair deletes the bond with addr, disconnects it and drops it from
// the resolving list.
func (s *Security) RemovePair(ctx context.Context, addr bt.Address) error {
	var removed bt.PeerKey
	var identity bt.PeerKey
	err := s.call(ctx, func() error {
		p, ok := s.registry.Get(addr)
		if !ok || !p.IsPaired() {
			return bt.NewError(bt.CodeUnknownDevice, "%s is not paired", addr)
		}
		removed = p.Key
		identity = s.dropBond(p)
		s.save()
		return nil
	})
	if err != nil {
		return err
	}

	err = s.editResolvingList(ctx, func() { s.removeResolving(identity) })
	s.notifyRemoved([]bt.PeerKey{removed})
	return err
}

// RemoveAllPairs deletes every bond.
func (s *Security) RemoveAllPairs(ctx context.Context) error {
	var removed, identities []bt.PeerKey
	err := s.call(ctx, func() error {
		for _, p := range s.registry.Paired() {
			removed = append(removed, p.Key)
			identities = append(identities, s.dropBond(p))
		}
		if len(removed) > 0 {
			s.save()
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = s.editResolvingList(ctx, func() {
		for _, id := range identities {
			s.removeResolving(id)
		}
	})
	if len(removed) > 0 {
		s.notifyRemoved(removed)
	}
	return err
}

// dropBond forgets p and returns the identity used in the resolving list.
func (s *Security) dropBond(p registry.Peer) bt.PeerKey {
	identity := p.Key
	if rec, err := s.config.Peer(p.Key.Addr.String()); err == nil && rec.HasIdentity() {
		identity = rec.Identity
	} else if !p.Identity.Addr.IsEmpty() {
		identity = p.Identity
	}

	s.config.RemovePeer(p.Key.Addr)
	if p.AclConnected {
		if status := s.radio.Disconnect(p.Key); !status.OK() {
			s.logger.WithFields(logrus.Fields{
				"address": p.Key,
				"status":  status,
			}).Error("Failed to disconnect removed peer")
		}
	}
	s.registry.Remove(p.Key.Addr)
	delete(s.pendingOOB, p.Key.Addr)

	s.logger.WithField("address", p.Key).Info("Bond removed")
	return identity
}

func (s *Security) removeResolving(identity bt.PeerKey) {
	if status := s.radio.RemoveFromResolvingList(identity); !status.OK() {
		s.logger.WithFields(logrus.Fields{
			"identity": identity,
			"status":   status,
		}).Debug("Peer not in resolving list")
	}
}

func (s *Security) notifyRemoved(peers []bt.PeerKey) {
	if err := s.d.Post(func() {
		s.observers.ForEach(func(o Observer) {
			o.OnPairDevicesRemoved(peers)
			for _, p := range peers {
				o.OnPairStatusChanged(p, bt.PairNone)
			}
		})
	}); err != nil {
		s.logger.WithError(err).Warn("Pair removal notification dropped")
	}
}

// editResolvingList applies fn inside a resolving-list pause. It blocks and
// must not run on the dispatcher.
func (s *Security) editResolvingList(ctx context.Context, fn func()) error {
	if s.resolving == nil {
		fn()
		return nil
	}
	return s.resolving.UpdateResolvingList(ctx, fn)
}

// updateResolvingList is editResolvingList for callers on the dispatcher:
// the pause runs on its own goroutine.
func (s *Security) updateResolvingList(what string, fn func()) {
	if s.resolving == nil {
		fn()
		return
	}
	groutine.Go(context.Background(), "resolving-list-"+what, func(ctx context.Context) {
		if err := s.resolving.UpdateResolvingList(ctx, fn); err != nil {
			s.logger.WithError(err).WithField("op", what).Error("Resolving list update failed")
		}
	})
}

func (s *Security) save() {
	if err := s.config.Store().Save(); err != nil {
		s.logger.WithError(err).Error("Failed to save config store")
	}
}
