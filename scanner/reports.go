package scanner

import (
	"errors"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"

	"github.com/srg/blehost/internal/advdata"
	"github.com/srg/blehost/internal/bt"
	"github.com/srg/blehost/internal/radio"
)

// maxReassembly bounds one extended advertisement across all its fragments.
const maxReassembly = 1650

// pendingAdv is an advertisement waiting in the cache for its scan response.
type pendingAdv struct {
	connectable bool
	data        []byte
}

// report is a closed advertisement ready for parsing.
type report struct {
	peer         bt.PeerKey
	rssi         int8
	connectable  bool
	legacy       bool
	primaryPHY   bt.PHY
	secondaryPHY bt.PHY
	data         []byte
}

// OnAdvReport is called by the radio on its own goroutine.
func (s *Scanner) OnAdvReport(r radio.LegacyReport) {
	if err := s.d.Post(func() { s.handleLegacy(r.EventType, r.Peer, r.RSSI, r.Data, bt.PHY1M, 0) }); err != nil {
		s.logger.WithError(err).Debug("Advertising report dropped")
	}
}

// OnExtAdvReport is called by the radio on its own goroutine.
func (s *Scanner) OnExtAdvReport(r radio.ExtReport) {
	if err := s.d.Post(func() { s.handleExtended(r) }); err != nil {
		s.logger.WithError(err).Debug("Extended advertising report dropped")
	}
}

// handleLegacy merges a scannable advertisement with the scan response that
// follows it. Scannable PDUs open a cache entry, SCAN_RSP closes it, anything
// else closes immediately on its own payload.
func (s *Scanner) handleLegacy(evt radio.AdvEventType, peer bt.PeerKey, rssi int8, data []byte, primary, secondary bt.PHY) {
	if s.ScanStatus() != StatusAlreadyStarted {
		return
	}
	key := peer.String()

	if evt.Scannable() && !s.settings.Passive {
		if _, ok := s.adCache.Get(key); !ok && s.adCache.Len() >= adCacheSize {
			s.logger.WithField("peer", key).Debug("Advertising data cache full; evicting oldest entry")
		}
		s.adCache.Add(key, &pendingAdv{connectable: evt.Connectable(), data: slices.Clone(data)})
		return
	}

	rep := report{
		peer:         peer,
		rssi:         rssi,
		connectable:  evt.Connectable(),
		legacy:       true,
		primaryPHY:   primary,
		secondaryPHY: secondary,
		data:         data,
	}
	if cached, ok := s.adCache.Get(key); ok {
		s.adCache.Remove(key)
		if evt == radio.ScanRsp {
			p := cached.(*pendingAdv)
			rep.connectable = p.connectable
			rep.data = append(slices.Clone(p.data), data...)
		}
	}
	s.accept(rep)
}

// handleExtended reassembles non-legacy fragments by address until the data
// status reports that no more fragments follow.
func (s *Scanner) handleExtended(r radio.ExtReport) {
	if s.ScanStatus() != StatusAlreadyStarted {
		return
	}
	if r.IsLegacy() {
		s.handleLegacy(r.LegacyEventType(), r.Peer, r.RSSI, r.Data, r.PrimaryPHY, r.SecondaryPHY)
		return
	}
	if s.settings.Legacy {
		return
	}

	addr := r.Peer.Addr
	log := s.logger.WithFields(logrus.Fields{"peer": r.Peer, "status": r.DataStatus()})

	data := r.Data
	buf, pending := s.fragments[addr]
	switch {
	case r.DataStatus() == radio.DataIncompleteMore:
		if !pending {
			buf = ringbuffer.New(maxReassembly)
			s.fragments[addr] = buf
		}
		if _, err := buf.Write(r.Data); err != nil {
			log.WithError(err).Warn("Extended advertisement exceeds reassembly buffer; dropped")
			delete(s.fragments, addr)
		}
		return
	case pending:
		delete(s.fragments, addr)
		if _, err := buf.Write(r.Data); err != nil {
			log.WithError(err).Warn("Extended advertisement exceeds reassembly buffer; dropped")
			return
		}
		data = drain(buf)
	}

	if r.DataStatus() == radio.DataIncompleteNoMore {
		log.Debug("Extended advertisement truncated by controller")
	}

	s.accept(report{
		peer:         r.Peer,
		rssi:         r.RSSI,
		connectable:  r.EventType&radio.ExtEvtConnectable != 0,
		primaryPHY:   r.PrimaryPHY,
		secondaryPHY: r.SecondaryPHY,
		data:         data,
	})
}

func drain(buf *ringbuffer.RingBuffer) []byte {
	out := make([]byte, buf.Length())
	n, err := buf.TryRead(out)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return nil
	}
	return out[:n]
}

// accept parses a closed report, applies the discoverability filter and
// stores it as the latest result for its address.
func (s *Scanner) accept(rep report) {
	rec := advdata.Parse(rep.data)
	mode := s.DiscoveryMode()
	if !Discoverable(mode, rec.Flags) {
		s.logger.WithFields(logrus.Fields{
			"peer":  rep.peer,
			"flags": rec.Flags,
			"mode":  mode,
		}).Trace("Report filtered by discovery mode")
		return
	}

	res := Result{
		Key:          rep.peer,
		Name:         rec.Name,
		RSSI:         rep.rssi,
		Connectable:  rep.connectable,
		Legacy:       rep.legacy,
		DeviceType:   deviceType(rec),
		PrimaryPHY:   rep.primaryPHY,
		SecondaryPHY: rep.secondaryPHY,
		Record:       rec,
		Timestamp:    time.Now(),
	}

	key := rep.peer.Addr.String()
	_, existing := s.results.Get(key)
	if existing {
		s.order = removeKey(s.order, key)
	}
	s.results.Set(key, res)
	s.order = append(s.order, key)

	event := DeviceEvent{Type: EventNew, Result: res}
	if existing {
		event.Type = EventUpdated
	} else {
		s.logger.WithFields(logrus.Fields{
			"device":  res.Name,
			"address": rep.peer,
			"rssi":    res.RSSI,
		}).Info("Discovered new device")
	}
	s.events.Send(event)

	if s.settings.Cadence() == CadenceAllMatches {
		s.batch = append(removeKey(s.batch, key), key)
		return
	}
	s.observers.ForEach(func(o Observer) { o.OnScanResult(res) })
}

func removeKey(keys []string, key string) []string {
	if i := slices.Index(keys, key); i >= 0 {
		return slices.Delete(keys, i, i+1)
	}
	return keys
}

// deviceType infers the transport support from the advertised flags.
func deviceType(rec *advdata.Record) bt.DeviceType {
	if !rec.HasFlags {
		return bt.DeviceTypeLE
	}
	if rec.Flags&advdata.FlagLEOnly == 0 && rec.Flags&(advdata.FlagBothController|advdata.FlagBothHost) != 0 {
		return bt.DeviceTypeDual
	}
	return bt.DeviceTypeLE
}

// Discoverable applies the discovery mode to an advertised flags byte.
//
//	non-discoverable: neither limited nor general bit set
//	general:          limited or general bit set
//	limited:          limited bit set
//	all:              everything
func Discoverable(mode bt.DiscoveryMode, flags byte) bool {
	disc := flags & (advdata.FlagLimitedDiscoverable | advdata.FlagGeneralDiscoverable)
	switch mode {
	case bt.DiscoveryNonDiscoverable:
		return disc == 0
	case bt.DiscoveryGeneral:
		return disc != 0
	case bt.DiscoveryLimited:
		return flags&advdata.FlagLimitedDiscoverable != 0
	default:
		return true
	}
}
