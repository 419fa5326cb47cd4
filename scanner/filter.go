package scanner

import (
	"bytes"
	"context"
	"math"
	"slices"

	blelib "github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blehost/internal/bt"
	"github.com/srg/blehost/internal/radio"
)

// Filter is one set of match criteria offloaded to the controller. Zero
// fields do not participate; a zero Filter matches everything.
type Filter struct {
	Address              bt.Address
	Name                 string
	ServiceUUID          blelib.UUID
	ServiceUUIDMask      blelib.UUID
	SolicitationUUID     blelib.UUID
	SolicitationUUIDMask blelib.UUID
	ServiceData          []byte
	ServiceDataMask      []byte
	ManufacturerID       uint16
	ManufacturerData     []byte
	ManufacturerDataMask []byte
}

// FilterState is the offload engine state.
type FilterState uint8

const (
	FilterIdle FilterState = iota
	FilterWorking
	// FilterBad means an engine command failed: the queue was dropped and
	// filtering stopped until the table fits the engine again.
	FilterBad
)

func (s FilterState) String() string {
	switch s {
	case FilterWorking:
		return "working"
	case FilterBad:
		return "bad"
	default:
		return "idle"
	}
}

type filterAction uint8

const (
	actionAdd filterAction = iota
	actionDelete
	actionStart
	actionStop
)

func (a filterAction) String() string {
	return [...]string{"add", "delete", "start", "stop"}[a]
}

// maxFilterIndex keeps indices within one byte.
const maxFilterIndex = math.MaxUint8

type filterEntry struct {
	index    uint8
	clientID int
	filter   Filter
}

type filterOp struct {
	action filterAction
	entry  filterEntry
}

// filterPipeline is owned by the dispatcher.
type filterPipeline struct {
	state     FilterState
	table     *orderedmap.OrderedMap[uint8, *filterEntry]
	queue     []filterOp
	released  []uint8
	nextIndex int
	lastID    int
	vendorMax int
}

// ConfigScanFilter installs filters for clientID (0 allocates a new id) and
// returns the id. An empty list installs one match-everything filter. Without
// a filter engine the call is a no-op returning 0.
func (s *Scanner) ConfigScanFilter(ctx context.Context, clientID int, filters []Filter) (int, error) {
	var (
		id  int
		err error
	)
	if callErr := s.d.Call(ctx, s.opts.WaitTimeout, func() {
		id, err = s.configFilter(clientID, filters)
	}); callErr != nil {
		return 0, callErr
	}
	return id, err
}

func (s *Scanner) configFilter(clientID int, filters []Filter) (int, error) {
	p := &s.filter
	if err := s.checkFilterConfig(len(filters)); err != nil {
		return 0, err
	}
	if s.engine == nil || p.vendorMax <= 0 {
		return 0, nil
	}

	if clientID == 0 {
		if p.lastID >= math.MaxInt32 {
			p.lastID = 0
		}
		p.lastID++
		clientID = p.lastID
	}

	if len(filters) == 0 {
		filters = []Filter{{}}
	}
	for _, f := range filters {
		s.pushFilter(actionAdd, filterEntry{clientID: clientID, filter: f})
	}
	s.pushFilter(actionStart, filterEntry{clientID: clientID})

	s.logger.WithFields(logrus.Fields{
		"client_id": clientID,
		"filters":   len(filters),
		"state":     p.state,
	}).Info("Scan filters configured")

	if p.state == FilterBad && p.table.Len() <= p.vendorMax {
		s.retryFilters(clientID)
	}
	if p.state == FilterIdle {
		s.nextFilterOp()
	}
	return clientID, nil
}

func (s *Scanner) checkFilterConfig(n int) error {
	if s.engine == nil {
		return nil
	}
	p := &s.filter
	if n == 0 {
		n = 1
	}
	if n+p.table.Len() >= maxFilterIndex {
		return bt.NewError(bt.CodeFilterTableFull, "scan filter table full (%d entries)", p.table.Len())
	}
	if p.vendorMax == 0 {
		p.vendorMax = s.engine.MaxFilterNumber()
		s.logger.WithField("max_filters", p.vendorMax).Debug("Filter engine capacity")
	}
	return nil
}

// pushFilter records an add in the table and queues the action unless the
// engine is Bad.
func (s *Scanner) pushFilter(action filterAction, e filterEntry) {
	p := &s.filter
	if action == actionAdd {
		if len(p.released) > 0 {
			e.index = p.released[0]
			p.released = p.released[1:]
		} else {
			e.index = uint8(p.nextIndex)
			p.nextIndex++
		}
		stored := e
		p.table.Set(e.index, &stored)
	}
	if p.state != FilterBad {
		p.queue = append(p.queue, filterOp{action: action, entry: e})
	}
}

// retryFilters leaves the Bad state by renumbering every entry from 0 and
// replaying the whole table followed by a start.
func (s *Scanner) retryFilters(clientID int) {
	p := &s.filter
	s.logger.WithField("filters", p.table.Len()).Warn("Replaying scan filters after engine failure")

	p.state = FilterIdle
	p.nextIndex = 0
	p.released = nil
	renumbered := orderedmap.New[uint8, *filterEntry]()
	for pair := p.table.Oldest(); pair != nil; pair = pair.Next() {
		e := *pair.Value
		e.index = uint8(p.nextIndex)
		p.nextIndex++
		p.queue = append(p.queue, filterOp{action: actionAdd, entry: e})
		renumbered.Set(e.index, &e)
	}
	p.table = renumbered
	s.pushFilter(actionStart, filterEntry{clientID: clientID})
}

// RemoveScanFilter deletes every filter owned by clientID. Filtering stops
// once no entries remain.
func (s *Scanner) RemoveScanFilter(ctx context.Context, clientID int) error {
	return s.d.Call(ctx, s.opts.WaitTimeout, func() {
		s.removeFilter(clientID)
	})
}

func (s *Scanner) removeFilter(clientID int) {
	p := &s.filter
	if s.engine == nil || p.vendorMax <= 0 {
		return
	}

	var owned []uint8
	for pair := p.table.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.clientID == clientID {
			owned = append(owned, pair.Key)
		}
	}
	for _, idx := range owned {
		e, _ := p.table.Get(idx)
		s.pushFilter(actionDelete, *e)
		p.released = append(p.released, idx)
		p.table.Delete(idx)
	}
	slices.Sort(p.released)
	s.pushFilter(actionStop, filterEntry{clientID: clientID})

	s.logger.WithFields(logrus.Fields{
		"client_id": clientID,
		"removed":   len(owned),
	}).Info("Scan filters removed")

	if p.state == FilterIdle {
		s.nextFilterOp()
	}
}

// FilterState returns the engine state.
func (s *Scanner) FilterState(ctx context.Context) FilterState {
	st := FilterIdle
	_ = s.d.Call(ctx, s.opts.WaitTimeout, func() { st = s.filter.state })
	return st
}

// nextFilterOp issues the head of the queue. A stop is skipped while other
// actions are pending or filters remain installed.
func (s *Scanner) nextFilterOp() {
	p := &s.filter
	for {
		if len(p.queue) == 0 {
			p.state = FilterIdle
			return
		}
		op := p.queue[0]
		p.queue = p.queue[1:]

		s.logger.WithFields(logrus.Fields{
			"action": op.action,
			"index":  op.entry.index,
		}).Debug("Filter engine action")

		switch op.action {
		case actionAdd:
			p.state = FilterWorking
			s.engine.AddScanFilter(s.filterParam(op.entry), s.postFilter(op.action))
			return
		case actionDelete:
			p.state = FilterWorking
			s.engine.DeleteScanFilter(radio.FilterParam{Index: op.entry.index}, s.postFilter(op.action))
			return
		case actionStart:
			p.state = FilterWorking
			s.engine.StartScanFilter(s.postFilter(op.action))
			return
		case actionStop:
			if len(p.queue) == 0 && p.table.Len() == 0 {
				s.stopFilter()
				return
			}
		}
	}
}

func (s *Scanner) stopFilter() {
	if s.filter.state != FilterBad {
		s.filter.state = FilterWorking
	}
	s.engine.StopScanFilter(s.postFilter(actionStop))
}

// postFilter routes an engine acknowledgement back onto the dispatcher.
func (s *Scanner) postFilter(action filterAction) radio.Done {
	return s.post(func(status bt.Status) {
		s.onFilterResult(action, status)
	})
}

func (s *Scanner) onFilterResult(action filterAction, status bt.Status) {
	p := &s.filter
	if action == actionStop && p.state == FilterBad {
		if !status.OK() {
			s.logger.WithField("status", status).Debug("Filter stop failed while engine is bad")
		}
		return
	}
	if !status.OK() {
		s.logger.WithFields(logrus.Fields{
			"action":  action,
			"status":  status,
			"dropped": len(p.queue),
		}).Error("Filter engine action failed")
		s.filterBad()
		return
	}
	s.nextFilterOp()
}

// filterBad drops the queue and stops filtering; the table is kept for replay.
func (s *Scanner) filterBad() {
	s.filter.state = FilterBad
	s.filter.queue = nil
	s.stopFilter()
}

// filterParam converts an entry into the engine record. Masks whose length
// differs from their data are padded with 0xFF or truncated.
func (s *Scanner) filterParam(e filterEntry) radio.FilterParam {
	f := e.filter
	p := radio.FilterParam{Index: e.index}
	log := s.logger.WithField("index", e.index)

	if !f.Address.IsEmpty() {
		p.Address = bt.PeerKey{Addr: f.Address}
		p.Features |= radio.FilterAddress
	}
	if f.Name != "" {
		p.Name = f.Name
		p.Features |= radio.FilterName
	}
	if len(f.ServiceUUID) > 0 {
		p.ServiceUUID = f.ServiceUUID
		p.ServiceUUIDMask = uuidMask(f.ServiceUUID, f.ServiceUUIDMask)
		p.Features |= radio.FilterServiceUUID
	}
	if len(f.SolicitationUUID) > 0 {
		p.SolicitationUUID = f.SolicitationUUID
		p.SolicitationUUIDMask = uuidMask(f.SolicitationUUID, f.SolicitationUUIDMask)
		p.Features |= radio.FilterSolicitationUUID
	}
	if len(f.ServiceData) > 0 {
		p.ServiceData = f.ServiceData
		p.ServiceDataMask = fitMask(log, "service data", f.ServiceData, f.ServiceDataMask)
		p.Features |= radio.FilterServiceData
	}
	if len(f.ManufacturerData) > 0 {
		p.ManufacturerID = f.ManufacturerID
		p.ManufacturerIDMask = 0xFFFF
		p.ManufacturerData = f.ManufacturerData
		p.ManufacturerDataMask = fitMask(log, "manufacturer data", f.ManufacturerData, f.ManufacturerDataMask)
		p.Features |= radio.FilterManufacturerData
	}
	return p
}

func uuidMask(u, mask blelib.UUID) blelib.UUID {
	if len(mask) == len(u) {
		return mask
	}
	return blelib.UUID(bytes.Repeat([]byte{0xFF}, len(u)))
}

func fitMask(log *logrus.Entry, what string, data, mask []byte) []byte {
	if len(mask) == len(data) {
		return mask
	}
	log.WithFields(logrus.Fields{
		"data_len": len(data),
		"mask_len": len(mask),
	}).Warnf("Scan filter %s mask length mismatch; adjusted", what)

	out := make([]byte, len(data))
	n := copy(out, mask)
	for i := n; i < len(out); i++ {
		out[i] = 0xFF
	}
	return out
}
