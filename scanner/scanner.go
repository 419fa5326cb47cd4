// Package scanner runs the single scan session of an adapter: parameter and
// enable sequencing, advertisement reassembly, discoverability filtering,
// result caching with first-match or batched delivery, and the scan filter
// offload queue.
package scanner

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/golang/groupcache/lru"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/srg/blehost/internal/advdata"
	"github.com/srg/blehost/internal/bt"
	"github.com/srg/blehost/internal/dispatcher"
	"github.com/srg/blehost/internal/observer"
	"github.com/srg/blehost/internal/radio"
	"github.com/srg/blehost/internal/ringchan"
)

// Status is the scan session status.
type Status uint8

const (
	StatusNotStarted Status = iota
	StatusAlreadyStarted
)

func (s Status) String() string {
	if s == StatusAlreadyStarted {
		return "already_started"
	}
	return "not_started"
}

// StopKind tags why the session is being toggled.
type StopKind uint8

const (
	StopNormal StopKind = iota
	StopAll
	StopResolvingList
)

func (k StopKind) String() string {
	switch k {
	case StopAll:
		return "all"
	case StopResolvingList:
		return "resolving_list"
	default:
		return "normal"
	}
}

// Settings are the per-session scan parameters.
type Settings struct {
	Mode Mode
	// ReportDelay > 0 selects batched delivery; the session stops after the
	// first flush.
	ReportDelay time.Duration
	// Legacy restricts an extended scan to legacy PDUs.
	Legacy           bool
	PHY              ScanPHY
	Passive          bool
	FilterDuplicates bool
}

// DefaultSettings is a low-power first-match scan.
func DefaultSettings() Settings {
	return Settings{Mode: ModeLowPower, PHY: ScanPHY1M}
}

// Cadence derives the delivery cadence from the report delay.
func (s Settings) Cadence() Cadence {
	if s.ReportDelay > 0 {
		return CadenceAllMatches
	}
	return CadenceFirstMatch
}

// Result is the most recent accepted report for one address.
type Result struct {
	Key          bt.PeerKey      `json:"key"`
	Name         string          `json:"name,omitempty"`
	RSSI         int8            `json:"rssi"`
	Connectable  bool            `json:"connectable"`
	Legacy       bool            `json:"legacy"`
	DeviceType   bt.DeviceType   `json:"device_type"`
	PrimaryPHY   bt.PHY          `json:"primary_phy,omitempty"`
	SecondaryPHY bt.PHY          `json:"secondary_phy,omitempty"`
	Record       *advdata.Record `json:"-"`
	Timestamp    time.Time       `json:"timestamp"`
}

// DeviceEventType marks whether a result is a newly discovered or updated device.
type DeviceEventType int

const (
	EventNew DeviceEventType = iota
	EventUpdated
)

type DeviceEvent struct {
	Type   DeviceEventType
	Result Result
}

// Observer receives scan outcomes. Callbacks run on the dispatcher.
type Observer interface {
	// OnStartOrStopScan reports a start (start=true) or stop outcome; err is
	// nil on success, bt.ErrAlreadyStarted / bt.ErrNotStarted on state
	// conflicts, or a *bt.Error carrying the failing opcode.
	OnStartOrStopScan(err error, start bool)
	OnScanResult(r Result)
	OnBatchScanResults(rs []Result)
}

// NopObserver implements Observer with no-ops for embedding.
type NopObserver struct{}

func (NopObserver) OnStartOrStopScan(error, bool) {}
func (NopObserver) OnScanResult(Result)           {}
func (NopObserver) OnBatchScanResults([]Result)   {}

// Radio is the subset of the radio binding used by the scanner.
type Radio interface {
	radio.Controller
	radio.Scanner
}

// Options tune the session.
type Options struct {
	OwnAddrType bt.AddrType
	Discovery   bt.DiscoveryMode
	WaitTimeout time.Duration
	// EventBuffer bounds the Events stream; the oldest event is overwritten.
	EventBuffer int
}

func DefaultOptions() Options {
	return Options{
		OwnAddrType: bt.AddrPublic,
		Discovery:   bt.DiscoveryAll,
		WaitTimeout: dispatcher.DefaultWaitTimeout,
		EventBuffer: 100,
	}
}

// adCacheSize bounds the advertisements awaiting their scan response.
const adCacheSize = 7

// Scanner is the scan session manager.
type Scanner struct {
	radio     Radio
	engine    radio.FilterEngine
	d         *dispatcher.Dispatcher
	logger    *logrus.Logger
	opts      Options
	observers *observer.List[Observer]
	events    *ringchan.RingChannel[DeviceEvent]

	status    atomic.Uint32
	discovery atomic.Uint32

	// dispatcher-owned
	settings      Settings
	stopKind      StopKind
	stopRequested bool
	extended      bool
	registered    bool
	delay         *time.Timer
	adCache       *lru.Cache
	fragments     map[bt.Address]*ringbuffer.RingBuffer
	order         []string
	batch         []string

	results *hashmap.Map[string, Result]

	filter filterPipeline
}

var _ radio.ScanHandler = (*Scanner)(nil)

// New creates the session. engine may be nil when no filter offload is available.
func New(r Radio, engine radio.FilterEngine, d *dispatcher.Dispatcher, opts Options, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = dispatcher.DefaultWaitTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultOptions().EventBuffer
	}

	s := &Scanner{
		radio:     r,
		engine:    engine,
		d:         d,
		logger:    logger,
		opts:      opts,
		observers: observer.NewList[Observer](),
		events:    ringchan.New[DeviceEvent](opts.EventBuffer),
		extended:  r.Features().ExtendedAdvertising,
		settings:  DefaultSettings(),
		adCache:   lru.New(adCacheSize),
		fragments: map[bt.Address]*ringbuffer.RingBuffer{},
		results:   hashmap.New[string, Result](),
		filter: filterPipeline{
			table: orderedmap.New[uint8, *filterEntry](),
		},
	}
	s.discovery.Store(uint32(opts.Discovery))
	return s
}

func (s *Scanner) RegisterObserver(o Observer) observer.ID {
	return s.observers.Register(o)
}

func (s *Scanner) DeregisterObserver(id observer.ID) {
	s.observers.Deregister(id)
}

// Events returns a read-only channel of device discoveries and updates.
func (s *Scanner) Events() <-chan DeviceEvent {
	return s.events.C()
}

// SetDiscoveryMode selects which advertised discoverability flags are accepted.
func (s *Scanner) SetDiscoveryMode(m bt.DiscoveryMode) {
	s.discovery.Store(uint32(m))
}

func (s *Scanner) DiscoveryMode() bt.DiscoveryMode {
	return bt.DiscoveryMode(s.discovery.Load())
}

// ScanStatus is safe to call from any goroutine.
func (s *Scanner) ScanStatus() Status {
	return Status(s.status.Load())
}

// StartScan starts a low-power first-match session.
func (s *Scanner) StartScan(ctx context.Context) error {
	return s.StartScanWithSettings(ctx, DefaultSettings())
}

// StartScanWithSettings validates settings and issues the parameter command.
// The outcome is reported through Observer.OnStartOrStopScan.
func (s *Scanner) StartScanWithSettings(ctx context.Context, settings Settings) error {
	var err error
	if callErr := s.d.Call(ctx, s.opts.WaitTimeout, func() {
		err = s.start(settings)
	}); callErr != nil {
		return callErr
	}
	return err
}

func (s *Scanner) start(settings Settings) error {
	if s.ScanStatus() == StatusAlreadyStarted {
		s.logger.Debug("Scan already started")
		s.notify(bt.ErrAlreadyStarted, true)
		return bt.ErrAlreadyStarted
	}
	if err := s.validate(settings); err != nil {
		s.logger.WithError(err).Warn("Scan settings rejected")
		s.notify(err, true)
		return err
	}

	s.settings = settings
	s.setStatus(StatusAlreadyStarted)
	s.stopKind = StopNormal
	s.stopRequested = false
	s.clearResults()
	s.register()

	interval, win := settings.Mode.Timing(settings.Cadence())
	s.logger.WithFields(logrus.Fields{
		"mode":     settings.Mode,
		"cadence":  settings.Cadence(),
		"interval": interval,
		"window":   win,
		"extended": s.extended,
	}).Info("Starting scan")

	done := s.post(s.onParamsSet)
	if s.extended {
		s.radio.SetExtScanParams(s.extParams(settings, interval, win), done)
	} else {
		s.radio.SetScanParams(s.param(settings, bt.PHY1M, interval, win), done)
	}
	return nil
}

func (s *Scanner) validate(settings Settings) error {
	if _, ok := modeTable[settings.Mode]; !ok {
		return bt.NewError(bt.CodeInvalidParam, "unknown scan mode %d", settings.Mode)
	}
	if settings.ReportDelay < 0 {
		return bt.NewError(bt.CodeInvalidParam, "negative report delay %s", settings.ReportDelay)
	}
	if s.extended && !settings.Legacy && settings.PHY != ScanPHY1M && !s.radio.Features().LECodedPHY {
		return bt.NewError(bt.CodeFeatureUnsupported, "coded PHY not supported by controller")
	}
	return nil
}

func (s *Scanner) param(settings Settings, phy bt.PHY, interval, win uint16) radio.ScanParams {
	return radio.ScanParams{
		PHY:         phy,
		Active:      !settings.Passive,
		Interval:    interval,
		Window:      win,
		OwnAddrType: s.opts.OwnAddrType,
	}
}

// extParams lists one parameter record per scanned PHY.
func (s *Scanner) extParams(settings Settings, interval, win uint16) []radio.ScanParams {
	if settings.Legacy {
		return []radio.ScanParams{s.param(settings, bt.PHY1M, interval, win)}
	}
	switch settings.PHY {
	case ScanPHYCoded:
		return []radio.ScanParams{s.param(settings, bt.PHYCoded, interval, win)}
	case ScanPHYAll:
		return []radio.ScanParams{
			s.param(settings, bt.PHY1M, interval, win),
			s.param(settings, bt.PHYCoded, interval, win),
		}
	default:
		return []radio.ScanParams{s.param(settings, bt.PHY1M, interval, win)}
	}
}

func (s *Scanner) register() {
	if s.registered {
		return
	}
	if s.extended {
		s.radio.RegisterExtScanCallbacks(s)
	} else {
		s.radio.RegisterScanCallbacks(s)
	}
	s.registered = true
}

// SetOwnAddrType selects the own-address type written into later scan parameters.
func (s *Scanner) SetOwnAddrType(ctx context.Context, t bt.AddrType) error {
	return s.d.Call(ctx, s.opts.WaitTimeout, func() {
		s.opts.OwnAddrType = t
	})
}

// Deregister detaches the report callbacks; used on adapter disable.
func (s *Scanner) Deregister(ctx context.Context) error {
	return s.d.Call(ctx, s.opts.WaitTimeout, func() {
		if !s.registered {
			return
		}
		if s.extended {
			s.radio.DeregisterExtScanCallbacks()
		} else {
			s.radio.DeregisterScanCallbacks()
		}
		s.registered = false
	})
}

func (s *Scanner) paramsOpcode() bt.Opcode {
	if s.extended {
		return bt.OpSetExtScanParams
	}
	return bt.OpSetScanParams
}

func (s *Scanner) enableOpcode() bt.Opcode {
	if s.extended {
		return bt.OpSetExtScanEnable
	}
	return bt.OpSetScanEnable
}

func (s *Scanner) onParamsSet(status bt.Status) {
	if !status.OK() {
		s.setStatus(StatusNotStarted)
		err := bt.RadioError(s.paramsOpcode(), status)
		s.logger.WithField("status", status).Error("Set scan parameters failed")
		s.notify(err, true)
		return
	}

	if s.stopRequested {
		s.logger.Debug("Stop requested; scan enable skipped")
		return
	}
	s.armDelay()
	s.enable(true, s.post(func(status bt.Status) {
		if !status.OK() {
			s.setStatus(StatusNotStarted)
			s.stopDelay()
			s.logger.WithField("status", status).Error("Scan enable failed")
			s.notify(bt.RadioError(s.enableOpcode(), status), true)
			return
		}
		s.logger.Info("Scan started")
		s.notify(nil, true)
	}))
}

func (s *Scanner) enable(on bool, done radio.Done) {
	if s.extended {
		s.radio.SetExtScanEnable(on, s.settings.FilterDuplicates, done)
	} else {
		s.radio.SetScanEnable(on, s.settings.FilterDuplicates, done)
	}
}

func (s *Scanner) armDelay() {
	if s.settings.Cadence() != CadenceAllMatches {
		return
	}
	s.stopDelay()
	s.delay = time.AfterFunc(s.settings.ReportDelay, func() {
		if err := s.d.Post(s.onDelayExpired); err != nil {
			s.logger.WithError(err).Warn("Report delay expiry dropped")
		}
	})
}

func (s *Scanner) stopDelay() {
	if s.delay != nil {
		s.delay.Stop()
		s.delay = nil
	}
}

func (s *Scanner) onDelayExpired() {
	s.delay = nil
	s.logger.Debug("Report delay expired")
	s.flushBatch()
	if s.ScanStatus() == StatusAlreadyStarted {
		_ = s.stop()
	}
}

// StopScan disables scanning. Batched results are flushed on completion.
func (s *Scanner) StopScan(ctx context.Context) error {
	var err error
	if callErr := s.d.Call(ctx, s.opts.WaitTimeout, func() {
		err = s.stop()
	}); callErr != nil {
		return callErr
	}
	return err
}

func (s *Scanner) stop() error {
	if s.ScanStatus() == StatusNotStarted {
		s.notify(bt.ErrNotStarted, false)
		return bt.ErrNotStarted
	}

	s.stopKind = StopNormal
	s.stopRequested = true
	s.stopDelay()
	s.logger.Info("Stopping scan")
	s.enable(false, s.post(s.onStopped))
	return nil
}

func (s *Scanner) onStopped(status bt.Status) {
	s.clearReassembly()
	s.setStatus(StatusNotStarted)
	if s.settings.Cadence() == CadenceAllMatches {
		s.flushBatch()
	}

	var err error
	if !status.OK() {
		err = bt.RadioError(s.enableOpcode(), status)
		s.logger.WithField("status", status).Error("Scan stop failed")
	} else {
		s.logger.Info("Scan stopped")
	}
	s.notify(err, false)
}

// StartOrStopScan toggles scanning on behalf of the adapter. StopResolvingList
// pauses an active session and keeps it AlreadyStarted so that the matching
// start resumes it; StopAll ends the session. done runs on the dispatcher
// once the controller acknowledges, or immediately when nothing changes.
func (s *Scanner) StartOrStopScan(kind StopKind, start bool, done func(error)) error {
	return s.d.Post(func() {
		s.startOrStop(kind, start, done)
	})
}

func (s *Scanner) startOrStop(kind StopKind, start bool, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	log := s.logger.WithFields(logrus.Fields{"kind": kind, "start": start})

	if !s.toggleApplies(kind, start) {
		log.Debug("Scan toggle not applicable")
		done(nil)
		return
	}

	s.stopKind = kind
	s.stopRequested = !start
	if !start {
		s.stopDelay()
	}
	if kind != StopResolvingList {
		s.setStatus(StatusNotStarted)
	}

	log.Info("Toggling scan")
	s.enable(start, s.post(func(status bt.Status) {
		if !status.OK() {
			log.WithField("status", status).Error("Scan toggle failed")
			if kind == StopResolvingList && start {
				s.setStatus(StatusNotStarted)
			}
			done(bt.RadioError(s.enableOpcode(), status))
			return
		}
		switch {
		case kind == StopResolvingList && start:
			s.stopKind = StopNormal
			s.armDelay()
		case !start:
			s.clearReassembly()
			if kind != StopResolvingList {
				if s.settings.Cadence() == CadenceAllMatches {
					s.flushBatch()
				}
				s.notify(nil, false)
			}
		}
		done(nil)
	}))
}

// toggleApplies reports whether the session is in a state the toggle changes:
// stops need an active session, starts resume only a resolving-list pause.
func (s *Scanner) toggleApplies(kind StopKind, start bool) bool {
	if s.ScanStatus() != StatusAlreadyStarted {
		return false
	}
	paused := s.stopKind == StopResolvingList && s.stopRequested
	if start {
		return kind == StopResolvingList && paused
	}
	return !(kind == StopResolvingList && paused)
}

// ClearScanResults drops cached results and pending reassembly state.
func (s *Scanner) ClearScanResults(ctx context.Context) error {
	return s.d.Call(ctx, s.opts.WaitTimeout, func() {
		s.clearResults()
	})
}

func (s *Scanner) clearResults() {
	s.results.Range(func(k string, _ Result) bool {
		s.results.Del(k)
		return true
	})
	s.order = nil
	s.batch = nil
	s.clearReassembly()
}

func (s *Scanner) clearReassembly() {
	s.adCache.Clear()
	for addr := range s.fragments {
		delete(s.fragments, addr)
	}
}

// Results returns the cached results, oldest first.
func (s *Scanner) Results(ctx context.Context) ([]Result, error) {
	var out []Result
	err := s.d.Call(ctx, s.opts.WaitTimeout, func() {
		out = s.snapshot()
	})
	return out, err
}

func (s *Scanner) snapshot() []Result {
	out := make([]Result, 0, len(s.order))
	for _, k := range s.order {
		if r, ok := s.results.Get(k); ok {
			out = append(out, r)
		}
	}
	return out
}

// Result returns the cached result for addr; safe from any goroutine.
func (s *Scanner) Result(addr bt.Address) (Result, bool) {
	return s.results.Get(addr.String())
}

func (s *Scanner) DeviceType(addr bt.Address) bt.DeviceType {
	if r, ok := s.Result(addr); ok {
		return r.DeviceType
	}
	return bt.DeviceTypeUnknown
}

// DeviceAddrType returns the address type of a scanned device; ok is false
// when addr was not seen.
func (s *Scanner) DeviceAddrType(addr bt.Address) (bt.AddrType, bool) {
	r, ok := s.Result(addr)
	return r.Key.Type, ok
}

func (s *Scanner) DeviceName(addr bt.Address) string {
	r, _ := s.Result(addr)
	return r.Name
}

func (s *Scanner) setStatus(st Status) {
	s.status.Store(uint32(st))
}

func (s *Scanner) notify(err error, start bool) {
	s.observers.ForEach(func(o Observer) { o.OnStartOrStopScan(err, start) })
}

// flushBatch delivers the results buffered since the previous flush.
func (s *Scanner) flushBatch() {
	batch := make([]Result, 0, len(s.batch))
	for _, k := range s.batch {
		if r, ok := s.results.Get(k); ok {
			batch = append(batch, r)
		}
	}
	s.batch = nil
	if len(batch) == 0 {
		return
	}
	s.logger.WithField("results", len(batch)).Debug("Flushing batched scan results")
	s.observers.ForEach(func(o Observer) { o.OnBatchScanResults(batch) })
}

// post wraps a completion so that it re-enters on the dispatcher.
func (s *Scanner) post(fn func(bt.Status)) radio.Done {
	return func(status bt.Status) {
		if err := s.d.Post(func() { fn(status) }); err != nil {
			s.logger.WithError(err).Warn("Scan completion dropped")
		}
	}
}

func (s *Scanner) String() string {
	return fmt.Sprintf("scanner(status=%s, extended=%t)", s.ScanStatus(), s.extended)
}
