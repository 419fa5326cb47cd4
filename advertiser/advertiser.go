// Package advertiser owns the advertising-set table and drives the legacy
// and extended parameter → data → scan response → enable pipelines,
// including resolvable private address rotation per set.
//
// All set state is mutated on the adapter dispatcher. Public methods are safe
// to call from any goroutine; they hop onto the dispatcher and wait for the
// synchronous part of the operation (validation and the first radio command).
// Outcomes are reported to registered observers.
package advertiser

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/advdata"
	"github.com/srg/blehost/internal/bt"
	"github.com/srg/blehost/internal/dispatcher"
	"github.com/srg/blehost/internal/observer"
	"github.com/srg/blehost/internal/radio"
)

// Status is the per-set advertising status.
type Status uint8

const (
	StatusNotStarted Status = iota
	StatusAlreadyStarted
	StatusFailedInternal
	StatusFailedRotation
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusAlreadyStarted:
		return "already_started"
	case StatusFailedInternal:
		return "failed_internal"
	case StatusFailedRotation:
		return "failed_rotation"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// StopKind tags why a set is being stopped; it selects the completion handling.
type StopKind uint8

const (
	StopNone StopKind = iota
	StopSingle
	StopAll
	StopResolvingList
)

func (k StopKind) String() string {
	switch k {
	case StopSingle:
		return "single"
	case StopAll:
		return "all"
	case StopResolvingList:
		return "resolving_list"
	default:
		return "none"
	}
}

// Settings are the per-set advertising parameters.
// Intervals are in 0.625 ms units.
type Settings struct {
	Connectable  bool
	Legacy       bool
	IntervalMin  uint16
	IntervalMax  uint16
	TxPower      int8
	PrimaryPHY   bt.PHY
	SecondaryPHY bt.PHY
}

// DefaultSettings is a connectable legacy-mode set on 1M.
func DefaultSettings() Settings {
	return Settings{
		Connectable:  true,
		Legacy:       true,
		IntervalMin:  0x00A0,
		IntervalMax:  0x00F0,
		TxPower:      -7,
		PrimaryPHY:   bt.PHY1M,
		SecondaryPHY: bt.PHY1M,
	}
}

// Identity supplies local identity data consulted during a pipeline.
type Identity interface {
	LocalName() string
	AddressPolicy() bt.AddressPolicy
	LocalIRK() [16]byte
}

// StaticIdentity is a fixed Identity.
type StaticIdentity struct {
	Name   string
	Policy bt.AddressPolicy
	IRK    [16]byte
}

func (s StaticIdentity) LocalName() string               { return s.Name }
func (s StaticIdentity) AddressPolicy() bt.AddressPolicy { return s.Policy }
func (s StaticIdentity) LocalIRK() [16]byte              { return s.IRK }

// Observer receives advertising outcomes. Callbacks run on the dispatcher.
type Observer interface {
	// OnStartResult reports the outcome of StartAdvertising; err is nil on success
	// and a *bt.Error carrying the failing opcode otherwise.
	OnStartResult(h Handle, err error)
	OnStopResult(h Handle, err error)
	// OnAutoStop reports sets stopped by StartOrStopAll(StopAll, false).
	OnAutoStop(h Handle)
	OnAdvertisingStateChanged(advertising bool)
}

// NopObserver implements Observer with no-ops for embedding.
type NopObserver struct{}

func (NopObserver) OnStartResult(Handle, error)    {}
func (NopObserver) OnStopResult(Handle, error)     {}
func (NopObserver) OnAutoStop(Handle)              {}
func (NopObserver) OnAdvertisingStateChanged(bool) {}

// Radio is the subset of the radio binding used by the advertiser.
type Radio interface {
	radio.Controller
	radio.Privacy
	radio.LegacyAdvertiser
	radio.ExtendedAdvertiser
}

// Options tune timers and waits.
type Options struct {
	RotationPeriod time.Duration
	WaitTimeout    time.Duration
}

func DefaultOptions() Options {
	return Options{
		RotationPeriod: 15 * time.Minute,
		WaitTimeout:    dispatcher.DefaultWaitTimeout,
	}
}

type advSet struct {
	handle         Handle
	settings       Settings
	advData        []byte
	scanRsp        []byte
	status         Status
	stopKind       StopKind
	stopRequested  bool
	pending        bool // start result not yet reported
	rotation       *time.Timer
	rotationPaused bool
	txPower        int8
	address        bt.Address
}

// Advertiser is the advertising set manager.
type Advertiser struct {
	radio     Radio
	d         *dispatcher.Dispatcher
	identity  Identity
	logger    *logrus.Logger
	opts      Options
	observers *observer.List[Observer]

	sets           *arena
	extended       bool
	legacyReg      bool
	extReg         bool
	started        atomic.Int32
	lastAdvertised bool
}

var _ radio.AdvHandler = (*Advertiser)(nil)

// New creates the manager. The handle table is sized from the controller
// capabilities: one legacy slot without extended advertising support.
func New(r Radio, d *dispatcher.Dispatcher, identity Identity, opts Options, logger *logrus.Logger) *Advertiser {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.RotationPeriod <= 0 {
		opts.RotationPeriod = DefaultOptions().RotationPeriod
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = dispatcher.DefaultWaitTimeout
	}

	f := r.Features()
	size := 1
	if f.ExtendedAdvertising && f.MaxAdvSets > 0 {
		size = f.MaxAdvSets
	}

	return &Advertiser{
		radio:     r,
		d:         d,
		identity:  identity,
		logger:    logger,
		opts:      opts,
		observers: observer.NewList[Observer](),
		sets:      newArena(size),
		extended:  f.ExtendedAdvertising,
	}
}

func (a *Advertiser) RegisterObserver(o Observer) observer.ID {
	return a.observers.Register(o)
}

func (a *Advertiser) DeregisterObserver(id observer.ID) {
	a.observers.Deregister(id)
}

// CreateAdvertiserSetHandle allocates a set. Without extended advertising the
// single legacy handle 0 is returned; InvalidHandle means no free handle.
func (a *Advertiser) CreateAdvertiserSetHandle(ctx context.Context) (Handle, error) {
	h := InvalidHandle
	err := a.d.Call(ctx, a.opts.WaitTimeout, func() {
		h = a.createHandle()
	})
	if err != nil {
		return InvalidHandle, err
	}
	if !h.Valid() {
		return h, bt.NewError(bt.CodeTooManyAdvertisers, "no free advertising handle (max %d)", len(a.sets.slots))
	}
	return h, nil
}

func (a *Advertiser) createHandle() Handle {
	if !a.extended {
		if set := a.sets.byID(0); set != nil {
			return set.handle
		}
	}
	h, ok := a.sets.alloc(func(h Handle) *advSet {
		return &advSet{handle: h, status: StatusNotStarted}
	})
	if !ok {
		a.logger.WithField("max_sets", len(a.sets.slots)).Warn("No free advertising handle")
		return InvalidHandle
	}
	a.logger.WithField("handle", h).Debug("Advertising handle allocated")
	return h
}

// StartAdvertising validates and starts the pipeline for h. The returned
// error covers validation and state conflicts; the final outcome is also
// reported through Observer.OnStartResult.
func (a *Advertiser) StartAdvertising(ctx context.Context, h Handle, settings Settings, advData, scanRsp []byte) error {
	advData = append([]byte(nil), advData...)
	scanRsp = append([]byte(nil), scanRsp...)

	var err error
	if callErr := a.d.Call(ctx, a.opts.WaitTimeout, func() {
		err = a.start(h, settings, advData, scanRsp)
	}); callErr != nil {
		return callErr
	}
	return err
}

func (a *Advertiser) start(h Handle, settings Settings, advData, scanRsp []byte) error {
	set := a.sets.get(h)
	if set == nil {
		err := bt.NewError(bt.CodeInvalidParam, "unknown advertising handle %s", h)
		a.notifyStart(h, err)
		return err
	}
	if set.status == StatusAlreadyStarted {
		a.notifyStart(h, bt.ErrAlreadyStarted)
		return bt.ErrAlreadyStarted
	}
	if err := a.validate(settings, advData, scanRsp); err != nil {
		a.logger.WithFields(logrus.Fields{
			"handle": h,
			"error":  err,
		}).Warn("Advertising parameters rejected")
		a.notifyStart(h, err)
		return err
	}

	set.settings = settings
	set.advData = advData
	set.scanRsp = scanRsp
	set.stopRequested = false
	set.stopKind = StopNone
	set.pending = true
	a.setStatus(set, StatusAlreadyStarted)

	a.logger.WithFields(logrus.Fields{
		"handle":      h,
		"extended":    a.extended,
		"legacy_mode": settings.Legacy,
		"connectable": settings.Connectable,
		"adv_len":     len(advData),
		"rsp_len":     len(scanRsp),
	}).Info("Starting advertising")

	if a.extended {
		a.startExtended(set)
	} else {
		a.startLegacy(set)
	}
	return nil
}

func (a *Advertiser) maxDataLength(settings Settings) int {
	if !a.extended || settings.Legacy {
		return advdata.MaxLegacyLength
	}
	return a.radio.Features().MaxAdvDataLength
}

func (a *Advertiser) validate(settings Settings, advData, scanRsp []byte) error {
	limit := a.maxDataLength(settings)
	if len(advData) > limit || len(scanRsp) > limit {
		return bt.NewError(bt.CodeDataTooLarge, "payload %d/%d bytes exceeds %d", len(advData), len(scanRsp), limit)
	}

	if flags := advdata.Packet(advData).Field(advdata.TypeFlags); len(flags) > 0 && flags[0] > 0x1F {
		return bt.NewError(bt.CodeInvalidParam, "invalid flags 0x%02X", flags[0])
	}

	if !a.extended || settings.Legacy {
		return nil
	}
	f := a.radio.Features()
	for _, phy := range []bt.PHY{settings.PrimaryPHY, settings.SecondaryPHY} {
		if (phy == bt.PHYCoded && !f.LECodedPHY) || (phy == bt.PHY2M && !f.LE2MPHY) {
			return bt.NewError(bt.CodeFeatureUnsupported, "%s PHY not supported by controller", phy)
		}
	}
	if settings.PrimaryPHY == bt.PHY2M {
		return bt.NewError(bt.CodeInvalidParam, "2M PHY cannot be primary")
	}
	return nil
}

// StopAdvertising disables h. The set is released when the controller
// acknowledges; outcome via Observer.OnStopResult.
func (a *Advertiser) StopAdvertising(ctx context.Context, h Handle) error {
	var err error
	if callErr := a.d.Call(ctx, a.opts.WaitTimeout, func() {
		err = a.stop(h)
	}); callErr != nil {
		return callErr
	}
	return err
}

func (a *Advertiser) stop(h Handle) error {
	set := a.sets.get(h)
	if set == nil {
		return bt.NewError(bt.CodeInvalidParam, "unknown advertising handle %s", h)
	}
	if set.status == StatusNotStarted {
		return bt.ErrNotStarted
	}

	set.stopKind = StopSingle
	set.stopRequested = true
	a.stopRotation(set)
	a.abortPending(set)
	a.setStatus(set, StatusNotStarted)

	a.logger.WithField("handle", h).Info("Stopping advertising")
	a.enable(false, []*advSet{set}, func(status bt.Status) {
		a.onStopComplete(h, StopSingle, status)
	})
	return nil
}

// Close stops h if needed and releases it.
func (a *Advertiser) Close(ctx context.Context, h Handle) error {
	return a.d.Call(ctx, a.opts.WaitTimeout, func() {
		set := a.sets.get(h)
		if set == nil {
			return
		}
		if set.status == StatusAlreadyStarted {
			_ = a.stop(h)
			return
		}
		a.stopRotation(set)
		a.setStatus(set, StatusNotStarted)
		a.release(set)
	})
}

// StartOrStopAll disables (start=false) or re-enables (start=true) every
// started set in one controller command; done runs on the dispatcher after
// the acknowledgement, or immediately when no set is affected.
func (a *Advertiser) StartOrStopAll(kind StopKind, start bool, done func(err error)) error {
	return a.d.Post(func() {
		a.startOrStopAll(kind, start, done)
	})
}

func (a *Advertiser) startOrStopAll(kind StopKind, start bool, done func(err error)) {
	if done == nil {
		done = func(error) {}
	}

	// A resolving-list pause leaves sets whose start pipeline is still in
	// flight alone; they are enabled by their own pipeline.
	var sets []*advSet
	a.sets.each(func(s *advSet) {
		if s.status == StatusAlreadyStarted && (kind != StopResolvingList || !s.pending) {
			sets = append(sets, s)
		}
	})
	if len(sets) == 0 {
		done(nil)
		return
	}

	log := a.logger.WithFields(logrus.Fields{"kind": kind, "start": start, "sets": len(sets)})
	log.Info("Toggling all advertising sets")

	if start {
		for _, s := range sets {
			s.stopRequested = false
		}
		a.enable(true, sets, func(status bt.Status) {
			if !status.OK() {
				log.WithField("status", status).Error("Re-enable of all advertising sets failed")
				done(bt.RadioError(a.enableOpcode(), status))
				return
			}
			if kind == StopResolvingList {
				for _, s := range sets {
					if a.sets.get(s.handle) == s && s.status == StatusAlreadyStarted {
						a.resumeRotation(s)
					}
				}
			}
			done(nil)
		})
		return
	}

	for _, s := range sets {
		s.stopKind = kind
		s.stopRequested = true
		if kind == StopResolvingList {
			s.rotationPaused = s.rotation != nil
		}
		a.stopRotation(s)
		if kind != StopResolvingList {
			a.abortPending(s)
			a.setStatus(s, StatusNotStarted)
		}
	}
	a.enable(false, sets, func(status bt.Status) {
		if !status.OK() {
			log.WithField("status", status).Error("Disable of all advertising sets failed")
			if kind == StopResolvingList {
				for _, s := range sets {
					if a.sets.get(s.handle) == s {
						s.stopRequested = false
						a.resumeRotation(s)
					}
				}
			}
			done(bt.RadioError(a.enableOpcode(), status))
			return
		}
		for _, s := range sets {
			if kind == StopAll && a.sets.get(s.handle) == s {
				h := s.handle
				a.observers.ForEach(func(o Observer) { o.OnAutoStop(h) })
				if a.extended {
					a.release(s)
				}
			}
		}
		a.notifyState()
		done(nil)
	})
}

// ClearAll tears down every extended set on the controller and waits for the
// acknowledgement; it must not be called from the dispatcher goroutine.
func (a *Advertiser) ClearAll(ctx context.Context) error {
	if !a.extended {
		return a.d.Call(ctx, a.opts.WaitTimeout, func() { a.releaseAll() })
	}
	result := dispatcher.NewOneshot[bt.Status]()
	if err := a.d.Post(func() {
		a.releaseAll()
		a.radio.ClearAdvSets(func(status bt.Status) {
			result.Complete(status)
		})
	}); err != nil {
		return err
	}

	status, err := result.Wait(ctx, a.opts.WaitTimeout)
	if err != nil {
		a.logger.WithError(err).Warn("Timed out clearing advertising sets")
		return err
	}
	if !status.OK() {
		return bt.RadioError(bt.OpClearAdvSets, status)
	}
	return nil
}

func (a *Advertiser) releaseAll() {
	var sets []*advSet
	a.sets.each(func(s *advSet) { sets = append(sets, s) })
	for _, s := range sets {
		a.stopRotation(s)
		a.abortPending(s)
		a.setStatus(s, StatusNotStarted)
		a.release(s)
	}
	a.notifyState()
}

// Deregister detaches the advertising callbacks; they are attached again by
// the next start.
func (a *Advertiser) Deregister(ctx context.Context) error {
	return a.d.Call(ctx, a.opts.WaitTimeout, func() {
		if a.legacyReg {
			a.radio.DeregisterAdvCallbacks()
			a.legacyReg = false
		}
		if a.extReg {
			a.radio.DeregisterExtAdvCallbacks()
			a.extReg = false
		}
	})
}

// AdvertisingStatus is AlreadyStarted when any set is advertising.
func (a *Advertiser) AdvertisingStatus() Status {
	if a.started.Load() > 0 {
		return StatusAlreadyStarted
	}
	return StatusNotStarted
}

// HandleStatus returns the status of h; ok is false for unknown handles.
func (a *Advertiser) HandleStatus(ctx context.Context, h Handle) (Status, bool) {
	status, ok := StatusNotStarted, false
	_ = a.d.Call(ctx, a.opts.WaitTimeout, func() {
		if set := a.sets.get(h); set != nil {
			status, ok = set.status, true
		}
	})
	return status, ok
}

// OnAdvSetTerminated re-enables a set after a connection consumed it.
func (a *Advertiser) OnAdvSetTerminated(id uint8, status bt.Status, connHandle uint16) {
	_ = a.d.Post(func() {
		set := a.sets.byID(id)
		if set == nil || set.status != StatusAlreadyStarted || set.stopRequested {
			return
		}
		a.logger.WithFields(logrus.Fields{
			"handle":      set.handle,
			"conn_handle": connHandle,
			"status":      status,
		}).Info("Advertising set terminated by connection; re-enabling")
		a.restart(set)
	})
}

// OnPeripheralConnected restarts legacy advertising after a connection in the
// peripheral role stopped it.
func (a *Advertiser) OnPeripheralConnected() {
	if a.extended {
		return
	}
	a.OnAdvSetTerminated(0, bt.StatusSuccess, 0)
}

func (a *Advertiser) restart(set *advSet) {
	h := set.handle
	a.enable(true, []*advSet{set}, func(status bt.Status) {
		if !status.OK() && a.sets.get(h) == set {
			a.fail(set, a.enableOpcode(), status)
		}
	})
}

func (a *Advertiser) enableOpcode() bt.Opcode {
	if a.extended {
		return bt.OpSetExtAdvEnable
	}
	return bt.OpSetAdvEnable
}

// enable issues one enable/disable command covering sets; done is re-posted to the dispatcher.
func (a *Advertiser) enable(on bool, sets []*advSet, done func(bt.Status)) {
	cb := a.post(done)
	if !a.extended {
		a.radio.SetAdvEnable(on, cb)
		return
	}
	ids := make([]uint8, 0, len(sets))
	for _, s := range sets {
		ids = append(ids, s.handle.ID)
	}
	a.radio.SetExtAdvEnable(on, ids, cb)
}

// post wraps a completion so that it re-enters on the dispatcher.
func (a *Advertiser) post(fn func(bt.Status)) radio.Done {
	return func(status bt.Status) {
		if err := a.d.Post(func() { fn(status) }); err != nil {
			a.logger.WithError(err).Warn("Advertising completion dropped")
		}
	}
}

func (a *Advertiser) onStopComplete(h Handle, kind StopKind, status bt.Status) {
	set := a.sets.get(h)
	if !status.OK() {
		err := bt.RadioError(a.enableOpcode(), status)
		a.logger.WithFields(logrus.Fields{"handle": h, "status": status}).Error("Stop advertising failed")
		a.observers.ForEach(func(o Observer) { o.OnStopResult(h, err) })
		return
	}
	if set != nil && kind == StopSingle {
		a.release(set)
		if a.extended {
			a.radio.RemoveAdvSet(h.ID, func(status bt.Status) {
				if !status.OK() {
					a.logger.WithFields(logrus.Fields{"handle": h, "status": status}).Warn("Remove advertising set failed")
				}
			})
		}
	}
	a.logger.WithField("handle", h).Info("Advertising stopped")
	a.observers.ForEach(func(o Observer) { o.OnStopResult(h, nil) })
	a.notifyState()
}

// fail marks the set failed and reports err. Extended sets are released.
func (a *Advertiser) fail(set *advSet, op bt.Opcode, status bt.Status) {
	err := bt.RadioError(op, status)
	a.logger.WithFields(logrus.Fields{
		"handle": set.handle,
		"opcode": op,
		"status": status,
	}).Error("Advertising pipeline failed")

	a.stopRotation(set)
	a.setStatus(set, StatusFailedInternal)
	if a.extended {
		a.release(set)
	}
	set.pending = false
	a.notifyStart(set.handle, err)
	a.notifyState()
}

func (a *Advertiser) release(set *advSet) {
	if a.sets.release(set.handle) {
		a.logger.WithField("handle", set.handle).Debug("Advertising handle released")
	}
}

func (a *Advertiser) setStatus(set *advSet, status Status) {
	was := set.status == StatusAlreadyStarted
	now := status == StatusAlreadyStarted
	set.status = status
	switch {
	case now && !was:
		a.started.Add(1)
	case was && !now:
		a.started.Add(-1)
	}
}

func (a *Advertiser) notifyStart(h Handle, err error) {
	a.observers.ForEach(func(o Observer) { o.OnStartResult(h, err) })
}

// abortPending reports a start whose pipeline was overtaken by a stop.
func (a *Advertiser) abortPending(set *advSet) {
	if !set.pending {
		return
	}
	set.pending = false
	a.logger.WithField("handle", set.handle).Debug("Start preempted by stop")
	a.notifyStart(set.handle, &bt.Error{
		Code: bt.CodeInternal,
		Op:   bt.OpStartAdvertising,
		Msg:  "stopped before advertising was enabled",
	})
}

func (a *Advertiser) notifyState() {
	advertising := a.started.Load() > 0
	if advertising == a.lastAdvertised {
		return
	}
	a.lastAdvertised = advertising
	a.observers.ForEach(func(o Observer) { o.OnAdvertisingStateChanged(advertising) })
}

// onStarted completes a successful pipeline.
func (a *Advertiser) onStarted(set *advSet) {
	a.logger.WithFields(logrus.Fields{
		"handle":   set.handle,
		"tx_power": set.txPower,
	}).Info("Advertising started")
	set.pending = false
	a.notifyStart(set.handle, nil)
	if a.identity.AddressPolicy() == bt.AddressRPA {
		a.armRotation(set)
	}
	a.notifyState()
}

// live reports whether the pipeline for set should continue after a completion.
func (a *Advertiser) live(set *advSet, step string) bool {
	if a.sets.get(set.handle) != set {
		a.logger.WithFields(logrus.Fields{"handle": set.handle, "step": step}).Debug("Completion for released set ignored")
		return false
	}
	if set.stopRequested {
		a.logger.WithFields(logrus.Fields{"handle": set.handle, "step": step}).Debug("Stop requested; pipeline short-circuited")
		return false
	}
	return true
}
