// Package adapter composes the advertiser, scanner and security components
// around one radio and one dispatcher, and sequences enable and disable.
//
// The enable and disable sequences block on radio rendezvous and therefore
// run on their own goroutine, never on the dispatcher. Observers are
// notified on the dispatcher.
package adapter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/advertiser"
	"github.com/srg/blehost/internal/bt"
	"github.com/srg/blehost/internal/dispatcher"
	"github.com/srg/blehost/internal/observer"
	"github.com/srg/blehost/internal/radio"
	"github.com/srg/blehost/internal/registry"
	"github.com/srg/blehost/internal/ringchan"
	"github.com/srg/blehost/internal/store"
	"github.com/srg/blehost/scanner"
	"github.com/srg/blehost/security"
)

// State is the adapter power state.
type State uint32

const (
	StateOff State = iota
	StateTurningOn
	StateOn
	StateTurningOff
)

func (s State) String() string {
	switch s {
	case StateOff:
		return "off"
	case StateTurningOn:
		return "turning_on"
	case StateOn:
		return "on"
	case StateTurningOff:
		return "turning_off"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// Observer receives adapter level outcomes. Callbacks run on the dispatcher.
type Observer interface {
	OnEnable(ok bool)
	OnDisable(ok bool)
	OnReadRemoteRSSI(addr bt.Address, rssi int8, err error)
}

// NopObserver implements Observer with no-ops for embedding.
type NopObserver struct{}

func (NopObserver) OnEnable(bool)                            {}
func (NopObserver) OnDisable(bool)                           {}
func (NopObserver) OnReadRemoteRSSI(bt.Address, int8, error) {}

// EventType tags an Event.
type EventType int

const (
	EventEnabled EventType = iota
	EventDisabled
	EventConnected
	EventDisconnected
	EventRSSI
)

func (t EventType) String() string {
	switch t {
	case EventEnabled:
		return "enabled"
	case EventDisabled:
		return "disabled"
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventRSSI:
		return "rssi"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is one entry of the Events stream.
type Event struct {
	Type EventType
	Peer bt.PeerKey
	RSSI int8
	OK   bool
}

// Options configure the adapter. Identity fields seed the config store on
// first enable; persisted values win afterwards.
type Options struct {
	DeviceName    string
	AddressPolicy bt.AddressPolicy
	Roles         bt.Roles
	MinKeySize    uint8
	Discovery     bt.DiscoveryMode

	Security   security.Options
	Advertiser advertiser.Options

	WaitTimeout time.Duration
	EventBuffer int
}

func DefaultOptions() Options {
	return Options{
		DeviceName:    "blehost",
		AddressPolicy: bt.AddressRPA,
		Roles:         bt.RolesAll,
		MinKeySize:    7,
		Discovery:     bt.DiscoveryAll,
		Security:      security.DefaultOptions(),
		Advertiser:    advertiser.DefaultOptions(),
		WaitTimeout:   dispatcher.DefaultWaitTimeout,
		EventBuffer:   64,
	}
}

// localIdentity is the identity loaded on enable.
type localIdentity struct {
	name    string
	policy  bt.AddressPolicy
	irk     [16]byte
	address bt.Address
}

// Adapter is the host control plane.
type Adapter struct {
	radio     radio.Radio
	d         *dispatcher.Dispatcher
	config    *store.BleConfig
	registry  *registry.Registry
	logger    *logrus.Logger
	opts      Options
	observers *observer.List[Observer]
	events    *ringchan.RingChannel[Event]

	adv  *advertiser.Advertiser
	scan *scanner.Scanner
	sec  *security.Security

	state    atomic.Uint32
	identity atomic.Pointer[localIdentity]

	// serializes resolving-list pauses
	pauseMu sync.Mutex
	// guards nameReads; never held across a wait
	nameMu    sync.Mutex
	nameReads map[bt.Address]*nameRead
}

var (
	_ radio.ACLHandler        = (*Adapter)(nil)
	_ advertiser.Identity     = (*Adapter)(nil)
	_ security.ResolvingList  = (*Adapter)(nil)
	_ security.AddrTypeLookup = (*scanner.Scanner)(nil)
)

// New wires the components. engine may be nil when the controller has no
// scan filter offload. d must be started by the caller.
func New(r radio.Radio, engine radio.FilterEngine, d *dispatcher.Dispatcher, st store.Store, opts Options, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = dispatcher.DefaultWaitTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = DefaultOptions().EventBuffer
	}
	if opts.MinKeySize == 0 {
		opts.MinKeySize = DefaultOptions().MinKeySize
	}
	opts.Roles = opts.Roles.Normalize()

	a := &Adapter{
		radio:     r,
		d:         d,
		config:    store.NewBleConfig(st, logger),
		registry:  registry.New(logger),
		logger:    logger,
		opts:      opts,
		observers: observer.NewList[Observer](),
		events:    ringchan.New[Event](opts.EventBuffer),
		nameReads: map[bt.Address]*nameRead{},
	}
	a.identity.Store(&localIdentity{name: opts.DeviceName, policy: opts.AddressPolicy})

	a.adv = advertiser.New(r, d, a, opts.Advertiser, logger)
	a.scan = scanner.New(r, engine, d, scanner.Options{
		OwnAddrType: opts.AddressPolicy.OwnAddrType(),
		Discovery:   opts.Discovery,
		WaitTimeout: opts.WaitTimeout,
	}, logger)
	a.sec = security.New(r, d, a.registry, a.config, opts.Security, logger)
	a.sec.SetResolvingList(a)
	a.sec.SetAddrTypeLookup(a.scan)
	return a
}

func (a *Adapter) Advertiser() *advertiser.Advertiser { return a.adv }
func (a *Adapter) Scanner() *scanner.Scanner          { return a.scan }
func (a *Adapter) Security() *security.Security       { return a.sec }
func (a *Adapter) Registry() *registry.Registry       { return a.registry }
func (a *Adapter) Config() *store.BleConfig           { return a.config }

func (a *Adapter) State() State {
	return State(a.state.Load())
}

func (a *Adapter) RegisterObserver(o Observer) observer.ID {
	return a.observers.Register(o)
}

func (a *Adapter) DeregisterObserver(id observer.ID) {
	a.observers.Deregister(id)
}

// Events streams adapter events. When the consumer lags the oldest event is dropped.
func (a *Adapter) Events() <-chan Event {
	return a.events.C()
}

// LocalName, AddressPolicy and LocalIRK expose the loaded identity to the advertiser.

func (a *Adapter) LocalName() string {
	return a.identity.Load().name
}

func (a *Adapter) AddressPolicy() bt.AddressPolicy {
	return a.identity.Load().policy
}

func (a *Adapter) LocalIRK() [16]byte {
	return a.identity.Load().irk
}

// IdentityAddress is the local identity address, empty before the first enable.
func (a *Adapter) IdentityAddress() bt.Address {
	return a.identity.Load().address
}

// IsLlPrivacySupported reports controller-side address resolution support.
func (a *Adapter) IsLlPrivacySupported() bool {
	return a.radio.Features().LLPrivacy
}

// SetBleRoles persists the supported roles. An empty or out-of-range mask
// selects every role; the applied mask is returned.
func (a *Adapter) SetBleRoles(roles bt.Roles) bt.Roles {
	applied := roles.Normalize()
	if applied != roles {
		a.logger.WithFields(logrus.Fields{
			"requested": fmt.Sprintf("0x%02X", uint8(roles)),
			"applied":   fmt.Sprintf("0x%02X", uint8(applied)),
		}).Warn("Invalid BLE roles; enabling all roles")
	}
	a.config.SetRoles(applied)
	a.save()
	return applied
}

func (a *Adapter) notify(fn func(o Observer)) {
	if err := a.d.Post(func() { a.observers.ForEach(fn) }); err != nil {
		a.logger.WithError(err).Warn("Adapter notification dropped")
	}
}

func (a *Adapter) emit(ev Event) {
	a.events.Send(ev)
}

func (a *Adapter) save() {
	if err := a.config.Store().Save(); err != nil {
		a.logger.WithError(err).Error("Failed to save config store")
	}
}

func (a *Adapter) String() string {
	return fmt.Sprintf("Adapter{state: %s, identity: %s, policy: %s}",
		a.State(), a.IdentityAddress(), a.AddressPolicy())
}

// await issues an async radio command and waits for its completion. It must
// not run on the dispatcher.
func (a *Adapter) await(ctx context.Context, op bt.Opcode, issue func(done radio.Done)) error {
	result := dispatcher.NewOneshot[bt.Status]()
	issue(func(status bt.Status) { result.Complete(status) })
	status, err := result.Wait(ctx, a.opts.WaitTimeout)
	if err != nil {
		return fmt.Errorf("waiting for %s: %w", op, err)
	}
	if !status.OK() {
		return bt.RadioError(op, status)
	}
	return nil
}

// toggle runs one StartOrStop request and waits for its done callback.
func (a *Adapter) toggle(ctx context.Context, what string, post func(done func(error)) error) error {
	result := dispatcher.NewOneshot[error]()
	if err := post(func(err error) { result.Complete(err) }); err != nil {
		return err
	}
	err, waitErr := result.Wait(ctx, a.opts.WaitTimeout)
	if waitErr != nil {
		a.logger.WithError(waitErr).WithField("op", what).Warn("Timed out waiting for toggle")
		return fmt.Errorf("%s: %w", what, waitErr)
	}
	return err
}
