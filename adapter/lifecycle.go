package adapter

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/advertiser"
	"github.com/srg/blehost/internal/bt"
	"github.com/srg/blehost/internal/dispatcher"
	"github.com/srg/blehost/internal/groutine"
	"github.com/srg/blehost/internal/radio"
	"github.com/srg/blehost/internal/registry"
	"github.com/srg/blehost/internal/store"
	"github.com/srg/blehost/scanner"
)

// Bounded waits performed by one enable or disable sequence. The outer
// EnableAndWait/DisableAndWait budget covers all of them plus one spare.
const (
	enableWaits  = 4
	disableWaits = 7
)

// Enable starts the enable sequence and returns once it is scheduled. The
// outcome is reported through Observer.OnEnable.
func (a *Adapter) Enable(ctx context.Context) error {
	return a.startEnable(ctx, nil)
}

// EnableAndWait runs Enable and waits for its outcome.
func (a *Adapter) EnableAndWait(ctx context.Context) error {
	result := dispatcher.NewOneshot[error]()
	if err := a.startEnable(ctx, func(err error) { result.Complete(err) }); err != nil {
		return err
	}
	err, waitErr := result.Wait(ctx, (enableWaits+1)*a.opts.WaitTimeout)
	if waitErr != nil {
		return fmt.Errorf("adapter enable: %w", waitErr)
	}
	return err
}

// Disable starts the disable sequence. Disabling an adapter that is not on
// reports OnDisable(false) and returns ErrNotEnabled.
func (a *Adapter) Disable(ctx context.Context) error {
	return a.startDisable(ctx, nil)
}

// DisableAndWait runs Disable and waits for its outcome.
func (a *Adapter) DisableAndWait(ctx context.Context) error {
	result := dispatcher.NewOneshot[error]()
	if err := a.startDisable(ctx, func(err error) { result.Complete(err) }); err != nil {
		return err
	}
	err, waitErr := result.Wait(ctx, (disableWaits+1)*a.opts.WaitTimeout)
	if waitErr != nil {
		return fmt.Errorf("adapter disable: %w", waitErr)
	}
	return err
}

func (a *Adapter) startEnable(ctx context.Context, done func(error)) error {
	if !a.state.CompareAndSwap(uint32(StateOff), uint32(StateTurningOn)) {
		return bt.NewError(bt.CodeAlreadyStarted, "adapter is %s", a.State())
	}
	groutine.Go(context.WithoutCancel(ctx), "adapter-enable", func(ctx context.Context) {
		err := a.enable(ctx)
		ok := err == nil
		if ok {
			a.state.Store(uint32(StateOn))
			a.logger.WithFields(logrus.Fields{
				"identity": a.IdentityAddress(),
				"policy":   a.AddressPolicy(),
			}).Info("Adapter enabled")
		} else {
			a.state.Store(uint32(StateOff))
			a.logger.WithError(err).Error("Adapter enable failed")
		}
		a.notify(func(o Observer) { o.OnEnable(ok) })
		a.emit(Event{Type: EventEnabled, OK: ok})
		if done != nil {
			done(err)
		}
	})
	return nil
}

func (a *Adapter) startDisable(ctx context.Context, done func(error)) error {
	if !a.state.CompareAndSwap(uint32(StateOn), uint32(StateTurningOff)) {
		state := a.State()
		a.logger.WithField("state", state).Warn("Disable requested while adapter is not enabled")
		a.notify(func(o Observer) { o.OnDisable(false) })
		return bt.NewError(bt.CodeNotEnabled, "adapter is %s", state)
	}
	groutine.Go(context.WithoutCancel(ctx), "adapter-disable", func(ctx context.Context) {
		err := a.disable(ctx)
		a.state.Store(uint32(StateOff))
		ok := err == nil
		if ok {
			a.logger.Info("Adapter disabled")
		} else {
			a.logger.WithError(err).Error("Adapter disable completed with errors")
		}
		a.notify(func(o Observer) { o.OnDisable(ok) })
		a.emit(Event{Type: EventDisabled, OK: ok})
		if done != nil {
			done(err)
		}
	})
	return nil
}

func (a *Adapter) enable(ctx context.Context) (err error) {
	if err := a.radio.Enable(ctx); err != nil {
		return fmt.Errorf("radio enable: %w", err)
	}
	defer func() {
		if err != nil {
			a.detach()
			if derr := a.radio.Disable(ctx); derr != nil {
				a.logger.WithError(derr).Warn("Radio disable after failed enable")
			}
		}
	}()

	if err := a.config.Store().Load(); err != nil {
		return fmt.Errorf("load config store: %w", err)
	}
	a.radio.RegisterACLCallbacks(a)
	a.radio.RegisterSecurityCallbacks(a.sec)

	id, err := a.loadIdentity()
	if err != nil {
		return err
	}
	if err := a.programAddress(ctx, id); err != nil {
		return err
	}
	a.applySecurity()

	if err := a.loadPeers(ctx); err != nil {
		return err
	}
	a.save()
	return nil
}

// loadIdentity reads the local identity, generating the IRK and the static
// random identity address on first use.
func (a *Adapter) loadIdentity() (*localIdentity, error) {
	a.seedHost(store.PropName, func() { a.config.SetLocalName(a.opts.DeviceName) })
	a.seedHost(store.PropAddressPolicy, func() { a.config.SetAddressPolicy(a.opts.AddressPolicy) })
	a.seedHost(store.PropRoles, func() { a.config.SetRoles(a.opts.Roles) })
	a.seedHost(store.PropDiscoveryMode, func() { a.config.SetDiscoveryMode(a.opts.Discovery) })

	id := &localIdentity{
		name:   a.config.LocalName(),
		policy: a.config.AddressPolicy(),
	}

	irk, ok := a.config.LocalIRK()
	if !ok || irk == ([16]byte{}) {
		if _, err := rand.Read(irk[:]); err != nil {
			return nil, fmt.Errorf("failed to generate local IRK: %w", err)
		}
		a.config.SetLocalIRK(irk)
		a.logger.Info("Generated local IRK")
	}
	id.irk = irk

	id.address = a.config.LocalAddress()
	if !id.address.IsValid() {
		addr, err := bt.NewStaticRandomAddress()
		if err != nil {
			return nil, err
		}
		a.config.SetLocalAddress(addr)
		id.address = addr
		a.logger.WithField("address", addr).Info("Generated static random identity address")
	}

	a.identity.Store(id)
	a.scan.SetDiscoveryMode(a.config.DiscoveryMode())
	return id, nil
}

// seedHost writes a default host property when the store has none.
func (a *Adapter) seedHost(prop string, set func()) {
	if _, ok := a.config.Store().GetValue(store.SectionHost, "", prop); !ok {
		set()
	}
}

// programAddress sets the controller random address and the own-address
// type used by scanning and legacy advertising. An RPA generation that does
// not complete in time keeps the previous controller random address.
func (a *Adapter) programAddress(ctx context.Context, id *localIdentity) error {
	log := a.logger.WithField("policy", id.policy)

	switch id.policy {
	case bt.AddressRPA:
		rpa, err := a.generateRPA(ctx, id.irk)
		switch {
		case errors.Is(err, bt.ErrTimeout):
			log.WithError(err).Warn("RPA generation timed out; keeping previous random address")
		case err != nil:
			return err
		default:
			if err := a.await(ctx, bt.OpSetRandomAddress, func(done radio.Done) {
				a.radio.SetRandomAddress(rpa, done)
			}); err != nil {
				return err
			}
			log = log.WithField("address", rpa)
		}
	case bt.AddressStaticRandom:
		if err := a.await(ctx, bt.OpSetRandomAddress, func(done radio.Done) {
			a.radio.SetRandomAddress(id.address, done)
		}); err != nil {
			return err
		}
		log = log.WithField("address", id.address)
	}

	t := id.policy.OwnAddrType()
	a.radio.SetOwnAddrType(t)
	if err := a.scan.SetOwnAddrType(ctx, t); err != nil {
		return err
	}
	log.WithField("own_addr_type", t).Debug("Own address programmed")
	return nil
}

type rpaResult struct {
	status bt.Status
	addr   bt.Address
}

func (a *Adapter) generateRPA(ctx context.Context, irk [16]byte) (bt.Address, error) {
	result := dispatcher.NewOneshot[rpaResult]()
	a.radio.GenerateRPA(irk, func(status bt.Status, addr bt.Address) {
		result.Complete(rpaResult{status: status, addr: addr})
	})
	r, err := result.Wait(ctx, a.opts.WaitTimeout)
	if err != nil {
		return bt.EmptyAddress, fmt.Errorf("waiting for RPA generation: %w", err)
	}
	if !r.status.OK() {
		return bt.EmptyAddress, bt.RadioError(bt.OpGenerateRPA, r.status)
	}
	return r.addr, nil
}

// applySecurity programs the security mode, key size and bondable mode.
// Failures are logged; the adapter stays usable with controller defaults.
func (a *Adapter) applySecurity() {
	opts := a.sec.Options()
	level := opts.Level

	status := a.radio.SetSecurityMode(level)
	if status == bt.StatusNotSupported && level != bt.SecurityAuthenticated {
		a.logger.WithField("level", level).Warn("Security level not supported; falling back to mode 1 level 3")
		level = bt.SecurityAuthenticated
		status = a.radio.SetSecurityMode(level)
	}
	if !status.OK() {
		a.logger.WithFields(logrus.Fields{"level": level, "status": status}).Error("Failed to set security mode")
	}
	if status := a.radio.SetMinEncKeySize(a.opts.MinKeySize); !status.OK() {
		a.logger.WithField("status", status).Error("Failed to set minimum encryption key size")
	}
	if status := a.radio.SetBondableMode(opts.Bondable); !status.OK() {
		a.logger.WithField("status", status).Error("Failed to set bondable mode")
	}
}

// loadPeers restores persisted bonds into the registry and pushes every
// resolvable identity to the controller resolving list.
func (a *Adapter) loadPeers(ctx context.Context) error {
	var entries []radio.ResolvingEntry
	err := a.d.Call(ctx, a.opts.WaitTimeout, func() {
		for _, rec := range a.config.Peers() {
			a.registry.Upsert(rec.Key, func(p *registry.Peer) {
				p.PairState = bt.PairPaired
				p.Name = rec.Name
				p.Alias = rec.Alias
				p.DeviceType = rec.DeviceType
				p.IOCapability = rec.IOCapability
				p.Identity = rec.Identity
			})
			if rec.HasIdentity() {
				entries = append(entries, radio.ResolvingEntry{Identity: rec.Identity, PeerIRK: *rec.IRK})
			}
		}
	})
	if err != nil {
		return fmt.Errorf("load peers: %w", err)
	}

	for _, e := range entries {
		if status := a.radio.AddToResolvingList(e); !status.OK() {
			a.logger.WithFields(logrus.Fields{
				"identity": e.Identity,
				"status":   status,
			}).Warn("Failed to restore resolving list entry")
		}
	}
	a.logger.WithFields(logrus.Fields{
		"peers":     a.registry.Len(),
		"resolving": len(entries),
	}).Debug("Persisted peers loaded")
	return nil
}

// disable tears everything down. Every step runs even when an earlier one
// fails; the joined error is returned.
func (a *Adapter) disable(ctx context.Context) error {
	var errs []error
	step := func(what string, err error) {
		if err != nil {
			a.logger.WithError(err).WithField("step", what).Warn("Disable step failed")
			errs = append(errs, fmt.Errorf("%s: %w", what, err))
		}
	}

	step("persist peers", a.d.Call(ctx, a.opts.WaitTimeout, func() {
		a.persistPeers()
		a.registry.Clear()
	}))
	a.save()

	if status := a.radio.SetBondableMode(false); !status.OK() {
		step("bondable", bt.RadioError(bt.OpNone, status))
	}

	step("stop advertising", a.toggle(ctx, "stop advertising", func(done func(error)) error {
		return a.adv.StartOrStopAll(advertiser.StopAll, false, done)
	}))
	step("stop scanning", a.toggle(ctx, "stop scanning", func(done func(error)) error {
		return a.scan.StartOrStopScan(scanner.StopAll, false, done)
	}))
	step("clear advertising sets", a.adv.ClearAll(ctx))
	step("clear scan results", a.scan.ClearScanResults(ctx))

	step("deregister scanner", a.scan.Deregister(ctx))
	step("deregister advertiser", a.adv.Deregister(ctx))
	a.detach()

	step("radio disable", a.radio.Disable(ctx))
	return errors.Join(errs...)
}

func (a *Adapter) detach() {
	a.radio.DeregisterACLCallbacks()
	a.radio.DeregisterSecurityCallbacks()
}

// persistPeers writes the registry view of every bonded peer back to the
// store. It runs on the dispatcher.
func (a *Adapter) persistPeers() {
	for _, p := range a.registry.Paired() {
		rec, err := a.config.Peer(p.Key.Addr.String())
		if err != nil {
			rec = store.PeerRecord{Key: p.Key}
		}
		rec.Name = p.Name
		rec.Alias = p.Alias
		rec.DeviceType = p.DeviceType
		rec.IOCapability = p.IOCapability
		a.config.SavePeer(rec)
	}
}
