package advertiser

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/bt"
	"github.com/srg/blehost/internal/dispatcher"
	"github.com/srg/blehost/internal/radio"
)

var errRotationAborted = errors.New("rotation aborted")

// armRotation schedules the next address change for set. Only sets advertising
// under the RPA policy rotate.
func (a *Advertiser) armRotation(set *advSet) {
	a.stopRotation(set)
	if a.identity.AddressPolicy() != bt.AddressRPA {
		return
	}
	h := set.handle
	set.rotation = time.AfterFunc(a.opts.RotationPeriod, func() {
		a.rotate(context.Background(), h)
	})
}

// resumeRotation re-arms the timer of a set that was rotating when a
// resolving-list pause stopped it.
func (a *Advertiser) resumeRotation(set *advSet) {
	if !set.rotationPaused {
		return
	}
	set.rotationPaused = false
	a.armRotation(set)
}

func (a *Advertiser) stopRotation(set *advSet) {
	if set.rotation != nil {
		set.rotation.Stop()
		set.rotation = nil
	}
}

// rotate runs on the timer goroutine: disable → generate RPA → set address →
// enable, waiting for each completion. A radio failure marks the set failed
// and leaves it unscheduled; an RPA generation timeout keeps the previous
// address.
func (a *Advertiser) rotate(ctx context.Context, h Handle) {
	log := a.logger.WithField("handle", h)
	log.Debug("Rotating resolvable private address")

	status, err := a.rotationStep(ctx, h, func(set *advSet, done func(bt.Status)) {
		a.enable(false, []*advSet{set}, done)
	})
	if !a.rotationOK(ctx, h, a.enableOpcode(), status, err, log) {
		return
	}

	rpa := dispatcher.NewOneshot[bt.Address]()
	if err := a.onSet(ctx, h, func(set *advSet) {
		a.radio.GenerateRPA(a.identity.LocalIRK(), func(status bt.Status, generated bt.Address) {
			if !status.OK() {
				generated = bt.EmptyAddress
			}
			rpa.Complete(generated)
		})
	}); err != nil {
		log.WithError(err).Debug("Rotation abandoned")
		return
	}
	addr, err := rpa.Wait(ctx, a.opts.WaitTimeout)
	if err != nil || addr.IsEmpty() {
		log.WithError(err).Warn("RPA generation did not complete; keeping previous address")
	} else {
		status, err = a.rotationStep(ctx, h, func(set *advSet, done func(bt.Status)) {
			a.setAddress(set, addr, done)
		})
		if !a.rotationOK(ctx, h, a.addressOpcode(), status, err, log) {
			return
		}
	}

	status, err = a.rotationStep(ctx, h, func(set *advSet, done func(bt.Status)) {
		a.enable(true, []*advSet{set}, done)
	})
	if !a.rotationOK(ctx, h, a.enableOpcode(), status, err, log) {
		return
	}

	_ = a.onSet(ctx, h, func(set *advSet) {
		if !addr.IsEmpty() {
			set.address = addr
		}
		a.armRotation(set)
		log.WithField("address", set.address).Info("Resolvable private address rotated")
	})
}

// setAddress programs addr on the set. The legacy instance uses the
// controller-wide random address.
func (a *Advertiser) setAddress(set *advSet, addr bt.Address, done radio.Done) {
	if !a.extended {
		a.radio.SetRandomAddress(addr, done)
		return
	}
	a.radio.SetExtAdvRandomAddr(set.handle.ID, addr, done)
}

func (a *Advertiser) addressOpcode() bt.Opcode {
	if a.extended {
		return bt.OpSetExtAdvRandomAddr
	}
	return bt.OpSetRandomAddress
}

// onSet runs fn on the dispatcher if h is still a started set.
func (a *Advertiser) onSet(ctx context.Context, h Handle, fn func(set *advSet)) error {
	aborted := false
	err := a.d.Call(ctx, a.opts.WaitTimeout, func() {
		set := a.sets.get(h)
		if set == nil || set.status != StatusAlreadyStarted || set.stopRequested {
			aborted = true
			return
		}
		fn(set)
	})
	if err != nil {
		return err
	}
	if aborted {
		return errRotationAborted
	}
	return nil
}

func (a *Advertiser) rotationStep(ctx context.Context, h Handle, issue func(set *advSet, done func(bt.Status))) (bt.Status, error) {
	result := dispatcher.NewOneshot[bt.Status]()
	if err := a.onSet(ctx, h, func(set *advSet) {
		issue(set, func(status bt.Status) { result.Complete(status) })
	}); err != nil {
		return bt.StatusFailed, err
	}
	return result.Wait(ctx, a.opts.WaitTimeout)
}

func (a *Advertiser) rotationOK(ctx context.Context, h Handle, op bt.Opcode, status bt.Status, err error, log *logrus.Entry) bool {
	if errors.Is(err, errRotationAborted) {
		log.Debug("Rotation abandoned; set no longer advertising")
		return false
	}
	if err == nil && status.OK() {
		return true
	}

	log.WithFields(logrus.Fields{
		"opcode": op,
		"status": status,
		"error":  err,
	}).Error("Address rotation failed")

	_ = a.d.Call(ctx, a.opts.WaitTimeout, func() {
		set := a.sets.get(h)
		if set == nil {
			return
		}
		a.stopRotation(set)
		a.setStatus(set, StatusFailedRotation)
		a.notifyStart(h, bt.RadioError(op, status))
		a.notifyState()
	})
	return false
}
