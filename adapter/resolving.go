package adapter

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/advertiser"
	"github.com/srg/blehost/internal/bt"
	"github.com/srg/blehost/scanner"
)

// UpdateResolvingList applies fn while advertising and scanning are paused.
// The controller rejects resolving list edits while address resolution is
// in use, so active sets and an active scan are stopped with the
// resolving-list stop kind, fn runs, and both are resumed.
//
// It blocks for up to two rendezvous per direction and must not be called
// from the dispatcher goroutine.
func (a *Adapter) UpdateResolvingList(ctx context.Context, fn func()) error {
	if a.d.IsDispatcherGoroutine() {
		return bt.NewError(bt.CodeInternal, "resolving list update from dispatcher goroutine")
	}

	a.pauseMu.Lock()
	defer a.pauseMu.Unlock()

	advertising := a.adv.AdvertisingStatus() == advertiser.StatusAlreadyStarted
	scanning := a.scan.ScanStatus() == scanner.StatusAlreadyStarted
	log := a.logger.WithFields(logrus.Fields{
		"advertising": advertising,
		"scanning":    scanning,
	})
	log.Debug("Pausing for resolving list update")

	if advertising {
		if err := a.toggle(ctx, "pause advertising", func(done func(error)) error {
			return a.adv.StartOrStopAll(advertiser.StopResolvingList, false, done)
		}); err != nil {
			log.WithError(err).Warn("Advertising pause failed")
		}
	}
	if scanning {
		if err := a.toggle(ctx, "pause scanning", func(done func(error)) error {
			return a.scan.StartOrStopScan(scanner.StopResolvingList, false, done)
		}); err != nil {
			log.WithError(err).Warn("Scan pause failed")
		}
	}

	fn()

	var firstErr error
	if scanning {
		if err := a.toggle(ctx, "resume scanning", func(done func(error)) error {
			return a.scan.StartOrStopScan(scanner.StopResolvingList, true, done)
		}); err != nil {
			log.WithError(err).Error("Scan resume failed")
			firstErr = err
		}
	}
	if advertising {
		if err := a.toggle(ctx, "resume advertising", func(done func(error)) error {
			return a.adv.StartOrStopAll(advertiser.StopResolvingList, true, done)
		}); err != nil {
			log.WithError(err).Error("Advertising resume failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
