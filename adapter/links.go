package adapter

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/bt"
	"github.com/srg/blehost/internal/radio"
	"github.com/srg/blehost/internal/registry"
)

func (a *Adapter) OnLeConnect(ev radio.ConnEvent) {
	a.post("connect", func() { a.handleConnect(ev) })
}

func (a *Adapter) OnDisconnect(ev radio.DisconnectEvent) {
	a.post("disconnect", func() { a.handleDisconnect(ev) })
}

func (a *Adapter) post(what string, task func()) {
	if err := a.d.Post(task); err != nil {
		a.logger.WithError(err).WithField("event", what).Warn("Link event dropped")
	}
}

func (a *Adapter) handleConnect(ev radio.ConnEvent) {
	log := a.logger.WithFields(logrus.Fields{
		"address":     ev.Peer,
		"conn_handle": ev.ConnHandle,
		"role":        ev.Role,
	})
	if !ev.Status.OK() {
		log.WithField("status", ev.Status).Warn("LE connection failed")
		a.emit(Event{Type: EventConnected, Peer: ev.Peer})
		return
	}

	a.registry.Upsert(ev.Peer, func(p *registry.Peer) {
		p.AclConnected = true
		p.ConnHandle = ev.ConnHandle
		p.Role = ev.Role
	})
	log.Info("LE link established")

	// a peripheral-role connection consumes the legacy advertising instance
	if ev.Role == radio.RolePeripheral {
		a.adv.OnPeripheralConnected()
	}
	a.emit(Event{Type: EventConnected, Peer: ev.Peer, OK: true})
}

func (a *Adapter) handleDisconnect(ev radio.DisconnectEvent) {
	a.registry.Update(ev.Peer.Addr, func(p *registry.Peer) {
		p.AclConnected = false
		p.Encrypted = false
		p.ConnHandle = 0
	})
	a.logger.WithFields(logrus.Fields{
		"address": ev.Peer,
		"reason":  ev.Reason,
	}).Info("LE link closed")
	a.emit(Event{Type: EventDisconnected, Peer: ev.Peer, OK: ev.Status.OK()})
}

// ReadRemoteRSSI reads the link RSSI of a connected peer. The result is
// reported through Observer.OnReadRemoteRSSI.
func (a *Adapter) ReadRemoteRSSI(ctx context.Context, addr bt.Address) error {
	p, ok := a.registry.Get(addr)
	if !ok || !p.AclConnected {
		return bt.NewError(bt.CodeUnknownDevice, "%s is not connected", addr)
	}

	a.radio.ReadRemoteRSSI(p.Key, func(status bt.Status, rssi int8) {
		a.post("rssi", func() {
			var err error
			if status.OK() {
				a.registry.Update(addr, func(p *registry.Peer) { p.RSSI = rssi })
			} else {
				err = bt.RadioError(bt.OpNone, status)
				a.logger.WithFields(logrus.Fields{"address": addr, "status": status}).Warn("Remote RSSI read failed")
			}
			a.observers.ForEach(func(o Observer) { o.OnReadRemoteRSSI(addr, rssi, err) })
			a.emit(Event{Type: EventRSSI, Peer: p.Key, RSSI: rssi, OK: err == nil})
		})
	})
	return nil
}

type nameResult struct {
	status bt.Status
	name   string
}

// nameRead is one in-flight remote name read. Concurrent callers for the
// same address share it; done is closed once result is set.
type nameRead struct {
	done   chan struct{}
	result nameResult
}

// GetDeviceName resolves a display name for addr: a remote name read on a
// connected link first, then the scan cache, then the registry. It returns
// an empty string when no source knows the device.
func (a *Adapter) GetDeviceName(ctx context.Context, addr bt.Address) string {
	if name := a.readRemoteName(ctx, addr); name != "" {
		return name
	}
	if name := a.scan.DeviceName(addr); name != "" {
		return name
	}
	if p, ok := a.registry.Get(addr); ok {
		if p.Alias != "" {
			return p.Alias
		}
		return p.Name
	}
	return ""
}

func (a *Adapter) readRemoteName(ctx context.Context, addr bt.Address) string {
	p, ok := a.registry.Get(addr)
	if !ok || !p.AclConnected || a.d.IsDispatcherGoroutine() {
		return ""
	}

	a.nameMu.Lock()
	read, joined := a.nameReads[addr]
	if !joined {
		read = &nameRead{done: make(chan struct{})}
		a.nameReads[addr] = read
	}
	a.nameMu.Unlock()

	if !joined {
		a.radio.ReadRemoteName(p.Key, func(status bt.Status, name string) {
			read.result = nameResult{status: status, name: name}
			a.forgetNameRead(addr, read)
			close(read.done)
		})
	}

	log := a.logger.WithFields(logrus.Fields{"address": addr, "joined": joined})
	timer := time.NewTimer(a.opts.WaitTimeout)
	defer timer.Stop()
	select {
	case <-read.done:
	case <-timer.C:
		a.forgetNameRead(addr, read)
		log.Debug("Remote name read timed out")
		return ""
	case <-ctx.Done():
		log.WithError(ctx.Err()).Debug("Remote name read abandoned")
		return ""
	}

	r := read.result
	if !r.status.OK() || r.name == "" {
		log.WithField("status", r.status).Debug("Remote name unavailable")
		return ""
	}
	if !joined {
		a.post("name", func() {
			a.registry.Update(addr, func(p *registry.Peer) { p.Name = r.name })
		})
	}
	return r.name
}

// forgetNameRead drops read from the in-flight table unless a newer read
// already replaced it.
func (a *Adapter) forgetNameRead(addr bt.Address, read *nameRead) {
	a.nameMu.Lock()
	defer a.nameMu.Unlock()
	if a.nameReads[addr] == read {
		delete(a.nameReads, addr)
	}
}
