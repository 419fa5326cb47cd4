// Package simradio is a deterministic in-process controller implementing
// radio.Radio and radio.FilterEngine.
//
// Every command is journaled and completes on the controller's own event
// goroutine, never inside the call, which mirrors how a real GAP binding
// delivers completions. Faults can be injected per command and occurrence,
// and completions of selected commands can be held back and released later.
package simradio

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/bt"
	"github.com/srg/blehost/internal/dispatcher"
	"github.com/srg/blehost/internal/radio"
)

// Options configures a simulated controller.
type Options struct {
	Features       radio.Features
	MaxFilters     int
	NoFilterEngine bool
	TxPower        int8
	PairMethod     radio.PairMethod
	PasskeyNumber  uint32
	PeerRSSI       int8
	PeerNames      map[string]string
	JournalSize    uint32
}

// DefaultOptions is an extended-advertising capable controller.
func DefaultOptions() Options {
	return Options{
		Features: radio.Features{
			ExtendedAdvertising: true,
			LE2MPHY:             true,
			LECodedPHY:          true,
			LLPrivacy:           true,
			MaxAdvDataLength:    1650,
			MaxAdvSets:          4,
			ControllerVersion:   0x0B,
		},
		MaxFilters:    16,
		TxPower:       -7,
		PairMethod:    radio.MethodJustWorks,
		PasskeyNumber: 123456,
		PeerRSSI:      -60,
		JournalSize:   1024,
	}
}

type fault struct {
	nth    int
	status bt.Status
}

// Controller is the simulated radio.
type Controller struct {
	opts   Options
	logger *logrus.Logger
	events *dispatcher.Dispatcher
	log    *journal

	mu       sync.Mutex
	enabled  bool
	calls    map[string]int
	faults   map[string][]fault
	holds    map[string]bool
	held     []func()
	rpaSeq   uint32
	pairing  map[bt.Address]bool
	resolved map[bt.PeerKey]radio.ResolvingEntry

	advHandler    radio.AdvHandler
	extAdvHandler radio.AdvHandler
	scanHandler   radio.ScanHandler
	extScan       radio.ScanHandler
	secHandler    radio.SecurityHandler
	aclHandler    radio.ACLHandler
}

var (
	_ radio.Radio        = (*Controller)(nil)
	_ radio.FilterEngine = (*Controller)(nil)
)

// New creates a powered-off controller whose event goroutine is already running.
func New(opts Options, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.JournalSize == 0 {
		opts.JournalSize = 1024
	}
	c := &Controller{
		opts:     opts,
		logger:   logger,
		events:   dispatcher.New("simradio-events", logger),
		log:      newJournal(opts.JournalSize),
		calls:    map[string]int{},
		faults:   map[string][]fault{},
		holds:    map[string]bool{},
		pairing:  map[bt.Address]bool{},
		resolved: map[bt.PeerKey]radio.ResolvingEntry{},
	}
	c.events.Start(context.Background())
	return c
}

// Close stops the event goroutine after delivering queued events.
func (c *Controller) Close() {
	c.events.Stop()
}

// FailOn makes the nth (1-based) call of command complete with status.
func (c *Controller) FailOn(command string, nth int, status bt.Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[command] = append(c.faults[command], fault{nth: nth, status: status})
}

// Hold queues completions of command until Release.
func (c *Controller) Hold(command string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.holds[command] = true
}

// Release delivers held completions in call order and stops holding.
func (c *Controller) Release() {
	c.mu.Lock()
	held := c.held
	c.held = nil
	c.holds = map[string]bool{}
	c.mu.Unlock()
	for _, fn := range held {
		c.deliver(fn)
	}
}

// Journal drains the commands issued since the previous call.
func (c *Controller) Journal() []Command {
	return c.log.drain()
}

// Calls returns how many times command was issued.
func (c *Controller) Calls(command string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[command]
}

// ResolvingList returns the identities currently pushed to the controller.
func (c *Controller) ResolvingList() []bt.PeerKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]bt.PeerKey, 0, len(c.resolved))
	for k := range c.resolved {
		out = append(out, k)
	}
	return out
}

// Flush waits until every queued event and completion has been delivered.
func (c *Controller) Flush(ctx context.Context) error {
	return c.events.Call(ctx, dispatcher.DefaultWaitTimeout, func() {})
}

// issue journals cmd and returns the completion status injected for it.
func (c *Controller) issue(cmd Command) (bt.Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[cmd.Name]++
	n := c.calls[cmd.Name]
	c.log.record(cmd)
	c.logger.WithField("command", cmd.String()).Debug("simradio: command")

	status := bt.StatusSuccess
	for _, f := range c.faults[cmd.Name] {
		if f.nth == n {
			status = f.status
		}
	}
	return status, c.holds[cmd.Name]
}

// complete schedules fn on the event goroutine, or holds it.
func (c *Controller) complete(held bool, fn func()) {
	if held {
		c.mu.Lock()
		c.held = append(c.held, fn)
		c.mu.Unlock()
		return
	}
	c.deliver(fn)
}

func (c *Controller) deliver(fn func()) {
	if err := c.events.Post(fn); err != nil {
		c.logger.WithError(err).Warn("simradio: event dropped")
	}
}

func (c *Controller) run(cmd Command, done radio.Done) {
	status, held := c.issue(cmd)
	if done == nil {
		return
	}
	c.complete(held, func() { done(status) })
}

func (c *Controller) call(cmd Command) bt.Status {
	status, _ := c.issue(cmd)
	return status
}

// Controller

func (c *Controller) Features() radio.Features {
	return c.opts.Features
}

func (c *Controller) Enable(context.Context) error {
	if status := c.call(Command{Name: "Enable"}); !status.OK() {
		return fmt.Errorf("controller enable: %s", status)
	}
	c.mu.Lock()
	c.enabled = true
	c.mu.Unlock()
	return nil
}

func (c *Controller) Disable(context.Context) error {
	status := c.call(Command{Name: "Disable"})
	c.mu.Lock()
	c.enabled = false
	c.mu.Unlock()
	if !status.OK() {
		return fmt.Errorf("controller disable: %s", status)
	}
	return nil
}

func (c *Controller) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Privacy

func (c *Controller) SetOwnAddrType(t bt.AddrType) {
	c.call(Command{Name: "SetOwnAddrType", Detail: t.String()})
}

func (c *Controller) SetRandomAddress(addr bt.Address, done radio.Done) {
	c.run(Command{Name: "SetRandomAddress", Opcode: bt.OpSetRandomAddress, Address: addr.String()}, done)
}

// GenerateRPA derives prand from a sequence counter and hash from SHA-256 over
// irk and prand, so addresses are deterministic per controller.
func (c *Controller) GenerateRPA(irk [16]byte, done func(bt.Status, bt.Address)) {
	status, held := c.issue(Command{Name: "GenerateRPA", Opcode: bt.OpGenerateRPA})

	c.mu.Lock()
	c.rpaSeq++
	seq := c.rpaSeq
	c.mu.Unlock()

	prand := []byte{0x40 | byte(seq>>16)&0x3F, byte(seq >> 8), byte(seq)}
	h := sha256.Sum256(append(irk[:], prand...))
	addr := bt.Address{prand[0], prand[1], prand[2], h[0], h[1], h[2]}

	c.complete(held, func() {
		if !status.OK() {
			done(status, bt.EmptyAddress)
			return
		}
		done(status, addr)
	})
}

func (c *Controller) AddToResolvingList(entry radio.ResolvingEntry) bt.Status {
	status := c.call(Command{Name: "AddToResolvingList", Address: entry.Identity.Addr.String()})
	if status.OK() {
		c.mu.Lock()
		c.resolved[entry.Identity] = entry
		c.mu.Unlock()
	}
	return status
}

func (c *Controller) RemoveFromResolvingList(identity bt.PeerKey) bt.Status {
	status := c.call(Command{Name: "RemoveFromResolvingList", Address: identity.Addr.String()})
	if status.OK() {
		c.mu.Lock()
		delete(c.resolved, identity)
		c.mu.Unlock()
	}
	return status
}

// Legacy advertising

func (c *Controller) RegisterAdvCallbacks(h radio.AdvHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advHandler = h
}

func (c *Controller) DeregisterAdvCallbacks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.advHandler = nil
}

func (c *Controller) SetAdvParams(p radio.AdvParams, done radio.Done) {
	c.run(Command{Name: "SetAdvParams", Opcode: bt.OpSetAdvParams,
		Detail: fmt.Sprintf("type=%s interval=%d-%d", p.Type, p.IntervalMin, p.IntervalMax)}, done)
}

func (c *Controller) ReadAdvTxPower(done func(bt.Status, int8)) {
	status, held := c.issue(Command{Name: "ReadAdvTxPower", Opcode: bt.OpReadAdvTxPower})
	tx := c.opts.TxPower
	c.complete(held, func() { done(status, tx) })
}

func (c *Controller) SetAdvData(data []byte, done radio.Done) {
	c.run(Command{Name: "SetAdvData", Opcode: bt.OpSetAdvData, Length: len(data), Data: clone(data)}, done)
}

func (c *Controller) SetScanRspData(data []byte, done radio.Done) {
	c.run(Command{Name: "SetScanRspData", Opcode: bt.OpSetScanRspData, Length: len(data), Data: clone(data)}, done)
}

func (c *Controller) SetAdvEnable(enable bool, done radio.Done) {
	c.run(Command{Name: "SetAdvEnable", Opcode: bt.OpSetAdvEnable, Enable: boolPtr(enable)}, done)
}

// Extended advertising

func (c *Controller) RegisterExtAdvCallbacks(h radio.AdvHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extAdvHandler = h
}

func (c *Controller) DeregisterExtAdvCallbacks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extAdvHandler = nil
}

func (c *Controller) SetExtAdvParams(p radio.AdvParams, done func(bt.Status, int8)) {
	status, held := c.issue(Command{Name: "SetExtAdvParams", Opcode: bt.OpSetExtAdvParams, Handle: handlePtr(p.Handle),
		Detail: fmt.Sprintf("legacy=%t connectable=%t phy=%s/%s", p.Legacy, p.Connectable, p.PrimaryPHY, p.SecondaryPHY)})
	tx := p.TxPower
	if tx > c.opts.TxPower {
		tx = c.opts.TxPower
	}
	c.complete(held, func() { done(status, tx) })
}

func (c *Controller) SetExtAdvData(handle uint8, op radio.FragmentOp, data []byte, done radio.Done) {
	c.run(Command{Name: "SetExtAdvData", Opcode: bt.OpSetExtAdvData, Handle: handlePtr(handle),
		Fragment: op.String(), Length: len(data), Data: clone(data)}, done)
}

func (c *Controller) SetExtScanRspData(handle uint8, op radio.FragmentOp, data []byte, done radio.Done) {
	c.run(Command{Name: "SetExtScanRspData", Opcode: bt.OpSetExtScanRspData, Handle: handlePtr(handle),
		Fragment: op.String(), Length: len(data), Data: clone(data)}, done)
}

func (c *Controller) SetExtAdvRandomAddr(handle uint8, addr bt.Address, done radio.Done) {
	c.run(Command{Name: "SetExtAdvRandomAddr", Opcode: bt.OpSetExtAdvRandomAddr, Handle: handlePtr(handle),
		Address: addr.String()}, done)
}

func (c *Controller) SetExtAdvEnable(enable bool, handles []uint8, done radio.Done) {
	cmd := Command{Name: "SetExtAdvEnable", Opcode: bt.OpSetExtAdvEnable, Enable: boolPtr(enable), Detail: fmt.Sprintf("sets=%v", handles)}
	if len(handles) == 1 {
		cmd.Handle = handlePtr(handles[0])
	}
	c.run(cmd, done)
}

func (c *Controller) RemoveAdvSet(handle uint8, done radio.Done) {
	c.run(Command{Name: "RemoveAdvSet", Opcode: bt.OpRemoveAdvSet, Handle: handlePtr(handle)}, done)
}

func (c *Controller) ClearAdvSets(done radio.Done) {
	c.run(Command{Name: "ClearAdvSets", Opcode: bt.OpClearAdvSets}, done)
}

// Scanning

func (c *Controller) RegisterScanCallbacks(h radio.ScanHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanHandler = h
}

func (c *Controller) DeregisterScanCallbacks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scanHandler = nil
}

func (c *Controller) RegisterExtScanCallbacks(h radio.ScanHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extScan = h
}

func (c *Controller) DeregisterExtScanCallbacks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.extScan = nil
}

func (c *Controller) SetScanParams(p radio.ScanParams, done radio.Done) {
	c.run(Command{Name: "SetScanParams", Opcode: bt.OpSetScanParams,
		Detail: fmt.Sprintf("interval=%d window=%d active=%t", p.Interval, p.Window, p.Active)}, done)
}

func (c *Controller) SetScanEnable(enable, filterDuplicates bool, done radio.Done) {
	c.run(Command{Name: "SetScanEnable", Opcode: bt.OpSetScanEnable, Enable: boolPtr(enable)}, done)
}

func (c *Controller) SetExtScanParams(p []radio.ScanParams, done radio.Done) {
	phys := make([]string, 0, len(p))
	for _, sp := range p {
		phys = append(phys, fmt.Sprintf("%s:%d/%d", sp.PHY, sp.Interval, sp.Window))
	}
	c.run(Command{Name: "SetExtScanParams", Opcode: bt.OpSetExtScanParams, Detail: fmt.Sprintf("%v", phys)}, done)
}

func (c *Controller) SetExtScanEnable(enable, filterDuplicates bool, done radio.Done) {
	c.run(Command{Name: "SetExtScanEnable", Opcode: bt.OpSetExtScanEnable, Enable: boolPtr(enable)}, done)
}

// Link

func (c *Controller) RegisterACLCallbacks(h radio.ACLHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aclHandler = h
}

func (c *Controller) DeregisterACLCallbacks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aclHandler = nil
}

func (c *Controller) Disconnect(peer bt.PeerKey) bt.Status {
	status := c.call(Command{Name: "Disconnect", Address: peer.Addr.String()})
	if status.OK() {
		c.deliver(func() {
			if h := c.acl(); h != nil {
				h.OnDisconnect(radio.DisconnectEvent{Status: bt.StatusSuccess, Peer: peer, Reason: 0x16})
			}
		})
	}
	return status
}

func (c *Controller) ReadRemoteRSSI(peer bt.PeerKey, done func(bt.Status, int8)) {
	status, held := c.issue(Command{Name: "ReadRemoteRSSI", Address: peer.Addr.String()})
	rssi := c.opts.PeerRSSI
	c.complete(held, func() { done(status, rssi) })
}

func (c *Controller) ReadRemoteName(peer bt.PeerKey, done func(bt.Status, string)) {
	status, held := c.issue(Command{Name: "ReadRemoteName", Address: peer.Addr.String()})
	name, ok := c.opts.PeerNames[peer.Addr.String()]
	if status.OK() && !ok {
		status = bt.StatusFailed
	}
	c.complete(held, func() { done(status, name) })
}

// Filter engine

func (c *Controller) MaxFilterNumber() int {
	if c.opts.NoFilterEngine {
		return 0
	}
	return c.opts.MaxFilters
}

func (c *Controller) AddScanFilter(p radio.FilterParam, done radio.Done) {
	c.run(Command{Name: "AddScanFilter", Detail: fmt.Sprintf("index=%d features=0x%04X", p.Index, p.Features)}, done)
}

func (c *Controller) DeleteScanFilter(p radio.FilterParam, done radio.Done) {
	c.run(Command{Name: "DeleteScanFilter", Detail: fmt.Sprintf("index=%d", p.Index)}, done)
}

func (c *Controller) StartScanFilter(done radio.Done) {
	c.run(Command{Name: "StartScanFilter"}, done)
}

func (c *Controller) StopScanFilter(done radio.Done) {
	c.run(Command{Name: "StopScanFilter"}, done)
}

// Event injection

func (c *Controller) adv() (radio.AdvHandler, radio.AdvHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.advHandler, c.extAdvHandler
}

func (c *Controller) scan() (radio.ScanHandler, radio.ScanHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scanHandler, c.extScan
}

func (c *Controller) security() radio.SecurityHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secHandler
}

func (c *Controller) acl() radio.ACLHandler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aclHandler
}

// InjectAdvReport delivers a legacy report to the legacy, or else extended, scan handler.
func (c *Controller) InjectAdvReport(r radio.LegacyReport) {
	r.Data = clone(r.Data)
	c.deliver(func() {
		if h, _ := c.scan(); h != nil {
			h.OnAdvReport(r)
		}
	})
}

// InjectExtAdvReport delivers an extended report.
func (c *Controller) InjectExtAdvReport(r radio.ExtReport) {
	r.Data = clone(r.Data)
	c.deliver(func() {
		if _, h := c.scan(); h != nil {
			h.OnExtAdvReport(r)
		}
	})
}

// InjectAdvSetTerminated reports a connection created from an advertising set.
func (c *Controller) InjectAdvSetTerminated(handle uint8, connHandle uint16) {
	c.deliver(func() {
		legacy, ext := c.adv()
		if ext != nil {
			ext.OnAdvSetTerminated(handle, bt.StatusSuccess, connHandle)
			return
		}
		if legacy != nil {
			legacy.OnAdvSetTerminated(handle, bt.StatusSuccess, connHandle)
		}
	})
}

// InjectConnect reports an established LE link.
func (c *Controller) InjectConnect(ev radio.ConnEvent) {
	c.deliver(func() {
		if h := c.acl(); h != nil {
			h.OnLeConnect(ev)
		}
	})
}

// InjectPairingEvent delivers a raw SMP event.
func (c *Controller) InjectPairingEvent(ev radio.PairingEvent) {
	c.deliver(func() {
		if h := c.security(); h != nil {
			h.OnPairingEvent(ev)
		}
	})
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

// HexData renders a journaled payload for logs and CLI output.
func HexData(c Command) string {
	return hex.EncodeToString(c.Data)
}
