package advertiser

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blehost/internal/bt"
	"github.com/srg/blehost/internal/radio"
)

// startExtended runs params → data or scan response fragments → [RPA →
// random address] → enable. A failure before the enable acknowledgement
// releases the handle.
func (a *Advertiser) startExtended(set *advSet) {
	if !a.extReg {
		a.radio.RegisterExtAdvCallbacks(a)
		a.extReg = true
	}

	params := a.advParams(set)
	a.radio.SetExtAdvParams(params, func(status bt.Status, tx int8) {
		_ = a.d.Post(func() {
			if !a.live(set, "ext_params") {
				return
			}
			if !status.OK() {
				a.fail(set, bt.OpSetExtAdvParams, status)
				return
			}
			set.txPower = tx

			if params.Scannable && !params.Legacy {
				a.extScanRsp(set)
				return
			}
			a.extAdvData(set)
		})
	})
}

func (a *Advertiser) extAdvData(set *advSet) {
	limit := a.maxDataLength(set.settings)
	data := composeAdvData(set.advData, a.identity.LocalName(), set.txPower, limit)

	a.sendFragments(set, bt.OpSetExtAdvData, Fragments(data, FragmentSize), a.radio.SetExtAdvData, func() {
		if set.settings.Legacy {
			a.extScanRsp(set)
			return
		}
		a.extAddress(set)
	})
}

func (a *Advertiser) extScanRsp(set *advSet) {
	limit := a.maxDataLength(set.settings)
	name := a.identity.LocalName()
	if set.settings.Connectable && !set.settings.Legacy {
		name = ""
	}
	rsp := composeScanRsp(set.scanRsp, name, limit)

	a.sendFragments(set, bt.OpSetExtScanRspData, Fragments(rsp, FragmentSize), a.radio.SetExtScanRspData, func() {
		a.extAddress(set)
	})
}

type fragmentWriter func(handle uint8, op radio.FragmentOp, data []byte, done radio.Done)

// sendFragments writes frags one at a time; each write is issued after the
// previous one is acknowledged and next runs after the last.
func (a *Advertiser) sendFragments(set *advSet, op bt.Opcode, frags []Fragment, write fragmentWriter, next func()) {
	var send func(i int)
	send = func(i int) {
		f := frags[i]
		a.logger.WithFields(logrus.Fields{
			"handle":   set.handle,
			"opcode":   op,
			"fragment": f.Op,
			"len":      len(f.Data),
		}).Trace("Writing advertising fragment")

		write(set.handle.ID, f.Op, f.Data, a.post(func(status bt.Status) {
			if !a.live(set, op.String()) {
				return
			}
			if !status.OK() {
				a.fail(set, op, status)
				return
			}
			if i+1 < len(frags) {
				send(i + 1)
				return
			}
			next()
		}))
	}
	send(0)
}

// extAddress assigns a fresh resolvable private address to the set when the
// host runs with an RPA policy.
func (a *Advertiser) extAddress(set *advSet) {
	if a.identity.AddressPolicy() != bt.AddressRPA {
		a.extEnable(set)
		return
	}

	a.radio.GenerateRPA(a.identity.LocalIRK(), func(status bt.Status, addr bt.Address) {
		_ = a.d.Post(func() {
			if !a.live(set, "generate_rpa") {
				return
			}
			if !status.OK() {
				a.fail(set, bt.OpGenerateRPA, status)
				return
			}
			a.radio.SetExtAdvRandomAddr(set.handle.ID, addr, a.post(func(status bt.Status) {
				if !a.live(set, "random_addr") {
					return
				}
				if !status.OK() {
					a.fail(set, bt.OpSetExtAdvRandomAddr, status)
					return
				}
				set.address = addr
				a.extEnable(set)
			}))
		})
	})
}

func (a *Advertiser) extEnable(set *advSet) {
	a.radio.SetExtAdvEnable(true, []uint8{set.handle.ID}, a.post(func(status bt.Status) {
		if !a.live(set, "ext_enable") {
			return
		}
		if !status.OK() {
			a.fail(set, bt.OpSetExtAdvEnable, status)
			return
		}
		a.onStarted(set)
	}))
}
