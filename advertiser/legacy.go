package advertiser

import (
	"github.com/srg/blehost/internal/advdata"
	"github.com/srg/blehost/internal/bt"
	"github.com/srg/blehost/internal/radio"
)

// startLegacy runs params → tx power → data → scan response → enable on
// the controller's single legacy set.
func (a *Advertiser) startLegacy(set *advSet) {
	if !a.legacyReg {
		a.radio.RegisterAdvCallbacks(a)
		a.legacyReg = true
	}

	a.radio.SetAdvParams(a.advParams(set), a.post(func(status bt.Status) {
		if !a.live(set, "params") {
			return
		}
		if !status.OK() {
			a.fail(set, bt.OpSetAdvParams, status)
			return
		}
		a.legacyTxPower(set)
	}))
}

func (a *Advertiser) legacyTxPower(set *advSet) {
	a.radio.ReadAdvTxPower(func(status bt.Status, tx int8) {
		_ = a.d.Post(func() {
			if !a.live(set, "tx_power") {
				return
			}
			if !status.OK() {
				a.fail(set, bt.OpReadAdvTxPower, status)
				return
			}
			set.txPower = tx
			a.legacyData(set)
		})
	})
}

func (a *Advertiser) legacyData(set *advSet) {
	data := composeAdvData(set.advData, a.identity.LocalName(), set.txPower, advdata.MaxLegacyLength)
	a.radio.SetAdvData(data, a.post(func(status bt.Status) {
		if !a.live(set, "adv_data") {
			return
		}
		if !status.OK() {
			a.fail(set, bt.OpSetAdvData, status)
			return
		}
		a.legacyScanRsp(set)
	}))
}

func (a *Advertiser) legacyScanRsp(set *advSet) {
	rsp := composeScanRsp(set.scanRsp, a.identity.LocalName(), advdata.MaxLegacyLength)
	a.radio.SetScanRspData(rsp, a.post(func(status bt.Status) {
		if !a.live(set, "scan_rsp") {
			return
		}
		if !status.OK() {
			a.fail(set, bt.OpSetScanRspData, status)
			return
		}
		a.legacyEnable(set)
	}))
}

func (a *Advertiser) legacyEnable(set *advSet) {
	a.radio.SetAdvEnable(true, a.post(func(status bt.Status) {
		if !a.live(set, "enable") {
			return
		}
		if !status.OK() {
			a.fail(set, bt.OpSetAdvEnable, status)
			return
		}
		a.onStarted(set)
	}))
}

func (a *Advertiser) advParams(set *advSet) radio.AdvParams {
	s := set.settings
	p := radio.AdvParams{
		Handle:       set.handle.ID,
		IntervalMin:  s.IntervalMin,
		IntervalMax:  s.IntervalMax,
		Connectable:  s.Connectable,
		Scannable:    !s.Connectable && len(set.scanRsp) > 0,
		Legacy:       s.Legacy || !a.extended,
		OwnAddrType:  a.identity.AddressPolicy().OwnAddrType(),
		ChannelMap:   0x07,
		TxPower:      s.TxPower,
		PrimaryPHY:   s.PrimaryPHY,
		SecondaryPHY: s.SecondaryPHY,
	}
	switch {
	case s.Connectable:
		p.Type = radio.AdvInd
	case p.Scannable:
		p.Type = radio.AdvScanInd
	default:
		p.Type = radio.AdvNonconnInd
	}
	if p.Legacy {
		p.PrimaryPHY, p.SecondaryPHY = bt.PHY1M, bt.PHY1M
	}
	return p
}
