package advertiser

import (
	"github.com/srg/blehost/internal/advdata"
)

// composeAdvData appends the local name and tx power to a non-empty
// advertising payload when they fit under limit.
func composeAdvData(payload []byte, name string, txPower int8, limit int) []byte {
	p := advdata.Packet(append([]byte(nil), payload...))
	if len(p) == 0 {
		return p
	}
	if name != "" && len(p)+advdata.NameFieldLen(name) <= limit {
		p = p.AppendCompleteName(name)
	}
	if len(p)+advdata.TxPowerFieldLen <= limit {
		p = p.AppendTxPower(txPower)
	}
	return p
}

// composeScanRsp appends the local name to a scan response when it fits.
func composeScanRsp(payload []byte, name string, limit int) []byte {
	p := advdata.Packet(append([]byte(nil), payload...))
	if name != "" && len(p)+advdata.NameFieldLen(name) <= limit {
		p = p.AppendCompleteName(name)
	}
	return p
}
