package scanner

import (
	"fmt"
	"strings"
)

// Mode is a scan duty-cycle preset.
type Mode uint8

const (
	ModeLowPower Mode = iota
	ModeBalanced
	ModeLowLatency
	ModeP2_60_3000
	ModeP10_60_600
	ModeP25_60_240
	ModeP100_1000_1000
)

// window is a scan interval/window pair in milliseconds.
type window struct {
	intervalMs uint32
	windowMs   uint32
}

type modeTiming struct {
	name       string
	firstMatch window
	batch      window
}

// Batched cadences trade latency for wider windows; every value stays within
// the 10.24 s controller limit.
var modeTable = map[Mode]modeTiming{
	ModeLowPower:       {"low-power", window{5120, 512}, window{5120, 1024}},
	ModeBalanced:       {"balanced", window{4096, 1024}, window{4096, 2048}},
	ModeLowLatency:     {"low-latency", window{4096, 4096}, window{4096, 4096}},
	ModeP2_60_3000:     {"p2-60-3000", window{3000, 60}, window{3000, 120}},
	ModeP10_60_600:     {"p10-60-600", window{600, 60}, window{600, 120}},
	ModeP25_60_240:     {"p25-60-240", window{240, 60}, window{240, 120}},
	ModeP100_1000_1000: {"p100-1000-1000", window{1000, 1000}, window{1000, 1000}},
}

func (m Mode) String() string {
	if t, ok := modeTable[m]; ok {
		return t.name
	}
	return fmt.Sprintf("scan-mode(%d)", uint8(m))
}

// ParseMode accepts the preset names printed by Mode.String.
func ParseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for m, t := range modeTable {
		if t.name == s {
			return m, nil
		}
	}
	return ModeLowPower, fmt.Errorf("invalid scan mode: %s", s)
}

// Timing returns interval and window in 0.625 ms units for the mode and
// cadence. Unknown modes fall back to low power.
func (m Mode) Timing(c Cadence) (interval, win uint16) {
	t, ok := modeTable[m]
	if !ok {
		t = modeTable[ModeLowPower]
	}
	w := t.firstMatch
	if c == CadenceAllMatches {
		w = t.batch
	}
	return msToUnits(w.intervalMs), msToUnits(w.windowMs)
}

func msToUnits(ms uint32) uint16 {
	return uint16(ms * 8 / 5)
}

// Cadence selects how results are delivered.
type Cadence uint8

const (
	// CadenceFirstMatch reports every accepted result immediately.
	CadenceFirstMatch Cadence = iota
	// CadenceAllMatches buffers results until the report delay expires or
	// the session stops.
	CadenceAllMatches
)

func (c Cadence) String() string {
	if c == CadenceAllMatches {
		return "all-matches"
	}
	return "first-match"
}

// ScanPHY selects the PHYs scanned by an extended-capable controller.
type ScanPHY uint8

const (
	ScanPHY1M ScanPHY = iota
	ScanPHYCoded
	ScanPHYAll
)

func (p ScanPHY) String() string {
	switch p {
	case ScanPHYCoded:
		return "coded"
	case ScanPHYAll:
		return "all"
	default:
		return "1m"
	}
}
