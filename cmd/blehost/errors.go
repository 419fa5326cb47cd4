package main

import (
	"errors"
	"fmt"

	"github.com/srg/blehost/internal/bt"
)

// Command-level errors
var (
	// ErrPairingFailed reports a pairing that ended in any state but paired.
	ErrPairingFailed = errors.New("pairing failed")
)

var userMessages = map[bt.Code]string{
	bt.CodeInvalidParam:       "invalid parameter",
	bt.CodeDataTooLarge:       "advertising data does not fit the controller limit",
	bt.CodeFeatureUnsupported: "the controller does not support this feature",
	bt.CodeAlreadyStarted:     "already running",
	bt.CodeNotStarted:         "not running",
	bt.CodeTooManyAdvertisers: "no free advertising set",
	bt.CodeFilterTableFull:    "scan filter table is full",
	bt.CodeAlreadyPairing:     "a pairing with this device is already in progress",
	bt.CodeAlreadyPaired:      "device is already paired",
	bt.CodeNotPairing:         "no pairing in progress with this device",
	bt.CodeUnknownDevice:      "unknown device",
	bt.CodeNotEnabled:         "adapter is not enabled",
}

// FormatUserError turns classified adapter errors into a short message while
// keeping the detail of the underlying error.
func FormatUserError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, bt.ErrTimeout) {
		return fmt.Sprintf("operation timed out: %v", err)
	}
	var e *bt.Error
	if errors.As(err, &e) {
		if msg, ok := userMessages[e.Code]; ok {
			if e.Msg != "" {
				return fmt.Sprintf("%s (%s)", msg, e.Msg)
			}
			return msg
		}
	}
	return err.Error()
}
