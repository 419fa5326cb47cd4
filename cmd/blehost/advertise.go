package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	blelib "github.com/go-ble/ble"
	"github.com/spf13/cobra"
	"github.com/srg/blehost/advertiser"
	"github.com/srg/blehost/internal/advdata"
	"github.com/srg/blehost/internal/dispatcher"
)

var advertiseCmd = &cobra.Command{
	Use:   "advertise",
	Short: "Start an advertising set",
	Long: `Allocate an advertising set, start it with the given payload and keep it
running for --duration (or until Ctrl+C). The local name and tx power are
appended to the payload when they fit.

Examples:
  blehost advertise --service 180F --manufacturer 004C:0215 -d 5s
  blehost advertise --extended --data 0201060303aafe --show-hci`,
	Args: cobra.NoArgs,
	RunE: runAdvertise,
}

var (
	advDuration       time.Duration
	advExtended       bool
	advNonConnectable bool
	advData           string
	advScanRsp        string
	advServices       []string
	advManufacturer   string
	advTxPower        int8
)

func init() {
	advertiseCmd.Flags().DurationVarP(&advDuration, "duration", "d", 10*time.Second, "Advertising duration (0 for indefinite)")
	advertiseCmd.Flags().BoolVar(&advExtended, "extended", false, "Use an extended advertising set")
	advertiseCmd.Flags().BoolVar(&advNonConnectable, "non-connectable", false, "Advertise as non-connectable")
	advertiseCmd.Flags().StringVar(&advData, "data", "", "Raw advertising payload as hex")
	advertiseCmd.Flags().StringVar(&advScanRsp, "scan-response", "", "Raw scan response payload as hex")
	advertiseCmd.Flags().StringSliceVarP(&advServices, "service", "s", nil, "Service UUIDs to advertise")
	advertiseCmd.Flags().StringVar(&advManufacturer, "manufacturer", "", "Manufacturer data as <company-id hex>:<data hex>")
	advertiseCmd.Flags().Int8Var(&advTxPower, "tx-power", -7, "Requested tx power in dBm")
}

// advWatcher forwards advertiser callbacks to the command goroutine.
type advWatcher struct {
	advertiser.NopObserver
	started *dispatcher.Oneshot[error]
	stopped *dispatcher.Oneshot[error]
}

func (w *advWatcher) OnStartResult(_ advertiser.Handle, err error) { w.started.Complete(err) }
func (w *advWatcher) OnStopResult(_ advertiser.Handle, err error)  { w.stopped.Complete(err) }

func runAdvertise(cmd *cobra.Command, _ []string) error {
	payload, err := buildAdvPayload()
	if err != nil {
		return err
	}
	scanRsp, err := decodeHex("scan-response", advScanRsp)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.OutOrStdout())
	defer cancel()

	h, err := openHost(ctx, cmd)
	if err != nil {
		return err
	}
	if err := advertise(ctx, h, payload, scanRsp); err != nil {
		_ = h.close()
		return err
	}
	return h.close()
}

func advertise(ctx context.Context, h *host, payload, scanRsp []byte) error {
	adv := h.adapter.Advertiser()
	w := &advWatcher{started: dispatcher.NewOneshot[error](), stopped: dispatcher.NewOneshot[error]()}
	id := adv.RegisterObserver(w)
	defer adv.DeregisterObserver(id)

	handle, err := adv.CreateAdvertiserSetHandle(ctx)
	if err != nil {
		return err
	}

	settings := advertiser.DefaultSettings()
	settings.Legacy = !advExtended
	settings.Connectable = !advNonConnectable
	settings.TxPower = advTxPower

	if err := adv.StartAdvertising(ctx, handle, settings, payload, scanRsp); err != nil {
		_ = adv.Close(context.Background(), handle)
		return err
	}
	startErr, err := w.started.Wait(ctx, h.cfg.WaitTimeout)
	if err == nil {
		err = startErr
	}
	h.settle(ctx)
	h.flushJournal()
	if err != nil {
		_ = adv.Close(context.Background(), handle)
		return fmt.Errorf("failed to start advertising: %w", err)
	}

	h.out.success("Advertising as %q on set %d (%s)", h.adapter.LocalName(), handle.ID, modeName(settings))
	h.out.field("Payload", hex.EncodeToString(payload))

	waitErr := waitFor(ctx, advDuration)

	stopCtx := context.Background()
	if err := adv.StopAdvertising(stopCtx, handle); err != nil {
		return err
	}
	if stopErr, err := w.stopped.Wait(stopCtx, h.cfg.WaitTimeout); err != nil || stopErr != nil {
		h.out.warning("Advertising stop was not confirmed: %v", firstErr(stopErr, err))
	}
	_ = adv.Close(stopCtx, handle)
	h.settle(stopCtx)
	h.flushJournal()
	h.out.success("Advertising stopped")
	return waitErr
}

func modeName(s advertiser.Settings) string {
	kind := "extended"
	if s.Legacy {
		kind = "legacy"
	}
	if s.Connectable {
		return kind + ", connectable"
	}
	return kind + ", non-connectable"
}

// buildAdvPayload combines --data with the structures built from the other flags.
func buildAdvPayload() ([]byte, error) {
	raw, err := decodeHex("data", advData)
	if err != nil {
		return nil, err
	}
	p := advdata.Packet(raw)
	if len(raw) == 0 {
		p = p.AppendFlags(advdata.FlagGeneralDiscoverable | advdata.FlagLEOnly)
	}

	for _, s := range advServices {
		u, err := blelib.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid service UUID %q: %w", s, err)
		}
		p = p.AppendServiceUUID(u)
	}

	if advManufacturer != "" {
		id, data, ok := strings.Cut(advManufacturer, ":")
		if !ok {
			return nil, fmt.Errorf("invalid manufacturer data %q: expected <company-id>:<data>", advManufacturer)
		}
		company, err := strconv.ParseUint(strings.TrimPrefix(id, "0x"), 16, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid company id %q: %w", id, err)
		}
		b, err := decodeHex("manufacturer", data)
		if err != nil {
			return nil, err
		}
		p = p.AppendManufacturerData(uint16(company), b)
	}
	return p, nil
}

func decodeHex(flag, s string) ([]byte, error) {
	s = strings.ReplaceAll(strings.TrimPrefix(s, "0x"), " ", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s hex: %w", flag, err)
	}
	return b, nil
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
