package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blehost/internal/advdata"
	"github.com/srg/blehost/internal/bt"
	"github.com/srg/blehost/internal/dispatcher"
	"github.com/srg/blehost/internal/radio"
	"github.com/srg/blehost/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Start a scan session and display the devices found, with advertising data
reassembled across scan responses and extended fragments.

The simulated controller reports only the peers given with --sim-peer:
  blehost scan -d 2s --sim-peer AA:BB:CC:DD:EE:01=thermometer --sim-peer C0:11:22:33:44:55`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration    time.Duration
	scanFormat      string
	scanMode        string
	scanPassive     bool
	scanLegacy      bool
	scanReportDelay time.Duration
	scanNoDuplicate bool
	scanSimPeers    []string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringVarP(&scanMode, "mode", "m", "", "Scan mode preset (default from config)")
	scanCmd.Flags().BoolVar(&scanPassive, "passive", false, "Passive scan, no scan requests")
	scanCmd.Flags().BoolVar(&scanLegacy, "legacy", false, "Only report legacy advertising PDUs")
	scanCmd.Flags().DurationVar(&scanReportDelay, "report-delay", 0, "Batch results and deliver them after this delay")
	scanCmd.Flags().BoolVar(&scanNoDuplicate, "no-duplicates", true, "Filter duplicate advertisements")
	scanCmd.Flags().StringSliceVar(&scanSimPeers, "sim-peer", nil, "Simulated advertiser as ADDRESS[=name]")
}

const simPeerRSSI = -60

// simPeer is one advertiser injected into the simulated controller.
type simPeer struct {
	key  bt.PeerKey
	name string
}

func parseSimPeers(args []string) ([]simPeer, error) {
	peers := make([]simPeer, 0, len(args))
	for _, arg := range args {
		addrStr, name, _ := strings.Cut(arg, "=")
		addr, err := bt.ParseAddress(addrStr)
		if err != nil {
			return nil, fmt.Errorf("invalid --sim-peer %q: %w", arg, err)
		}
		peers = append(peers, simPeer{key: peerKeyFor(addr), name: name})
	}
	return peers, nil
}

// peerKeyFor guesses the address type: the two top bits set read as static random.
func peerKeyFor(addr bt.Address) bt.PeerKey {
	if addr.IsStaticRandom() {
		return bt.PeerKey{Type: bt.AddrRandom, Addr: addr}
	}
	return bt.PeerKey{Type: bt.AddrPublic, Addr: addr}
}

// scanWatcher forwards scanner callbacks to the command goroutine.
type scanWatcher struct {
	scanner.NopObserver
	started *dispatcher.Oneshot[error]
	batch   chan []scanner.Result
}

func (w *scanWatcher) OnStartOrStopScan(err error, start bool) {
	if start {
		w.started.Complete(err)
	}
}

func (w *scanWatcher) OnBatchScanResults(rs []scanner.Result) {
	select {
	case w.batch <- rs:
	default:
	}
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}
	peers, err := parseSimPeers(scanSimPeers)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext(cmd.OutOrStdout())
	defer cancel()

	h, err := openHost(ctx, cmd)
	if err != nil {
		return err
	}

	modeName := scanMode
	if modeName == "" {
		modeName = h.cfg.ScanMode
	}
	mode, err := scanner.ParseMode(modeName)
	if err != nil {
		_ = h.close()
		return err
	}
	settings := scanner.Settings{
		Mode:             mode,
		ReportDelay:      scanReportDelay,
		Legacy:           scanLegacy,
		PHY:              scanner.ScanPHY1M,
		Passive:          scanPassive,
		FilterDuplicates: scanNoDuplicate,
	}

	results, err := scan(ctx, h, settings, peers)
	if err != nil {
		_ = h.close()
		return err
	}
	if err := h.close(); err != nil {
		return err
	}

	if scanFormat == "json" {
		return displayResultsJSON(cmd.OutOrStdout(), results)
	}
	displayResultsTable(h.out, results)
	return nil
}

func scan(ctx context.Context, h *host, settings scanner.Settings, peers []simPeer) ([]scanner.Result, error) {
	sc := h.adapter.Scanner()
	w := &scanWatcher{started: dispatcher.NewOneshot[error](), batch: make(chan []scanner.Result, 1)}
	id := sc.RegisterObserver(w)
	defer sc.DeregisterObserver(id)

	if err := sc.StartScanWithSettings(ctx, settings); err != nil {
		return nil, err
	}
	startErr, err := w.started.Wait(ctx, h.cfg.WaitTimeout)
	if err == nil {
		err = startErr
	}
	h.settle(ctx)
	h.flushJournal()
	if err != nil {
		return nil, fmt.Errorf("failed to start scan: %w", err)
	}
	h.out.success("Scanning (%s, %s)...", settings.Mode, settings.Cadence())

	for _, p := range peers {
		injectPeer(h, p, settings)
	}

	var waitErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		waitErr = waitFor(ctx, scanDuration)
	}()

	var batched []scanner.Result
	for running := true; running; {
		select {
		case ev := <-sc.Events():
			if ev.Type == scanner.EventNew {
				h.out.plain("  + %s %q rssi=%d", ev.Result.Key, ev.Result.Name, ev.Result.RSSI)
			}
		case rs := <-w.batch:
			batched = rs
		case <-done:
			running = false
		}
	}

	stopCtx := context.Background()
	if err := sc.StopScan(stopCtx); err != nil && bt.CodeOf(err) != bt.CodeNotStarted {
		return nil, err
	}
	h.settle(stopCtx)
	h.flushJournal()

	results, err := sc.Results(stopCtx)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 && len(batched) > 0 {
		results = batched
	}
	return results, waitErr
}

// injectPeer makes p advertise once: a connectable extended report, an
// ADV_NONCONN_IND in an extended report for legacy-only scans, or ADV_IND
// plus an empty SCAN_RSP on a legacy controller.
func injectPeer(h *host, p simPeer, settings scanner.Settings) {
	data := advdata.Packet(nil).AppendFlags(advdata.FlagGeneralDiscoverable | advdata.FlagLEOnly)
	if p.name != "" {
		data = data.AppendCompleteName(p.name)
	}
	if !h.radio.Features().ExtendedAdvertising {
		h.radio.InjectAdvReport(radio.LegacyReport{EventType: radio.AdvInd, Peer: p.key, RSSI: simPeerRSSI, Data: data})
		if !settings.Passive {
			h.radio.InjectAdvReport(radio.LegacyReport{EventType: radio.ScanRsp, Peer: p.key, RSSI: simPeerRSSI})
		}
		return
	}
	evt := radio.ExtEvtConnectable
	if settings.Legacy {
		evt = radio.ExtEvtLegacy
	}
	h.radio.InjectExtAdvReport(radio.ExtReport{
		EventType:  evt,
		Peer:       p.key,
		RSSI:       simPeerRSSI,
		PrimaryPHY: bt.PHY1M,
		Data:       data,
	})
}

func displayResultsTable(p *printer, results []scanner.Result) {
	if len(results) == 0 {
		p.warning("No devices found")
		return
	}
	p.success("Found %d device(s):", len(results))
	tw := tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tTYPE\tNAME\tRSSI\tCONNECTABLE\tPHY")
	for _, r := range results {
		name := r.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%s\n", r.Key.Addr, r.Key.Type, name, r.RSSI, r.Connectable, r.PrimaryPHY)
	}
	_ = tw.Flush()
}

func displayResultsJSON(w io.Writer, results []scanner.Result) error {
	if results == nil {
		results = []scanner.Result{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}
