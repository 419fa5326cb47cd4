package main

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/srg/blehost/internal/bt"
	"github.com/srg/blehost/internal/radio"
	"github.com/srg/blehost/internal/radio/simradio"
	"github.com/srg/blehost/internal/store"
	"github.com/srg/blehost/pkg/config"
	"github.com/srg/blehost/security"
)

var pairCmd = &cobra.Command{
	Use:   "pair <address>",
	Short: "Pair with a device and persist the bond",
	Long: `Open a simulated link to the device, run pairing and persist the resulting
bond. Confirmation prompts are answered from flags:

  blehost pair AA:BB:CC:DD:EE:01
  blehost pair AA:BB:CC:DD:EE:01 --sim-method passkey-entry --passkey 123456
  blehost pair AA:BB:CC:DD:EE:01 --sim-method numeric-comparison --reject`,
	Args: cobra.ExactArgs(1),
	RunE: runPair,
}

var bondsCmd = &cobra.Command{
	Use:   "bonds",
	Short: "List persisted bonds",
	Args:  cobra.NoArgs,
	RunE:  runBonds,
}

var unpairCmd = &cobra.Command{
	Use:   "unpair [address]",
	Short: "Remove a bond, or every bond with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runUnpair,
}

var (
	pairMethod  string
	pairPasskey uint32
	pairReject  bool
	unpairAll   bool
)

var pairMethods = map[string]radio.PairMethod{
	"just-works":         radio.MethodJustWorks,
	"passkey-entry":      radio.MethodPasskeyEntry,
	"passkey-display":    radio.MethodPasskeyDisplay,
	"numeric-comparison": radio.MethodNumericComparison,
}

func init() {
	pairCmd.Flags().StringVar(&pairMethod, "sim-method", "just-works", "Association model chosen by the simulated peer")
	pairCmd.Flags().Uint32Var(&pairPasskey, "passkey", 0, "Passkey to enter when asked")
	pairCmd.Flags().BoolVar(&pairReject, "reject", false, "Reject confirmation prompts")
	unpairCmd.Flags().BoolVar(&unpairAll, "all", false, "Remove every bond")
}

// pairUpdate is either a confirmation prompt or a pair state change.
type pairUpdate struct {
	peer    bt.PeerKey
	confirm bool
	kind    security.ConfirmKind
	number  uint32
	state   bt.PairState
}

// pairWatcher forwards security callbacks to the command goroutine.
type pairWatcher struct {
	security.NopObserver
	updates chan pairUpdate
}

func (w *pairWatcher) OnPairConfirm(peer bt.PeerKey, kind security.ConfirmKind, number uint32) {
	w.updates <- pairUpdate{peer: peer, confirm: true, kind: kind, number: number}
}

func (w *pairWatcher) OnPairStatusChanged(peer bt.PeerKey, state bt.PairState) {
	w.updates <- pairUpdate{peer: peer, state: state}
}

func runPair(cmd *cobra.Command, args []string) error {
	addr, err := bt.ParseAddress(args[0])
	if err != nil {
		return err
	}
	method, ok := pairMethods[strings.ToLower(pairMethod)]
	if !ok {
		return fmt.Errorf("invalid --sim-method %q (must be just-works, passkey-entry, passkey-display, or numeric-comparison)", pairMethod)
	}

	ctx, cancel := signalContext(cmd.OutOrStdout())
	defer cancel()

	h, err := openHost(ctx, cmd, func(o *simradio.Options) { o.PairMethod = method })
	if err != nil {
		return err
	}
	if err := pair(ctx, h, peerKeyFor(addr)); err != nil {
		_ = h.close()
		return err
	}
	return h.close()
}

func pair(ctx context.Context, h *host, peer bt.PeerKey) error {
	sec := h.adapter.Security()
	w := &pairWatcher{updates: make(chan pairUpdate, 16)}
	id := sec.RegisterObserver(w)
	defer sec.DeregisterObserver(id)

	h.radio.InjectConnect(radio.ConnEvent{Status: bt.StatusSuccess, Peer: peer, ConnHandle: 0x40, Role: radio.RoleCentral})
	h.settle(ctx)

	if err := sec.StartPair(ctx, peer.Addr); err != nil {
		return err
	}
	h.out.plain("Pairing with %s...", peer)

	for {
		select {
		case <-ctx.Done():
			_ = sec.CancelPairing(context.Background(), peer.Addr)
			return ctx.Err()
		case u := <-w.updates:
			if u.confirm {
				if err := answer(ctx, h, sec, u); err != nil {
					return err
				}
				continue
			}
			switch u.state {
			case bt.PairPaired:
				h.settle(ctx)
				h.flushJournal()
				h.out.success("Paired with %s", peer)
				return nil
			case bt.PairNone:
				h.settle(ctx)
				h.flushJournal()
				return fmt.Errorf("%w: %s", ErrPairingFailed, peer)
			}
		}
	}
}

func answer(ctx context.Context, h *host, sec *security.Security, u pairUpdate) error {
	addr := u.peer.Addr
	switch u.kind {
	case security.ConfirmPasskeyEntry:
		h.out.plain("Entering passkey %06d", pairPasskey)
		return sec.SetDevicePasskey(ctx, addr, pairPasskey, !pairReject)
	case security.ConfirmPasskeyDisplay:
		h.out.field("Passkey", fmt.Sprintf("%06d", u.number))
		return nil
	case security.ConfirmNumericComparison:
		h.out.field("Compare value", fmt.Sprintf("%06d", u.number))
		return sec.SetUserConfirm(ctx, addr, !pairReject)
	default:
		h.out.warning("Unsupported confirmation %s; rejecting", u.kind)
		return sec.SetOOBData(ctx, addr, false, security.OOBData{})
	}
}

func runBonds(cmd *cobra.Command, _ []string) error {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	if storePath, _ := cmd.Flags().GetString("store"); storePath != "" {
		cfg.StorePath = storePath
	}
	logger, err := configureLogger(cmd, cfg, "verbose")
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	st := store.NewFileStore(cfg.StorePath)
	if err := st.Load(); err != nil {
		return err
	}
	noColor, _ := cmd.Flags().GetBool("no-color")
	out := newPrinter(cmd.OutOrStdout(), noColor)

	peers := store.NewBleConfig(st, logger).Peers()
	if len(peers) == 0 {
		out.warning("No bonds")
		return nil
	}
	tw := tabwriter.NewWriter(out.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tTYPE\tNAME\tIDENTITY\tKEYS")
	for _, p := range peers {
		name := p.Alias
		if name == "" {
			name = p.Name
		}
		if name == "" {
			name = "-"
		}
		identity := "-"
		if p.HasIdentity() {
			identity = p.Identity.String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", p.Key.Addr, p.Key.Type, name, identity, keySummary(p))
	}
	return tw.Flush()
}

func keySummary(p store.PeerRecord) string {
	var keys []string
	if p.LocalLTK != nil || p.RemoteLTK != nil {
		keys = append(keys, "ltk")
	}
	if p.IRK != nil {
		keys = append(keys, "irk")
	}
	if p.LocalCSRK != nil || p.RemoteCSRK != nil {
		keys = append(keys, "csrk")
	}
	if len(keys) == 0 {
		return "-"
	}
	return strings.Join(keys, ",")
}

func runUnpair(cmd *cobra.Command, args []string) error {
	if unpairAll == (len(args) == 1) {
		return fmt.Errorf("give either an address or --all")
	}
	var addr bt.Address
	if !unpairAll {
		var err error
		if addr, err = bt.ParseAddress(args[0]); err != nil {
			return err
		}
	}

	ctx, cancel := signalContext(cmd.OutOrStdout())
	defer cancel()

	h, err := openHost(ctx, cmd)
	if err != nil {
		return err
	}

	sec := h.adapter.Security()
	if unpairAll {
		err = sec.RemoveAllPairs(ctx)
	} else {
		err = sec.RemovePair(ctx, addr)
	}
	h.settle(ctx)
	h.flushJournal()
	if err != nil {
		_ = h.close()
		return err
	}
	if unpairAll {
		h.out.success("Removed every bond")
	} else {
		h.out.success("Removed bond %s", addr)
	}
	return h.close()
}
