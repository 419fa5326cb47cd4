package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blehost/adapter"
	"github.com/srg/blehost/internal/dispatcher"
	"github.com/srg/blehost/internal/radio/simradio"
	"github.com/srg/blehost/internal/store"
	"github.com/srg/blehost/pkg/config"
)

// newController builds the radio backend. Tests replace it to inject faults.
var newController = func(opts simradio.Options, logger *logrus.Logger) *simradio.Controller {
	return simradio.New(opts, logger)
}

// legacyController strips the extended advertising feature set.
func legacyController(opts *simradio.Options) {
	opts.Features.ExtendedAdvertising = false
	opts.Features.LE2MPHY = false
	opts.Features.LECodedPHY = false
	opts.Features.MaxAdvDataLength = 31
	opts.Features.MaxAdvSets = 1
}

// host is one enabled adapter bound to a command invocation.
type host struct {
	cfg     *config.Config
	logger  *logrus.Logger
	radio   *simradio.Controller
	d       *dispatcher.Dispatcher
	adapter *adapter.Adapter
	out     *printer
	showHCI bool
}

// openHost loads configuration, wires the adapter and enables it. tune
// adjusts the simulated controller. The caller must call close.
func openHost(ctx context.Context, cmd *cobra.Command, tune ...func(*simradio.Options)) (*host, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if storePath, _ := cmd.Flags().GetString("store"); storePath != "" {
		cfg.StorePath = storePath
	}

	logger, err := configureLogger(cmd, cfg, "verbose")
	if err != nil {
		return nil, err
	}
	opts, err := cfg.AdapterOptions()
	if err != nil {
		return nil, err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	noColor, _ := cmd.Flags().GetBool("no-color")
	showHCI, _ := cmd.Flags().GetBool("show-hci")
	radioOpts := simradio.DefaultOptions()
	if legacy, _ := cmd.Flags().GetBool("legacy-controller"); legacy {
		legacyController(&radioOpts)
	}
	for _, fn := range tune {
		fn(&radioOpts)
	}

	h := &host{
		cfg:     cfg,
		logger:  logger,
		radio:   newController(radioOpts, logger),
		d:       dispatcher.New("blehost", logger),
		out:     newPrinter(cmd.OutOrStdout(), noColor),
		showHCI: showHCI,
	}
	// the dispatcher outlives ctx so that disable can still run after Ctrl+C
	h.d.Start(context.Background())
	h.adapter = adapter.New(h.radio, h.radio, h.d, store.NewFileStore(cfg.StorePath), opts, logger)

	if err := h.adapter.EnableAndWait(ctx); err != nil {
		h.shutdown()
		return nil, fmt.Errorf("failed to enable adapter: %w", err)
	}
	h.flushJournal()
	return h, nil
}

// close disables the adapter and stops the workers. The disable error, if any,
// is returned after everything was released.
func (h *host) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*h.cfg.WaitTimeout)
	defer cancel()

	err := h.adapter.DisableAndWait(ctx)
	_ = h.radio.Flush(ctx)
	h.flushJournal()
	h.shutdown()
	if err != nil {
		return fmt.Errorf("failed to disable adapter: %w", err)
	}
	return nil
}

func (h *host) shutdown() {
	h.d.Stop()
	h.radio.Close()
}

// settle lets queued completions land before the journal is printed.
func (h *host) settle(ctx context.Context) {
	for i := 0; i < 2; i++ {
		_ = h.radio.Flush(ctx)
		_ = h.d.Call(ctx, h.cfg.WaitTimeout, func() {})
	}
}

func (h *host) flushJournal() {
	cmds := h.radio.Journal()
	if !h.showHCI {
		return
	}
	for _, c := range cmds {
		h.out.hci(c.String())
	}
}

// signalContext is cancelled on Ctrl+C or SIGTERM.
func signalContext(w io.Writer) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(w, "\nCtrl+C pressed, stopping...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

// waitFor blocks for d, or until ctx ends when d is zero. Running out the
// duration is the normal end of a timed command; cancellation is returned.
func waitFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// printer renders command output, colored unless disabled.
type printer struct {
	w      io.Writer
	ok     *color.Color
	warn   *color.Color
	label  *color.Color
	dimmed *color.Color
}

func newPrinter(w io.Writer, noColor bool) *printer {
	p := &printer{
		w:      w,
		ok:     color.New(color.FgGreen),
		warn:   color.New(color.FgYellow),
		label:  color.New(color.FgCyan, color.Bold),
		dimmed: color.New(color.Faint),
	}
	if noColor {
		for _, c := range []*color.Color{p.ok, p.warn, p.label, p.dimmed} {
			c.DisableColor()
		}
	}
	return p
}

func (p *printer) success(format string, args ...any) {
	p.ok.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) warning(format string, args ...any) {
	p.warn.Fprintf(p.w, format+"\n", args...)
}

func (p *printer) field(name string, value any) {
	p.label.Fprintf(p.w, "%-18s", name+":")
	fmt.Fprintf(p.w, " %v\n", value)
}

func (p *printer) hci(line string) {
	p.dimmed.Fprintf(p.w, "  HCI %s\n", line)
}

func (p *printer) plain(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}
