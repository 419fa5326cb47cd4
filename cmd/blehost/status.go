package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Enable the adapter and show the local identity",
	Long: `Enable the adapter, print the loaded identity, controller capabilities and
persisted bonds, then disable it again. The first run generates and persists
the identity address and IRK.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signalContext(cmd.OutOrStdout())
	defer cancel()

	h, err := openHost(ctx, cmd)
	if err != nil {
		return err
	}

	a := h.adapter
	features := h.radio.Features()
	h.out.field("State", a.State())
	h.out.field("Name", a.LocalName())
	h.out.field("Identity address", a.IdentityAddress())
	h.out.field("Address policy", a.AddressPolicy())
	h.out.field("LL privacy", a.IsLlPrivacySupported())
	h.out.field("Roles", fmt.Sprintf("0x%02X", uint8(a.Config().Roles())))
	h.out.field("Discovery", a.Scanner().DiscoveryMode())
	h.out.field("Extended adv", features.ExtendedAdvertising)
	h.out.field("Max adv data", features.MaxAdvDataLength)
	h.out.field("Bonds", len(a.Config().Peers()))

	return h.close()
}
