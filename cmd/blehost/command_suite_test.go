package main

import (
	"bytes"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/suite"
)

// Test peer addresses for the simulated controller
const (
	TestPeerPublic = "AA:BB:CC:DD:EE:01"
	TestPeerRandom = "C0:11:22:33:44:55"
)

// CommandTestSuite runs rootCmd against a fresh store per test.
// All cmd/blehost test suites should embed it.
type CommandTestSuite struct {
	suite.Suite
	StorePath string
}

func (s *CommandTestSuite) SetupTest() {
	resetFlags(rootCmd)
	s.StorePath = filepath.Join(s.T().TempDir(), "blehost.yaml")
}

// ExecuteCommand runs rootCmd with args plus the per-test store and no
// colors, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	defer resetFlags(rootCmd)

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(append(args, "--store", s.StorePath, "--no-color"))
	err := rootCmd.Execute()
	return buf.String(), err
}

// resetFlags restores every flag of cmd and its children to its default.
// Cobra keeps parsed values between Execute calls.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	cmd.SilenceUsage = false
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}
