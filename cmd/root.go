package cmd

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/beamlink/beamlink/internal/ui"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "beamlink",
	Short: "Direct encrypted peer-to-peer file transfer over WebRTC",
	Long: `Beamlink transfers files directly between two devices over an
encrypted WebRTC data channel, without routing file bytes through any
server. Peers are introduced either by a lightweight relay under a
shared six-digit room code, or fully offline by exchanging compact
offer/answer tokens (copy-paste or QR).`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		os.Exit(0)
	}()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		ui.PrintError(err.Error())
		os.Exit(1)
	}
}
