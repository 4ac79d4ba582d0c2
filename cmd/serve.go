package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/beamlink/beamlink/internal/config"
	"github.com/beamlink/beamlink/internal/relay"
)

var flagListenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling relay server",
	Long: `Run the lightweight signaling relay. The relay introduces peers
under six-digit room codes and forwards their session descriptions and
ICE candidates. File bytes never pass through it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(config.Options{ListenAddr: flagListenAddr})
		if err != nil {
			return err
		}

		hub := relay.NewHub()
		go hub.Run()

		srv := relay.NewServer(cfg.ListenAddr, hub)
		slog.Info("relay listening", "addr", cfg.ListenAddr)
		return srv.ListenAndServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVarP(&flagListenAddr, "listen", "l", "", "Bind address for the relay server")
}
