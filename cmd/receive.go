package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/beamlink/beamlink/internal/config"
	"github.com/beamlink/beamlink/internal/ice"
	"github.com/beamlink/beamlink/internal/session"
	"github.com/beamlink/beamlink/internal/transfer"
	"github.com/beamlink/beamlink/internal/ui"
	"github.com/beamlink/beamlink/internal/util"
)

var (
	flagReceiverDomain   string
	flagReceiverSTUN     string
	flagReceiverTURN     string
	flagReceiverTURNUser string
	flagReceiverTURNPass string
	flagReceiverRelay    bool
	flagReceiverOffline  bool
	flagReceiverDir      string
)

var receiveCmd = &cobra.Command{
	Use:     "receive [room-code]",
	Aliases: []string{"r"},
	Short:   "Receive a file from a sender",
	Long: `Receive a file directly from a sender over an encrypted WebRTC data
channel.

Examples:
  beamlink receive 482913
  beamlink receive --offline
  beamlink receive 482913 --dir ~/Downloads`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagReceiverOffline {
			return receiveOffline()
		}
		if len(args) != 1 {
			return fmt.Errorf("a room code is required unless --offline is set")
		}
		return receiveViaRelay(args[0])
	},
}

func receiveViaRelay(code string) error {
	cfg, err := receiverConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	fmt.Println()
	stopSpinner := ui.RunConnectionSpinner("Connecting to relay...")
	cc, err := NewConnectionContext(ctx, cfg)
	stopSpinner()
	if err != nil {
		return err
	}
	defer cc.Close()

	agent, err := ice.NewAgent(cfg)
	if err != nil {
		return transfer.NewError("create agent", err)
	}

	sess := session.NewRelaySession(agent, cc.Client, cc.Handler)
	defer sess.Close()

	if err := sess.JoinRoom(ctx, code); err != nil {
		return err
	}

	fmt.Println()
	stopSpinner = ui.RunConnectionSpinner("Connecting to peer...")
	err = waitForConnected(sess)
	stopSpinner()
	if err != nil {
		return err
	}
	ui.PrintSuccess("Peer connected")

	return runReceive(ctx, sess)
}

func receiveOffline() error {
	cfg, err := receiverConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()

	agent, err := ice.NewAgent(cfg)
	if err != nil {
		return transfer.NewError("create agent", err)
	}

	sess := session.NewOfflineSession(agent)
	defer sess.Close()

	offerTok, err := readToken("Paste the sender's offer token: ")
	if err != nil {
		return err
	}

	stopSpinner := ui.RunSpinner("Gathering connection candidates...")
	answerTok, err := sess.AcceptOfferToken(ctx, offerTok)
	stopSpinner()
	if err != nil {
		return err
	}

	fmt.Println()
	ui.RenderToken("Answer token (give this to the sender)", answerTok)

	fmt.Println()
	stopSpinner = ui.RunConnectionSpinner("Connecting to peer...")
	err = waitForConnected(sess)
	stopSpinner()
	if err != nil {
		return err
	}
	ui.PrintSuccess("Peer connected")

	return runReceive(ctx, sess)
}

func runReceive(ctx context.Context, sess *session.Session) error {
	dcCtx, cancel := context.WithTimeout(ctx, channelOpenTimeout)
	defer cancel()

	dc, err := sess.DataChannel(dcCtx)
	if err != nil {
		return transfer.NewError("get data channel", err)
	}

	engine := transfer.NewEngine(dc)
	dc.OnMessage(engine.HandleMessage)

	fmt.Println()
	stopSpinner := ui.RunWaitingSpinner("Waiting for the sender to start...")

	var progress *ui.TransferProgress
	start := time.Now()

	for {
		select {
		case ev := <-engine.Events():
			switch ev.Status {
			case transfer.StatusReceiving:
				if progress == nil {
					stopSpinner()
					start = time.Now()
					progress = ui.NewTransferProgress(ev.Name, ev.Size)
				}
				progress.Update(ev.Bytes)

			case transfer.StatusError:
				ui.PrintWarning(ev.Err)

			case transfer.StatusCompleted:
				if ev.File == nil {
					continue
				}
				if progress != nil {
					progress.Finish()
				} else {
					stopSpinner()
				}
				return saveArtifact(ev.File, start)
			}

		case sev := <-sess.Events():
			if sev.Status == session.StatusDisconnected || sev.Status == session.StatusFailed {
				stopSpinner()
				return transfer.WrapError("receive", transfer.ErrPeerDisconnected, sev.Err)
			}
		}
	}
}

func saveArtifact(artifact *transfer.Artifact, start time.Time) error {
	name := artifact.Name
	if flagReceiverDir != "" {
		if err := os.MkdirAll(flagReceiverDir, 0755); err != nil {
			return transfer.NewFileError("create directory", flagReceiverDir, err)
		}
		name = filepath.Join(flagReceiverDir, name)
	}
	name = util.UniqueFilename(name)

	if err := os.WriteFile(name, artifact.Data, 0644); err != nil {
		return transfer.NewFileError("write", name, err)
	}

	size := int64(len(artifact.Data))
	elapsed := time.Since(start)
	speed := float64(size)
	if secs := elapsed.Seconds(); secs > 0 {
		speed = float64(size) / secs
	}

	fmt.Println()
	ui.RenderTransferSummary(ui.TransferSummary{
		Status:    ui.IconSuccess + " Complete",
		File:      name,
		TotalSize: util.FormatSize(size),
		Duration:  util.FormatDuration(elapsed),
		Speed:     util.FormatSpeed(speed),
	})

	return nil
}

func receiverConfig() (*config.Config, error) {
	return LoadConfig(config.Options{
		Domain:     flagReceiverDomain,
		STUNServer: flagReceiverSTUN,
		TURNServer: flagReceiverTURN,
		TURNUser:   flagReceiverTURNUser,
		TURNPass:   flagReceiverTURNPass,
		ForceRelay: flagReceiverRelay,
	})
}

func init() {
	rootCmd.AddCommand(receiveCmd)

	receiveCmd.Flags().StringVar(&flagReceiverDomain, "domain", "", "Custom relay domain")
	receiveCmd.Flags().StringVarP(&flagReceiverSTUN, "stun", "s", "", "Custom STUN server")
	receiveCmd.Flags().StringVarP(&flagReceiverTURN, "turn", "t", "", "Custom TURN server")
	receiveCmd.Flags().StringVar(&flagReceiverTURNUser, "turn-user", "", "TURN username")
	receiveCmd.Flags().StringVar(&flagReceiverTURNPass, "turn-pass", "", "TURN password")
	receiveCmd.Flags().BoolVarP(&flagReceiverRelay, "relay", "r", false, "Force TURN relay mode")
	receiveCmd.Flags().BoolVarP(&flagReceiverOffline, "offline", "o", false, "Exchange tokens manually instead of using the relay")
	receiveCmd.Flags().StringVarP(&flagReceiverDir, "dir", "d", "", "Directory to save the received file")
}
