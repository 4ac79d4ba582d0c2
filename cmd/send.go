package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/beamlink/beamlink/internal/config"
	"github.com/beamlink/beamlink/internal/files"
	"github.com/beamlink/beamlink/internal/ice"
	"github.com/beamlink/beamlink/internal/session"
	"github.com/beamlink/beamlink/internal/transfer"
	"github.com/beamlink/beamlink/internal/ui"
	"github.com/beamlink/beamlink/internal/util"
)

var (
	flagDomain   string
	flagSTUN     string
	flagTURN     string
	flagTURNUser string
	flagTURNPass string
	flagRelay    bool
	flagOffline  bool
)

var sendCmd = &cobra.Command{
	Use:     "send <file>",
	Aliases: []string{"s"},
	Short:   "Send a file to a receiver",
	Long: `Send a file directly to a receiver over an encrypted WebRTC data
channel.

Examples:
  beamlink send report.pdf
  beamlink send --offline report.pdf
  beamlink send --domain relay.example.com report.pdf`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sendFile(args[0])
	},
}

func sendFile(path string) error {
	stopSpinner := ui.RunSpinner("Validating file...")
	fi, err := files.Validate(path)
	stopSpinner()
	if err != nil {
		return err
	}

	fmt.Println()
	ui.RenderFileTable([]ui.FileTableItem{
		{Index: 1, Name: fi.Name, Size: fi.Size, Type: fi.Type},
	})

	cfg, err := LoadConfig(config.Options{
		Domain:     flagDomain,
		STUNServer: flagSTUN,
		TURNServer: flagTURN,
		TURNUser:   flagTURNUser,
		TURNPass:   flagTURNPass,
		ForceRelay: flagRelay,
	})
	if err != nil {
		return err
	}

	if flagOffline {
		return sendOffline(cfg, fi)
	}
	return sendViaRelay(cfg, fi)
}

func sendViaRelay(cfg *config.Config, fi *files.FileInfo) error {
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

	code, err := sess.HostRoom(ctx)
	if err != nil {
		return err
	}

	fmt.Println()
	ui.RenderRoomInfo(code)

	fmt.Println()
	stopSpinner = ui.RunWaitingSpinner("Waiting for receiver to join...")
	err = waitForConnected(sess)
	stopSpinner()
	if err != nil {
		return err
	}
	ui.PrintSuccess("Peer connected")

	return runSend(ctx, sess, fi)
}

func sendOffline(cfg *config.Config, fi *files.FileInfo) error {
	ctx := context.Background()

	agent, err := ice.NewAgent(cfg)
	if err != nil {
		return transfer.NewError("create agent", err)
	}

	sess := session.NewOfflineSession(agent)
	defer sess.Close()

	stopSpinner := ui.RunSpinner("Gathering connection candidates...")
	offerTok, err := sess.CreateOfferToken(ctx)
	stopSpinner()
	if err != nil {
		return err
	}

	fmt.Println()
	ui.RenderToken("Offer token (give this to the receiver)", offerTok)

	answerTok, err := readToken("Paste the receiver's answer token: ")
	if err != nil {
		return err
	}

	if err := sess.AcceptAnswerToken(answerTok); err != nil {
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

	return runSend(ctx, sess, fi)
}

func runSend(ctx context.Context, sess *session.Session, fi *files.FileInfo) error {
	dcCtx, cancel := context.WithTimeout(ctx, channelOpenTimeout)
	defer cancel()

	dc, err := sess.DataChannel(dcCtx)
	if err != nil {
		return transfer.NewError("get data channel", err)
	}
	if err := waitForOpen(dc); err != nil {
		return err
	}

	engine := transfer.NewEngine(dc)
	dc.OnMessage(engine.HandleMessage)

	f, err := os.Open(fi.Path)
	if err != nil {
		return transfer.NewFileError("open", fi.Name, err)
	}
	defer f.Close()

	fmt.Println()
	progress := ui.NewTransferProgress(fi.Name, fi.Size)
	uiDone := make(chan struct{})
	go func() {
		defer close(uiDone)
		for ev := range engine.Events() {
			switch ev.Status {
			case transfer.StatusSending:
				progress.Update(ev.Bytes)
			case transfer.StatusCompleted:
				progress.Finish()
				return
			case transfer.StatusError:
				ui.PrintWarning(ev.Err)
			}
		}
	}()

	start := time.Now()
	if err := engine.SendFile(ctx, fi.Name, fi.Type, fi.Size, f); err != nil {
		return err
	}
	waitForDrain(dc)
	<-uiDone

	elapsed := time.Since(start)
	speed := float64(fi.Size)
	if secs := elapsed.Seconds(); secs > 0 {
		speed = float64(fi.Size) / secs
	}

	fmt.Println()
	ui.RenderTransferSummary(ui.TransferSummary{
		Status:    ui.IconSuccess + " Complete",
		File:      fi.Name,
		TotalSize: util.FormatSize(fi.Size),
		Duration:  util.FormatDuration(elapsed),
		Speed:     util.FormatSpeed(speed),
	})

	return nil
}

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().StringVarP(&flagDomain, "domain", "d", "", "Custom relay domain")
	sendCmd.Flags().StringVarP(&flagSTUN, "stun", "s", "", "Custom STUN server")
	sendCmd.Flags().StringVarP(&flagTURN, "turn", "t", "", "Custom TURN server")
	sendCmd.Flags().StringVarP(&flagTURNUser, "turn-user", "u", "", "TURN username")
	sendCmd.Flags().StringVarP(&flagTURNPass, "turn-pass", "p", "", "TURN password")
	sendCmd.Flags().BoolVarP(&flagRelay, "relay", "r", false, "Force TURN relay mode")
	sendCmd.Flags().BoolVarP(&flagOffline, "offline", "o", false, "Exchange tokens manually instead of using the relay")
}
