package ui

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/beamlink/beamlink/internal/util"
)

// FileTableItem represents one file row in the pre-send listing.
type FileTableItem struct {
	Index int
	Name  string
	Size  int64
	Type  string
}

// RenderFileTable prints the listing of files queued for sending.
func RenderFileTable(items []FileTableItem) {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.Style().Color.Header = text.Colors{text.FgCyan, text.Bold}
	t.AppendHeader(table.Row{"#", "Name", "Size", "Type"})

	for _, item := range items {
		t.AppendRow(table.Row{
			item.Index,
			util.TruncateString(item.Name, 50),
			util.FormatSize(item.Size),
			util.TruncateString(item.Type, 24),
		})
	}

	fmt.Println(t.Render())
}

// TransferSummary holds the end-of-transfer statistics.
type TransferSummary struct {
	Status    string
	File      string
	TotalSize string
	Duration  string
	Speed     string
}

// RenderTransferSummary prints the final transfer statistics table.
func RenderTransferSummary(summary TransferSummary) {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.Style().Color.Header = text.Colors{text.FgCyan, text.Bold}
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Status", summary.Status},
		{"File", summary.File},
		{"Total Size", summary.TotalSize},
		{"Duration", summary.Duration},
		{"Avg Speed", summary.Speed},
	})

	fmt.Println(t.Render())
}

// RenderRoomInfo prints the room code box the host shares with the guest.
func RenderRoomInfo(roomCode string) {
	content := fmt.Sprintf("%s Room Created!\n\n%s Room Code:  %s\n\nShare this code with the receiver:\n  beamlink receive %s",
		IconSuccess,
		IconCopy, BoldStyle.Foreground(Primary).Render(roomCode),
		roomCode,
	)
	fmt.Println(SuccessBoxStyle.Render(content))
}

// RenderToken prints an offline exchange token inside a box so it can
// be copied or rendered as a QR code by the user.
func RenderToken(label, token string) {
	content := fmt.Sprintf("%s %s\n\n%s", IconToken, BoldStyle.Render(label), token)
	fmt.Println(InfoBoxStyle.Render(content))
}
