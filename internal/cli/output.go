package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

var (
	okColor   = color.New(color.FgGreen, color.Bold)
	warnColor = color.New(color.FgYellow, color.Bold)
	badColor  = color.New(color.FgRed, color.Bold)
	dimColor  = color.New(color.FgHiBlack)
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderTable(w io.Writer, headers []string, rows [][]string) error {
	table := tablewriter.NewWriter(w)
	table.Header(headers)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Alignment.Global = tw.AlignLeft
	})
	if err := table.Bulk(rows); err != nil {
		return err
	}
	return table.Render()
}

func onlineLabel(online bool) string {
	if online {
		return okColor.Sprint("online")
	}
	return badColor.Sprint("offline")
}

func stateLabel(state string) string {
	switch state {
	case "success":
		return okColor.Sprint(state)
	case "syncing":
		return warnColor.Sprint(state)
	case "error":
		return badColor.Sprint(state)
	default:
		return state
	}
}

func timeLabel(t *time.Time) string {
	if t == nil {
		return dimColor.Sprint("never")
	}
	return t.Local().Format(time.RFC3339)
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
