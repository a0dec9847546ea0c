package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/mikeyg42/meshroom/internal/storage"
)

// RecordingsView lists a room's archived recordings with their download
// links.
func RecordingsView(room string, recs []*storage.RecordingMeta) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("Recordings " + room)
	t.AppendHeader(table.Row{"Started", "Subject", "By", "Length", "Size", "Download"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
	})
	for _, r := range recs {
		link := r.DownloadURL
		if link == "" {
			link = r.Bucket + "/" + r.ObjectKey
		}
		t.AppendRow(table.Row{
			r.StartedAt.Local().Format(time.DateTime),
			r.Subject,
			r.Owner,
			r.Duration.Round(time.Second),
			byteSize(r.SizeBytes),
			link,
		})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", fmt.Sprintf("%d recordings", len(recs))})
	return t.Render()
}

func RenderRecordings(w io.Writer, room string, recs []*storage.RecordingMeta) error {
	_, err := fmt.Fprintln(w, RecordingsView(room, recs))
	return err
}

func byteSize(n int64) string {
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
