// Package ui renders the session state for the terminal.
package ui

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/mikeyg42/meshroom/internal/identity"
	"github.com/mikeyg42/meshroom/internal/media"
	"github.com/mikeyg42/meshroom/internal/mesh"
	"github.com/mikeyg42/meshroom/internal/quality"
)

// Snapshot is everything the participant table shows.
type Snapshot struct {
	Self        identity.Participant
	Local       *media.Stream
	Muted       bool
	VideoOff    bool
	Sharing     bool
	Recording   string // recorded subject, empty when idle
	Connections map[identity.Participant]mesh.State
	Streams     map[identity.Participant]*media.Stream
	Quality     map[identity.Participant]quality.Report
}

// ParticipantsView renders the table as a string: the local participant
// first, then remotes sorted by user.
func ParticipantsView(s Snapshot) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("Room " + s.Self.RoomID)
	t.AppendHeader(table.Row{"Participant", "State", "Audio", "Video", "Link", "Notes"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
	})

	var notes []string
	if s.Muted {
		notes = append(notes, "muted")
	}
	if s.VideoOff {
		notes = append(notes, "camera off")
	}
	if s.Sharing {
		notes = append(notes, "sharing screen")
	}
	if s.Recording == s.Self.String() {
		notes = append(notes, "recording")
	}
	audio, video := trackCounts(s.Local)
	t.AppendRow(table.Row{s.Self.UserID + " (you)", "local", audio, video, "", strings.Join(notes, ", ")})

	remotes := make([]identity.Participant, 0, len(s.Connections))
	for p := range s.Connections {
		remotes = append(remotes, p)
	}
	sort.Slice(remotes, func(i, j int) bool { return remotes[i].UserID < remotes[j].UserID })

	if len(remotes) > 0 {
		t.AppendSeparator()
	}
	for _, p := range remotes {
		audio, video := trackCounts(s.Streams[p])
		note := ""
		if s.Recording == p.String() {
			note = "recording"
		}
		t.AppendRow(table.Row{p.UserID, s.Connections[p].String(), audio, video, link(s.Quality, p), note})
	}

	t.AppendFooter(table.Row{fmt.Sprintf("%d connected", len(s.Streams)), "", "", "", "", ""})
	return t.Render()
}

// RenderParticipants writes the participant table to w.
func RenderParticipants(w io.Writer, s Snapshot) error {
	_, err := fmt.Fprintln(w, ParticipantsView(s))
	return err
}

func link(reports map[identity.Participant]quality.Report, p identity.Participant) string {
	r, ok := reports[p]
	if !ok || r.Grade == quality.GradeUnknown {
		return "-"
	}
	return fmt.Sprintf("%s %dms %.0f%%", r.Grade, r.RTT.Milliseconds(), r.LossRate*100)
}

func trackCounts(s *media.Stream) (audio, video int) {
	if s == nil {
		return 0, 0
	}
	for _, t := range s.Tracks() {
		if t.Ended() {
			continue
		}
		switch t.Kind() {
		case media.KindAudio:
			audio++
		case media.KindVideo:
			video++
		}
	}
	return audio, video
}
