package quality

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap/zaptest"

	"github.com/mikeyg42/meshroom/internal/identity"
)

func TestFromReport(t *testing.T) {
	now := time.Now()
	report := webrtc.StatsReport{
		"in-audio": webrtc.InboundRTPStreamStats{Kind: "audio", PacketsReceived: 90, PacketsLost: 10, BytesReceived: 9000, Jitter: 0.004},
		"in-video": webrtc.InboundRTPStreamStats{Kind: "video", PacketsReceived: 900, PacketsLost: 0, BytesReceived: 900000, Jitter: 0.010},
		"out":      webrtc.OutboundRTPStreamStats{Kind: "audio", PacketsSent: 100, BytesSent: 10000},
		"pair":     webrtc.ICECandidatePairStats{Nominated: true, State: webrtc.StatsICECandidatePairStateSucceeded, CurrentRoundTripTime: 0.05},
	}

	s := FromReport(report, now)
	if s.PacketsReceived != 990 || s.PacketsLost != 10 || s.BytesReceived != 909000 {
		t.Fatalf("inbound totals = %+v", s)
	}
	if s.PacketsSent != 100 || s.BytesSent != 10000 {
		t.Fatalf("outbound totals = %+v", s)
	}
	if s.Jitter != 0.010 {
		t.Fatalf("jitter = %v, want the worst stream", s.Jitter)
	}
	if s.RTT != 50*time.Millisecond {
		t.Fatalf("rtt = %v, want the candidate pair RTT", s.RTT)
	}

	report["remote-in"] = webrtc.RemoteInboundRTPStreamStats{RoundTripTime: 0.2}
	if s := FromReport(report, now); s.RTT != 200*time.Millisecond {
		t.Fatalf("rtt = %v, want the RTCP RTT", s.RTT)
	}
}

func TestCompare(t *testing.T) {
	t0 := time.Now()
	tests := []struct {
		name      string
		prev      *Sample
		cur       Sample
		wantGrade Grade
		wantLoss  float64
		wantRecv  int
	}{
		{
			name:      "no traffic",
			cur:       Sample{Timestamp: t0},
			wantGrade: GradeUnknown,
		},
		{
			name:      "clean first sample",
			cur:       Sample{Timestamp: t0, PacketsReceived: 100, RTT: 20 * time.Millisecond},
			wantGrade: GradeGood,
		},
		{
			name:      "lossy interval",
			prev:      &Sample{Timestamp: t0, PacketsReceived: 1000, PacketsLost: 0, BytesReceived: 0},
			cur:       Sample{Timestamp: t0.Add(time.Second), PacketsReceived: 1095, PacketsLost: 5, BytesReceived: 125000, RTT: 30 * time.Millisecond},
			wantGrade: GradeFair,
			wantLoss:  0.05,
			wantRecv:  1_000_000,
		},
		{
			name:      "slow link",
			prev:      &Sample{Timestamp: t0, PacketsReceived: 100},
			cur:       Sample{Timestamp: t0.Add(time.Second), PacketsReceived: 200, RTT: 900 * time.Millisecond},
			wantGrade: GradePoor,
		},
		{
			name:      "heavy loss",
			prev:      &Sample{Timestamp: t0, PacketsReceived: 100},
			cur:       Sample{Timestamp: t0.Add(time.Second), PacketsReceived: 180, PacketsLost: 20},
			wantGrade: GradePoor,
			wantLoss:  0.2,
		},
		{
			name:      "counters reset",
			prev:      &Sample{Timestamp: t0, PacketsReceived: 5000},
			cur:       Sample{Timestamp: t0.Add(time.Second), PacketsReceived: 50},
			wantGrade: GradeGood,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Compare(tt.prev, tt.cur)
			if r.Grade != tt.wantGrade {
				t.Fatalf("grade = %s, want %s", r.Grade, tt.wantGrade)
			}
			if diff := r.LossRate - tt.wantLoss; diff > 1e-9 || diff < -1e-9 {
				t.Fatalf("loss = %v, want %v", r.LossRate, tt.wantLoss)
			}
			if r.RecvBitrate != tt.wantRecv {
				t.Fatalf("recv bitrate = %d, want %d", r.RecvBitrate, tt.wantRecv)
			}
		})
	}
}

func TestMonitorTracksParticipants(t *testing.T) {
	bob := identity.Participant{UserID: "bob", RoomID: "standup"}
	carol := identity.Participant{UserID: "carol", RoomID: "standup"}
	t0 := time.Now()

	rounds := []map[identity.Participant]Sample{
		{
			bob:   {Timestamp: t0, PacketsReceived: 100},
			carol: {Timestamp: t0, PacketsReceived: 100},
		},
		{
			bob:   {Timestamp: t0.Add(time.Second), PacketsReceived: 150, PacketsLost: 50},
			carol: {Timestamp: t0.Add(time.Second), PacketsReceived: 200},
		},
		{
			bob: {Timestamp: t0.Add(2 * time.Second), PacketsReceived: 250, PacketsLost: 50},
		},
	}
	i := 0
	m := NewMonitor(func() map[identity.Participant]Sample {
		r := rounds[i]
		i++
		return r
	}, time.Second, zaptest.NewLogger(t))

	m.Tick()
	if got := m.Reports(); got[bob].Grade != GradeGood || got[carol].Grade != GradeGood {
		t.Fatalf("first round = %+v", got)
	}
	m.Tick()
	if got := m.Reports(); got[bob].Grade != GradePoor || got[carol].Grade != GradeGood {
		t.Fatalf("second round = %+v", got)
	}
	m.Tick()
	got := m.Reports()
	if _, ok := got[carol]; ok {
		t.Fatal("carol should be forgotten once her connection is gone")
	}
	if got[bob].Grade != GradeGood {
		t.Fatalf("bob recovered interval = %s", got[bob].Grade)
	}
}
