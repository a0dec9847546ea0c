// Package quality grades the health of each peer connection from its WebRTC
// statistics so that the participant table can show a poor link before the
// call drops.
package quality

import (
	"time"

	"github.com/pion/webrtc/v4"
)

type Grade int

const (
	GradeUnknown Grade = iota
	GradePoor
	GradeFair
	GradeGood
)

func (g Grade) String() string {
	switch g {
	case GradePoor:
		return "poor"
	case GradeFair:
		return "fair"
	case GradeGood:
		return "good"
	default:
		return "unknown"
	}
}

// Thresholds for grading an interval. Loss is a fraction of expected
// packets.
const (
	goodLoss = 0.02
	fairLoss = 0.08
	goodRTT  = 150 * time.Millisecond
	fairRTT  = 400 * time.Millisecond
)

// Sample is the cumulative counters of one connection at one instant.
type Sample struct {
	Timestamp       time.Time
	PacketsReceived uint64
	PacketsLost     int64
	BytesReceived   uint64
	PacketsSent     uint64
	BytesSent       uint64
	Jitter          float64 // seconds, worst inbound stream
	RTT             time.Duration
}

// FromReport sums the RTP stream statistics of one peer connection.
// RTT comes from RTCP receiver reports when present, otherwise from the
// nominated ICE candidate pair.
func FromReport(report webrtc.StatsReport, now time.Time) Sample {
	s := Sample{Timestamp: now}
	var pairRTT float64
	for _, stat := range report {
		switch st := stat.(type) {
		case webrtc.InboundRTPStreamStats:
			s.PacketsReceived += uint64(st.PacketsReceived)
			s.PacketsLost += int64(st.PacketsLost)
			s.BytesReceived += st.BytesReceived
			s.Jitter = max(s.Jitter, st.Jitter)
		case webrtc.OutboundRTPStreamStats:
			s.PacketsSent += uint64(st.PacketsSent)
			s.BytesSent += st.BytesSent
		case webrtc.RemoteInboundRTPStreamStats:
			s.RTT = max(s.RTT, seconds(st.RoundTripTime))
		case webrtc.ICECandidatePairStats:
			if st.Nominated && st.State == webrtc.StatsICECandidatePairStateSucceeded {
				pairRTT = st.CurrentRoundTripTime
			}
		}
	}
	if s.RTT == 0 {
		s.RTT = seconds(pairRTT)
	}
	return s
}

func seconds(f float64) time.Duration { return time.Duration(f * float64(time.Second)) }

// Report describes the interval between two samples.
type Report struct {
	Grade       Grade
	LossRate    float64
	RTT         time.Duration
	Jitter      float64
	RecvBitrate int // bits per second
	SendBitrate int
	At          time.Time
}

// Compare grades the interval prev..cur. With no previous sample the
// cumulative counters are used.
func Compare(prev *Sample, cur Sample) Report {
	r := Report{RTT: cur.RTT, Jitter: cur.Jitter, At: cur.Timestamp}

	received, lost := cur.PacketsReceived, cur.PacketsLost
	bytesIn, bytesOut := cur.BytesReceived, cur.BytesSent
	if prev != nil && cur.PacketsReceived >= prev.PacketsReceived {
		received -= prev.PacketsReceived
		lost -= prev.PacketsLost
		if cur.BytesReceived >= prev.BytesReceived {
			bytesIn -= prev.BytesReceived
		}
		if cur.BytesSent >= prev.BytesSent {
			bytesOut -= prev.BytesSent
		}
		if dt := cur.Timestamp.Sub(prev.Timestamp).Seconds(); dt > 0 {
			r.RecvBitrate = int(float64(bytesIn*8) / dt)
			r.SendBitrate = int(float64(bytesOut*8) / dt)
		}
	}
	if lost < 0 {
		lost = 0
	}
	r.LossRate = lossRate(received, uint64(lost))

	if received == 0 && lost == 0 {
		return r
	}
	r.Grade = grade(r.LossRate, r.RTT)
	return r
}

func lossRate(received, lost uint64) float64 {
	total := received + lost
	if total == 0 {
		return 0
	}
	return float64(lost) / float64(total)
}

func grade(loss float64, rtt time.Duration) Grade {
	switch {
	case loss <= goodLoss && rtt <= goodRTT:
		return GradeGood
	case loss <= fairLoss && rtt <= fairRTT:
		return GradeFair
	default:
		return GradePoor
	}
}
