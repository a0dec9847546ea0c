package peer

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

type SDPValidationError struct {
	Field   string
	Message string
}

func (e *SDPValidationError) Error() string {
	return fmt.Sprintf("SDP validation error in %s: %s", e.Field, e.Message)
}

// validateSDP rejects descriptions a call could never connect with: no
// media, no ICE credentials or no DTLS fingerprint.
func validateSDP(sd *webrtc.SessionDescription) error {
	if sd == nil {
		return &SDPValidationError{Field: "SessionDescription", Message: "is nil"}
	}

	var (
		hasAudio    bool
		hasVideo    bool
		hasICE      bool
		mediaCount  int
		fingerprint string
		sawDTLS     bool
	)
	for _, line := range strings.Split(sd.SDP, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "m="):
			mediaCount++
			if strings.HasPrefix(line, "m=audio") {
				hasAudio = true
			}
			if strings.HasPrefix(line, "m=video") {
				hasVideo = true
			}
		case strings.HasPrefix(line, "a=ice-ufrag:"):
			hasICE = true
		case strings.HasPrefix(line, "a=fingerprint:"):
			sawDTLS = true
			if fingerprint == "" {
				fingerprint = strings.TrimPrefix(line, "a=fingerprint:")
			}
		}
	}

	if mediaCount == 0 {
		return &SDPValidationError{Field: "Media", Message: "no media sections found"}
	}
	if !hasICE {
		return &SDPValidationError{Field: "ICE", Message: "no ICE credentials found"}
	}
	if !sawDTLS {
		return &SDPValidationError{Field: "DTLS", Message: "no DTLS fingerprint found"}
	}
	if fingerprint == "" {
		return &SDPValidationError{Field: "Fingerprint", Message: "empty DTLS fingerprint"}
	}
	if !hasAudio && !hasVideo {
		return &SDPValidationError{Field: "Media", Message: "neither audio nor video tracks found"}
	}
	return nil
}
