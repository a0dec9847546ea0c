// Package identity names participants. A Participant is the logical
// identity used for mesh bookkeeping; the peer ID registered with the
// signaling service carries an extra random suffix so that a participant
// reconnecting from a new process never collides with its stale
// registration.
package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var ErrInvalid = errors.New("identity: user and room are required")

// Participant is (userID, roomID). Its string form "userID-roomID" is the
// unit of deduplication in the mesh.
type Participant struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
}

func New(userID, roomID string) (Participant, error) {
	p := Participant{UserID: userID, RoomID: roomID}
	if !p.Valid() {
		return Participant{}, ErrInvalid
	}
	return p, nil
}

func (p Participant) String() string {
	return p.UserID + "-" + p.RoomID
}

func (p Participant) Valid() bool {
	return p.UserID != "" && p.RoomID != ""
}

// Parse reverses String for a known room: "alice-room42" with room
// "room42" yields {alice, room42}. User IDs may themselves contain dashes.
func Parse(s, roomID string) (Participant, error) {
	suffix := "-" + roomID
	if roomID == "" || !strings.HasSuffix(s, suffix) || len(s) == len(suffix) {
		return Participant{}, fmt.Errorf("identity: %q is not a participant of room %q", s, roomID)
	}
	return Participant{UserID: strings.TrimSuffix(s, suffix), RoomID: roomID}, nil
}

const suffixLen = 9

// NewPeerID returns the signaling registration ID for p: its logical
// identity plus a random 9 character suffix.
func NewPeerID(p Participant) string {
	return p.String() + "-" + randomSuffix()
}

// LogicalFromPeerID strips the random suffix added by NewPeerID.
func LogicalFromPeerID(peerID string) (string, bool) {
	i := strings.LastIndexByte(peerID, '-')
	if i <= 0 || len(peerID)-i-1 != suffixLen {
		return "", false
	}
	return peerID[:i], true
}

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLen]
}

// Diff returns the members of a that are not in b, preserving a's order.
func Diff(a, b []Participant) []Participant {
	seen := make(map[Participant]struct{}, len(b))
	for _, p := range b {
		seen[p] = struct{}{}
	}
	var out []Participant
	for _, p := range a {
		if _, ok := seen[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}

// Dedup drops repeated participants, keeping first occurrences.
func Dedup(ps []Participant) []Participant {
	seen := make(map[Participant]struct{}, len(ps))
	out := ps[:0:0]
	for _, p := range ps {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func Contains(ps []Participant, p Participant) bool {
	for _, q := range ps {
		if q == p {
			return true
		}
	}
	return false
}
