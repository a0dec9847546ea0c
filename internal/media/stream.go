package media

import (
	"errors"
	"sync"
)

// Stream groups the tracks of one participant, local or remote.
type Stream struct {
	id string

	mu     sync.RWMutex
	tracks []*Track
}

func NewStream(id string, tracks ...*Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

// AddTrack appends a track. Remote streams grow as OnTrack fires.
func (s *Stream) AddTrack(t *Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

// Tracks returns a snapshot of the stream's tracks.
func (s *Stream) Tracks() []*Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Track(nil), s.tracks...)
}

func (s *Stream) AudioTracks() []*Track { return s.byKind(KindAudio) }
func (s *Stream) VideoTracks() []*Track { return s.byKind(KindVideo) }

func (s *Stream) byKind(k Kind) []*Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Track
	for _, t := range s.tracks {
		if t.kind == k {
			out = append(out, t)
		}
	}
	return out
}

// Active reports whether any track is still live.
func (s *Stream) Active() bool {
	for _, t := range s.Tracks() {
		if !t.Ended() {
			return true
		}
	}
	return false
}

// Stop stops every track. Only the stream's owner may call it.
func (s *Stream) Stop() error {
	var errs []error
	for _, t := range s.Tracks() {
		if err := t.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
