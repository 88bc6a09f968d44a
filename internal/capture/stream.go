// Package capture provides the local media stream of a call: constraints,
// tracks that can be muted independently, and sources that acquire them.
package capture

import (
	"context"
	"errors"
	"sync"
)

// Kind is the media type of a track.
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// VideoConstraints are ideal values; sources may deliver something else.
type VideoConstraints struct {
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	FacingMode string `json:"facing_mode"`
}

type AudioConstraints struct {
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
}

// Constraints select the tracks to capture. A nil field is not requested.
type Constraints struct {
	Video *VideoConstraints
	Audio *AudioConstraints
}

// DefaultConstraints matches what the browser page asks getUserMedia for.
func DefaultConstraints() Constraints {
	return Constraints{
		Video: &VideoConstraints{Width: 1280, Height: 720, FacingMode: "user"},
		Audio: &AudioConstraints{EchoCancellation: true, NoiseSuppression: true},
	}
}

// Track is one local audio or video track.
type Track interface {
	ID() string
	Kind() Kind
	Enabled() bool
	SetEnabled(on bool)
	// Stop releases the underlying device. It is safe to call twice.
	Stop()
}

// Source acquires local media.
type Source interface {
	Acquire(ctx context.Context, c Constraints) (*Stream, error)
}

var ErrNoTrack = errors.New("no track of that kind")

// Stream groups the local tracks owned by a call.
type Stream struct {
	id     string
	tracks []Track

	stopOnce sync.Once
}

func NewStream(id string, tracks ...Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []Track { return s.tracks }

// TracksOf returns the tracks of one kind.
func (s *Stream) TracksOf(k Kind) []Track {
	var out []Track
	for _, t := range s.tracks {
		if t.Kind() == k {
			out = append(out, t)
		}
	}
	return out
}

// Toggle flips every track of kind k and reports the new state.
func (s *Stream) Toggle(k Kind) (bool, error) {
	tracks := s.TracksOf(k)
	if len(tracks) == 0 {
		return false, ErrNoTrack
	}
	on := !tracks[0].Enabled()
	for _, t := range tracks {
		t.SetEnabled(on)
	}
	return on, nil
}

// Stop stops all tracks once.
func (s *Stream) Stop() {
	s.stopOnce.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
	})
}
