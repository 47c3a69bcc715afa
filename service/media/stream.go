// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package media

import (
	"sync"
)

// Stream is an ordered collection of tracks bound to a rendering surface.
// It's mutated in place so that readers always observe the current set.
type Stream struct {
	id     string
	tracks []*Track

	mut sync.RWMutex
}

func NewStream(id string) *Stream {
	return &Stream{
		id: id,
	}
}

func (s *Stream) ID() string {
	return s.id
}

func (s *Stream) Len() int {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return len(s.tracks)
}

// Tracks returns a snapshot of the current tracks.
func (s *Stream) Tracks() []*Track {
	s.mut.RLock()
	defer s.mut.RUnlock()
	tracks := make([]*Track, len(s.tracks))
	copy(tracks, s.tracks)
	return tracks
}

func (s *Stream) TracksByKind(kind Kind) []*Track {
	s.mut.RLock()
	defer s.mut.RUnlock()
	var tracks []*Track
	for _, t := range s.tracks {
		if t.Kind() == kind {
			tracks = append(tracks, t)
		}
	}
	return tracks
}

func (s *Stream) AudioTracks() []*Track {
	return s.TracksByKind(KindAudio)
}

func (s *Stream) VideoTracks() []*Track {
	return s.TracksByKind(KindVideo)
}

func (s *Stream) indexOf(t *Track) int {
	for i, track := range s.tracks {
		if track == t {
			return i
		}
	}
	return -1
}

// AddTrack appends t. It returns false if t is nil or already present.
func (s *Stream) AddTrack(t *Track) bool {
	if t == nil {
		return false
	}

	s.mut.Lock()
	defer s.mut.Unlock()
	if s.indexOf(t) >= 0 {
		return false
	}
	s.tracks = append(s.tracks, t)
	return true
}

// ReplaceTrack puts newTrack in the position currently held by oldTrack.
func (s *Stream) ReplaceTrack(oldTrack, newTrack *Track) bool {
	if oldTrack == nil || newTrack == nil {
		return false
	}

	s.mut.Lock()
	defer s.mut.Unlock()
	idx := s.indexOf(oldTrack)
	if idx < 0 || s.indexOf(newTrack) >= 0 {
		return false
	}
	s.tracks[idx] = newTrack
	return true
}

// Clear empties the stream and returns the tracks it held.
func (s *Stream) Clear() []*Track {
	s.mut.Lock()
	defer s.mut.Unlock()
	tracks := s.tracks
	s.tracks = nil
	return tracks
}

// StopAll stops every track in the stream without removing them.
func (s *Stream) StopAll() {
	for _, t := range s.Tracks() {
		t.Stop()
	}
}
