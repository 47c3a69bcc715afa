// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package media

import (
	"sync"
)

// Track is a live unit of media. Stopping a track releases the underlying
// device. Ending is the host side counterpart (e.g. the user stops sharing
// through the system UI) and is the only transition that notifies OnEnded
// subscribers.
type Track struct {
	id     string
	kind   Kind
	source Source

	enabled bool
	stopped bool
	ended   bool

	endedCbs  map[int]func()
	nextCbID  int
	releaseCb func(t *Track)

	mut sync.RWMutex
}

func newTrack(id string, kind Kind, source Source, releaseCb func(t *Track)) *Track {
	return &Track{
		id:        id,
		kind:      kind,
		source:    source,
		enabled:   true,
		endedCbs:  make(map[int]func()),
		releaseCb: releaseCb,
	}
}

// NewTrack returns a new enabled track for the given source.
func NewTrack(source Source) *Track {
	return newTrack(genTrackID(source), source.Kind(), source, nil)
}

// NewRemoteTrack returns a track representing media received from a peer.
func NewRemoteTrack(id string, kind Kind) *Track {
	return newTrack(id, kind, SourceRemote, nil)
}

func (t *Track) ID() string {
	return t.id
}

func (t *Track) Kind() Kind {
	return t.kind
}

func (t *Track) Source() Source {
	return t.source
}

func (t *Track) Enabled() bool {
	t.mut.RLock()
	defer t.mut.RUnlock()
	return t.enabled
}

func (t *Track) SetEnabled(enabled bool) {
	t.mut.Lock()
	t.enabled = enabled
	t.mut.Unlock()
}

func (t *Track) Stopped() bool {
	t.mut.RLock()
	defer t.mut.RUnlock()
	return t.stopped
}

func (t *Track) Ended() bool {
	t.mut.RLock()
	defer t.mut.RUnlock()
	return t.ended
}

// Stop releases the track. It's safe to call multiple times.
func (t *Track) Stop() {
	t.mut.Lock()
	if t.stopped {
		t.mut.Unlock()
		return
	}
	t.stopped = true
	releaseCb := t.releaseCb
	t.mut.Unlock()

	if releaseCb != nil {
		releaseCb(t)
	}
}

// End signals the end of life of the track as decided by the host. The track
// is released and every OnEnded subscriber is called synchronously. Ending a
// track that is already stopped or ended does nothing.
func (t *Track) End() {
	t.mut.Lock()
	if t.stopped || t.ended {
		t.mut.Unlock()
		return
	}
	t.ended = true
	t.stopped = true
	releaseCb := t.releaseCb
	cbs := make([]func(), 0, len(t.endedCbs))
	for i := 0; i < t.nextCbID; i++ {
		if cb, ok := t.endedCbs[i]; ok {
			cbs = append(cbs, cb)
		}
	}
	t.endedCbs = make(map[int]func())
	t.mut.Unlock()

	if releaseCb != nil {
		releaseCb(t)
	}

	for _, cb := range cbs {
		cb()
	}
}

// OnEnded subscribes cb to the end of life signal of the track. The returned
// function removes the subscription.
func (t *Track) OnEnded(cb func()) func() {
	t.mut.Lock()
	defer t.mut.Unlock()

	id := t.nextCbID
	t.nextCbID++
	t.endedCbs[id] = cb

	return func() {
		t.mut.Lock()
		delete(t.endedCbs, id)
		t.mut.Unlock()
	}
}

func (t *Track) subscribers() int {
	t.mut.RLock()
	defer t.mut.RUnlock()
	return len(t.endedCbs)
}
