// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"context"
	"fmt"
	"sync"

	"github.com/bizlink/callcore/service/media"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

// trackController manages the outgoing tracks of a connected call: muting
// and the camera/screen substitution.
type trackController struct {
	log      mlog.LoggerIFace
	metrics  Metrics
	provider media.Provider
	local    *media.Stream
	endpoint Endpoint

	enabled map[media.Kind]bool
	// screen is the active screen track. parked is the camera track it
	// replaced, kept alive until the share ends.
	screen      *media.Track
	parked      *media.Track
	unsubscribe func()
	released    bool
	mut         sync.Mutex
}

func newTrackController(log mlog.LoggerIFace, metrics Metrics, provider media.Provider, local *media.Stream, endpoint Endpoint) *trackController {
	return &trackController{
		log:      log,
		metrics:  metrics,
		provider: provider,
		local:    local,
		endpoint: endpoint,
		enabled: map[media.Kind]bool{
			media.KindAudio: true,
			media.KindVideo: true,
		},
	}
}

func (c *trackController) isEnabled(kind media.Kind) bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.enabled[kind]
}

func (c *trackController) isSharing() bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.screen != nil
}

// toggle flips the enabled flag of every local track of the given kind and
// returns the new value. Tracks are muted, never removed.
func (c *trackController) toggle(kind media.Kind) bool {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.released {
		return c.enabled[kind]
	}

	enabled := !c.enabled[kind]
	c.enabled[kind] = enabled
	for _, track := range c.local.TracksByKind(kind) {
		track.SetEnabled(enabled)
	}

	return enabled
}

func (c *trackController) outgoingVideo() *media.Track {
	for _, track := range c.endpoint.OutgoingTracks() {
		if track.Kind() == media.KindVideo {
			return track
		}
	}
	return nil
}

// startScreenShare swaps the outgoing camera track with a screen capture
// track in the same sender slot. It's a no-op while already sharing.
func (c *trackController) startScreenShare(ctx context.Context) error {
	c.mut.Lock()
	if c.released {
		c.mut.Unlock()
		return ErrSessionClosed
	}
	if c.screen != nil {
		c.mut.Unlock()
		return nil
	}
	c.mut.Unlock()

	screen, err := c.provider.AcquireScreenCapture(ctx)
	if err != nil {
		return err
	}

	c.mut.Lock()
	defer c.mut.Unlock()

	if c.released {
		screen.Stop()
		return ErrSessionClosed
	}
	if c.screen != nil {
		screen.Stop()
		return nil
	}

	camera := c.outgoingVideo()
	if camera == nil {
		screen.Stop()
		return fmt.Errorf("no outgoing video track to replace")
	}

	screen.SetEnabled(c.enabled[media.KindVideo])

	if err := c.endpoint.ReplaceTrack(camera, screen); err != nil {
		screen.Stop()
		return fmt.Errorf("failed to replace track: %w", err)
	}
	if !c.local.ReplaceTrack(camera, screen) {
		c.log.Warn("camera track not found in local stream", mlog.String("trackID", camera.ID()))
	}

	c.screen = screen
	c.parked = camera
	c.unsubscribe = screen.OnEnded(func() {
		c.log.Debug("screen track ended", mlog.String("trackID", screen.ID()))
		c.mut.Lock()
		defer c.mut.Unlock()
		c.revertLocked(screen)
	})
	c.metrics.IncTrackSubstitutions("screen_start")

	c.log.Debug("screen share started",
		mlog.String("screenTrackID", screen.ID()),
		mlog.String("cameraTrackID", camera.ID()),
	)

	// The track could have ended before we subscribed.
	if screen.Ended() {
		c.revertLocked(screen)
	}

	return nil
}

// stopScreenShare restores the camera track. Calling it when not sharing is a
// no-op.
func (c *trackController) stopScreenShare() {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.revertLocked(c.screen)
}

func (c *trackController) revertLocked(screen *media.Track) {
	if screen == nil || c.screen != screen {
		return
	}

	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}

	camera := c.parked
	camera.SetEnabled(c.enabled[media.KindVideo])

	if err := c.endpoint.ReplaceTrack(screen, camera); err != nil {
		c.log.Warn("failed to restore camera track", mlog.Err(err))
	}
	if !c.local.ReplaceTrack(screen, camera) {
		c.log.Warn("screen track not found in local stream", mlog.String("trackID", screen.ID()))
	}

	screen.Stop()
	c.screen = nil
	c.parked = nil
	c.metrics.IncTrackSubstitutions("screen_stop")

	c.log.Debug("screen share stopped", mlog.String("cameraTrackID", camera.ID()))
}

// release stops the tracks only the controller knows about. Tracks in the
// local stream are stopped by the caller.
func (c *trackController) release() {
	c.mut.Lock()
	defer c.mut.Unlock()

	if c.released {
		return
	}
	c.released = true

	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}

	if c.screen != nil {
		c.screen.Stop()
		c.screen = nil
	}

	if c.parked != nil {
		c.parked.Stop()
		c.parked = nil
	}
}
