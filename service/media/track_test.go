// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package media

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewTrack(t *testing.T) {
	track := NewTrack(SourceCamera)
	require.True(t, strings.HasPrefix(track.ID(), "camera_"))
	require.Equal(t, KindVideo, track.Kind())
	require.Equal(t, SourceCamera, track.Source())
	require.True(t, track.Enabled())
	require.False(t, track.Stopped())

	track = NewTrack(SourceMicrophone)
	require.Equal(t, KindAudio, track.Kind())

	track = NewRemoteTrack("remote_id", KindAudio)
	require.Equal(t, "remote_id", track.ID())
	require.Equal(t, SourceRemote, track.Source())
}

func TestTrackStop(t *testing.T) {
	var released int
	track := newTrack("id", KindVideo, SourceCamera, func(*Track) {
		released++
	})

	var ended bool
	track.OnEnded(func() {
		ended = true
	})

	track.Stop()
	track.Stop()
	require.True(t, track.Stopped())
	require.False(t, track.Ended())
	require.Equal(t, 1, released)

	// Stopping a track is not an end of life signal.
	track.End()
	require.False(t, ended)
	require.Equal(t, 1, released)
}

func TestTrackEnd(t *testing.T) {
	t.Run("notifies subscribers once", func(t *testing.T) {
		var released int
		track := newTrack("id", KindVideo, SourceScreen, func(*Track) {
			released++
		})

		var calls []int
		track.OnEnded(func() { calls = append(calls, 1) })
		track.OnEnded(func() { calls = append(calls, 2) })

		track.End()
		track.End()
		require.Equal(t, []int{1, 2}, calls)
		require.True(t, track.Ended())
		require.True(t, track.Stopped())
		require.Equal(t, 1, released)
		require.Zero(t, track.subscribers())
	})

	t.Run("unsubscribe", func(t *testing.T) {
		track := NewTrack(SourceScreen)

		var called bool
		unsubscribe := track.OnEnded(func() { called = true })
		require.Equal(t, 1, track.subscribers())
		unsubscribe()
		unsubscribe()
		require.Zero(t, track.subscribers())

		track.End()
		require.False(t, called)
	})

	t.Run("subscriber can stop the track", func(t *testing.T) {
		track := NewTrack(SourceScreen)
		track.OnEnded(func() {
			track.Stop()
		})
		track.End()
		require.True(t, track.Stopped())
	})
}

func TestTrackEnabled(t *testing.T) {
	track := NewTrack(SourceMicrophone)
	track.SetEnabled(false)
	require.False(t, track.Enabled())
	track.SetEnabled(true)
	require.True(t, track.Enabled())
}
