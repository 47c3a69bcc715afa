// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bizlink/callcore/service/media"
	"github.com/bizlink/callcore/service/perf"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewEngine(t *testing.T) {
	log := setupLogger(t)
	metrics := perf.NewMetrics("callcore", nil)
	provider, err := media.NewSyntheticProvider(media.Config{}, log)
	require.NoError(t, err)

	t.Run("invalid config", func(t *testing.T) {
		e, err := NewEngine(EngineConfig{}, log, metrics, provider)
		require.Error(t, err)
		require.Nil(t, e)
	})

	t.Run("missing log", func(t *testing.T) {
		e, err := NewEngine(newTestConfig(), nil, metrics, provider)
		require.EqualError(t, err, "log should not be nil")
		require.Nil(t, e)
	})

	t.Run("missing metrics", func(t *testing.T) {
		e, err := NewEngine(newTestConfig(), log, nil, provider)
		require.EqualError(t, err, "metrics should not be nil")
		require.Nil(t, e)
	})

	t.Run("missing provider", func(t *testing.T) {
		e, err := NewEngine(newTestConfig(), log, metrics, nil)
		require.EqualError(t, err, "provider should not be nil")
		require.Nil(t, e)
	})

	t.Run("invalid option", func(t *testing.T) {
		e, err := NewEngine(newTestConfig(), log, metrics, provider, WithEndpointFactory(nil))
		require.EqualError(t, err, "failed to apply option: factory should not be nil")
		require.Nil(t, e)
	})

	t.Run("valid", func(t *testing.T) {
		e, err := NewEngine(newTestConfig(), log, metrics, provider)
		require.NoError(t, err)
		require.NotNil(t, e)
		require.IsType(t, &LoopbackNetwork{}, e.factory)
		require.Equal(t, SessionStateIdle, e.State())
		require.Nil(t, e.Session())
		require.Equal(t, LocalStreamID, e.LocalStream().ID())
		require.Equal(t, RemoteStreamID, e.RemoteStream().ID())
		require.NoError(t, e.Close())
	})
}

func TestStartCall(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		e := setupEngine(t, newTestConfig(), nil)

		localStream := e.LocalStream()
		remoteStream := e.RemoteStream()

		s, err := e.StartCall(context.Background())
		require.NoError(t, err)
		require.NotNil(t, s)
		require.NotEmpty(t, s.ID())
		require.Equal(t, SessionStateConnected, s.State())
		require.Equal(t, SessionStateConnected, e.State())
		require.Equal(t, s, e.Session())

		// stream handles are stable.
		require.Same(t, localStream, e.LocalStream())
		require.Same(t, remoteStream, e.RemoteStream())

		require.Len(t, localStream.AudioTracks(), 1)
		require.Len(t, localStream.VideoTracks(), 1)
		require.Len(t, remoteStream.AudioTracks(), 1)
		require.Len(t, remoteStream.VideoTracks(), 1)
		require.Equal(t, 2, e.provider.ActiveTracks())

		local := s.Endpoint(RoleLocal)
		remote := s.Endpoint(RoleRemote)
		require.ElementsMatch(t, localStream.Tracks(), local.OutgoingTracks())
		require.ElementsMatch(t, remoteStream.Tracks(), remote.IncomingTracks())

		require.Eventually(t, func() bool {
			return local.State() == EndpointStateConnected && remote.State() == EndpointStateConnected
		}, time.Second, 10*time.Millisecond)

		require.Equal(t, float64(1), testutil.ToFloat64(e.metrics.Calls))
		require.Equal(t, float64(1), testutil.ToFloat64(e.metrics.SignalingCounters.WithLabelValues("offer")))
		require.Equal(t, float64(1), testutil.ToFloat64(e.metrics.SignalingCounters.WithLabelValues("answer")))

		info := e.Info()
		require.Equal(t, s.ID(), info.SessionID)
		require.Equal(t, s.CreateAt().UnixMilli(), info.CreateAt)
		require.NotZero(t, info.CreateAt)
		require.Equal(t, "connected", info.State)
		require.True(t, info.AudioEnabled)
		require.True(t, info.VideoEnabled)
		require.False(t, info.ScreenSharing)
		require.Len(t, info.LocalTracks, 2)
		require.Len(t, info.RemoteTracks, 2)
	})

	t.Run("already active", func(t *testing.T) {
		e := setupEngine(t, newTestConfig(), nil)

		s, err := e.StartCall(context.Background())
		require.NoError(t, err)

		s2, err := e.StartCall(context.Background())
		require.ErrorIs(t, err, ErrAlreadyActive)
		require.Nil(t, s2)

		require.Equal(t, s, e.Session())
		require.Equal(t, SessionStateConnected, e.State())
		require.Equal(t, 2, e.LocalStream().Len())
		require.Equal(t, 2, e.RemoteStream().Len())
		require.Equal(t, 2, e.provider.ActiveTracks())
	})

	t.Run("permission denied", func(t *testing.T) {
		e := setupEngine(t, newTestConfig(), nil)
		e.provider.SetPermissionDenied(true)

		s, err := e.StartCall(context.Background())
		require.ErrorIs(t, err, media.ErrPermissionDenied)
		require.NotErrorIs(t, err, ErrSessionClosed)
		require.Nil(t, s)
		require.Equal(t, float64(1), testutil.ToFloat64(e.metrics.CallErrorCounters.WithLabelValues("media")))
		require.Equal(t, SessionStateIdle, e.State())
		require.Zero(t, e.LocalStream().Len())
		require.Zero(t, e.provider.ActiveTracks())

		// the slot is free again.
		e.provider.SetPermissionDenied(false)
		s, err = e.StartCall(context.Background())
		require.NoError(t, err)
		require.NotNil(t, s)
	})

	t.Run("device unavailable", func(t *testing.T) {
		e := setupEngine(t, newTestConfig(), nil)
		e.provider.SetDeviceUnavailable(media.SourceCamera, true)

		_, err := e.StartCall(context.Background())
		require.ErrorIs(t, err, media.ErrDeviceUnavailable)
		require.NotErrorIs(t, err, ErrSessionClosed)
		require.Equal(t, float64(1), testutil.ToFloat64(e.metrics.CallErrorCounters.WithLabelValues("media")))
		require.Zero(t, e.provider.ActiveTracks())
		require.Zero(t, e.LocalStream().Len())
	})

	t.Run("negotiation failure", func(t *testing.T) {
		e := setupEngine(t, newTestConfig(), func(n *LoopbackNetwork) EndpointFactory {
			return &faultyFactory{network: n, role: RoleRemote, step: "answer"}
		})

		s, err := e.StartCall(context.Background())
		require.ErrorIs(t, err, ErrNegotiationFailed)
		require.Nil(t, s)

		var negErr *NegotiationError
		require.True(t, errors.As(err, &negErr))
		require.Equal(t, "create answer", negErr.Step)

		require.Equal(t, SessionStateIdle, e.State())
		require.Zero(t, e.LocalStream().Len())
		require.Zero(t, e.RemoteStream().Len())
		require.Zero(t, e.provider.ActiveTracks())
		require.Zero(t, e.network.Endpoints())
		require.Zero(t, testutil.ToFloat64(e.metrics.Calls))
		require.Equal(t, float64(1), testutil.ToFloat64(e.metrics.CallErrorCounters.WithLabelValues("negotiation")))
	})

	t.Run("endpoint creation failure", func(t *testing.T) {
		e := setupEngine(t, newTestConfig(), func(n *LoopbackNetwork) EndpointFactory {
			return &faultyFactory{network: n, role: RoleRemote, step: "create"}
		})

		_, err := e.StartCall(context.Background())
		require.ErrorIs(t, err, ErrNegotiationFailed)
		require.Zero(t, e.provider.ActiveTracks())
		require.Zero(t, e.network.Endpoints())
	})

	t.Run("timeout", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.NegotiationTimeoutMs = 200
		e := setupEngine(t, cfg, func(n *LoopbackNetwork) EndpointFactory {
			return &faultyFactory{network: n, role: RoleRemote, step: "stall"}
		})

		_, err := e.StartCall(context.Background())
		require.ErrorIs(t, err, ErrNegotiationFailed)
		require.ErrorIs(t, err, context.DeadlineExceeded)

		var negErr *NegotiationError
		require.True(t, errors.As(err, &negErr))
		require.Equal(t, "connect", negErr.Step)
		require.Zero(t, e.provider.ActiveTracks())
	})

	t.Run("without waiting inbound tracks", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.WaitInboundTracks = false
		e := setupEngine(t, cfg, func(n *LoopbackNetwork) EndpointFactory {
			return &faultyFactory{network: n, role: RoleRemote, step: "stall"}
		})

		s, err := e.StartCall(context.Background())
		require.NoError(t, err)
		require.Equal(t, SessionStateConnected, s.State())
		require.Zero(t, e.RemoteStream().Len())
	})

	t.Run("candidate before offer", func(t *testing.T) {
		var signaling *reorderSignaling
		e := setupEngine(t, newTestConfig(), nil, WithSignaling(func() SignalingChannel {
			signaling = newReorderSignaling(setupLogger(t))
			return signaling
		}))

		s, err := e.StartCall(context.Background())
		require.NoError(t, err)

		delivered := signaling.getDelivered()
		require.GreaterOrEqual(t, len(delivered), 2)
		require.Equal(t, []string{"remote:candidate", "remote:offer"}, delivered[:2])

		// the queued candidate got applied once the offer was set.
		require.Eventually(t, func() bool {
			return s.Endpoint(RoleRemote).State() == EndpointStateConnected
		}, time.Second, 10*time.Millisecond)
	})
}

func TestEndCall(t *testing.T) {
	t.Run("no call", func(t *testing.T) {
		e := setupEngine(t, newTestConfig(), nil)
		e.EndCall()
		e.EndCall()
		require.Equal(t, SessionStateIdle, e.State())
	})

	t.Run("idempotent", func(t *testing.T) {
		e := setupEngine(t, newTestConfig(), nil)

		s, err := e.StartCall(context.Background())
		require.NoError(t, err)

		localTracks := e.LocalStream().Tracks()
		remoteTracks := e.RemoteStream().Tracks()

		e.EndCall()

		check := func() {
			require.Equal(t, SessionStateIdle, e.State())
			require.Equal(t, SessionStateClosed, s.State())
			require.Nil(t, e.Session())
			require.Zero(t, e.LocalStream().Len())
			require.Zero(t, e.RemoteStream().Len())
			require.Zero(t, e.provider.ActiveTracks())
			require.Zero(t, e.network.Endpoints())
			require.Equal(t, EndpointStateClosed, s.Endpoint(RoleLocal).State())
			require.Equal(t, EndpointStateClosed, s.Endpoint(RoleRemote).State())
			for _, track := range append(localTracks, remoteTracks...) {
				require.True(t, track.Stopped())
			}
			require.Zero(t, testutil.ToFloat64(e.metrics.Calls))
		}

		check()
		e.EndCall()
		check()
	})

	t.Run("while sharing screen", func(t *testing.T) {
		e := setupEngine(t, newTestConfig(), nil)

		_, err := e.StartCall(context.Background())
		require.NoError(t, err)

		camera := e.LocalStream().VideoTracks()[0]

		require.NoError(t, e.StartScreenShare(context.Background()))
		screen := e.LocalStream().VideoTracks()[0]
		require.Equal(t, 3, e.provider.ActiveTracks())

		e.EndCall()

		require.True(t, camera.Stopped())
		require.True(t, screen.Stopped())
		require.Zero(t, e.provider.ActiveTracks())
		require.Zero(t, e.LocalStream().Len())
	})

	t.Run("during negotiation", func(t *testing.T) {
		cfg := newTestConfig()
		cfg.NegotiationTimeoutMs = 60000
		e := setupEngine(t, cfg, func(n *LoopbackNetwork) EndpointFactory {
			return &faultyFactory{network: n, role: RoleRemote, step: "stall"}
		})

		errCh := make(chan error, 1)
		go func() {
			_, err := e.StartCall(context.Background())
			errCh <- err
		}()

		require.Eventually(t, func() bool {
			return e.State() == SessionStateNegotiating
		}, time.Second, 10*time.Millisecond)

		e.EndCall()

		select {
		case err := <-errCh:
			require.ErrorIs(t, err, ErrSessionClosed)
		case <-time.After(5 * time.Second):
			require.Fail(t, "timed out waiting for StartCall to return")
		}

		require.Equal(t, SessionStateIdle, e.State())
		require.Zero(t, e.LocalStream().Len())
		require.Zero(t, e.provider.ActiveTracks())
		require.Zero(t, e.network.Endpoints())
	})

	t.Run("new call after end", func(t *testing.T) {
		e := setupEngine(t, newTestConfig(), nil)

		s1, err := e.StartCall(context.Background())
		require.NoError(t, err)
		require.False(t, e.ToggleAudio())
		require.False(t, e.ToggleVideo())
		e.EndCall()

		s2, err := e.StartCall(context.Background())
		require.NoError(t, err)
		require.NotEqual(t, s1.ID(), s2.ID())
		require.Greater(t, s2.Generation(), s1.Generation())

		// mic and camera start enabled on every call.
		info := e.Info()
		require.True(t, info.AudioEnabled)
		require.True(t, info.VideoEnabled)
		for _, track := range e.LocalStream().Tracks() {
			require.True(t, track.Enabled())
		}
		require.Equal(t, 2, e.provider.ActiveTracks())
	})

	t.Run("teardown on done", func(t *testing.T) {
		e := setupEngine(t, newTestConfig(), nil)

		ctx, cancel := context.WithCancel(context.Background())
		stop := e.TeardownOnDone(ctx)
		defer stop()

		_, err := e.StartCall(context.Background())
		require.NoError(t, err)

		cancel()

		require.Eventually(t, func() bool {
			return e.State() == SessionStateIdle && e.provider.ActiveTracks() == 0
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("teardown hook removed", func(t *testing.T) {
		e := setupEngine(t, newTestConfig(), nil)

		ctx, cancel := context.WithCancel(context.Background())
		stop := e.TeardownOnDone(ctx)
		require.True(t, stop())

		_, err := e.StartCall(context.Background())
		require.NoError(t, err)

		cancel()
		time.Sleep(50 * time.Millisecond)
		require.Equal(t, SessionStateConnected, e.State())
	})
}

func TestToggle(t *testing.T) {
	t.Run("no call", func(t *testing.T) {
		e := setupEngine(t, newTestConfig(), nil)
		require.False(t, e.ToggleAudio())
		require.False(t, e.ToggleVideo())
	})

	t.Run("parity", func(t *testing.T) {
		e := setupEngine(t, newTestConfig(), nil)

		_, err := e.StartCall(context.Background())
		require.NoError(t, err)

		for _, tc := range []struct {
			kind   media.Kind
			toggle func() bool
		}{
			{media.KindAudio, e.ToggleAudio},
			{media.KindVideo, e.ToggleVideo},
		} {
			track := e.LocalStream().TracksByKind(tc.kind)[0]
			for n := 1; n <= 5; n++ {
				enabled := tc.toggle()
				require.Equal(t, n%2 == 0, enabled)
				require.Equal(t, enabled, track.Enabled())
				// muting never removes tracks.
				require.Equal(t, 2, e.LocalStream().Len())
				require.Len(t, e.Session().Endpoint(RoleLocal).OutgoingTracks(), 2)
				require.False(t, track.Stopped())
			}
		}

		// the other kind isn't affected.
		require.False(t, e.LocalStream().AudioTracks()[0].Enabled())
		require.False(t, e.LocalStream().VideoTracks()[0].Enabled())
		require.True(t, e.ToggleAudio())
		require.True(t, e.LocalStream().AudioTracks()[0].Enabled())
		require.False(t, e.LocalStream().VideoTracks()[0].Enabled())
	})
}

func TestScreenShare(t *testing.T) {
	t.Run("no call", func(t *testing.T) {
		e := setupEngine(t, newTestConfig(), nil)
		require.NoError(t, e.StartScreenShare(context.Background()))
		e.StopScreenShare()
		require.Zero(t, e.provider.ActiveTracks())
		require.Zero(t, e.LocalStream().Len())
	})

	t.Run("after end", func(t *testing.T) {
		e := setupEngine(t, newTestConfig(), nil)

		_, err := e.StartCall(context.Background())
		require.NoError(t, err)
		e.EndCall()

		require.NoError(t, e.StartScreenShare(context.Background()))
		require.Zero(t, e.provider.ActiveTracks())
		require.Zero(t, e.LocalStream().Len())
		require.Equal(t, SessionStateIdle, e.State())
		require.Zero(t, testutil.ToFloat64(e.metrics.CallErrorCounters.WithLabelValues("screen_share")))
	})

	t.Run("substitution keeps slots", func(t *testing.T) {
		e := setupEngine(t, newTestConfig(), nil)

		s, err := e.StartCall(context.Background())
		require.NoError(t, err)

		local := s.Endpoint(RoleLocal)
		camera := e.LocalStream().VideoTracks()[0]
		require.Len(t, local.OutgoingTracks(), 2)

		require.NoError(t, e.StartScreenShare(context.Background()))

		require.Len(t, local.OutgoingTracks(), 2)
		require.Equal(t, 2, e.LocalStream().Len())

		screen := e.LocalStream().VideoTracks()[0]
		require.Equal(t, media.SourceScreen, screen.Source())
		require.Contains(t, local.OutgoingTracks(), screen)
		require.NotContains(t, local.OutgoingTracks(), camera)

		// the camera is parked, not stopped.
		require.False(t, camera.Stopped())
		require.Equal(t, 3, e.provider.ActiveTracks())

		info := e.Info()
		require.True(t, info.ScreenSharing)
		require.Eventually(t, func() bool {
			for _, ti := range e.Info().RemoteTracks {
				if ti.Kind == media.KindVideo {
					return ti.Source == media.SourceScreen
				}
			}
			return false
		}, time.Second, 10*time.Millisecond)

		require.Equal(t, float64(1), testutil.ToFloat64(e.metrics.SubstitutionCounters.WithLabelValues("screen_start")))
	})

	t.Run("already sharing", func(t *testing.T) {
		e := setupEngine(t, newTestConfig(), nil)

		_, err := e.StartCall(context.Background())
		require.NoError(t, err)

		require.NoError(t, e.StartScreenShare(context.Background()))
		screen := e.LocalStream().VideoTracks()[0]

		require.NoError(t, e.StartScreenShare(context.Background()))
		require.Same(t, screen, e.LocalStream().VideoTracks()[0])
		require.Equal(t, 3, e.provider.ActiveTracks())
	})

	t.Run("stop", func(t *testing.T) {
		e := setupEngine(t, newTestConfig(), nil)

		s, err := e.StartCall(context.Background())
		require.NoError(t, err)
		camera := e.LocalStream().VideoTracks()[0]

		require.NoError(t, e.StartScreenShare(context.Background()))
		screen := e.LocalStream().VideoTracks()[0]

		e.StopScreenShare()

		require.True(t, screen.Stopped())
		require.False(t, camera.Stopped())
		require.Same(t, camera, e.LocalStream().VideoTracks()[0])
		require.Contains(t, s.Endpoint(RoleLocal).OutgoingTracks(), camera)
		require.Equal(t, 2, e.provider.ActiveTracks())
		require.False(t, e.Info().ScreenSharing)

		// stopping again is inert.
		e.StopScreenShare()
		require.Same(t, camera, e.LocalStream().VideoTracks()[0])
		require.Equal(t, 2, e.provider.ActiveTracks())
	})

	t.Run("auto revert", func(t *testing.T) {
		e := setupEngine(t, newTestConfig(), nil)

		s, err := e.StartCall(context.Background())
		require.NoError(t, err)
		camera := e.LocalStream().VideoTracks()[0]

		require.NoError(t, e.StartScreenShare(context.Background()))
		screen := e.LocalStream().VideoTracks()[0]

		// the host ends the capture.
		screen.End()

		require.True(t, screen.Stopped())
		require.Same(t, camera, e.LocalStream().VideoTracks()[0])
		require.Contains(t, s.Endpoint(RoleLocal).OutgoingTracks(), camera)
		require.NotContains(t, s.Endpoint(RoleLocal).OutgoingTracks(), screen)
		require.Equal(t, 2, e.provider.ActiveTracks())
		require.False(t, e.Info().ScreenSharing)

		// a manual stop after the auto revert does nothing.
		e.StopScreenShare()
		require.Same(t, camera, e.LocalStream().VideoTracks()[0])
		require.False(t, camera.Stopped())
	})

	t.Run("video state follows substitution", func(t *testing.T) {
		e := setupEngine(t, newTestConfig(), nil)

		_, err := e.StartCall(context.Background())
		require.NoError(t, err)
		camera := e.LocalStream().VideoTracks()[0]

		require.False(t, e.ToggleVideo())

		require.NoError(t, e.StartScreenShare(context.Background()))
		screen := e.LocalStream().VideoTracks()[0]
		require.False(t, screen.Enabled())

		require.True(t, e.ToggleVideo())
		require.True(t, screen.Enabled())

		require.False(t, e.ToggleVideo())
		e.StopScreenShare()
		require.False(t, camera.Enabled())
		require.True(t, e.ToggleVideo())
		require.True(t, camera.Enabled())
	})

	t.Run("user cancelled", func(t *testing.T) {
		e := setupEngine(t, newTestConfig(), nil)

		s, err := e.StartCall(context.Background())
		require.NoError(t, err)
		camera := e.LocalStream().VideoTracks()[0]

		e.provider.SetScreenCaptureCancelled(true)
		err = e.StartScreenShare(context.Background())
		require.ErrorIs(t, err, media.ErrUserCancelled)

		require.Equal(t, SessionStateConnected, e.State())
		require.Same(t, camera, e.LocalStream().VideoTracks()[0])
		require.Contains(t, s.Endpoint(RoleLocal).OutgoingTracks(), camera)
		require.Equal(t, 2, e.provider.ActiveTracks())
		require.Zero(t, testutil.ToFloat64(e.metrics.CallErrorCounters.WithLabelValues("screen_share")))
	})
}

func TestCallScenario(t *testing.T) {
	e := setupEngine(t, newTestConfig(), nil)

	s, err := e.StartCall(context.Background())
	require.NoError(t, err)
	require.Equal(t, SessionStateConnected, s.State())
	require.Len(t, e.LocalStream().AudioTracks(), 1)
	require.Len(t, e.LocalStream().VideoTracks(), 1)
	require.Len(t, e.RemoteStream().AudioTracks(), 1)
	require.Len(t, e.RemoteStream().VideoTracks(), 1)

	mic := e.LocalStream().AudioTracks()[0]
	camera := e.LocalStream().VideoTracks()[0]

	// Muting the camera keeps the track in place.
	require.False(t, e.ToggleVideo())
	require.False(t, camera.Enabled())
	require.Same(t, camera, e.LocalStream().VideoTracks()[0])
	require.True(t, mic.Enabled())

	require.NoError(t, e.StartScreenShare(context.Background()))
	screen := e.LocalStream().VideoTracks()[0]
	require.Equal(t, media.SourceScreen, screen.Source())
	require.False(t, screen.Enabled())
	require.Contains(t, s.Endpoint(RoleLocal).OutgoingTracks(), screen)

	// The host ends the capture.
	screen.End()
	require.Same(t, camera, e.LocalStream().VideoTracks()[0])
	require.Equal(t, media.SourceCamera, e.LocalStream().VideoTracks()[0].Source())
	require.False(t, camera.Enabled())
	require.Contains(t, s.Endpoint(RoleLocal).OutgoingTracks(), camera)
	require.True(t, screen.Stopped())

	e.EndCall()

	require.Zero(t, e.LocalStream().Len())
	require.Zero(t, e.RemoteStream().Len())
	for _, track := range []*media.Track{mic, camera, screen} {
		require.True(t, track.Stopped())
	}
	require.Zero(t, e.provider.ActiveTracks())
	require.Equal(t, SessionStateIdle, e.State())
	require.Equal(t, SessionStateClosed, s.State())
}
