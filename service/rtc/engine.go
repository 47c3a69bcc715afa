// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bizlink/callcore/service/media"
	"github.com/bizlink/callcore/service/random"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

const (
	LocalStreamID  = "local"
	RemoteStreamID = "remote"
)

type Option func(e *Engine) error

// WithEndpointFactory overrides the endpoint implementation selected by the
// configured transport.
func WithEndpointFactory(factory EndpointFactory) Option {
	return func(e *Engine) error {
		if factory == nil {
			return fmt.Errorf("factory should not be nil")
		}
		e.factory = factory
		return nil
	}
}

// WithSignaling lets the caller provide the signaling channel used by each
// new call.
func WithSignaling(newSignaling func() SignalingChannel) Option {
	return func(e *Engine) error {
		if newSignaling == nil {
			return fmt.Errorf("newSignaling should not be nil")
		}
		e.newSignaling = newSignaling
		return nil
	}
}

// Engine owns the lifecycle of at most one call at a time.
type Engine struct {
	cfg          EngineConfig
	log          mlog.LoggerIFace
	metrics      Metrics
	provider     media.Provider
	factory      EndpointFactory
	newSignaling func() SignalingChannel

	localStream  *media.Stream
	remoteStream *media.Stream

	generation atomic.Uint64
	session    *CallSession
	mut        sync.RWMutex

	// opMut serializes the operations mutating the call.
	opMut sync.Mutex
}

func NewEngine(cfg EngineConfig, log mlog.LoggerIFace, metrics Metrics, provider media.Provider, opts ...Option) (*Engine, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}
	if log == nil {
		return nil, fmt.Errorf("log should not be nil")
	}
	if metrics == nil {
		return nil, fmt.Errorf("metrics should not be nil")
	}
	if provider == nil {
		return nil, fmt.Errorf("provider should not be nil")
	}

	e := &Engine{
		cfg:          cfg,
		log:          log,
		metrics:      metrics,
		provider:     provider,
		localStream:  media.NewStream(LocalStreamID),
		remoteStream: media.NewStream(RemoteStreamID),
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if e.factory == nil {
		switch cfg.Transport {
		case TransportWebRTC:
			factory, err := NewWebRTCFactory(cfg, log)
			if err != nil {
				return nil, fmt.Errorf("failed to create webrtc factory: %w", err)
			}
			e.factory = factory
		default:
			e.factory = NewLoopbackNetwork(log)
		}
	}

	if e.newSignaling == nil {
		e.newSignaling = func() SignalingChannel {
			return NewLoopbackSignaling(log)
		}
	}

	return e, nil
}

// LocalStream returns the handle holding the outgoing local tracks. The
// handle is the same for the whole lifetime of the engine.
func (e *Engine) LocalStream() *media.Stream {
	return e.localStream
}

// RemoteStream returns the handle holding the tracks received from the
// remote endpoint.
func (e *Engine) RemoteStream() *media.Stream {
	return e.remoteStream
}

func (e *Engine) getSession() *CallSession {
	e.mut.RLock()
	defer e.mut.RUnlock()
	return e.session
}

// Session returns the active call, if any.
func (e *Engine) Session() *CallSession {
	return e.getSession()
}

func (e *Engine) State() SessionState {
	if s := e.getSession(); s != nil {
		return s.State()
	}
	return SessionStateIdle
}

// StartCall acquires the local media and negotiates a new call. Only one call
// can be active at a time.
func (e *Engine) StartCall(ctx context.Context) (*CallSession, error) {
	e.opMut.Lock()
	defer e.opMut.Unlock()

	e.mut.Lock()
	if e.session != nil {
		e.mut.Unlock()
		e.metrics.IncCallErrors("already_active")
		return nil, ErrAlreadyActive
	}
	gen := e.generation.Add(1)
	s := newCallSession(random.NewID(), gen)
	s.negotiator = newNegotiator(e.cfg, e.log.With(mlog.String("sessionID", s.id)), e.metrics, e.factory,
		e.newSignaling(), e.remoteStream, func() bool {
			return e.generation.Load() == gen && !s.closing()
		})
	e.session = s
	e.mut.Unlock()

	log := e.log.With(mlog.String("sessionID", s.id))
	log.Debug("starting call", mlog.Uint("generation", gen))

	ctx, cancel := s.withSessionContext(ctx)
	defer cancel()

	startAt := time.Now()

	stream, err := e.provider.AcquireCameraAndMicrophone(ctx)
	if err != nil {
		closing := s.closing()
		e.teardown(s)
		if closing {
			return nil, ErrSessionClosed
		}
		e.metrics.IncCallErrors("media")
		return nil, fmt.Errorf("failed to acquire media: %w", err)
	}

	for _, track := range stream.Tracks() {
		e.localStream.AddTrack(track)
	}

	if s.closing() {
		e.teardown(s)
		return nil, ErrSessionClosed
	}

	if err := s.negotiator.start(e.localStream.Tracks()); err != nil {
		return nil, e.failCall(s, err)
	}

	if err := s.negotiator.negotiate(ctx); err != nil {
		return nil, e.failCall(s, err)
	}

	s.setController(newTrackController(log, e.metrics, e.provider, e.localStream, s.Endpoint(RoleLocal)))

	e.metrics.ObserveNegotiationTime(time.Since(startAt).Seconds())
	e.metrics.IncCalls()

	log.Info("call connected",
		mlog.Int("localTracks", e.localStream.Len()),
		mlog.Int("remoteTracks", e.remoteStream.Len()),
	)

	return s, nil
}

func (e *Engine) failCall(s *CallSession, err error) error {
	closing := s.closing()
	e.teardown(s)

	if closing || errors.Is(err, ErrSessionClosed) {
		return ErrSessionClosed
	}

	e.metrics.IncCallErrors("negotiation")
	e.log.Error("call negotiation failed", mlog.String("sessionID", s.id), mlog.Err(err))

	if !errors.Is(err, ErrNegotiationFailed) {
		err = newNegotiationError("start", err)
	}

	return err
}

// EndCall tears down the active call, if any. In-flight work of the call is
// cancelled before waiting for it to return. It's safe to call multiple times.
func (e *Engine) EndCall() {
	s := e.getSession()
	if s == nil {
		return
	}

	s.cancel()
	e.generation.Add(1)

	e.opMut.Lock()
	defer e.opMut.Unlock()
	e.teardown(s)
}

// teardown must be called with opMut held.
func (e *Engine) teardown(s *CallSession) {
	e.mut.Lock()
	if e.session != s {
		e.mut.Unlock()
		return
	}
	e.session = nil
	e.mut.Unlock()

	s.cancel()

	wasConnected := s.State() == SessionStateConnected

	if c := s.getController(); c != nil {
		c.release()
	}

	s.negotiator.close()

	for _, track := range e.localStream.Clear() {
		track.Stop()
	}
	for _, track := range e.remoteStream.Clear() {
		track.Stop()
	}

	if wasConnected {
		e.metrics.DecCalls()
	}

	e.log.Info("call ended",
		mlog.String("sessionID", s.id),
		mlog.String("duration", time.Since(s.CreateAt()).Round(time.Millisecond).String()),
	)
}

// TeardownOnDone ends the call, if any, once ctx is done. The returned
// function deregisters the hook.
func (e *Engine) TeardownOnDone(ctx context.Context) func() bool {
	return context.AfterFunc(ctx, e.EndCall)
}

func (e *Engine) activeController() *trackController {
	s := e.getSession()
	if s == nil {
		return nil
	}
	return s.getController()
}

func (e *Engine) toggle(kind media.Kind) bool {
	e.opMut.Lock()
	defer e.opMut.Unlock()

	c := e.activeController()
	if c == nil {
		return false
	}

	return c.toggle(kind)
}

// ToggleAudio mutes or unmutes the microphone and returns whether it's now
// enabled. It's a no-op returning false when no call is connected.
func (e *Engine) ToggleAudio() bool {
	return e.toggle(media.KindAudio)
}

// ToggleVideo behaves like ToggleAudio for the outgoing video track, either
// camera or screen.
func (e *Engine) ToggleVideo() bool {
	return e.toggle(media.KindVideo)
}

func (e *Engine) StartScreenShare(ctx context.Context) error {
	e.opMut.Lock()
	defer e.opMut.Unlock()

	var c *trackController
	s := e.getSession()
	if s != nil {
		c = s.getController()
	}
	if c == nil {
		e.log.Debug("no connected call, ignoring screen share request")
		return nil
	}

	ctx, cancel := s.withSessionContext(ctx)
	defer cancel()

	if err := c.startScreenShare(ctx); err != nil {
		if s.closing() {
			e.log.Debug("call ended while starting screen share", mlog.Err(err))
			return nil
		}
		if errors.Is(err, media.ErrUserCancelled) {
			e.log.Debug("screen share cancelled by user")
		} else {
			e.metrics.IncCallErrors("screen_share")
		}
		return err
	}

	return nil
}

func (e *Engine) StopScreenShare() {
	e.opMut.Lock()
	defer e.opMut.Unlock()

	if c := e.activeController(); c != nil {
		c.stopScreenShare()
	}
}

// Close ends the active call, if any.
func (e *Engine) Close() error {
	e.EndCall()
	return nil
}

type TrackInfo struct {
	ID      string       `json:"id"`
	Kind    media.Kind   `json:"kind"`
	Source  media.Source `json:"source"`
	Enabled bool         `json:"enabled"`
}

type CallInfo struct {
	SessionID     string      `json:"session_id,omitempty"`
	CreateAt      int64       `json:"create_at,omitempty"`
	State         string      `json:"state"`
	AudioEnabled  bool        `json:"audio_enabled"`
	VideoEnabled  bool        `json:"video_enabled"`
	ScreenSharing bool        `json:"screen_sharing"`
	LocalTracks   []TrackInfo `json:"local_tracks"`
	RemoteTracks  []TrackInfo `json:"remote_tracks"`
}

type sourceReporter interface {
	ReceivedSource(trackID string) (media.Source, bool)
}

func newTrackInfo(track *media.Track) TrackInfo {
	return TrackInfo{
		ID:      track.ID(),
		Kind:    track.Kind(),
		Source:  track.Source(),
		Enabled: track.Enabled(),
	}
}

// Info returns a snapshot of the current call.
func (e *Engine) Info() CallInfo {
	info := CallInfo{
		State:        SessionStateIdle.String(),
		LocalTracks:  []TrackInfo{},
		RemoteTracks: []TrackInfo{},
	}

	s := e.getSession()
	if s == nil {
		return info
	}

	info.SessionID = s.ID()
	info.CreateAt = s.CreateAt().UnixMilli()
	info.State = s.State().String()

	if c := s.getController(); c != nil {
		info.AudioEnabled = c.isEnabled(media.KindAudio)
		info.VideoEnabled = c.isEnabled(media.KindVideo)
		info.ScreenSharing = c.isSharing()
	}

	for _, track := range e.localStream.Tracks() {
		info.LocalTracks = append(info.LocalTracks, newTrackInfo(track))
	}

	reporter, _ := s.Endpoint(RoleRemote).(sourceReporter)
	for _, track := range e.remoteStream.Tracks() {
		ti := newTrackInfo(track)
		if reporter != nil {
			if source, ok := reporter.ReceivedSource(track.ID()); ok {
				ti.Source = source
			}
		}
		info.RemoteTracks = append(info.RemoteTracks, ti)
	}

	return info
}
