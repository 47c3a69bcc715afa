// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/bizlink/callcore/service/media"
	"github.com/bizlink/callcore/service/random"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"golang.org/x/time/rate"
)

const (
	nackResponderBufferSize = 256
	mediaPumpInterval       = 20 * time.Millisecond
	syntheticPayloadSize    = 160
	// Keyframe requests are honored at most this often per sender.
	keyframeRequestInterval = time.Second
)

var (
	videoRTCPFeedback = []webrtc.RTCPFeedback{
		{Type: "nack", Parameter: ""},
		{Type: "nack", Parameter: "pli"},
	}
	rtpAudioCodec = webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}
	rtpVideoCodec = webrtc.RTPCodecCapability{
		MimeType:     webrtc.MimeTypeVP8,
		ClockRate:    90000,
		RTCPFeedback: videoRTCPFeedback,
	}
)

func codecForKind(kind media.Kind) webrtc.RTPCodecCapability {
	if kind == media.KindAudio {
		return rtpAudioCodec
	}
	return rtpVideoCodec
}

func initMediaEngine() (*webrtc.MediaEngine, error) {
	var m webrtc.MediaEngine
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: rtpAudioCodec,
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: rtpVideoCodec,
		PayloadType:        96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, err
	}
	return &m, nil
}

func initInterceptors(m *webrtc.MediaEngine) (*interceptor.Registry, error) {
	var i interceptor.Registry

	generator, err := nack.NewGeneratorInterceptor()
	if err != nil {
		return nil, err
	}
	responder, err := nack.NewResponderInterceptor(nack.ResponderSize(nackResponderBufferSize))
	if err != nil {
		return nil, err
	}
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack"}, webrtc.RTPCodecTypeVideo)
	m.RegisterFeedback(webrtc.RTCPFeedback{Type: "nack", Parameter: "pli"}, webrtc.RTPCodecTypeVideo)
	i.Add(responder)
	i.Add(generator)

	if err := webrtc.ConfigureRTCPReports(&i); err != nil {
		return nil, err
	}

	return &i, nil
}

func initSettingEngine(cfg EngineConfig, log mlog.LoggerIFace) webrtc.SettingEngine {
	sEngine := webrtc.SettingEngine{
		LoggerFactory: newPionLoggerFactory(log),
	}
	sEngine.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	networkTypes := []webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
	}
	if cfg.EnableIPv6 {
		networkTypes = append(networkTypes, webrtc.NetworkTypeUDP6)
	}
	sEngine.SetNetworkTypes(networkTypes)
	sEngine.SetIncludeLoopbackCandidate(true)
	return sEngine
}

// WebRTCFactory creates endpoints backed by real peer connections.
type WebRTCFactory struct {
	api        *webrtc.API
	iceServers ICEServers
	turn       TURNConfig
	log        mlog.LoggerIFace
}

func NewWebRTCFactory(cfg EngineConfig, log mlog.LoggerIFace) (*WebRTCFactory, error) {
	if log == nil {
		return nil, fmt.Errorf("log should not be nil")
	}

	mEngine, err := initMediaEngine()
	if err != nil {
		return nil, fmt.Errorf("failed to init media engine: %w", err)
	}

	iRegistry, err := initInterceptors(mEngine)
	if err != nil {
		return nil, fmt.Errorf("failed to init interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mEngine),
		webrtc.WithSettingEngine(initSettingEngine(cfg, log)),
		webrtc.WithInterceptorRegistry(iRegistry),
	)

	return &WebRTCFactory{
		api:        api,
		iceServers: cfg.ICEServers,
		turn:       cfg.TURN,
		log:        log,
	}, nil
}

func (f *WebRTCFactory) NewEndpoint(role Role) (Endpoint, error) {
	streamID := "stream_" + random.NewShortID(8)

	iceServers, err := withTURNCredentials(f.iceServers, f.turn, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to generate TURN credentials: %w", err)
	}

	pc, err := f.api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   iceServers.toWebRTC(),
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	e := &webrtcEndpoint{
		role:     role,
		log:      f.log.With(mlog.String("role", string(role))),
		pc:       pc,
		streamID: streamID,
		closeCh:  make(chan struct{}),
	}

	pc.OnTrack(e.handleTrack)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.log.Debug("connection state change", mlog.String("state", state.String()))
	})

	e.wg.Add(1)
	go e.pump()

	return e, nil
}

type webrtcSender struct {
	sender   *webrtc.RTPSender
	local    *webrtc.TrackLocalStaticRTP
	track    *media.Track
	seq      uint16
	ts       uint32
	keyframe bool
	limiter  *rate.Limiter
}

// nextPacket generates the next synthetic media packet. A muted track keeps
// sending, with a blank payload.
func (ws *webrtcSender) nextPacket() *rtp.Packet {
	codec := codecForKind(ws.track.Kind())
	payload := make([]byte, syntheticPayloadSize)
	if ws.track.Enabled() {
		for i := range payload {
			payload[i] = 0xAA
		}
	}

	isVideo := ws.track.Kind() == media.KindVideo
	if isVideo {
		// VP8 payload descriptor with start of partition set, followed by the
		// inverse keyframe flag.
		payload[0] = 0x10
		payload[1] = 0x01
		if ws.keyframe {
			payload[1] = 0x00
			ws.keyframe = false
		}
	}

	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         isVideo,
			SequenceNumber: ws.seq,
			Timestamp:      ws.ts,
		},
		Payload: payload,
	}

	ws.seq++
	ws.ts += codec.ClockRate / uint32(time.Second/mediaPumpInterval)

	return pkt
}

type webrtcEndpoint struct {
	role     Role
	log      mlog.LoggerIFace
	pc       *webrtc.PeerConnection
	streamID string

	senders  []*webrtcSender
	incoming []*media.Track
	onTrack  func(track *media.Track)
	closed   bool
	closeCh  chan struct{}
	wg       sync.WaitGroup
	mut      sync.RWMutex
}

func (e *webrtcEndpoint) Role() Role {
	return e.role
}

func (e *webrtcEndpoint) State() EndpointState {
	e.mut.RLock()
	closed := e.closed
	e.mut.RUnlock()
	if closed {
		return EndpointStateClosed
	}

	switch e.pc.ConnectionState() {
	case webrtc.PeerConnectionStateConnected:
		return EndpointStateConnected
	case webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateFailed:
		return EndpointStateClosed
	}

	if e.pc.LocalDescription() != nil || e.pc.RemoteDescription() != nil {
		return EndpointStateNegotiating
	}

	return EndpointStateNew
}

func (e *webrtcEndpoint) AddTrack(track *media.Track) error {
	if track == nil {
		return fmt.Errorf("track should not be nil")
	}

	e.mut.Lock()
	defer e.mut.Unlock()

	if e.closed {
		return fmt.Errorf("endpoint is closed")
	}

	for _, ws := range e.senders {
		if ws.track == track {
			return fmt.Errorf("track %s already added", track.ID())
		}
	}

	local, err := webrtc.NewTrackLocalStaticRTP(codecForKind(track.Kind()), track.ID(), e.streamID)
	if err != nil {
		return fmt.Errorf("failed to create local track: %w", err)
	}

	sender, err := e.pc.AddTrack(local)
	if err != nil {
		return fmt.Errorf("failed to add track: %w", err)
	}

	ws := &webrtcSender{
		sender:   sender,
		local:    local,
		track:    track,
		keyframe: true,
		limiter:  rate.NewLimiter(rate.Every(keyframeRequestInterval), 1),
	}
	e.senders = append(e.senders, ws)

	e.wg.Add(1)
	go e.readSenderRTCP(ws)

	return nil
}

func (e *webrtcEndpoint) ReplaceTrack(oldTrack, newTrack *media.Track) error {
	if oldTrack == nil || newTrack == nil {
		return fmt.Errorf("tracks should not be nil")
	}

	if oldTrack.Kind() != newTrack.Kind() {
		return fmt.Errorf("cannot replace %s track with %s track", oldTrack.Kind(), newTrack.Kind())
	}

	e.mut.Lock()
	defer e.mut.Unlock()

	if e.closed {
		return fmt.Errorf("endpoint is closed")
	}

	for _, ws := range e.senders {
		if ws.track != oldTrack {
			continue
		}

		local, err := webrtc.NewTrackLocalStaticRTP(codecForKind(newTrack.Kind()), newTrack.ID(), e.streamID)
		if err != nil {
			return fmt.Errorf("failed to create local track: %w", err)
		}

		if err := ws.sender.ReplaceTrack(local); err != nil {
			return fmt.Errorf("failed to replace track: %w", err)
		}

		ws.local = local
		ws.track = newTrack
		ws.keyframe = true

		return nil
	}

	return fmt.Errorf("sender not found for track %s", oldTrack.ID())
}

func (e *webrtcEndpoint) OutgoingTracks() []*media.Track {
	e.mut.RLock()
	defer e.mut.RUnlock()
	tracks := make([]*media.Track, 0, len(e.senders))
	for _, ws := range e.senders {
		tracks = append(tracks, ws.track)
	}
	return tracks
}

func (e *webrtcEndpoint) IncomingTracks() []*media.Track {
	e.mut.RLock()
	defer e.mut.RUnlock()
	tracks := make([]*media.Track, len(e.incoming))
	copy(tracks, e.incoming)
	return tracks
}

func (e *webrtcEndpoint) CreateOffer() (webrtc.SessionDescription, error) {
	return e.pc.CreateOffer(nil)
}

func (e *webrtcEndpoint) CreateAnswer() (webrtc.SessionDescription, error) {
	return e.pc.CreateAnswer(nil)
}

func (e *webrtcEndpoint) SetLocalDescription(desc webrtc.SessionDescription) error {
	return e.pc.SetLocalDescription(desc)
}

func (e *webrtcEndpoint) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return e.pc.SetRemoteDescription(desc)
}

func (e *webrtcEndpoint) LocalDescription() *webrtc.SessionDescription {
	return e.pc.LocalDescription()
}

func (e *webrtcEndpoint) RemoteDescription() *webrtc.SessionDescription {
	return e.pc.RemoteDescription()
}

func (e *webrtcEndpoint) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return e.pc.AddICECandidate(candidate)
}

func (e *webrtcEndpoint) OnICECandidate(cb func(candidate webrtc.ICECandidateInit)) {
	e.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil signals the end of gathering.
		if c == nil {
			return
		}
		cb(c.ToJSON())
	})
}

func (e *webrtcEndpoint) OnTrack(cb func(track *media.Track)) {
	e.mut.Lock()
	defer e.mut.Unlock()
	e.onTrack = cb
}

func (e *webrtcEndpoint) handleTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	track := media.NewRemoteTrack(remote.ID(), media.Kind(remote.Kind().String()))

	e.mut.Lock()
	if e.closed {
		e.mut.Unlock()
		return
	}
	e.incoming = append(e.incoming, track)
	cb := e.onTrack
	e.wg.Add(1)
	e.mut.Unlock()

	e.log.Debug("received remote track",
		mlog.String("trackID", remote.ID()),
		mlog.String("kind", remote.Kind().String()),
		mlog.String("codec", remote.Codec().MimeType),
	)

	if cb != nil {
		cb(track)
	}

	go e.readRemoteTrack(remote, track)
}

func (e *webrtcEndpoint) readRemoteTrack(remote *webrtc.TrackRemote, track *media.Track) {
	defer e.wg.Done()
	defer track.End()

	for {
		if _, _, err := remote.ReadRTP(); err != nil {
			if !errors.Is(err, io.EOF) {
				e.log.Debug("failed to read RTP packet", mlog.String("trackID", track.ID()), mlog.Err(err))
			}
			return
		}
	}
}

func (e *webrtcEndpoint) readSenderRTCP(ws *webrtcSender) {
	defer e.wg.Done()

	for {
		pkts, _, err := ws.sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				e.log.Debug("failed to read RTCP packet", mlog.Err(err))
			}
			return
		}

		for _, pkt := range pkts {
			if _, ok := pkt.(*rtcp.PictureLossIndication); !ok {
				continue
			}
			e.mut.Lock()
			if ws.limiter.Allow() {
				ws.keyframe = true
			}
			e.mut.Unlock()
		}
	}
}

func (e *webrtcEndpoint) pump() {
	defer e.wg.Done()

	ticker := time.NewTicker(mediaPumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.closeCh:
			return
		case <-ticker.C:
			e.writeMedia()
		}
	}
}

func (e *webrtcEndpoint) writeMedia() {
	e.mut.Lock()
	defer e.mut.Unlock()

	for _, ws := range e.senders {
		if err := ws.local.WriteRTP(ws.nextPacket()); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			e.log.Warn("failed to write RTP packet", mlog.String("trackID", ws.track.ID()), mlog.Err(err))
		}
	}
}

func (e *webrtcEndpoint) Close() error {
	e.mut.Lock()
	if e.closed {
		e.mut.Unlock()
		return nil
	}
	e.closed = true
	close(e.closeCh)
	e.mut.Unlock()

	err := e.pc.Close()

	e.wg.Wait()

	if err != nil {
		return fmt.Errorf("failed to close peer connection: %w", err)
	}

	return nil
}
