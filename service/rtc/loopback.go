// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"fmt"
	"strings"
	"sync"

	"github.com/bizlink/callcore/service/media"
	"github.com/bizlink/callcore/service/random"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/pion/ice/v4"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
)

const (
	loopbackAddress   = "127.0.0.1"
	loopbackFirstPort = 50000
)

type codecParams struct {
	payloadType uint8
	name        string
	clockRate   uint32
	channels    uint16
	fmtp        string
}

var loopbackCodecs = map[media.Kind]codecParams{
	media.KindAudio: {111, "opus", 48000, 2, "minptime=10;useinbandfec=1"},
	media.KindVideo: {96, "VP8", 90000, 0, ""},
}

// LoopbackNetwork connects endpoints living in the same process. Each
// endpoint gets a host candidate on the loopback address once it applies a
// local description; applying the peer's candidate resolves the media path.
type LoopbackNetwork struct {
	log       mlog.LoggerIFace
	nextPort  int
	endpoints map[string]*loopbackEndpoint
	mut       sync.Mutex
}

func NewLoopbackNetwork(log mlog.LoggerIFace) *LoopbackNetwork {
	return &LoopbackNetwork{
		log:       log,
		nextPort:  loopbackFirstPort,
		endpoints: map[string]*loopbackEndpoint{},
	}
}

func (n *LoopbackNetwork) NewEndpoint(role Role) (Endpoint, error) {
	return newLoopbackEndpoint(n, role), nil
}

func hostKey(address string, port int) string {
	return fmt.Sprintf("%s:%d", address, port)
}

func (n *LoopbackNetwork) register(e *loopbackEndpoint) int {
	n.mut.Lock()
	defer n.mut.Unlock()
	port := n.nextPort
	n.nextPort++
	n.endpoints[hostKey(loopbackAddress, port)] = e
	return port
}

func (n *LoopbackNetwork) unregister(port int) {
	n.mut.Lock()
	defer n.mut.Unlock()
	delete(n.endpoints, hostKey(loopbackAddress, port))
}

func (n *LoopbackNetwork) lookup(address string, port int) *loopbackEndpoint {
	n.mut.Lock()
	defer n.mut.Unlock()
	return n.endpoints[hostKey(address, port)]
}

// Endpoints returns the number of endpoints currently reachable.
func (n *LoopbackNetwork) Endpoints() int {
	n.mut.Lock()
	defer n.mut.Unlock()
	return len(n.endpoints)
}

type loopbackSender struct {
	mid   string
	track *media.Track
}

type loopbackReceiver struct {
	mid   string
	track *media.Track
}

type sdpSection struct {
	mid       string
	kind      media.Kind
	direction string
	trackID   string
}

func (s sdpSection) sends() bool {
	return s.direction == sdp.AttrKeySendRecv || s.direction == sdp.AttrKeySendOnly
}

func (s sdpSection) receives() bool {
	return s.direction == sdp.AttrKeySendRecv || s.direction == sdp.AttrKeyRecvOnly
}

type loopbackEndpoint struct {
	network  *LoopbackNetwork
	log      mlog.LoggerIFace
	role     Role
	streamID string
	ufrag    string
	pwd      string

	state      EndpointState
	senders    []*loopbackSender
	receivers  []*loopbackReceiver
	localDesc  *webrtc.SessionDescription
	remoteDesc *webrtc.SessionDescription
	remote     []sdpSection
	port       int
	peer       *loopbackEndpoint

	onICECandidate func(candidate webrtc.ICECandidateInit)
	onTrack        func(track *media.Track)

	mut sync.RWMutex
}

func newLoopbackEndpoint(network *LoopbackNetwork, role Role) *loopbackEndpoint {
	return &loopbackEndpoint{
		network:  network,
		log:      network.log,
		role:     role,
		streamID: "stream_" + random.NewShortID(8),
		ufrag:    random.NewShortID(16),
		pwd:      random.NewShortID(24),
	}
}

func (e *loopbackEndpoint) Role() Role {
	return e.role
}

func (e *loopbackEndpoint) State() EndpointState {
	e.mut.RLock()
	defer e.mut.RUnlock()
	return e.state
}

func (e *loopbackEndpoint) AddTrack(track *media.Track) error {
	if track == nil {
		return fmt.Errorf("track should not be nil")
	}

	e.mut.Lock()
	defer e.mut.Unlock()

	if e.state == EndpointStateClosed {
		return fmt.Errorf("endpoint is closed")
	}

	for _, s := range e.senders {
		if s.track == track {
			return fmt.Errorf("track %s already added", track.ID())
		}
	}

	e.senders = append(e.senders, &loopbackSender{track: track})

	return nil
}

func (e *loopbackEndpoint) ReplaceTrack(oldTrack, newTrack *media.Track) error {
	if oldTrack == nil || newTrack == nil {
		return fmt.Errorf("tracks should not be nil")
	}

	if oldTrack.Kind() != newTrack.Kind() {
		return fmt.Errorf("cannot replace %s track with %s track", oldTrack.Kind(), newTrack.Kind())
	}

	e.mut.Lock()
	defer e.mut.Unlock()

	if e.state == EndpointStateClosed {
		return fmt.Errorf("endpoint is closed")
	}

	for _, s := range e.senders {
		if s.track == oldTrack {
			s.track = newTrack
			return nil
		}
	}

	return fmt.Errorf("sender not found for track %s", oldTrack.ID())
}

func (e *loopbackEndpoint) OutgoingTracks() []*media.Track {
	e.mut.RLock()
	defer e.mut.RUnlock()
	tracks := make([]*media.Track, 0, len(e.senders))
	for _, s := range e.senders {
		tracks = append(tracks, s.track)
	}
	return tracks
}

func (e *loopbackEndpoint) IncomingTracks() []*media.Track {
	e.mut.RLock()
	defer e.mut.RUnlock()
	tracks := make([]*media.Track, 0, len(e.receivers))
	for _, r := range e.receivers {
		tracks = append(tracks, r.track)
	}
	return tracks
}

func (e *loopbackEndpoint) buildDescription(sdpType webrtc.SDPType, setup string, sections []sdpSection) (webrtc.SessionDescription, error) {
	d, err := sdp.NewJSEPSessionDescription(false)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to create description: %w", err)
	}

	mids := make([]string, 0, len(sections))
	for _, s := range sections {
		codec := loopbackCodecs[s.kind]
		md := sdp.NewJSEPMediaDescription(string(s.kind), nil).
			WithValueAttribute(sdp.AttrKeyConnectionSetup, setup).
			WithValueAttribute(sdp.AttrKeyMID, s.mid).
			WithICECredentials(e.ufrag, e.pwd).
			WithCodec(codec.payloadType, codec.name, codec.clockRate, codec.channels, codec.fmtp)
		if s.trackID != "" {
			md = md.WithValueAttribute(sdp.AttrKeyMsid, e.streamID+" "+s.trackID)
		}
		d = d.WithMedia(md.WithPropertyAttribute(s.direction))
		mids = append(mids, s.mid)
	}

	if len(mids) > 0 {
		d = d.WithValueAttribute(sdp.AttrKeyGroup, "BUNDLE "+strings.Join(mids, " "))
	}

	data, err := d.Marshal()
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("failed to marshal description: %w", err)
	}

	return webrtc.SessionDescription{
		Type: sdpType,
		SDP:  string(data),
	}, nil
}

func parseSections(desc webrtc.SessionDescription) ([]sdpSection, error) {
	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return nil, fmt.Errorf("failed to parse description: %w", err)
	}

	sections := make([]sdpSection, 0, len(parsed.MediaDescriptions))
	for _, md := range parsed.MediaDescriptions {
		kind := media.Kind(md.MediaName.Media)
		if !kind.IsValid() {
			continue
		}

		mid, ok := md.Attribute(sdp.AttrKeyMID)
		if !ok || mid == "" {
			return nil, fmt.Errorf("missing mid for %s section", kind)
		}

		s := sdpSection{
			mid:       mid,
			kind:      kind,
			direction: sdp.AttrKeySendRecv,
		}
		for _, dir := range []string{sdp.AttrKeySendRecv, sdp.AttrKeySendOnly, sdp.AttrKeyRecvOnly, sdp.AttrKeyInactive} {
			if _, ok := md.Attribute(dir); ok {
				s.direction = dir
				break
			}
		}
		if msid, ok := md.Attribute(sdp.AttrKeyMsid); ok {
			if parts := strings.Fields(msid); len(parts) == 2 {
				s.trackID = parts[1]
			}
		}

		sections = append(sections, s)
	}

	return sections, nil
}

func (e *loopbackEndpoint) CreateOffer() (webrtc.SessionDescription, error) {
	e.mut.Lock()
	if e.state == EndpointStateClosed {
		e.mut.Unlock()
		return webrtc.SessionDescription{}, fmt.Errorf("endpoint is closed")
	}
	sections := make([]sdpSection, 0, len(e.senders))
	for i, s := range e.senders {
		if s.mid == "" {
			s.mid = fmt.Sprintf("%d", i)
		}
		sections = append(sections, sdpSection{
			mid:       s.mid,
			kind:      s.track.Kind(),
			direction: sdp.AttrKeySendRecv,
			trackID:   s.track.ID(),
		})
	}
	e.mut.Unlock()

	return e.buildDescription(webrtc.SDPTypeOffer, "actpass", sections)
}

func (e *loopbackEndpoint) CreateAnswer() (webrtc.SessionDescription, error) {
	e.mut.Lock()
	if e.state == EndpointStateClosed {
		e.mut.Unlock()
		return webrtc.SessionDescription{}, fmt.Errorf("endpoint is closed")
	}
	if e.remoteDesc == nil || e.remoteDesc.Type != webrtc.SDPTypeOffer {
		e.mut.Unlock()
		return webrtc.SessionDescription{}, fmt.Errorf("remote offer not set")
	}

	sections := make([]sdpSection, 0, len(e.remote))
	for _, rs := range e.remote {
		var sender *loopbackSender
		for _, s := range e.senders {
			if s.mid == rs.mid || (s.mid == "" && s.track.Kind() == rs.kind) {
				sender = s
				break
			}
		}

		weSend := sender != nil && rs.receives()
		s := sdpSection{
			mid:  rs.mid,
			kind: rs.kind,
		}
		switch {
		case weSend && rs.sends():
			s.direction = sdp.AttrKeySendRecv
		case weSend:
			s.direction = sdp.AttrKeySendOnly
		case rs.sends():
			s.direction = sdp.AttrKeyRecvOnly
		default:
			s.direction = sdp.AttrKeyInactive
		}
		if weSend {
			sender.mid = rs.mid
			s.trackID = sender.track.ID()
		}
		sections = append(sections, s)
	}
	e.mut.Unlock()

	return e.buildDescription(webrtc.SDPTypeAnswer, "active", sections)
}

func (e *loopbackEndpoint) SetLocalDescription(desc webrtc.SessionDescription) error {
	if desc.Type != webrtc.SDPTypeOffer && desc.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("unsupported description type %s", desc.Type)
	}

	if _, err := parseSections(desc); err != nil {
		return err
	}

	e.mut.Lock()
	if e.state == EndpointStateClosed {
		e.mut.Unlock()
		return fmt.Errorf("endpoint is closed")
	}
	e.localDesc = &desc
	gather := e.port == 0
	if gather {
		e.port = e.network.register(e)
	}
	e.updateStateLocked()
	port := e.port
	e.mut.Unlock()

	if gather {
		return e.gather(port)
	}

	return nil
}

// gather emits the single host candidate of this endpoint. Like a real agent
// it does so asynchronously.
func (e *loopbackEndpoint) gather(port int) error {
	candidate, err := ice.NewCandidateHost(&ice.CandidateHostConfig{
		Network:   "udp",
		Address:   loopbackAddress,
		Port:      port,
		Component: ice.ComponentRTP,
	})
	if err != nil {
		return fmt.Errorf("failed to create host candidate: %w", err)
	}

	mid := "0"
	var mLineIdx uint16
	candInit := webrtc.ICECandidateInit{
		Candidate:     "candidate:" + candidate.Marshal(),
		SDPMid:        &mid,
		SDPMLineIndex: &mLineIdx,
	}

	go func() {
		e.mut.RLock()
		cb := e.onICECandidate
		closed := e.state == EndpointStateClosed
		e.mut.RUnlock()
		if cb == nil || closed {
			return
		}
		cb(candInit)
	}()

	return nil
}

func (e *loopbackEndpoint) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if desc.Type != webrtc.SDPTypeOffer && desc.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("unsupported description type %s", desc.Type)
	}

	sections, err := parseSections(desc)
	if err != nil {
		return err
	}

	e.mut.Lock()
	if e.state == EndpointStateClosed {
		e.mut.Unlock()
		return fmt.Errorf("endpoint is closed")
	}
	e.remoteDesc = &desc
	e.remote = sections

	var newTracks []*media.Track
	for _, s := range sections {
		if !s.sends() || s.trackID == "" || e.hasReceiverLocked(s.mid) {
			continue
		}
		track := media.NewRemoteTrack(s.trackID, s.kind)
		e.receivers = append(e.receivers, &loopbackReceiver{
			mid:   s.mid,
			track: track,
		})
		newTracks = append(newTracks, track)
	}
	e.updateStateLocked()
	cb := e.onTrack
	e.mut.Unlock()

	if cb != nil {
		for _, track := range newTracks {
			cb(track)
		}
	}

	return nil
}

func (e *loopbackEndpoint) hasReceiverLocked(mid string) bool {
	for _, r := range e.receivers {
		if r.mid == mid {
			return true
		}
	}
	return false
}

func (e *loopbackEndpoint) LocalDescription() *webrtc.SessionDescription {
	e.mut.RLock()
	defer e.mut.RUnlock()
	return e.localDesc
}

func (e *loopbackEndpoint) RemoteDescription() *webrtc.SessionDescription {
	e.mut.RLock()
	defer e.mut.RUnlock()
	return e.remoteDesc
}

func (e *loopbackEndpoint) AddICECandidate(candInit webrtc.ICECandidateInit) error {
	candidate, err := ice.UnmarshalCandidate(strings.TrimPrefix(candInit.Candidate, "candidate:"))
	if err != nil {
		return fmt.Errorf("failed to parse candidate: %w", err)
	}

	e.mut.RLock()
	hasRemote := e.remoteDesc != nil
	closed := e.state == EndpointStateClosed
	e.mut.RUnlock()

	if closed {
		return fmt.Errorf("endpoint is closed")
	}
	if !hasRemote {
		return fmt.Errorf("remote description not set")
	}

	peer := e.network.lookup(candidate.Address(), candidate.Port())
	if peer == nil || peer == e {
		return fmt.Errorf("candidate %s:%d is unreachable", candidate.Address(), candidate.Port())
	}

	e.mut.Lock()
	defer e.mut.Unlock()
	if e.state == EndpointStateClosed {
		return fmt.Errorf("endpoint is closed")
	}
	e.peer = peer
	e.updateStateLocked()

	return nil
}

func (e *loopbackEndpoint) updateStateLocked() {
	switch {
	case e.state == EndpointStateClosed:
	case e.localDesc != nil && e.remoteDesc != nil && e.peer != nil:
		e.state = EndpointStateConnected
	case e.localDesc != nil || e.remoteDesc != nil:
		e.state = EndpointStateNegotiating
	}
}

func (e *loopbackEndpoint) OnICECandidate(cb func(candidate webrtc.ICECandidateInit)) {
	e.mut.Lock()
	defer e.mut.Unlock()
	e.onICECandidate = cb
}

func (e *loopbackEndpoint) OnTrack(cb func(track *media.Track)) {
	e.mut.Lock()
	defer e.mut.Unlock()
	e.onTrack = cb
}

// ReceivedSource returns the source currently feeding the incoming track
// with the given id, as seen through the resolved media path.
func (e *loopbackEndpoint) ReceivedSource(trackID string) (media.Source, bool) {
	e.mut.RLock()
	peer := e.peer
	var mid string
	for _, r := range e.receivers {
		if r.track.ID() == trackID {
			mid = r.mid
			break
		}
	}
	e.mut.RUnlock()

	if peer == nil || mid == "" {
		return "", false
	}

	return peer.sentSource(mid)
}

func (e *loopbackEndpoint) sentSource(mid string) (media.Source, bool) {
	e.mut.RLock()
	defer e.mut.RUnlock()
	if e.state == EndpointStateClosed {
		return "", false
	}
	for _, s := range e.senders {
		if s.mid == mid {
			return s.track.Source(), true
		}
	}
	return "", false
}

func (e *loopbackEndpoint) Close() error {
	e.mut.Lock()
	if e.state == EndpointStateClosed {
		e.mut.Unlock()
		return nil
	}
	e.state = EndpointStateClosed
	e.peer = nil
	e.onICECandidate = nil
	e.onTrack = nil
	port := e.port
	e.mut.Unlock()

	if port != 0 {
		e.network.unregister(port)
	}

	e.log.Debug("loopback endpoint closed", mlog.String("role", string(e.role)))

	return nil
}
