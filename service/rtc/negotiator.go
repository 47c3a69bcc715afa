// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bizlink/callcore/service/media"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/pion/webrtc/v4"
)

// negotiator drives the offer/answer and candidate exchange between the
// local and remote endpoint of a call.
type negotiator struct {
	cfg          EngineConfig
	log          mlog.LoggerIFace
	metrics      Metrics
	factory      EndpointFactory
	signaling    SignalingChannel
	remoteStream *media.Stream
	// isCurrent reports whether the owning session is still the active one.
	isCurrent func() bool

	state     SessionState
	endpoints map[Role]Endpoint
	relays    map[Role]*candidateRelay
	expected  int
	inbound   int

	// only accessed by the dispatcher.
	queued map[Role][]webrtc.ICECandidateInit

	connectedCh chan struct{}
	errCh       chan error
	closeCh     chan struct{}
	doneCh      chan struct{}
	mut         sync.Mutex
}

func newNegotiator(cfg EngineConfig, log mlog.LoggerIFace, metrics Metrics, factory EndpointFactory,
	signaling SignalingChannel, remoteStream *media.Stream, isCurrent func() bool,
) *negotiator {
	return &negotiator{
		cfg:          cfg,
		log:          log,
		metrics:      metrics,
		factory:      factory,
		signaling:    signaling,
		remoteStream: remoteStream,
		isCurrent:    isCurrent,
		state:        SessionStateIdle,
		endpoints:    map[Role]Endpoint{},
		relays:       map[Role]*candidateRelay{},
		queued:       map[Role][]webrtc.ICECandidateInit{},
		connectedCh:  make(chan struct{}),
		errCh:        make(chan error, 1),
		closeCh:      make(chan struct{}),
	}
}

func (n *negotiator) getState() SessionState {
	n.mut.Lock()
	defer n.mut.Unlock()
	return n.state
}

func (n *negotiator) endpoint(role Role) Endpoint {
	n.mut.Lock()
	defer n.mut.Unlock()
	return n.endpoints[role]
}

func (n *negotiator) relay(role Role) *candidateRelay {
	n.mut.Lock()
	defer n.mut.Unlock()
	return n.relays[role]
}

func (n *negotiator) send(to Role, sig Signal) error {
	if err := n.signaling.Send(to, sig); err != nil {
		return fmt.Errorf("failed to send %s to %s: %w", sig.Type, to, err)
	}
	n.metrics.IncSignalingMessages(sig.Type.String())
	return nil
}

// start creates both endpoints and attaches the given tracks to the local one.
func (n *negotiator) start(tracks []*media.Track) error {
	n.mut.Lock()
	if n.state != SessionStateIdle {
		state := n.state
		n.mut.Unlock()
		return fmt.Errorf("cannot start negotiation in state %s", state)
	}
	n.state = SessionStateNegotiating
	n.mut.Unlock()

	for _, role := range []Role{RoleLocal, RoleRemote} {
		ep, err := n.factory.NewEndpoint(role)
		if err != nil {
			return newNegotiationError("create endpoint", err)
		}

		relay := newCandidateRelay(role, func(sig Signal) error {
			return n.send(role.Peer(), sig)
		}, func(err error) {
			n.log.Warn("failed to forward candidate", mlog.String("from", string(role)), mlog.Err(err))
		})

		ep.OnICECandidate(func(candidate webrtc.ICECandidateInit) {
			if n.getState() == SessionStateClosed {
				return
			}
			relay.push(candidate)
		})

		n.mut.Lock()
		if n.state == SessionStateClosed {
			n.mut.Unlock()
			if err := ep.Close(); err != nil {
				n.log.Warn("failed to close endpoint", mlog.Err(err))
			}
			return ErrSessionClosed
		}
		n.endpoints[role] = ep
		n.relays[role] = relay
		n.mut.Unlock()
	}

	local := n.endpoint(RoleLocal)
	remote := n.endpoint(RoleRemote)

	remote.OnTrack(n.onInboundTrack)
	local.OnTrack(func(track *media.Track) {
		n.log.Debug("ignoring track received by local endpoint", mlog.String("trackID", track.ID()))
	})

	for _, track := range tracks {
		if err := local.AddTrack(track); err != nil {
			return newNegotiationError("add track", err)
		}
	}

	n.mut.Lock()
	n.expected = len(tracks)
	n.doneCh = make(chan struct{})
	n.mut.Unlock()

	go n.dispatch(n.signaling.Receive(RoleLocal), n.signaling.Receive(RoleRemote))

	return nil
}

// negotiate starts the exchange with the local offer and waits until the
// call is connected, fails or the context is done.
func (n *negotiator) negotiate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.negotiationTimeout())
	defer cancel()

	local := n.endpoint(RoleLocal)
	if local == nil {
		return newNegotiationError("create offer", fmt.Errorf("negotiation not started"))
	}

	offer, err := local.CreateOffer()
	if err != nil {
		return newNegotiationError("create offer", err)
	}
	if !n.isCurrent() {
		return ErrSessionClosed
	}

	if err := local.SetLocalDescription(offer); err != nil {
		return newNegotiationError("set local offer", err)
	}
	n.relay(RoleLocal).setReady()

	if err := n.send(RoleRemote, newDescriptionSignal(RoleLocal, offer)); err != nil {
		return newNegotiationError("send offer", err)
	}

	select {
	case <-n.connectedCh:
		return nil
	case err := <-n.errCh:
		return err
	case <-n.closeCh:
		return ErrSessionClosed
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return newNegotiationError("connect", ctx.Err())
		}
		return fmt.Errorf("%w: %w", ErrSessionClosed, ctx.Err())
	}
}

func (n *negotiator) dispatch(localCh, remoteCh <-chan Signal) {
	defer close(n.doneCh)

	for {
		var sig Signal
		var ok bool
		var to Role

		select {
		case sig, ok = <-localCh:
			to = RoleLocal
		case sig, ok = <-remoteCh:
			to = RoleRemote
		case <-n.closeCh:
			return
		}

		if !ok {
			return
		}

		n.handleSignal(to, sig)
	}
}

func (n *negotiator) handleSignal(to Role, sig Signal) {
	if !n.isCurrent() || n.getState() == SessionStateClosed {
		n.log.Debug("discarding stale signal", mlog.String("type", sig.Type.String()), mlog.String("to", string(to)))
		return
	}

	var err error
	switch sig.Type {
	case SignalTypeOffer:
		err = n.handleOffer(to, sig.SDP)
	case SignalTypeAnswer:
		err = n.handleAnswer(to, sig.SDP)
	case SignalTypeCandidate:
		err = n.handleCandidate(to, sig.Candidate)
	default:
		err = fmt.Errorf("unexpected signal type %d", sig.Type)
	}

	if err != nil {
		n.fail(err)
		return
	}

	n.checkConnected()
}

func (n *negotiator) handleOffer(to Role, offer webrtc.SessionDescription) error {
	ep := n.endpoint(to)

	if err := ep.SetRemoteDescription(offer); err != nil {
		return newNegotiationError("set remote offer", err)
	}

	if err := n.flushQueued(to, ep); err != nil {
		return err
	}

	answer, err := ep.CreateAnswer()
	if err != nil {
		return newNegotiationError("create answer", err)
	}

	if err := ep.SetLocalDescription(answer); err != nil {
		return newNegotiationError("set local answer", err)
	}
	n.relay(to).setReady()

	if err := n.send(to.Peer(), newDescriptionSignal(to, answer)); err != nil {
		return newNegotiationError("send answer", err)
	}

	return nil
}

func (n *negotiator) handleAnswer(to Role, answer webrtc.SessionDescription) error {
	ep := n.endpoint(to)

	if err := ep.SetRemoteDescription(answer); err != nil {
		return newNegotiationError("set remote answer", err)
	}

	return n.flushQueued(to, ep)
}

func (n *negotiator) handleCandidate(to Role, candidate webrtc.ICECandidateInit) error {
	ep := n.endpoint(to)

	// Candidates can't be applied before the remote description.
	if ep.RemoteDescription() == nil {
		n.queued[to] = append(n.queued[to], candidate)
		return nil
	}

	return n.addCandidate(ep, candidate)
}

func (n *negotiator) flushQueued(to Role, ep Endpoint) error {
	queued := n.queued[to]
	delete(n.queued, to)
	for _, candidate := range queued {
		if err := n.addCandidate(ep, candidate); err != nil {
			return err
		}
	}
	return nil
}

func (n *negotiator) addCandidate(ep Endpoint, candidate webrtc.ICECandidateInit) error {
	err := ep.AddICECandidate(candidate)
	if err == nil {
		return nil
	}

	if n.getState() == SessionStateNegotiating {
		return newNegotiationError("add candidate", err)
	}

	n.log.Warn("failed to add candidate", mlog.String("role", string(ep.Role())), mlog.Err(err))

	return nil
}

func (n *negotiator) fail(err error) {
	select {
	case n.errCh <- err:
	default:
		n.log.Debug("negotiation error dropped", mlog.Err(err))
	}
}

func (n *negotiator) onInboundTrack(track *media.Track) {
	n.mut.Lock()
	if n.state == SessionStateClosed {
		n.mut.Unlock()
		track.Stop()
		return
	}
	n.inbound++
	n.remoteStream.AddTrack(track)
	n.mut.Unlock()

	n.log.Debug("inbound track",
		mlog.String("trackID", track.ID()),
		mlog.String("kind", string(track.Kind())),
	)

	n.checkConnected()
}

func (n *negotiator) checkConnected() {
	n.mut.Lock()
	defer n.mut.Unlock()

	if n.state != SessionStateNegotiating || len(n.endpoints) < 2 {
		return
	}

	for _, ep := range n.endpoints {
		if ep.LocalDescription() == nil || ep.RemoteDescription() == nil {
			return
		}
	}

	if n.cfg.WaitInboundTracks && n.inbound < n.expected {
		return
	}

	n.state = SessionStateConnected
	close(n.connectedCh)

	for role, ep := range n.endpoints {
		n.metrics.IncEndpointState(string(role), ep.State().String())
	}
}

// close tears down both endpoints and stops the dispatcher. It's safe to call
// multiple times.
func (n *negotiator) close() {
	n.mut.Lock()
	if n.state == SessionStateClosed {
		n.mut.Unlock()
		return
	}
	n.state = SessionStateClosed
	close(n.closeCh)
	doneCh := n.doneCh
	relays := make(map[Role]*candidateRelay, len(n.relays))
	for role, r := range n.relays {
		relays[role] = r
	}
	endpoints := make(map[Role]Endpoint, len(n.endpoints))
	for role, ep := range n.endpoints {
		endpoints[role] = ep
	}
	n.mut.Unlock()

	for role, r := range relays {
		if dropped := r.close(); dropped > 0 {
			n.log.Debug("dropped pending candidates", mlog.String("from", string(role)), mlog.Int("count", dropped))
		}
	}

	if err := n.signaling.Close(); err != nil {
		n.log.Warn("failed to close signaling channel", mlog.Err(err))
	}

	for role, ep := range endpoints {
		if err := ep.Close(); err != nil {
			n.log.Warn("failed to close endpoint", mlog.String("role", string(role)), mlog.Err(err))
		}
		n.metrics.IncEndpointState(string(role), EndpointStateClosed.String())
	}

	if doneCh != nil {
		<-doneCh
	}
}
