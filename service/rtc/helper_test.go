// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"fmt"
	"sync"
	"testing"

	"github.com/bizlink/callcore/service/media"
	"github.com/bizlink/callcore/service/perf"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

type testEngine struct {
	*Engine
	provider *media.SyntheticProvider
	network  *LoopbackNetwork
	metrics  *perf.Metrics
	log      *mlog.Logger
}

func setupLogger(t *testing.T) *mlog.Logger {
	t.Helper()

	log, err := mlog.NewLogger()
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, log.Shutdown())
	})

	return log
}

func newTestConfig() EngineConfig {
	var cfg EngineConfig
	cfg.SetDefaults()
	return cfg
}

// setupEngine creates an engine on a loopback network. A nil factory wrapper
// uses the network directly.
func setupEngine(t *testing.T, cfg EngineConfig, wrap func(n *LoopbackNetwork) EndpointFactory, opts ...Option) *testEngine {
	t.Helper()

	log := setupLogger(t)

	metrics := perf.NewMetrics("callcore", nil)
	require.NotNil(t, metrics)

	provider, err := media.NewSyntheticProvider(media.Config{}, log)
	require.NoError(t, err)

	network := NewLoopbackNetwork(log)
	var factory EndpointFactory = network
	if wrap != nil {
		factory = wrap(network)
	}

	opts = append([]Option{WithEndpointFactory(factory)}, opts...)
	e, err := NewEngine(cfg, log, metrics, provider, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, e.Close())
	})

	return &testEngine{
		Engine:   e,
		provider: provider,
		network:  network,
		metrics:  metrics,
		log:      log,
	}
}

// faultyFactory creates loopback endpoints misbehaving at the given step for
// the given role.
type faultyFactory struct {
	network *LoopbackNetwork
	role    Role
	step    string
}

func (f *faultyFactory) NewEndpoint(role Role) (Endpoint, error) {
	if role == f.role && f.step == "create" {
		return nil, fmt.Errorf("endpoint creation failed")
	}

	ep, err := f.network.NewEndpoint(role)
	if err != nil {
		return nil, err
	}

	if role != f.role {
		return ep, nil
	}

	return &faultyEndpoint{Endpoint: ep, step: f.step}, nil
}

type faultyEndpoint struct {
	Endpoint
	step string
}

func (e *faultyEndpoint) CreateAnswer() (webrtc.SessionDescription, error) {
	if e.step == "answer" {
		return webrtc.SessionDescription{}, fmt.Errorf("answer failed")
	}
	return e.Endpoint.CreateAnswer()
}

// OnTrack swallows inbound tracks when stalling so that the call never
// reaches the expected number of tracks.
func (e *faultyEndpoint) OnTrack(cb func(track *media.Track)) {
	if e.step == "stall" {
		return
	}
	e.Endpoint.OnTrack(cb)
}

// reorderSignaling holds offers back until a candidate for the same
// recipient went through.
type reorderSignaling struct {
	*LoopbackSignaling
	held          map[Role]*Signal
	candidateSent map[Role]bool
	delivered     []string
	mut           sync.Mutex
}

func newReorderSignaling(log mlog.LoggerIFace) *reorderSignaling {
	return &reorderSignaling{
		LoopbackSignaling: NewLoopbackSignaling(log),
		held:              map[Role]*Signal{},
		candidateSent:     map[Role]bool{},
	}
}

func (s *reorderSignaling) Send(to Role, sig Signal) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	if sig.Type == SignalTypeOffer && !s.candidateSent[to] {
		s.held[to] = &sig
		return nil
	}

	if err := s.LoopbackSignaling.Send(to, sig); err != nil {
		return err
	}
	s.delivered = append(s.delivered, string(to)+":"+sig.Type.String())

	if sig.Type == SignalTypeCandidate {
		s.candidateSent[to] = true
	}

	if held := s.held[to]; held != nil && sig.Type == SignalTypeCandidate {
		delete(s.held, to)
		if err := s.LoopbackSignaling.Send(to, *held); err != nil {
			return err
		}
		s.delivered = append(s.delivered, string(to)+":"+held.Type.String())
	}

	return nil
}

func (s *reorderSignaling) getDelivered() []string {
	s.mut.Lock()
	defer s.mut.Unlock()
	return append([]string(nil), s.delivered...)
}
