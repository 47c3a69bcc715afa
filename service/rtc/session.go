// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"context"
	"sync"
	"time"
)

type SessionState int

const (
	SessionStateIdle SessionState = iota
	SessionStateNegotiating
	SessionStateConnected
	SessionStateClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionStateIdle:
		return "idle"
	case SessionStateNegotiating:
		return "negotiating"
	case SessionStateConnected:
		return "connected"
	case SessionStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CallSession is a single call between the local and remote endpoint.
type CallSession struct {
	id         string
	generation uint64
	createAt   time.Time

	// ctx is cancelled as soon as the session is being ended.
	ctx    context.Context
	cancel context.CancelFunc

	negotiator *negotiator
	controller *trackController
	mut        sync.RWMutex
}

func newCallSession(id string, generation uint64) *CallSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &CallSession{
		id:         id,
		generation: generation,
		createAt:   time.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (s *CallSession) ID() string {
	return s.id
}

func (s *CallSession) Generation() uint64 {
	return s.generation
}

func (s *CallSession) CreateAt() time.Time {
	return s.createAt
}

func (s *CallSession) State() SessionState {
	return s.negotiator.getState()
}

// Endpoint returns the endpoint with the given role, or nil if negotiation
// hasn't created it yet.
func (s *CallSession) Endpoint(role Role) Endpoint {
	return s.negotiator.endpoint(role)
}

func (s *CallSession) closing() bool {
	return s.ctx.Err() != nil
}

func (s *CallSession) setController(c *trackController) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.controller = c
}

func (s *CallSession) getController() *trackController {
	s.mut.RLock()
	defer s.mut.RUnlock()
	return s.controller
}

// withSessionContext returns a context that's done when either ctx or the
// session context is done.
func (s *CallSession) withSessionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
