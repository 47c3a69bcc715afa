// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// candidateRelay forwards the candidates produced by one endpoint in the
// order they were produced. Candidates are held back until the producer's
// local description is set.
type candidateRelay struct {
	from    Role
	send    func(sig Signal) error
	onError func(err error)

	ready   bool
	closed  bool
	pending []webrtc.ICECandidateInit
	mut     sync.Mutex
}

func newCandidateRelay(from Role, send func(sig Signal) error, onError func(err error)) *candidateRelay {
	return &candidateRelay{
		from:    from,
		send:    send,
		onError: onError,
	}
}

// push must be called in production order. Sending happens under the lock
// so that concurrent producers can't reorder the stream.
func (r *candidateRelay) push(candidate webrtc.ICECandidateInit) {
	r.mut.Lock()
	defer r.mut.Unlock()

	if r.closed {
		return
	}

	if !r.ready {
		r.pending = append(r.pending, candidate)
		return
	}

	r.forward(candidate)
}

func (r *candidateRelay) forward(candidate webrtc.ICECandidateInit) {
	if err := r.send(newCandidateSignal(r.from, candidate)); err != nil && r.onError != nil {
		r.onError(err)
	}
}

// setReady marks the producer's local description as set and flushes
// whatever was buffered until now.
func (r *candidateRelay) setReady() {
	r.mut.Lock()
	defer r.mut.Unlock()

	if r.closed || r.ready {
		return
	}

	r.ready = true
	for _, candidate := range r.pending {
		r.forward(candidate)
	}
	r.pending = nil
}

// close drops any buffered candidate and returns how many were dropped.
func (r *candidateRelay) close() int {
	r.mut.Lock()
	defer r.mut.Unlock()

	r.closed = true
	dropped := len(r.pending)
	r.pending = nil

	return dropped
}
