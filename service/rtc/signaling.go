// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"github.com/pion/webrtc/v4"
	"github.com/vmihailenco/msgpack/v5"
)

const signalChSize = 64

var ErrSignalingClosed = errors.New("signaling channel is closed")

type SignalType uint8

const (
	SignalTypeOffer     SignalType = iota + 1 // webrtc.SessionDescription
	SignalTypeAnswer                          // webrtc.SessionDescription
	SignalTypeCandidate                       // webrtc.ICECandidateInit
)

func (t SignalType) String() string {
	switch t {
	case SignalTypeOffer:
		return "offer"
	case SignalTypeAnswer:
		return "answer"
	case SignalTypeCandidate:
		return "candidate"
	default:
		return "unknown"
	}
}

// Signal is a negotiation artifact travelling between the two endpoints.
type Signal struct {
	Type      SignalType
	From      Role
	SDP       webrtc.SessionDescription
	Candidate webrtc.ICECandidateInit
}

func newDescriptionSignal(from Role, desc webrtc.SessionDescription) Signal {
	t := SignalTypeOffer
	if desc.Type == webrtc.SDPTypeAnswer {
		t = SignalTypeAnswer
	}
	return Signal{
		Type: t,
		From: from,
		SDP:  desc,
	}
}

func newCandidateSignal(from Role, candidate webrtc.ICECandidateInit) Signal {
	return Signal{
		Type:      SignalTypeCandidate,
		From:      from,
		Candidate: candidate,
	}
}

// SignalingChannel delivers signals between the local and remote endpoint.
// Send must not block.
type SignalingChannel interface {
	Send(to Role, sig Signal) error
	Receive(role Role) <-chan Signal
	Close() error
}

type candidateMsg struct {
	Candidate     string  `msgpack:"c"`
	SDPMid        *string `msgpack:"m,omitempty"`
	SDPMLineIndex *uint16 `msgpack:"i,omitempty"`
}

func unpackData(data []byte) ([]byte, error) {
	rd, err := zlib.NewReader(bytes.NewBuffer(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create zlib reader: %w", err)
	}
	unpacked, err := io.ReadAll(rd)
	if err != nil {
		return nil, fmt.Errorf("failed to read zlib data: %w", err)
	}
	return unpacked, nil
}

func packData(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	wr := zlib.NewWriter(&buf)
	if _, err := wr.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write zlib data: %w", err)
	}
	if err := wr.Close(); err != nil {
		return nil, fmt.Errorf("failed to close zlib writer: %w", err)
	}
	return buf.Bytes(), nil
}

// EncodeSignal serializes a signal as a flat msgpack sequence: type, sender
// role and payload. Session descriptions are JSON serialized and zlib
// compressed.
func EncodeSignal(sig Signal) ([]byte, error) {
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	var buf bytes.Buffer
	enc.ResetWriter(&buf)

	var payload any
	switch sig.Type {
	case SignalTypeOffer, SignalTypeAnswer:
		data, err := json.Marshal(sig.SDP)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal sdp: %w", err)
		}
		payload, err = packData(data)
		if err != nil {
			return nil, fmt.Errorf("failed to pack payload: %w", err)
		}
	case SignalTypeCandidate:
		payload = candidateMsg{
			Candidate:     sig.Candidate.Candidate,
			SDPMid:        sig.Candidate.SDPMid,
			SDPMLineIndex: sig.Candidate.SDPMLineIndex,
		}
	default:
		return nil, fmt.Errorf("unknown signal type %d", sig.Type)
	}

	if err := enc.EncodeMulti(uint8(sig.Type), string(sig.From), payload); err != nil {
		return nil, fmt.Errorf("failed to encode signal: %w", err)
	}

	return buf.Bytes(), nil
}

func DecodeSignal(data []byte) (Signal, error) {
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.ResetReader(bytes.NewReader(data))

	var sig Signal

	t, err := dec.DecodeUint8()
	if err != nil {
		return sig, fmt.Errorf("failed to decode signal type: %w", err)
	}
	sig.Type = SignalType(t)

	from, err := dec.DecodeString()
	if err != nil {
		return sig, fmt.Errorf("failed to decode signal sender: %w", err)
	}
	sig.From = Role(from)

	switch sig.Type {
	case SignalTypeOffer, SignalTypeAnswer:
		var payload []byte
		if err := dec.Decode(&payload); err != nil {
			return sig, fmt.Errorf("failed to decode sdp payload: %w", err)
		}
		unpacked, err := unpackData(payload)
		if err != nil {
			return sig, fmt.Errorf("failed to unpack sdp data: %w", err)
		}
		if err := json.Unmarshal(unpacked, &sig.SDP); err != nil {
			return sig, fmt.Errorf("failed to unmarshal sdp: %w", err)
		}
	case SignalTypeCandidate:
		var payload candidateMsg
		if err := dec.Decode(&payload); err != nil {
			return sig, fmt.Errorf("failed to decode candidate payload: %w", err)
		}
		sig.Candidate = webrtc.ICECandidateInit{
			Candidate:     payload.Candidate,
			SDPMid:        payload.SDPMid,
			SDPMLineIndex: payload.SDPMLineIndex,
		}
	default:
		return sig, fmt.Errorf("unknown signal type %d", t)
	}

	return sig, nil
}

// LoopbackSignaling is an in-process SignalingChannel. Signals go through
// the wire codec so that a network transport only needs to replace the
// delivery.
type LoopbackSignaling struct {
	log    mlog.LoggerIFace
	inbox  map[Role]chan []byte
	out    map[Role]chan Signal
	stopCh chan struct{}
	closed bool
	wg     sync.WaitGroup
	mut    sync.RWMutex
}

func NewLoopbackSignaling(log mlog.LoggerIFace) *LoopbackSignaling {
	s := &LoopbackSignaling{
		log:    log,
		inbox:  map[Role]chan []byte{},
		out:    map[Role]chan Signal{},
		stopCh: make(chan struct{}),
	}

	for _, role := range []Role{RoleLocal, RoleRemote} {
		s.inbox[role] = make(chan []byte, signalChSize)
		s.out[role] = make(chan Signal, signalChSize)
	}

	// The maps are read-only from here on.
	for role, inbox := range s.inbox {
		s.wg.Add(1)
		go s.deliver(role, inbox, s.out[role])
	}

	return s
}

func (s *LoopbackSignaling) deliver(role Role, inbox <-chan []byte, out chan<- Signal) {
	defer s.wg.Done()
	defer close(out)

	for data := range inbox {
		sig, err := DecodeSignal(data)
		if err != nil {
			s.log.Error("failed to decode signal", mlog.String("role", string(role)), mlog.Err(err))
			continue
		}

		select {
		case out <- sig:
		case <-s.stopCh:
			return
		}
	}
}

func (s *LoopbackSignaling) Send(to Role, sig Signal) error {
	data, err := EncodeSignal(sig)
	if err != nil {
		return err
	}

	s.mut.RLock()
	defer s.mut.RUnlock()

	if s.closed {
		return ErrSignalingClosed
	}

	ch, ok := s.inbox[to]
	if !ok {
		return fmt.Errorf("unknown role %q", to)
	}

	select {
	case ch <- data:
	default:
		return fmt.Errorf("failed to send signal: channel is full")
	}

	return nil
}

func (s *LoopbackSignaling) Receive(role Role) <-chan Signal {
	return s.out[role]
}

func (s *LoopbackSignaling) Close() error {
	s.mut.Lock()
	if s.closed {
		s.mut.Unlock()
		return nil
	}
	s.closed = true
	close(s.stopCh)
	for _, ch := range s.inbox {
		close(ch)
	}
	s.mut.Unlock()

	s.wg.Wait()

	return nil
}
