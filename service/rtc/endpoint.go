// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"github.com/bizlink/callcore/service/media"

	"github.com/pion/webrtc/v4"
)

type Role string

const (
	RoleLocal  Role = "local"
	RoleRemote Role = "remote"
)

func (r Role) Peer() Role {
	if r == RoleLocal {
		return RoleRemote
	}
	return RoleLocal
}

type EndpointState int

const (
	EndpointStateNew EndpointState = iota
	EndpointStateNegotiating
	EndpointStateConnected
	EndpointStateClosed
)

func (s EndpointState) String() string {
	switch s {
	case EndpointStateNew:
		return "new"
	case EndpointStateNegotiating:
		return "negotiating"
	case EndpointStateConnected:
		return "connected"
	case EndpointStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Endpoint is one side of a negotiated media session. Callbacks must be set
// before the local description is applied.
type Endpoint interface {
	Role() Role
	State() EndpointState

	// AddTrack attaches an outgoing track, allocating a new slot.
	AddTrack(track *media.Track) error
	// ReplaceTrack swaps the track sent in the slot currently occupied by
	// oldTrack. It doesn't require renegotiation.
	ReplaceTrack(oldTrack, newTrack *media.Track) error
	OutgoingTracks() []*media.Track
	IncomingTracks() []*media.Track

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	OnICECandidate(cb func(candidate webrtc.ICECandidateInit))
	OnTrack(cb func(track *media.Track))

	Close() error
}

type EndpointFactory interface {
	NewEndpoint(role Role) (Endpoint, error)
}
