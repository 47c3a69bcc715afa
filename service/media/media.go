// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package media

import (
	"errors"

	"github.com/bizlink/callcore/service/random"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

func (k Kind) IsValid() bool {
	return k == KindAudio || k == KindVideo
}

// Source identifies what produces the media of a track.
type Source string

const (
	SourceMicrophone Source = "microphone"
	SourceCamera     Source = "camera"
	SourceScreen     Source = "screen"
	// SourceRemote marks tracks received from the other endpoint.
	SourceRemote Source = "remote"
)

func (s Source) Kind() Kind {
	if s == SourceMicrophone {
		return KindAudio
	}
	return KindVideo
}

var (
	ErrPermissionDenied  = errors.New("permission denied")
	ErrDeviceUnavailable = errors.New("device unavailable")
	ErrUserCancelled     = errors.New("user cancelled")
)

func genTrackID(source Source) string {
	return string(source) + "_" + random.NewShortID(8)
}
