// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bizlink/callcore/service/media"
	"github.com/bizlink/callcore/service/rtc"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

func errorCode(err error) int {
	switch {
	case errors.Is(err, rtc.ErrAlreadyActive), errors.Is(err, rtc.ErrSessionClosed):
		return http.StatusConflict
	case errors.Is(err, media.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, media.ErrDeviceUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, rtc.ErrNegotiationFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) getCall(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.NotFound(w, req)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.engine.Info()); err != nil {
		s.log.Error("failed to encode data", mlog.Err(err))
	}
}

func (s *Service) startCall(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.NotFound(w, req)
		return
	}

	data := newHTTPData()
	defer s.httpAudit("startCall", data, w, req)

	session, err := s.engine.StartCall(req.Context())
	if err != nil {
		data.err = err.Error()
		data.code = errorCode(err)
		return
	}

	data.resData["session_id"] = session.ID()
	data.resData["state"] = session.State().String()
}

func (s *Service) endCall(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.NotFound(w, req)
		return
	}

	data := newHTTPData()
	defer s.httpAudit("endCall", data, w, req)

	if session := s.engine.Session(); session != nil {
		data.resData["session_id"] = session.ID()
	}

	s.engine.EndCall()
	data.resData["state"] = s.engine.State().String()
}

func (s *Service) toggleAudio(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.NotFound(w, req)
		return
	}

	data := newHTTPData()
	defer s.httpAudit("toggleAudio", data, w, req)

	data.resData["enabled"] = s.engine.ToggleAudio()
}

func (s *Service) toggleVideo(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.NotFound(w, req)
		return
	}

	data := newHTTPData()
	defer s.httpAudit("toggleVideo", data, w, req)

	data.resData["enabled"] = s.engine.ToggleVideo()
}

func (s *Service) startScreenShare(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.NotFound(w, req)
		return
	}

	data := newHTTPData()
	defer s.httpAudit("startScreenShare", data, w, req)

	err := s.engine.StartScreenShare(req.Context())
	if errors.Is(err, media.ErrUserCancelled) {
		// Dismissing the picker leaves the call as it was.
		data.resData["cancelled"] = true
		data.resData["sharing"] = false
		return
	} else if err != nil {
		data.err = err.Error()
		data.code = errorCode(err)
		return
	}

	// Nothing is shared when there's no connected call.
	data.resData["sharing"] = s.engine.Info().ScreenSharing
}

func (s *Service) stopScreenShare(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.NotFound(w, req)
		return
	}

	data := newHTTPData()
	defer s.httpAudit("stopScreenShare", data, w, req)

	s.engine.StopScreenShare()
	data.resData["sharing"] = false
}
