// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"encoding/json"
	"net/http"
	"runtime"

	"github.com/bizlink/callcore/service/rtc"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

var (
	buildVersion string
	buildHash    string
	buildDate    string
)

const serviceName = "callcore"

type VersionInfo struct {
	Name         string `json:"name"`
	BuildDate    string `json:"buildDate"`
	BuildVersion string `json:"buildVersion"`
	BuildHash    string `json:"buildHash"`
	GoVersion    string `json:"goVersion"`
	GoOS         string `json:"goOS"`
	GoArch       string `json:"goArch"`
	// Transport is the endpoint implementation calls are connected with.
	Transport string `json:"transport"`
	// ICEServers is the number of configured STUN/TURN servers.
	ICEServers int `json:"iceServers"`
}

func getVersionInfo(cfg rtc.EngineConfig) VersionInfo {
	return VersionInfo{
		Name:         serviceName,
		BuildDate:    buildDate,
		BuildVersion: buildVersion,
		BuildHash:    buildHash,
		GoVersion:    runtime.Version(),
		GoOS:         runtime.GOOS,
		GoArch:       runtime.GOARCH,
		Transport:    cfg.Transport,
		ICEServers:   len(cfg.ICEServers),
	}
}

func (v VersionInfo) logFields() []mlog.Field {
	return []mlog.Field{
		mlog.String("name", v.Name),
		mlog.String("buildDate", v.BuildDate),
		mlog.String("buildVersion", v.BuildVersion),
		mlog.String("buildHash", v.BuildHash),
		mlog.String("goVersion", v.GoVersion),
		mlog.String("goOS", v.GoOS),
		mlog.String("goArch", v.GoArch),
		mlog.String("transport", v.Transport),
		mlog.Int("iceServers", v.ICEServers),
	}
}

func (s *Service) getVersion(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.NotFound(w, req)
		return
	}

	w.Header().Add("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(getVersionInfo(s.cfg.Call)); err != nil {
		s.log.Error("failed to encode data", mlog.Err(err))
	}
}
