// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"fmt"

	"github.com/bizlink/callcore/logger"
	"github.com/bizlink/callcore/service/api"
	"github.com/bizlink/callcore/service/media"
	"github.com/bizlink/callcore/service/perf"
	"github.com/bizlink/callcore/service/rtc"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

type Service struct {
	cfg       Config
	apiServer *api.Server
	engine    *rtc.Engine
	provider  *media.SyntheticProvider
	metrics   *perf.Metrics
	log       *mlog.Logger
}

func New(cfg Config) (*Service, error) {
	if err := cfg.IsValid(); err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}

	s := &Service{
		cfg:     cfg,
		log:     log,
		metrics: perf.NewMetrics(cfg.API.Metrics.Namespace, nil),
	}

	s.provider, err = media.NewSyntheticProvider(cfg.Media, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create media provider: %w", err)
	}

	s.engine, err = rtc.NewEngine(cfg.Call, log, s.metrics, s.provider)
	if err != nil {
		return nil, fmt.Errorf("failed to create call engine: %w", err)
	}

	s.apiServer, err = api.NewServer(cfg.API.HTTP, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create api server: %w", err)
	}

	s.apiServer.RegisterHandleFunc("/version", s.getVersion)
	s.apiServer.RegisterHandleFunc("/call", s.getCall)
	s.apiServer.RegisterHandleFunc("/call/start", s.startCall)
	s.apiServer.RegisterHandleFunc("/call/end", s.endCall)
	s.apiServer.RegisterHandleFunc("/call/audio/toggle", s.toggleAudio)
	s.apiServer.RegisterHandleFunc("/call/video/toggle", s.toggleVideo)
	s.apiServer.RegisterHandleFunc("/call/screen/start", s.startScreenShare)
	s.apiServer.RegisterHandleFunc("/call/screen/stop", s.stopScreenShare)
	if cfg.API.Metrics.Enable {
		s.apiServer.RegisterHandler("/metrics", s.metrics.Handler())
	}

	return s, nil
}

func (s *Service) Start() error {
	s.log.Info("callcore: starting service", getVersionInfo(s.cfg.Call).logFields()...)

	if err := s.apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API server: %w", err)
	}

	return nil
}

func (s *Service) Stop() error {
	if err := s.apiServer.Stop(); err != nil {
		return fmt.Errorf("failed to stop API server: %w", err)
	}

	if err := s.engine.Close(); err != nil {
		return fmt.Errorf("failed to close call engine: %w", err)
	}

	s.log.Info("callcore: service was stopped")

	if err := s.log.Shutdown(); err != nil {
		return fmt.Errorf("failed to shutdown logger: %w", err)
	}

	return nil
}
