// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"fmt"

	"github.com/bizlink/callcore/logger"
	"github.com/bizlink/callcore/service/api"
	"github.com/bizlink/callcore/service/media"
	"github.com/bizlink/callcore/service/rtc"
)

type MetricsConfig struct {
	// Whether or not to serve prometheus metrics on /metrics.
	Enable bool `toml:"enable"`
	// The namespace metric names are prefixed with.
	Namespace string `toml:"namespace"`
}

func (c MetricsConfig) IsValid() error {
	if c.Enable && c.Namespace == "" {
		return fmt.Errorf("invalid Namespace value: should not be empty")
	}
	return nil
}

type APIConfig struct {
	HTTP    api.Config    `toml:"http"`
	Metrics MetricsConfig `toml:"metrics"`
}

func (c APIConfig) IsValid() error {
	if err := c.HTTP.IsValid(); err != nil {
		return fmt.Errorf("failed to validate http config: %w", err)
	}

	if err := c.Metrics.IsValid(); err != nil {
		return fmt.Errorf("failed to validate metrics config: %w", err)
	}

	return nil
}

type Config struct {
	API    APIConfig
	Call   rtc.EngineConfig
	Media  media.Config
	Logger logger.Config
}

func (c Config) IsValid() error {
	if err := c.API.IsValid(); err != nil {
		return err
	}

	if err := c.Call.IsValid(); err != nil {
		return fmt.Errorf("failed to validate call config: %w", err)
	}

	if err := c.Media.IsValid(); err != nil {
		return fmt.Errorf("failed to validate media config: %w", err)
	}

	return c.Logger.IsValid()
}

func (c *Config) SetDefaults() {
	c.API.HTTP.ListenAddress = ":8055"
	c.API.HTTP.RequestTimeoutSec = 180
	c.API.Metrics.Enable = true
	c.API.Metrics.Namespace = "callcore"
	c.Call.SetDefaults()
	c.Media.SetDefaults()
	c.Logger.SetDefaults()
}
