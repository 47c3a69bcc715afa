// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package main

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/bizlink/callcore/service"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

// loadConfig reads the config file and returns a new service.Config.
// Values in the file are overridden by any matching CALLCORE_ environment
// variable.
func loadConfig(path string) (service.Config, error) {
	var cfg service.Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode config file: %w", err)
	}
	if err := envconfig.Process("callcore", &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadConfigOrDefaults falls back to the default config, still honoring
// environment overrides, when no config file exists at path.
func loadConfigOrDefaults(path string) (service.Config, error) {
	cfg, err := loadConfig(path)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return cfg, err
	}

	cfg = service.Config{}
	cfg.SetDefaults()
	if err := envconfig.Process("callcore", &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
