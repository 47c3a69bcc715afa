// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package media

import (
	"fmt"
)

const maxPromptDelayMs = 60 * 1000

type Config struct {
	// PromptDelayMs simulates how long the host takes to answer a device
	// access prompt.
	PromptDelayMs int `toml:"prompt_delay_ms"`
	// DenyPermission makes camera and microphone prompts fail.
	DenyPermission bool `toml:"deny_permission"`
	// UnavailableDevices lists the devices (camera, microphone, screen)
	// reported as busy or missing.
	UnavailableDevices []string `toml:"unavailable_devices"`
}

func (c Config) IsValid() error {
	if c.PromptDelayMs < 0 || c.PromptDelayMs > maxPromptDelayMs {
		return fmt.Errorf("invalid PromptDelayMs value: %d is not in allowed range [0, %d]", c.PromptDelayMs, maxPromptDelayMs)
	}

	for _, d := range c.UnavailableDevices {
		switch Source(d) {
		case SourceCamera, SourceMicrophone, SourceScreen:
		default:
			return fmt.Errorf("invalid UnavailableDevices value: unknown device %q", d)
		}
	}

	return nil
}

func (c *Config) SetDefaults() {
	c.PromptDelayMs = 0
	c.DenyPermission = false
	c.UnavailableDevices = nil
}
