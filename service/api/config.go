// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package api

import (
	"crypto/tls"
	"fmt"
	"time"
)

const (
	defaultRequestTimeout = 3 * time.Minute
	maxRequestTimeoutSec  = 600
)

type TLSConfig struct {
	Enable   bool
	CertFile string `toml:"cert_file"`
	CertKey  string `toml:"cert_key"`
}

func (c TLSConfig) IsValid() error {
	if !c.Enable {
		return nil
	}

	if c.CertFile == "" {
		return fmt.Errorf("invalid CertFile value: should not be empty")
	}

	if c.CertKey == "" {
		return fmt.Errorf("invalid CertKey value: should not be empty")
	}

	if _, err := tls.LoadX509KeyPair(c.CertFile, c.CertKey); err != nil {
		return fmt.Errorf("failed to load cert files: %w", err)
	}

	return nil
}

type Config struct {
	ListenAddress string `toml:"listen_address"`
	// RequestTimeoutSec bounds how long a handler can take to respond. Starting
	// a call blocks until it's connected so this should be larger than the
	// negotiation timeout. Zero means the default of 3 minutes.
	RequestTimeoutSec int `toml:"request_timeout_sec"`
	TLS               TLSConfig
}

func (c Config) IsValid() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("invalid ListenAddress value: should not be empty")
	}
	if c.RequestTimeoutSec < 0 || c.RequestTimeoutSec > maxRequestTimeoutSec {
		return fmt.Errorf("invalid RequestTimeoutSec value: %d is not in allowed range [0, %d]", c.RequestTimeoutSec, maxRequestTimeoutSec)
	}
	if err := c.TLS.IsValid(); err != nil {
		return fmt.Errorf("invalid TLS config: %w", err)
	}
	return nil
}

func (c Config) requestTimeout() time.Duration {
	if c.RequestTimeoutSec == 0 {
		return defaultRequestTimeout
	}
	return time.Duration(c.RequestTimeoutSec) * time.Second
}
