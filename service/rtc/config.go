// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package rtc

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	TransportLoopback = "loopback"
	TransportWebRTC   = "webrtc"
)

const (
	minNegotiationTimeoutMs = 100
	maxNegotiationTimeoutMs = 120000
)

type EngineConfig struct {
	// Transport selects the endpoint implementation used to connect the
	// local and remote side of a call.
	Transport string `toml:"transport"`
	// NegotiationTimeoutMs bounds the whole offer/answer and candidate
	// exchange. A call that isn't connected in time fails.
	NegotiationTimeoutMs int `toml:"negotiation_timeout_ms"`
	// WaitInboundTracks controls whether the call is considered connected
	// only once every outgoing local track was observed at the remote side.
	WaitInboundTracks bool `toml:"wait_inbound_tracks"`
	// ICEServers is only used by the webrtc transport.
	ICEServers ICEServers `toml:"ice_servers"`
	// EnableIPv6 allows gathering IPv6 host candidates (webrtc transport).
	EnableIPv6 bool `toml:"enable_ipv6"`
	// TURN holds the settings to generate credentials for TURN servers
	// configured without any.
	TURN TURNConfig `toml:"turn"`
}

func (c EngineConfig) IsValid() error {
	if c.Transport != TransportLoopback && c.Transport != TransportWebRTC {
		return fmt.Errorf("invalid Transport value: %q is not supported", c.Transport)
	}

	if c.NegotiationTimeoutMs < minNegotiationTimeoutMs || c.NegotiationTimeoutMs > maxNegotiationTimeoutMs {
		return fmt.Errorf("invalid NegotiationTimeoutMs value: %d is not in allowed range [%d, %d]",
			c.NegotiationTimeoutMs, minNegotiationTimeoutMs, maxNegotiationTimeoutMs)
	}

	if err := c.TURN.IsValid(); err != nil {
		return fmt.Errorf("invalid TURN config: %w", err)
	}

	if err := c.ICEServers.validate(c.TURN.StaticAuthSecret == ""); err != nil {
		return fmt.Errorf("invalid ICEServers value: %w", err)
	}

	return nil
}

func (c *EngineConfig) SetDefaults() {
	c.Transport = TransportLoopback
	c.NegotiationTimeoutMs = 10000
	c.WaitInboundTracks = true
	c.TURN.CredentialsExpirationMinutes = 1440
}

func (c EngineConfig) negotiationTimeout() time.Duration {
	return time.Duration(c.NegotiationTimeoutMs) * time.Millisecond
}

type ICEServerConfig struct {
	URLs       []string `toml:"urls" json:"urls"`
	Username   string   `toml:"username,omitempty" json:"username,omitempty"`
	Credential string   `toml:"credential,omitempty" json:"credential,omitempty"`
}

type ICEServers []ICEServerConfig

func (c ICEServerConfig) IsValid() error {
	return c.validate(true)
}

func (c ICEServerConfig) validate(requireCredentials bool) error {
	if len(c.URLs) == 0 {
		return fmt.Errorf("invalid empty URLs")
	}

	for _, u := range c.URLs {
		if u == "" {
			return fmt.Errorf("invalid empty URL")
		}

		uri, err := stun.ParseURI(u)
		if err != nil {
			return fmt.Errorf("failed to parse URL %q: %w", u, err)
		}

		if (uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS) && requireCredentials && c.Username == "" {
			return fmt.Errorf("invalid Username value: should not be empty for TURN server %q", u)
		}
	}

	return nil
}

func (s ICEServers) IsValid() error {
	return s.validate(true)
}

func (s ICEServers) validate(requireCredentials bool) error {
	for _, cfg := range s {
		if err := cfg.validate(requireCredentials); err != nil {
			return err
		}
	}
	return nil
}

func (s ICEServers) toWebRTC() []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(s))
	for _, cfg := range s {
		server := webrtc.ICEServer{
			URLs:     cfg.URLs,
			Username: cfg.Username,
		}
		if cfg.Credential != "" {
			server.Credential = cfg.Credential
		}
		servers = append(servers, server)
	}
	return servers
}

// Decode parses the env override. Both a plain list of URLs and a full JSON
// list of servers are accepted.
func (s *ICEServers) Decode(value string) error {
	var urls []string
	if err := json.Unmarshal([]byte(value), &urls); err == nil {
		*s = ICEServers{{URLs: urls}}
		return nil
	}

	return json.Unmarshal([]byte(value), (*[]ICEServerConfig)(s))
}

func (s *ICEServers) UnmarshalTOML(data interface{}) error {
	d, ok := data.([]interface{})
	if !ok {
		return fmt.Errorf("invalid type %T", data)
	}

	var iceServers []ICEServerConfig
	for _, obj := range d {
		var server ICEServerConfig

		switch t := obj.(type) {
		case string:
			server.URLs = append(server.URLs, t)
		case map[string]interface{}:
			urls, _ := t["urls"].([]interface{})
			for _, u := range urls {
				uVal, _ := u.(string)
				server.URLs = append(server.URLs, uVal)
			}
			server.Username, _ = t["username"].(string)
			server.Credential, _ = t["credential"].(string)
		default:
			return fmt.Errorf("unknown type %T", t)
		}

		iceServers = append(iceServers, server)
	}

	*s = iceServers

	return nil
}
