// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"net"
	"testing"

	"github.com/bizlink/callcore/logger"
	"github.com/bizlink/callcore/service/api"
	"github.com/bizlink/callcore/service/rtc"

	"github.com/stretchr/testify/require"
)

type TestHelper struct {
	srvc   *Service
	client *Client
	cfg    Config
	tb     testing.TB
	apiURL string
}

func newTestConfig() Config {
	var cfg Config
	cfg.SetDefaults()
	cfg.API.HTTP = api.Config{
		ListenAddress: ":0",
	}
	cfg.Call.Transport = rtc.TransportLoopback
	cfg.Logger = logger.Config{
		EnableConsole: true,
		ConsoleLevel:  "ERROR",
	}
	return cfg
}

func SetupTestHelper(tb testing.TB, cfg *Config) *TestHelper {
	tb.Helper()
	var err error

	th := &TestHelper{
		tb: tb,
	}

	if cfg != nil {
		th.cfg = *cfg
	} else {
		th.cfg = newTestConfig()
	}

	th.srvc, err = New(th.cfg)
	require.NoError(th.tb, err)
	require.NotNil(th.tb, th.srvc)

	err = th.srvc.Start()
	require.NoError(th.tb, err)

	_, port, err := net.SplitHostPort(th.srvc.apiServer.Addr())
	require.NoError(th.tb, err)
	th.apiURL = "http://localhost:" + port

	th.client, err = NewClient(ClientConfig{
		URL: th.apiURL,
	})
	require.NoError(th.tb, err)
	require.NotNil(th.tb, th.client)

	return th
}

func (th *TestHelper) Teardown() {
	err := th.client.Close()
	require.NoError(th.tb, err)

	err = th.srvc.Stop()
	require.NoError(th.tb, err)
}
