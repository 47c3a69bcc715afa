// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bizlink/callcore/service/rtc"
)

type ClientConfig struct {
	// URL specifies the base URL of the call API.
	// Should start with either `http://` or `https://`.
	URL string
	// DialFn allows to override the dialing function used by the
	// underlying HTTP transport.
	DialFn func(ctx context.Context, network, addr string) (net.Conn, error)

	httpURL string
}

func (c *ClientConfig) Parse() error {
	if c.URL == "" {
		return fmt.Errorf("invalid URL value: should not be empty")
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("failed to parse url: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf(`invalid url scheme: %q is not valid`, u.Scheme)
	}

	c.httpURL = strings.TrimSuffix(u.String(), "/")

	return nil
}

type Client struct {
	cfg        *ClientConfig
	httpClient *http.Client
}

// CallResponse is the payload returned by the call mutating endpoints.
type CallResponse struct {
	SessionID string `json:"session_id"`
	State     string `json:"state"`
	Enabled   bool   `json:"enabled"`
	Sharing   bool   `json:"sharing"`
	Cancelled bool   `json:"cancelled"`
	Error     string `json:"error"`
}

func NewClient(cfg ClientConfig) (*Client, error) {
	var c Client

	if err := cfg.Parse(); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	c.cfg = &cfg

	dialFn := (&net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext
	if cfg.DialFn != nil {
		dialFn = cfg.DialFn
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialFn,
		MaxConnsPerHost:       100,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		ResponseHeaderTimeout: 2 * time.Minute,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   1 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	c.httpClient = &http.Client{Transport: transport}

	return &c, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, respData any) error {
	if c.httpClient == nil {
		return fmt.Errorf("http client is not initialized")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.httpURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errData := map[string]any{}
		if err := json.NewDecoder(resp.Body).Decode(&errData); err == nil {
			if errMsg, _ := errData["error"].(string); errMsg != "" {
				return fmt.Errorf("request failed: %s", errMsg)
			}
		}
		return fmt.Errorf("request failed with status %s", resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(respData); err != nil {
		return fmt.Errorf("decoding http response failed: %w", err)
	}

	return nil
}

func (c *Client) post(ctx context.Context, path string) (CallResponse, error) {
	var resp CallResponse
	err := c.doRequest(ctx, http.MethodPost, path, &resp)
	return resp, err
}

// StartCall starts a new call and returns its session id.
func (c *Client) StartCall(ctx context.Context) (string, error) {
	resp, err := c.post(ctx, "/call/start")
	if err != nil {
		return "", err
	}

	if resp.SessionID == "" {
		return "", fmt.Errorf("unexpected empty session id")
	}

	return resp.SessionID, nil
}

func (c *Client) EndCall(ctx context.Context) error {
	_, err := c.post(ctx, "/call/end")
	return err
}

// ToggleAudio flips the microphone and returns whether it's now enabled.
func (c *Client) ToggleAudio(ctx context.Context) (bool, error) {
	resp, err := c.post(ctx, "/call/audio/toggle")
	return resp.Enabled, err
}

// ToggleVideo flips the camera and returns whether it's now enabled.
func (c *Client) ToggleVideo(ctx context.Context) (bool, error) {
	resp, err := c.post(ctx, "/call/video/toggle")
	return resp.Enabled, err
}

// StartScreenShare returns whether the screen is being shared. A false
// value with no error means the user dismissed the picker or there was
// no connected call.
func (c *Client) StartScreenShare(ctx context.Context) (bool, error) {
	resp, err := c.post(ctx, "/call/screen/start")
	return resp.Sharing, err
}

func (c *Client) StopScreenShare(ctx context.Context) error {
	_, err := c.post(ctx, "/call/screen/stop")
	return err
}

func (c *Client) GetCall(ctx context.Context) (rtc.CallInfo, error) {
	var info rtc.CallInfo
	err := c.doRequest(ctx, http.MethodGet, "/call", &info)
	return info, err
}

func (c *Client) GetVersion(ctx context.Context) (VersionInfo, error) {
	var info VersionInfo
	err := c.doRequest(ctx, http.MethodGet, "/version", &info)
	return info, err
}

func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
