/*
 * Copyright 2025 GrowBridge Contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package transport implements the control-plane HTTP client used for
// telemetry upload, command polling, and command result reporting.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/growbridge/growbridge/pkg/logger"
	"github.com/growbridge/growbridge/pkg/models"
)

const (
	defaultHTTPTimeout    = 30 * time.Second
	defaultRetryAttempts  = 5
	defaultMinBackoff     = time.Second
	defaultMaxBackoff     = time.Minute
	defaultPollInterval   = 30 * time.Second
	commandBufferCapacity = 32
)

var (
	// ErrNotReady indicates the readiness gate blocked an upload. The
	// caller requeues the batch without contacting the server.
	ErrNotReady = errors.New("client is not ready for data")
	// ErrTelemetryFailed indicates an upload exhausted its retries.
	ErrTelemetryFailed = errors.New("telemetry upload failed")
	// ErrNoClientID indicates the credential is missing.
	ErrNoClientID = errors.New("no client ID available")
)

// CredentialSource exposes the credential state the transport needs. The
// auth manager satisfies it.
type CredentialSource interface {
	ClientID() string
	Token() string
	IsReadyForData() bool
}

// Config controls the transport client.
type Config struct {
	APIURL string `json:"url" yaml:"url"`

	RetryMaxAttempts int             `json:"retry_max_attempts" yaml:"retry_max_attempts"`
	RetryMinBackoff  models.Duration `json:"retry_min_backoff" yaml:"retry_min_backoff"`
	RetryMaxBackoff  models.Duration `json:"retry_max_backoff" yaml:"retry_max_backoff"`
	PollInterval     models.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// Client talks to the control plane. Telemetry uploads are retried with
// bounded backoff; command result reports are fire-and-forget.
type Client struct {
	baseURL    string
	httpClient *http.Client
	creds      CredentialSource
	logger     logger.Logger

	retryAttempts int
	minBackoff    time.Duration
	maxBackoff    time.Duration
	pollInterval  time.Duration

	commands  chan models.Command
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewClient creates a transport client bound to a credential source.
func NewClient(cfg Config, creds CredentialSource, log logger.Logger) *Client {
	c := &Client{
		baseURL:       strings.TrimRight(cfg.APIURL, "/"),
		httpClient:    &http.Client{Timeout: defaultHTTPTimeout},
		creds:         creds,
		logger:        log,
		retryAttempts: cfg.RetryMaxAttempts,
		minBackoff:    cfg.RetryMinBackoff.Duration(),
		maxBackoff:    cfg.RetryMaxBackoff.Duration(),
		pollInterval:  cfg.PollInterval.Duration(),
		commands:      make(chan models.Command, commandBufferCapacity),
		done:          make(chan struct{}),
	}

	if c.retryAttempts <= 0 {
		c.retryAttempts = defaultRetryAttempts
	}

	if c.minBackoff <= 0 {
		c.minBackoff = defaultMinBackoff
	}

	if c.maxBackoff <= 0 {
		c.maxBackoff = defaultMaxBackoff
	}

	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}

	return c
}

// Start launches the background command poll loop.
func (c *Client) Start(ctx context.Context) error {
	c.wg.Add(1)

	go c.pollLoop(ctx)

	return nil
}

// Stop halts the poll loop.
func (c *Client) Stop(_ context.Context) error {
	c.closeOnce.Do(func() { close(c.done) })
	c.wg.Wait()

	return nil
}

// SendTelemetry uploads a batch of data points. It re-checks readiness
// first so batches queued before a disconnect are not sent into the
// void; that failure mode returns ErrNotReady without a network call.
func (c *Client) SendTelemetry(ctx context.Context, items []models.DataPoint) error {
	if len(items) == 0 {
		return nil
	}

	if !c.creds.IsReadyForData() {
		return ErrNotReady
	}

	clientID := c.creds.ClientID()
	if clientID == "" {
		return ErrNoClientID
	}

	payload, err := json.Marshal(map[string]interface{}{"data": items})
	if err != nil {
		return fmt.Errorf("encode telemetry batch: %w", err)
	}

	url := c.baseURL + "/client/" + clientID

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.minBackoff
	bo.MaxInterval = c.maxBackoff

	operation := func() (struct{}, error) {
		return struct{}{}, c.postTelemetry(ctx, url, payload)
	}

	if _, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(c.retryAttempts))); err != nil {
		return fmt.Errorf("%w: %w", ErrTelemetryFailed, err)
	}

	c.logger.Info().Int("count", len(items)).Msg("Telemetry batch sent")

	return nil
}

func (c *Client) postTelemetry(ctx context.Context, url string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}

	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Telemetry upload transport error")
		return err
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		c.logger.Warn().Int("status", resp.StatusCode).Msg("Telemetry upload server error")
		return fmt.Errorf("telemetry rejected with status %d", resp.StatusCode)
	default:
		return backoff.Permanent(fmt.Errorf("telemetry rejected with status %d", resp.StatusCode))
	}
}

// PollCommands fetches pending commands. A 204 means no work and is not
// an error; anything else unexpected is.
func (c *Client) PollCommands(ctx context.Context) ([]models.Command, error) {
	clientID := c.creds.ClientID()
	if clientID == "" {
		return nil, ErrNoClientID
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/client/"+clientID, nil)
	if err != nil {
		return nil, err
	}

	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll commands: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		// Connected, nothing pending. Distinct from a failed poll.
		return []models.Command{}, nil
	case http.StatusOK:
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("command poll failed with status %d", resp.StatusCode)
	}

	var body struct {
		Commands []models.Command `json:"commands"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode commands: %w", err)
	}

	return body.Commands, nil
}

// ReportResult posts a command execution outcome. Results are sent
// at most once: a failed report is logged and dropped, never retried,
// since the server treats a missing result as a timeout anyway.
func (c *Client) ReportResult(ctx context.Context, commandID string, success bool, message string) error {
	clientID := c.creds.ClientID()
	if clientID == "" {
		return ErrNoClientID
	}

	result := models.CommandResult{
		CommandID: commandID,
		Success:   success,
		Message:   message,
		Timestamp: models.NowMillis(),
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode command result: %w", err)
	}

	url := c.baseURL + "/client/" + clientID + "/commands/" + commandID + "/result"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("report command result: %w", err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("command result rejected with status %d", resp.StatusCode)
	}

	return nil
}

// NextCommand returns the next buffered command, waiting up to timeout.
func (c *Client) NextCommand(ctx context.Context, timeout time.Duration) (models.Command, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case cmd := <-c.commands:
		return cmd, true
	case <-timer.C:
		return models.Command{}, false
	case <-ctx.Done():
		return models.Command{}, false
	}
}

func (c *Client) pollLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			if !c.creds.IsReadyForData() {
				continue
			}

			cmds, err := c.PollCommands(ctx)
			if err != nil {
				c.logger.Warn().Err(err).Msg("Command poll failed")
				continue
			}

			for _, cmd := range cmds {
				select {
				case c.commands <- cmd:
				default:
					c.logger.Warn().Str("command_id", cmd.ID).
						Msg("Command buffer full, command dropped")
				}
			}
		}
	}
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Client-ID", c.creds.ClientID())

	if token := c.creds.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}
