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

// Package auth owns the client credential and the connection state
// machine that gates all telemetry and command flow.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/growbridge/growbridge/pkg/logger"
	"github.com/growbridge/growbridge/pkg/models"
)

// Status is the connection state reported by the control plane.
type Status string

const (
	// StatusNotConnected covers everything from "never registered" to
	// "status check failed"; callers retry.
	StatusNotConnected Status = "not_connected"
	// StatusConnected means the client is linked but no space exists yet.
	StatusConnected Status = "connected"
	// StatusReady means a space exists and telemetry may flow.
	StatusReady Status = "ready"
)

const (
	credentialsFileName = "credentials.json"

	defaultHTTPTimeout      = 30 * time.Second
	defaultRetryAttempts    = 5
	defaultMinBackoff       = time.Second
	defaultMaxBackoff       = time.Minute
	connectionPollInterval  = 5 * time.Second
	spacePollInterval       = 30 * time.Second
	customIDSuffixLength    = 8
	registrationBackoffMult = 2.0
)

var (
	// ErrRegistrationFailed indicates registration exhausted its retries.
	ErrRegistrationFailed = errors.New("client registration failed")
	// ErrWaitTimeout indicates a connection or space wait elapsed.
	ErrWaitTimeout = errors.New("timed out waiting for state")
)

// Config controls the auth manager.
type Config struct {
	// APIURL is the control-plane base URL.
	APIURL string `json:"url" yaml:"url"`
	// DataDir holds the persisted credential blob.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	RetryMaxAttempts int             `json:"retry_max_attempts" yaml:"retry_max_attempts"`
	RetryMinBackoff  models.Duration `json:"retry_min_backoff" yaml:"retry_min_backoff"`
	RetryMaxBackoff  models.Duration `json:"retry_max_backoff" yaml:"retry_max_backoff"`
}

// Manager tracks registration, pairing, and readiness. It exclusively
// owns the credential; other components read derived booleans.
type Manager struct {
	baseURL    string
	credFile   string
	httpClient *http.Client
	logger     logger.Logger

	retryAttempts int
	minBackoff    time.Duration
	maxBackoff    time.Duration

	mu          sync.Mutex
	cred        *models.Credential
	pairingCode string
}

// New creates an auth manager and loads any persisted credential. A
// malformed credential file is treated as unregistered, never as fatal.
func New(cfg Config, log logger.Logger) (*Manager, error) {
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	m := &Manager{
		baseURL:       strings.TrimRight(cfg.APIURL, "/"),
		credFile:      filepath.Join(cfg.DataDir, credentialsFileName),
		httpClient:    &http.Client{Timeout: defaultHTTPTimeout},
		logger:        log,
		retryAttempts: cfg.RetryMaxAttempts,
		minBackoff:    cfg.RetryMinBackoff.Duration(),
		maxBackoff:    cfg.RetryMaxBackoff.Duration(),
	}

	if m.retryAttempts <= 0 {
		m.retryAttempts = defaultRetryAttempts
	}

	if m.minBackoff <= 0 {
		m.minBackoff = defaultMinBackoff
	}

	if m.maxBackoff <= 0 {
		m.maxBackoff = defaultMaxBackoff
	}

	m.loadCredential()

	return m, nil
}

func (m *Manager) loadCredential() {
	data, err := os.ReadFile(m.credFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.logger.Error().Err(err).Msg("Error reading credentials file")
		} else {
			m.logger.Info().Msg("No saved credentials found")
		}

		return
	}

	var cred models.Credential
	if err := json.Unmarshal(data, &cred); err != nil || cred.ClientID == "" {
		// Parse failures trigger re-registration, never a crash.
		m.logger.Warn().Err(err).Msg("Malformed credentials file, client will re-register")
		return
	}

	m.cred = &cred
	m.logger.Info().Str("client_id", cred.ClientID).Msg("Loaded credentials")
}

func (m *Manager) saveCredentialLocked() {
	if m.cred == nil {
		m.logger.Warn().Msg("No credentials to save")
		return
	}

	data, err := json.Marshal(m.cred)
	if err != nil {
		m.logger.Error().Err(err).Msg("Error encoding credentials")
		return
	}

	if err := os.WriteFile(m.credFile, data, 0o600); err != nil {
		m.logger.Error().Err(err).Msg("Error saving credentials")
		return
	}

	m.logger.Debug().Str("client_id", m.cred.ClientID).Msg("Saved credentials")
}

// Register creates a new client record at the control plane. Transient
// failures are retried with bounded exponential backoff; exhaustion is
// fatal to startup and surfaced to the caller.
func (m *Manager) Register(ctx context.Context) error {
	customID := generateCustomID()
	url := m.baseURL + "/client"

	payload, err := json.Marshal(map[string]string{"customId": customID})
	if err != nil {
		return fmt.Errorf("encode registration payload: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.minBackoff
	bo.MaxInterval = m.maxBackoff
	bo.Multiplier = registrationBackoffMult

	operation := func() (registrationResponse, error) {
		m.logger.Info().Str("custom_id", customID).Msg("Registering client")
		return m.postRegistration(ctx, url, payload)
	}

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(m.retryAttempts)))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.cred = &models.Credential{
		ClientID:         resp.ID,
		CustomID:         customID,
		RegistrationTime: time.Now().UTC(),
	}
	m.pairingCode = resp.Code
	m.saveCredentialLocked()

	m.logger.Info().Str("client_id", resp.ID).Msg("Client registered")

	return nil
}

type registrationResponse struct {
	ID   string `json:"id"`
	Code string `json:"code"`
}

func (m *Manager) postRegistration(ctx context.Context, url string, payload []byte) (registrationResponse, error) {
	var out registrationResponse

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(payload)))
	if err != nil {
		return out, backoff.Permanent(err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		// Connection resets and timeouts are transient.
		return out, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, err
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 500:
		return out, fmt.Errorf("registration failed with status %d", resp.StatusCode)
	default:
		return out, backoff.Permanent(fmt.Errorf("registration rejected with status %d", resp.StatusCode))
	}

	if err := json.Unmarshal(body, &out); err != nil {
		return out, backoff.Permanent(fmt.Errorf("decode registration response: %w", err))
	}

	return out, nil
}

// CheckStatus polls the control plane for the client's connection state.
// 204 means connected without a space; 200 means a space exists and the
// body's nullable code field tells whether pairing fully completed. Any
// other outcome, including transport errors, reports not_connected and
// signals the caller to retry.
func (m *Manager) CheckStatus(ctx context.Context) (bool, Status) {
	clientID := m.ClientID()
	if clientID == "" {
		m.logger.Warn().Msg("No client ID, cannot check connection status")
		return false, StatusNotConnected
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/client/"+clientID, nil)
	if err != nil {
		return false, StatusNotConnected
	}

	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.logger.Error().Err(err).Msg("Error checking connection status")
		return false, StatusNotConnected
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		m.logger.Info().Msg("Client connected, no space created yet")
		m.markConnected(false)

		return true, StatusConnected

	case http.StatusOK:
		m.logger.Info().Msg("Client connected and space created")
		m.markConnected(true)

		var body struct {
			Code *string `json:"code"`
		}

		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			m.logger.Warn().Err(err).Msg("Unparseable status body, assuming linked")
			return true, StatusReady
		}

		// A non-null code means the pairing handshake has not fully
		// completed on the remote side.
		return body.Code == nil, StatusReady

	default:
		m.logger.Warn().Int("status", resp.StatusCode).Msg("Unexpected connection status")
		return false, StatusNotConnected
	}
}

func (m *Manager) markConnected(ready bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cred == nil {
		return
	}

	m.cred.Connected = true
	if ready {
		m.cred.Ready = true
	}

	// The pairing code is single-use; drop it once the link exists.
	m.pairingCode = ""
	m.saveCredentialLocked()
}

// WaitForConnection polls every 5s until the client is connected or the
// timeout elapses. A non-positive timeout waits until ctx is cancelled.
func (m *Manager) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	return m.waitFor(ctx, timeout, connectionPollInterval, func(connected bool, _ Status) bool {
		return connected
	})
}

// WaitForSpace polls every 30s until a space exists or the timeout
// elapses. The timeout is advisory; callers may keep polling afterwards.
func (m *Manager) WaitForSpace(ctx context.Context, timeout time.Duration) error {
	return m.waitFor(ctx, timeout, spacePollInterval, func(_ bool, status Status) bool {
		return status == StatusReady
	})
}

func (m *Manager) waitFor(ctx context.Context, timeout, interval time.Duration, done func(bool, Status) bool) error {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		connected, status := m.CheckStatus(ctx)
		if done(connected, status) {
			return nil
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("%w after %s", ErrWaitTimeout, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// IsAuthenticated reports whether a registered credential exists.
func (m *Manager) IsAuthenticated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.cred != nil && m.cred.ClientID != ""
}

// IsReadyForData is the sole gate deciding whether telemetry and
// commands may flow.
func (m *Manager) IsReadyForData() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.cred != nil && m.cred.ClientID != "" && m.cred.Ready
}

// ClientID returns the registered client id, or "".
func (m *Manager) ClientID() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cred == nil {
		return ""
	}

	return m.cred.ClientID
}

// Token returns the credential token, or "".
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cred == nil {
		return ""
	}

	return m.cred.Token
}

// PairingCode returns the short-lived pairing code, or "".
func (m *Manager) PairingCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pairingCode
}

// DisplayPairingCode prints the pairing code prominently for the
// operator to enter in the companion app.
func (m *Manager) DisplayPairingCode(w io.Writer) {
	code := m.PairingCode()
	if code == "" {
		fmt.Fprintln(w, "\nNo pairing code available. Please register first.")
		return
	}

	line := strings.Repeat("=", 40)

	fmt.Fprintf(w, "\n%s\n    PAIRING CODE\n%s\n\n        %s\n\n", line, line, code)
	fmt.Fprintf(w, "Enter this code in the GrowBridge app\nto connect this client to your environment.\n\n%s\n\n", line)
}

func generateCustomID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}

	return hostname + "-" + uuid.NewString()[:customIDSuffixLength]
}
