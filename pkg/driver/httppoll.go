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

package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/growbridge/growbridge/pkg/logger"
	"github.com/growbridge/growbridge/pkg/models"
	"github.com/growbridge/growbridge/pkg/registry"
)

const httpPollTimeout = 10 * time.Second

type httpEndpoint struct {
	Name string `json:"name"`
	Type string `json:"type"`
	URL  string `json:"url"`
	// ValueField selects a field from a JSON object response. Empty
	// means the whole body is the value.
	ValueField string `json:"value_field"`
	// CommandURL, when set, marks the device as an actuator.
	CommandURL string `json:"command_url"`
}

type httpPollConfig struct {
	Endpoints []httpEndpoint  `json:"endpoints"`
	Timeout   models.Duration `json:"timeout"`
}

// httpPollDriver polls devices that expose readings over plain HTTP,
// like ESP-based sensor boards with a JSON status endpoint.
type httpPollDriver struct {
	endpoints  []httpEndpoint
	httpClient *http.Client
	logger     logger.Logger
	last       *deviceValues
}

func newHTTPPollDriver(cfg map[string]interface{}, log logger.Logger) (Driver, error) {
	var conf httpPollConfig
	if err := decodeConfig(cfg, &conf); err != nil {
		return nil, err
	}

	timeout := conf.Timeout.Duration()
	if timeout <= 0 {
		timeout = httpPollTimeout
	}

	for i, ep := range conf.Endpoints {
		if ep.Name == "" {
			return nil, fmt.Errorf("http endpoint %d has no name", i)
		}

		if ep.URL == "" && ep.CommandURL == "" {
			return nil, fmt.Errorf("http endpoint %q has no url", ep.Name)
		}
	}

	return &httpPollDriver{
		endpoints:  conf.Endpoints,
		httpClient: &http.Client{Timeout: timeout},
		logger:     log,
		last:       newDeviceValues(),
	}, nil
}

func (d *httpPollDriver) Name() string { return "http" }

func (d *httpPollDriver) Connect(_ context.Context) error {
	d.logger.Info().Int("endpoints", len(d.endpoints)).Msg("HTTP poll driver ready")
	return nil
}

func (d *httpPollDriver) Disconnect(_ context.Context) error {
	d.httpClient.CloseIdleConnections()
	return nil
}

func (d *httpPollDriver) Devices() []registry.Device {
	devices := make([]registry.Device, 0, len(d.endpoints))

	for _, ep := range d.endpoints {
		devices = append(devices, registry.Device{Name: ep.Name, Type: ep.Type})
	}

	return devices
}

// ReceiveData polls every read endpoint. A single unreachable device
// is logged and skipped so one failed board never blanks the whole
// collection cycle.
func (d *httpPollDriver) ReceiveData(ctx context.Context) ([]models.DataPoint, error) {
	var points []models.DataPoint

	for _, ep := range d.endpoints {
		if ep.URL == "" {
			continue
		}

		value, err := d.poll(ctx, ep)
		if err != nil {
			d.logger.Warn().Err(err).Str("sensor", ep.Name).Msg("HTTP poll failed")
			continue
		}

		d.last.set(ep.Name, value)

		points = append(points, models.DataPoint{
			"sensor": ep.Name,
			"type":   ep.Type,
			"value":  value,
		})
	}

	return points, nil
}

func (d *httpPollDriver) poll(ctx context.Context, ep httpEndpoint) (interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.URL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("device returned status %d", resp.StatusCode)
	}

	var body interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode device response: %w", err)
	}

	if ep.ValueField == "" {
		return body, nil
	}

	obj, ok := body.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("device response is not an object")
	}

	value, ok := obj[ep.ValueField]
	if !ok {
		return nil, fmt.Errorf("device response missing field %q", ep.ValueField)
	}

	return value, nil
}

// SendData posts the command to the actuator's command endpoint.
func (d *httpPollDriver) SendData(ctx context.Context, target, action string, payload map[string]interface{}) error {
	var ep *httpEndpoint

	for i := range d.endpoints {
		if d.endpoints[i].Name == target {
			ep = &d.endpoints[i]
			break
		}
	}

	if ep == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}

	if ep.CommandURL == "" {
		return fmt.Errorf("%w: %s has no command endpoint", ErrSendUnsupported, target)
	}

	body := map[string]interface{}{"action": action}
	for k, v := range payload {
		body[k] = v
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.CommandURL, bytes.NewReader(data))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send command to %s: %w", target, err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("device %s rejected command with status %d", target, resp.StatusCode)
	}

	d.logger.Info().Str("device", target).Str("action", action).Msg("Command sent")

	return nil
}

func (d *httpPollDriver) DeviceData() map[string]interface{} {
	return d.last.snapshot()
}
