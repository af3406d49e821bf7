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

package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDurationUnmarshalJSON(t *testing.T) {
	var cfg struct {
		Interval Duration `json:"interval"`
	}

	require.NoError(t, json.Unmarshal([]byte(`{"interval": "30s"}`), &cfg))
	assert.Equal(t, 30*time.Second, cfg.Interval.Duration())

	// Bare numbers are nanoseconds.
	require.NoError(t, json.Unmarshal([]byte(`{"interval": 1000000000}`), &cfg))
	assert.Equal(t, time.Second, cfg.Interval.Duration())

	assert.Error(t, json.Unmarshal([]byte(`{"interval": "soon"}`), &cfg))
}

func TestDurationUnmarshalYAML(t *testing.T) {
	var cfg struct {
		Interval Duration `yaml:"interval"`
	}

	require.NoError(t, yaml.Unmarshal([]byte("interval: 5m"), &cfg))
	assert.Equal(t, 5*time.Minute, cfg.Interval.Duration())
}

func TestDataPointTimestamp(t *testing.T) {
	point := DataPoint{"sensor": "temp1"}
	assert.Zero(t, point.Timestamp())

	point.SetTimestamp(1234)
	assert.Equal(t, int64(1234), point.Timestamp())

	// JSON round trips turn int64 into float64.
	point[TimestampField] = float64(5678)
	assert.Equal(t, int64(5678), point.Timestamp())
}

func TestDataPointIntegration(t *testing.T) {
	point := DataPoint{"sensor": "temp1"}
	assert.Empty(t, point.Integration())

	point.SetIntegration("mqtt")
	assert.Equal(t, "mqtt", point.Integration())
}

func TestCommandDecoding(t *testing.T) {
	raw := `{"id": "cmd-1", "targetType": "actuator", "targetId": "pump1", "action": "on", "payload": {"duration": 5}}`

	var cmd Command
	require.NoError(t, json.Unmarshal([]byte(raw), &cmd))

	assert.Equal(t, "cmd-1", cmd.ID)
	assert.Equal(t, TargetActuator, cmd.TargetType)
	assert.Equal(t, "pump1", cmd.TargetID)
	assert.Equal(t, "on", cmd.Action)
	assert.Equal(t, float64(5), cmd.Payload["duration"])
}
