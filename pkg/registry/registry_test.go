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

package registry

import (
	"testing"

	"github.com/growbridge/growbridge/pkg/logger"
	"github.com/growbridge/growbridge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	r := New(logger.NewTestLogger())

	r.RegisterSensor("temp1", "mqtt")
	r.RegisterActuator("pump1", "gpio")

	integration, ok := r.Resolve(models.TargetSensor, "temp1")
	require.True(t, ok)
	assert.Equal(t, "mqtt", integration)

	integration, ok = r.Resolve(models.TargetActuator, "pump1")
	require.True(t, ok)
	assert.Equal(t, "gpio", integration)

	// A sensor name does not resolve as an actuator.
	_, ok = r.Resolve(models.TargetActuator, "temp1")
	assert.False(t, ok)

	_, ok = r.Resolve(models.TargetSensor, "missing")
	assert.False(t, ok)
}

func TestResolveUnknownTargetType(t *testing.T) {
	r := New(logger.NewTestLogger())
	r.RegisterSensor("temp1", "mqtt")

	_, ok := r.Resolve(models.TargetType("gateway"), "temp1")
	assert.False(t, ok)
}

func TestLastWriteWins(t *testing.T) {
	r := New(logger.NewTestLogger())

	r.RegisterSensor("temp1", "mqtt")
	r.RegisterSensor("temp1", "serial")

	integration, ok := r.Resolve(models.TargetSensor, "temp1")
	require.True(t, ok)
	assert.Equal(t, "serial", integration)
}

func TestRegisterDevices(t *testing.T) {
	r := New(logger.NewTestLogger())

	r.RegisterDevices("serial", []Device{
		{Name: "soil_ph", Type: "ph"},
		{Name: "tank", Type: "water_level"},
		{Name: "feed_pump", Type: "pump"},
		{Name: "", Type: "pump"}, // invalid, skipped
		{Name: "grow_light", Type: ""},
	})

	sensors := r.Sensors()
	actuators := r.Actuators()

	assert.Equal(t, map[string]string{"soil_ph": "serial", "tank": "serial"}, sensors)
	assert.Equal(t, map[string]string{"feed_pump": "serial"}, actuators)
}

func TestClear(t *testing.T) {
	r := New(logger.NewTestLogger())

	r.RegisterSensor("temp1", "mqtt")
	r.RegisterActuator("pump1", "gpio")
	r.Clear()

	assert.Empty(t, r.Sensors())
	assert.Empty(t, r.Actuators())
}
