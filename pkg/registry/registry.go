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

// Package registry maps device names to the driver that owns them.
package registry

import (
	"sync"

	"github.com/growbridge/growbridge/pkg/logger"
	"github.com/growbridge/growbridge/pkg/models"
)

// sensorTypes is the set of device type tags classified as sensors when
// registering from a device list; everything else defaults to actuator.
var sensorTypes = map[string]struct{}{
	"temperature":  {},
	"humidity":     {},
	"water_level":  {},
	"light_sensor": {},
	"ph":           {},
	"ec":           {},
	"pressure":     {},
	"flow":         {},
}

// Device is a single device declaration from an integration config.
type Device struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// Registry maps sensor and actuator names to owning integration names.
// It is rebuilt wholesale at integration-load time; lookups during
// steady-state operation are read-only.
type Registry struct {
	mu        sync.RWMutex
	sensors   map[string]string
	actuators map[string]string
	logger    logger.Logger
}

// New creates an empty registry.
func New(log logger.Logger) *Registry {
	return &Registry{
		sensors:   make(map[string]string),
		actuators: make(map[string]string),
		logger:    log,
	}
}

// RegisterSensor maps a sensor name to an integration. Last write wins.
func (r *Registry) RegisterSensor(name, integration string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sensors[name] = integration
	r.logger.Info().Str("sensor", name).Str("integration", integration).Msg("Registered sensor")
}

// RegisterActuator maps an actuator name to an integration. Last write wins.
func (r *Registry) RegisterActuator(name, integration string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.actuators[name] = integration
	r.logger.Info().Str("actuator", name).Str("integration", integration).Msg("Registered actuator")
}

// RegisterDevices classifies each declared device as a sensor or actuator
// by its type tag and registers it with the integration.
func (r *Registry) RegisterDevices(integration string, devices []Device) {
	for _, dev := range devices {
		if dev.Name == "" || dev.Type == "" {
			r.logger.Error().
				Str("integration", integration).
				Interface("device", dev).
				Msg("Invalid device configuration, skipping")

			continue
		}

		if _, ok := sensorTypes[dev.Type]; ok {
			r.RegisterSensor(dev.Name, integration)
		} else {
			r.RegisterActuator(dev.Name, integration)
		}
	}
}

// Resolve looks up the integration owning a command target. A miss is a
// normal outcome, reported through ok.
func (r *Registry) Resolve(targetType models.TargetType, targetID string) (integration string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch targetType {
	case models.TargetSensor:
		integration, ok = r.sensors[targetID]
	case models.TargetActuator:
		integration, ok = r.actuators[targetID]
	}

	if !ok {
		r.logger.Warn().
			Str("target_type", string(targetType)).
			Str("target_id", targetID).
			Msg("No integration found for target")
	}

	return integration, ok
}

// Sensors returns a copy of the sensor map.
func (r *Registry) Sensors() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.sensors))
	for k, v := range r.sensors {
		out[k] = v
	}

	return out
}

// Actuators returns a copy of the actuator map.
func (r *Registry) Actuators() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.actuators))
	for k, v := range r.actuators {
		out[k] = v
	}

	return out
}

// Clear removes all registrations ahead of a wholesale rebuild.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sensors = make(map[string]string)
	r.actuators = make(map[string]string)
}
