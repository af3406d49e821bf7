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

// Package driver defines the device integration contract and the
// built-in integrations (gpio, mqtt, http, serial, system). Drivers are
// constructed from an explicit factory table keyed by integration name;
// there is no runtime discovery.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/growbridge/growbridge/pkg/logger"
	"github.com/growbridge/growbridge/pkg/models"
	"github.com/growbridge/growbridge/pkg/registry"
)

var (
	// ErrUnknownDriver indicates no factory is registered for the name.
	ErrUnknownDriver = errors.New("unknown driver")
	// ErrDriverExists indicates a duplicate factory registration.
	ErrDriverExists = errors.New("driver already registered")
	// ErrSendUnsupported indicates the driver has no actuators.
	ErrSendUnsupported = errors.New("driver does not support commands")
	// ErrUnknownTarget indicates a command addressed a device the
	// driver does not own.
	ErrUnknownTarget = errors.New("unknown target device")
)

// Driver is a device integration. Implementations own their transport
// (bus, broker, port) and translate between device readings and data
// points.
type Driver interface {
	// Name returns the integration name used for registry tagging.
	Name() string
	// Connect establishes the device connection.
	Connect(ctx context.Context) error
	// Disconnect tears the connection down.
	Disconnect(ctx context.Context) error
	// Devices lists the sensors and actuators this driver owns.
	Devices() []registry.Device
	// ReceiveData collects the current readings from all sensors.
	ReceiveData(ctx context.Context) ([]models.DataPoint, error)
	// SendData executes a command against an actuator.
	SendData(ctx context.Context, target, action string, payload map[string]interface{}) error
	// DeviceData returns the last known value per device.
	DeviceData() map[string]interface{}
}

// Factory constructs a driver from its raw configuration block.
type Factory func(cfg map[string]interface{}, log logger.Logger) (Driver, error)

var (
	factoryMu sync.RWMutex

	// The built-in integration set. External drivers register at
	// startup via Register before the agent constructs integrations.
	factories = map[string]Factory{
		"gpio":   newGPIODriver,
		"mqtt":   newMQTTDriver,
		"http":   newHTTPPollDriver,
		"serial": newSerialDriver,
		"system": newSystemDriver,
	}
)

// Register adds a driver factory under the given name.
func Register(name string, factory Factory) error {
	factoryMu.Lock()
	defer factoryMu.Unlock()

	if _, ok := factories[name]; ok {
		return fmt.Errorf("%w: %s", ErrDriverExists, name)
	}

	factories[name] = factory

	return nil
}

// New constructs a driver by integration name.
func New(name string, cfg map[string]interface{}, log logger.Logger) (Driver, error) {
	factoryMu.RLock()
	factory, ok := factories[name]
	factoryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, name)
	}

	return factory(cfg, log)
}

// Available returns the registered integration names, sorted.
func Available() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// decodeConfig maps a raw configuration block onto a typed struct.
func decodeConfig(cfg map[string]interface{}, dst interface{}) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode driver config: %w", err)
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode driver config: %w", err)
	}

	return nil
}

// deviceValues tracks last known readings for DeviceData.
type deviceValues struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

func newDeviceValues() *deviceValues {
	return &deviceValues{values: make(map[string]interface{})}
}

func (d *deviceValues) set(name string, value interface{}) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.values[name] = value
}

func (d *deviceValues) snapshot() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]interface{}, len(d.values))
	for k, v := range d.values {
		out[k] = v
	}

	return out
}
