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
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/growbridge/growbridge/pkg/logger"
	"github.com/growbridge/growbridge/pkg/models"
	"github.com/growbridge/growbridge/pkg/registry"
)

const gpioDefaultBasePath = "/sys/class/gpio"

type gpioPin struct {
	Name      string `json:"name"`
	Pin       int    `json:"pin"`
	Direction string `json:"direction"` // "in" or "out"
	Type      string `json:"type"`
}

type gpioConfig struct {
	BasePath string    `json:"base_path"`
	Simulate bool      `json:"simulate"`
	Pins     []gpioPin `json:"pins"`
}

// gpioDriver drives sysfs GPIO pins. On hosts without a GPIO controller
// it falls back to an in-memory simulation so the rest of the agent can
// run unchanged.
type gpioDriver struct {
	basePath string
	simulate bool
	pins     map[string]gpioPin
	logger   logger.Logger
	last     *deviceValues

	mu       sync.Mutex
	simState map[string]int
}

func newGPIODriver(cfg map[string]interface{}, log logger.Logger) (Driver, error) {
	var conf gpioConfig
	if err := decodeConfig(cfg, &conf); err != nil {
		return nil, err
	}

	if conf.BasePath == "" {
		conf.BasePath = gpioDefaultBasePath
	}

	pins := make(map[string]gpioPin, len(conf.Pins))

	for _, pin := range conf.Pins {
		if pin.Name == "" {
			return nil, fmt.Errorf("gpio pin %d has no name", pin.Pin)
		}

		if pin.Direction != "in" && pin.Direction != "out" {
			return nil, fmt.Errorf("gpio pin %q has invalid direction %q", pin.Name, pin.Direction)
		}

		pins[pin.Name] = pin
	}

	return &gpioDriver{
		basePath: conf.BasePath,
		simulate: conf.Simulate,
		pins:     pins,
		logger:   log,
		last:     newDeviceValues(),
		simState: make(map[string]int),
	}, nil
}

func (g *gpioDriver) Name() string { return "gpio" }

func (g *gpioDriver) Connect(_ context.Context) error {
	if g.simulate {
		g.logger.Info().Msg("GPIO driver running in simulation mode")
		return nil
	}

	if _, err := os.Stat(g.basePath); err != nil {
		g.logger.Warn().Str("path", g.basePath).
			Msg("GPIO controller not found, falling back to simulation mode")

		g.simulate = true

		return nil
	}

	for _, pin := range g.pins {
		if err := g.exportPin(pin); err != nil {
			return err
		}
	}

	g.logger.Info().Int("pins", len(g.pins)).Msg("GPIO pins exported")

	return nil
}

func (g *gpioDriver) exportPin(pin gpioPin) error {
	pinDir := filepath.Join(g.basePath, fmt.Sprintf("gpio%d", pin.Pin))

	if _, err := os.Stat(pinDir); os.IsNotExist(err) {
		exportPath := filepath.Join(g.basePath, "export")
		if err := os.WriteFile(exportPath, []byte(strconv.Itoa(pin.Pin)), 0o220); err != nil {
			return fmt.Errorf("export gpio pin %d: %w", pin.Pin, err)
		}
	}

	directionPath := filepath.Join(pinDir, "direction")
	if err := os.WriteFile(directionPath, []byte(pin.Direction), 0o644); err != nil {
		return fmt.Errorf("set gpio pin %d direction: %w", pin.Pin, err)
	}

	return nil
}

func (g *gpioDriver) Disconnect(_ context.Context) error {
	return nil
}

func (g *gpioDriver) Devices() []registry.Device {
	devices := make([]registry.Device, 0, len(g.pins))

	for _, pin := range g.pins {
		devices = append(devices, registry.Device{Name: pin.Name, Type: pin.Type})
	}

	return devices
}

func (g *gpioDriver) ReceiveData(_ context.Context) ([]models.DataPoint, error) {
	var points []models.DataPoint

	for _, pin := range g.pins {
		if pin.Direction != "in" {
			continue
		}

		value, err := g.readPin(pin)
		if err != nil {
			g.logger.Warn().Err(err).Str("pin", pin.Name).Msg("GPIO read failed")
			continue
		}

		g.last.set(pin.Name, value)

		points = append(points, models.DataPoint{
			"sensor": pin.Name,
			"type":   pin.Type,
			"value":  value,
		})
	}

	return points, nil
}

func (g *gpioDriver) readPin(pin gpioPin) (int, error) {
	if g.simulate {
		g.mu.Lock()
		defer g.mu.Unlock()

		return g.simState[pin.Name], nil
	}

	valuePath := filepath.Join(g.basePath, fmt.Sprintf("gpio%d", pin.Pin), "value")

	data, err := os.ReadFile(valuePath)
	if err != nil {
		return 0, fmt.Errorf("read gpio pin %d: %w", pin.Pin, err)
	}

	value, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse gpio pin %d value: %w", pin.Pin, err)
	}

	return value, nil
}

// SendData switches an output pin. Supported actions are "on", "off",
// and "toggle"; "set" takes the level from payload["value"].
func (g *gpioDriver) SendData(_ context.Context, target, action string, payload map[string]interface{}) error {
	pin, ok := g.pins[target]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}

	if pin.Direction != "out" {
		return fmt.Errorf("gpio pin %q is not an output", target)
	}

	var level int

	switch action {
	case "on":
		level = 1
	case "off":
		level = 0
	case "toggle":
		current, err := g.readPin(pin)
		if err != nil {
			return err
		}

		level = 1 - current
	case "set":
		v, ok := payload["value"].(float64)
		if !ok {
			return fmt.Errorf("gpio set action requires a numeric value")
		}

		if v != 0 {
			level = 1
		}
	default:
		return fmt.Errorf("unsupported gpio action %q", action)
	}

	if err := g.writePin(pin, level); err != nil {
		return err
	}

	g.last.set(target, level)
	g.logger.Info().Str("pin", target).Int("level", level).Msg("GPIO pin switched")

	return nil
}

func (g *gpioDriver) writePin(pin gpioPin, level int) error {
	if g.simulate {
		g.mu.Lock()
		defer g.mu.Unlock()

		g.simState[pin.Name] = level

		return nil
	}

	valuePath := filepath.Join(g.basePath, fmt.Sprintf("gpio%d", pin.Pin), "value")
	if err := os.WriteFile(valuePath, []byte(strconv.Itoa(level)), 0o644); err != nil {
		return fmt.Errorf("write gpio pin %d: %w", pin.Pin, err)
	}

	return nil
}

func (g *gpioDriver) DeviceData() map[string]interface{} {
	return g.last.snapshot()
}
