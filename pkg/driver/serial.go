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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/growbridge/growbridge/pkg/logger"
	"github.com/growbridge/growbridge/pkg/models"
	"github.com/growbridge/growbridge/pkg/registry"
)

const serialInboundBuffer = 256

type serialDevice struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type serialConfig struct {
	// Port is the device node, e.g. /dev/ttyUSB0. The port is assumed
	// to be pre-configured (stty) by provisioning.
	Port    string         `json:"port"`
	Devices []serialDevice `json:"devices"`
}

// serialReading is one line of the newline-delimited JSON protocol the
// attached microcontroller speaks.
type serialReading struct {
	Sensor string      `json:"sensor"`
	Value  interface{} `json:"value"`
}

// serialDriver reads newline-delimited JSON readings from a serial
// port and writes command lines back.
type serialDriver struct {
	conf    serialConfig
	logger  logger.Logger
	last    *deviceValues
	inbound chan models.DataPoint

	mu   sync.Mutex
	port io.ReadWriteCloser

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	devices map[string]serialDevice
}

func newSerialDriver(cfg map[string]interface{}, log logger.Logger) (Driver, error) {
	var conf serialConfig
	if err := decodeConfig(cfg, &conf); err != nil {
		return nil, err
	}

	if conf.Port == "" {
		return nil, fmt.Errorf("serial driver requires a port")
	}

	devices := make(map[string]serialDevice, len(conf.Devices))

	for i, dev := range conf.Devices {
		if dev.Name == "" {
			return nil, fmt.Errorf("serial device %d has no name", i)
		}

		devices[dev.Name] = dev
	}

	return &serialDriver{
		conf:    conf,
		logger:  log,
		last:    newDeviceValues(),
		inbound: make(chan models.DataPoint, serialInboundBuffer),
		done:    make(chan struct{}),
		devices: devices,
	}, nil
}

func (d *serialDriver) Name() string { return "serial" }

func (d *serialDriver) Connect(_ context.Context) error {
	port, err := os.OpenFile(d.conf.Port, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open serial port %s: %w", d.conf.Port, err)
	}

	d.mu.Lock()
	d.port = port
	d.mu.Unlock()

	d.wg.Add(1)

	go d.readLoop(port)

	d.logger.Info().Str("port", d.conf.Port).Msg("Serial port opened")

	return nil
}

func (d *serialDriver) readLoop(port io.Reader) {
	defer d.wg.Done()

	scanner := bufio.NewScanner(port)

	for scanner.Scan() {
		select {
		case <-d.done:
			return
		default:
		}

		var reading serialReading
		if err := json.Unmarshal(scanner.Bytes(), &reading); err != nil || reading.Sensor == "" {
			// Garbled lines happen on noisy links; skip them.
			continue
		}

		dev, ok := d.devices[reading.Sensor]
		if !ok {
			d.logger.Debug().Str("sensor", reading.Sensor).Msg("Reading from unconfigured serial device")
			continue
		}

		d.last.set(dev.Name, reading.Value)

		point := models.DataPoint{
			"sensor": dev.Name,
			"type":   dev.Type,
			"value":  reading.Value,
		}
		point.SetTimestamp(models.NowMillis())

		select {
		case d.inbound <- point:
		default:
			d.logger.Warn().Str("sensor", dev.Name).Msg("Serial inbound buffer full, reading dropped")
		}
	}

	if err := scanner.Err(); err != nil {
		d.logger.Warn().Err(err).Msg("Serial read loop exited")
	}
}

func (d *serialDriver) Disconnect(_ context.Context) error {
	d.closeOnce.Do(func() { close(d.done) })

	d.mu.Lock()
	port := d.port
	d.port = nil
	d.mu.Unlock()

	if port == nil {
		return nil
	}

	// Closing the port unblocks the scanner in readLoop.
	err := port.Close()
	d.wg.Wait()

	return err
}

func (d *serialDriver) Devices() []registry.Device {
	devices := make([]registry.Device, 0, len(d.conf.Devices))

	for _, dev := range d.conf.Devices {
		devices = append(devices, registry.Device{Name: dev.Name, Type: dev.Type})
	}

	return devices
}

func (d *serialDriver) ReceiveData(_ context.Context) ([]models.DataPoint, error) {
	var points []models.DataPoint

	for {
		select {
		case point := <-d.inbound:
			points = append(points, point)
		default:
			return points, nil
		}
	}
}

// SendData writes one command line to the port.
func (d *serialDriver) SendData(_ context.Context, target, action string, payload map[string]interface{}) error {
	if _, ok := d.devices[target]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}

	d.mu.Lock()
	port := d.port
	d.mu.Unlock()

	if port == nil {
		return fmt.Errorf("serial port is not open")
	}

	line, err := json.Marshal(map[string]interface{}{
		"target":  target,
		"action":  action,
		"payload": payload,
	})
	if err != nil {
		return fmt.Errorf("encode serial command: %w", err)
	}

	if _, err := port.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write serial command: %w", err)
	}

	d.logger.Info().Str("device", target).Str("action", action).Msg("Serial command written")

	return nil
}

func (d *serialDriver) DeviceData() map[string]interface{} {
	return d.last.snapshot()
}
