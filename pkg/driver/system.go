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

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/growbridge/growbridge/pkg/logger"
	"github.com/growbridge/growbridge/pkg/models"
	"github.com/growbridge/growbridge/pkg/registry"
)

type systemConfig struct {
	// DiskPath is the mount point whose usage is reported.
	DiskPath string `json:"disk_path"`
}

// systemDriver reports host health (CPU, memory, disk) as telemetry so
// the control plane can spot a struggling edge box before it drops off.
type systemDriver struct {
	diskPath string
	logger   logger.Logger
	last     *deviceValues
}

func newSystemDriver(cfg map[string]interface{}, log logger.Logger) (Driver, error) {
	var conf systemConfig
	if err := decodeConfig(cfg, &conf); err != nil {
		return nil, err
	}

	if conf.DiskPath == "" {
		conf.DiskPath = "/"
	}

	return &systemDriver{
		diskPath: conf.DiskPath,
		logger:   log,
		last:     newDeviceValues(),
	}, nil
}

func (d *systemDriver) Name() string { return "system" }

func (d *systemDriver) Connect(_ context.Context) error    { return nil }
func (d *systemDriver) Disconnect(_ context.Context) error { return nil }

func (d *systemDriver) Devices() []registry.Device {
	return []registry.Device{
		{Name: "system_cpu", Type: "pressure"},
		{Name: "system_memory", Type: "pressure"},
		{Name: "system_disk", Type: "pressure"},
	}
}

func (d *systemDriver) ReceiveData(ctx context.Context) ([]models.DataPoint, error) {
	var points []models.DataPoint

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		d.last.set("system_cpu", percents[0])
		points = append(points, models.DataPoint{
			"sensor": "system_cpu",
			"type":   "pressure",
			"value":  percents[0],
		})
	} else if err != nil {
		d.logger.Warn().Err(err).Msg("CPU usage read failed")
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		d.last.set("system_memory", vm.UsedPercent)
		points = append(points, models.DataPoint{
			"sensor": "system_memory",
			"type":   "pressure",
			"value":  vm.UsedPercent,
		})
	} else {
		d.logger.Warn().Err(err).Msg("Memory usage read failed")
	}

	if usage, err := disk.UsageWithContext(ctx, d.diskPath); err == nil {
		d.last.set("system_disk", usage.UsedPercent)
		points = append(points, models.DataPoint{
			"sensor": "system_disk",
			"type":   "pressure",
			"value":  usage.UsedPercent,
		})
	} else {
		d.logger.Warn().Err(err).Msg("Disk usage read failed")
	}

	return points, nil
}

func (d *systemDriver) SendData(_ context.Context, _, _ string, _ map[string]interface{}) error {
	return fmt.Errorf("%w: system", ErrSendUnsupported)
}

func (d *systemDriver) DeviceData() map[string]interface{} {
	return d.last.snapshot()
}
