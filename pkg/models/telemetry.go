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

import "time"

const (
	// TimestampField is the epoch-millisecond stamp assigned at enqueue time.
	TimestampField = "timestamp"
	// IntegrationField names the driver that produced the point.
	IntegrationField = "integration"
)

// DataPoint is a single telemetry reading produced by a device driver.
// Beyond the timestamp and integration tags the fields are driver-specific.
type DataPoint map[string]interface{}

// Timestamp returns the epoch-millisecond timestamp, or 0 if unset.
func (d DataPoint) Timestamp() int64 {
	switch v := d[TimestampField].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	default:
		return 0
	}
}

// SetTimestamp stamps the point with an epoch-millisecond timestamp.
func (d DataPoint) SetTimestamp(ms int64) {
	d[TimestampField] = ms
}

// Integration returns the name of the producing driver, or "".
func (d DataPoint) Integration() string {
	s, _ := d[IntegrationField].(string)
	return s
}

// SetIntegration tags the point with the producing driver's name.
func (d DataPoint) SetIntegration(name string) {
	d[IntegrationField] = name
}

// NowMillis returns the current time as epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
