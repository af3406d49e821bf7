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

// TargetType classifies the device a command addresses.
type TargetType string

const (
	TargetSensor   TargetType = "sensor"
	TargetActuator TargetType = "actuator"
)

// Command is a remote instruction delivered by the control plane. Commands
// are not persisted locally; the control plane owns retry of lost commands.
type Command struct {
	ID         string                 `json:"id"`
	TargetType TargetType             `json:"targetType"`
	TargetID   string                 `json:"targetId"`
	Action     string                 `json:"action"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// CommandResult is the terminal state of a command, reported back once.
type CommandResult struct {
	CommandID string `json:"command_id"`
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}
