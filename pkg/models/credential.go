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

// Package models defines the shared data types of the GrowBridge agent.
package models

import "time"

// Credential is the single client identity issued by the control plane.
// It is exclusively owned by the auth manager; other components read
// derived booleans only.
type Credential struct {
	ClientID         string    `json:"client_id"`
	CustomID         string    `json:"custom_id"`
	RegistrationTime time.Time `json:"registration_time"`
	Connected        bool      `json:"connected"`
	Ready            bool      `json:"ready"`
	Token            string    `json:"token,omitempty"`
}
