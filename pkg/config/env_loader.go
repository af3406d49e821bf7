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

package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/growbridge/growbridge/pkg/logger"
)

// ErrNoEnvConfig indicates that CONFIG_SOURCE=env was requested but no
// config payload was found in the environment.
var ErrNoEnvConfig = errors.New("no CONFIG_JSON found in environment")

// EnvLoader loads a complete JSON configuration from an environment
// variable, for containerized deployments without a config file.
type EnvLoader struct {
	logger logger.Logger
	prefix string
}

// NewEnvLoader creates an environment variable config loader.
func NewEnvLoader(log logger.Logger, prefix string) *EnvLoader {
	return &EnvLoader{logger: log, prefix: prefix}
}

// Load implements Loader by reading <prefix>CONFIG_JSON.
func (e *EnvLoader) Load(_ context.Context, _ string, dst interface{}) error {
	key := e.prefix + "CONFIG_JSON"

	raw := os.Getenv(key)
	if raw == "" {
		return fmt.Errorf("%w: %s is unset", ErrNoEnvConfig, key)
	}

	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}

	if e.logger != nil {
		e.logger.Info().Str("var", key).Msg("Loaded configuration from environment")
	}

	return nil
}
