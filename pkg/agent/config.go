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

package agent

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/growbridge/growbridge/pkg/logger"
	"github.com/growbridge/growbridge/pkg/models"
	"github.com/growbridge/growbridge/pkg/queue"
)

var errNoAPIURL = errors.New("api.url is required")

const (
	defaultDataDir              = "data"
	defaultBatchSize            = 100
	defaultCollectionInterval   = time.Minute
	defaultTransmissionInterval = time.Minute
	defaultConnectionTimeout    = 5 * time.Minute
	defaultSpaceTimeout         = 30 * time.Minute
)

// APIConfig describes the control-plane endpoint, retry policy, and the
// transmission/command schedule.
type APIConfig struct {
	URL                  string          `json:"url" yaml:"url"`
	RetryMaxAttempts     int             `json:"retry_max_attempts" yaml:"retry_max_attempts"`
	RetryMinBackoff      models.Duration `json:"retry_min_backoff" yaml:"retry_min_backoff"`
	RetryMaxBackoff      models.Duration `json:"retry_max_backoff" yaml:"retry_max_backoff"`
	PollInterval         models.Duration `json:"poll_interval" yaml:"poll_interval"`
	BatchSize            int             `json:"batch_size" yaml:"batch_size"`
	TransmissionInterval models.Duration `json:"transmission_interval" yaml:"transmission_interval"`
	ConnectionTimeout    models.Duration `json:"connection_timeout" yaml:"connection_timeout"`
	SpaceTimeout         models.Duration `json:"space_timeout" yaml:"space_timeout"`
}

// GeneralConfig covers local state and the collection schedule.
type GeneralConfig struct {
	DataDir            string          `json:"data_dir" yaml:"data_dir"`
	CollectionInterval models.Duration `json:"collection_interval" yaml:"collection_interval"`
}

// Config is the top-level agent configuration.
type Config struct {
	API          APIConfig                         `json:"api" yaml:"api"`
	Queue        queue.Config                      `json:"queue" yaml:"queue"`
	General      GeneralConfig                     `json:"general" yaml:"general"`
	Logging      *logger.Config                    `json:"logging,omitempty" yaml:"logging,omitempty"`
	Integrations map[string]map[string]interface{} `json:"integrations" yaml:"integrations"`
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	if c.API.URL == "" {
		return errNoAPIURL
	}

	if c.General.DataDir == "" {
		c.General.DataDir = defaultDataDir
	}

	if c.API.BatchSize <= 0 {
		c.API.BatchSize = defaultBatchSize
	}

	if c.General.CollectionInterval.Duration() <= 0 {
		c.General.CollectionInterval = models.Duration(defaultCollectionInterval)
	}

	if c.API.TransmissionInterval.Duration() <= 0 {
		c.API.TransmissionInterval = models.Duration(defaultTransmissionInterval)
	}

	if c.API.ConnectionTimeout.Duration() <= 0 {
		c.API.ConnectionTimeout = models.Duration(defaultConnectionTimeout)
	}

	if c.API.SpaceTimeout.Duration() <= 0 {
		c.API.SpaceTimeout = models.Duration(defaultSpaceTimeout)
	}

	if c.Queue.Path == "" {
		c.Queue.Path = filepath.Join(c.General.DataDir, "queue.db")
	}

	if c.Logging == nil {
		c.Logging = logger.DefaultConfig()
	}

	return nil
}
