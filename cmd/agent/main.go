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

package main

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/growbridge/growbridge/pkg/agent"
	"github.com/growbridge/growbridge/pkg/config"
	"github.com/growbridge/growbridge/pkg/lifecycle"
)

func main() {
	configPath := flag.String("config", "/etc/growbridge/agent.json", "Path to agent config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run(configPath string) error {
	ctx := context.Background()

	bootstrapLog, err := lifecycle.CreateComponentLogger("config", nil)
	if err != nil {
		return err
	}

	var cfg agent.Config

	cfgLoader := config.NewConfig(bootstrapLog)
	if err := cfgLoader.LoadAndValidate(ctx, configPath, &cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	agentLogger, err := lifecycle.CreateComponentLogger("agent", cfg.Logging)
	if err != nil {
		return err
	}

	a, err := agent.New(&cfg, agentLogger)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	return lifecycle.Run(ctx, a, agentLogger)
}
