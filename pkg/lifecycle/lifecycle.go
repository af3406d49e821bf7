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

// Package lifecycle runs long-lived services with signal-aware shutdown.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/growbridge/growbridge/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

// Service is a long-running component with a blocking Start and a
// bounded Stop.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// CreateComponentLogger creates a logger tagged for a specific component.
func CreateComponentLogger(component string, config *logger.Config) (logger.Logger, error) {
	log, err := logger.NewComponentLogger(component, config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return log, nil
}

// Run starts the service and blocks until SIGINT/SIGTERM or until Start
// returns on its own, then stops the service with a bounded timeout.
func Run(ctx context.Context, svc Service, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)

	go func() {
		errCh <- svc.Start(ctx)
	}()

	var runErr error

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		} else {
			// Start returned without error; the service runs in the
			// background until a shutdown signal arrives.
			<-ctx.Done()
			log.Info().Msg("Shutdown signal received")
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := svc.Stop(stopCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping service")

		if runErr == nil {
			runErr = err
		}
	}

	return runErr
}
