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

// Package agent wires drivers, queue, auth, and transport together and
// runs the three scheduling loops: collection, transmission, and
// command execution.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/growbridge/growbridge/pkg/auth"
	"github.com/growbridge/growbridge/pkg/driver"
	"github.com/growbridge/growbridge/pkg/logger"
	"github.com/growbridge/growbridge/pkg/models"
	"github.com/growbridge/growbridge/pkg/queue"
	"github.com/growbridge/growbridge/pkg/registry"
	"github.com/growbridge/growbridge/pkg/transport"
)

const (
	// batchWaitTimeout bounds how long the transmission loop waits for
	// the first queued item each tick.
	batchWaitTimeout = time.Second
	// commandWaitTimeout bounds each command fetch so the loop stays
	// responsive to shutdown.
	commandWaitTimeout = time.Second
	// notReadyRecheckInterval is how long the command loop sleeps when
	// the readiness gate is closed.
	notReadyRecheckInterval = 5 * time.Second
	// maxConsecutiveFailures triggers a proactive status re-check. A
	// streak this long usually means the connection state is stale,
	// not that the server is flaky.
	maxConsecutiveFailures = 5
)

// State tracks the agent lifecycle.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// ErrPairingTimeout indicates the operator never linked the client
// within the configured window. This is the one startup failure with a
// user-visible message and a controlled exit.
var ErrPairingTimeout = errors.New("timed out waiting for client pairing")

// authManager is the slice of the auth manager the orchestrator uses.
type authManager interface {
	Register(ctx context.Context) error
	CheckStatus(ctx context.Context) (bool, auth.Status)
	WaitForConnection(ctx context.Context, timeout time.Duration) error
	WaitForSpace(ctx context.Context, timeout time.Duration) error
	IsAuthenticated() bool
	IsReadyForData() bool
	PairingCode() string
	DisplayPairingCode(w io.Writer)
}

// transportClient is the slice of the transport client the orchestrator
// uses.
type transportClient interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	SendTelemetry(ctx context.Context, items []models.DataPoint) error
	NextCommand(ctx context.Context, timeout time.Duration) (models.Command, bool)
	ReportResult(ctx context.Context, commandID string, success bool, message string) error
}

// telemetryQueue is the slice of the queue the orchestrator uses.
type telemetryQueue interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Put(item models.DataPoint) bool
	GetBatch(ctx context.Context, maxItems int, timeout time.Duration) []models.DataPoint
	MarkProcessed(items []models.DataPoint)
	Requeue(items []models.DataPoint)
	Size() int
}

// Agent is the edge orchestrator.
type Agent struct {
	cfg      *Config
	logger   logger.Logger
	auth     authManager
	trans    transportClient
	queue    telemetryQueue
	registry *registry.Registry
	drivers  map[string]driver.Driver
	pairOut  io.Writer

	mu        sync.Mutex
	state     State
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds an agent from validated configuration.
func New(cfg *Config, log logger.Logger) (*Agent, error) {
	authMgr, err := auth.New(auth.Config{
		APIURL:           cfg.API.URL,
		DataDir:          cfg.General.DataDir,
		RetryMaxAttempts: cfg.API.RetryMaxAttempts,
		RetryMinBackoff:  cfg.API.RetryMinBackoff,
		RetryMaxBackoff:  cfg.API.RetryMaxBackoff,
	}, log.WithComponent("auth"))
	if err != nil {
		return nil, fmt.Errorf("create auth manager: %w", err)
	}

	q, err := queue.New(cfg.Queue, log.WithComponent("queue"))
	if err != nil {
		return nil, fmt.Errorf("create telemetry queue: %w", err)
	}

	trans := transport.NewClient(transport.Config{
		APIURL:           cfg.API.URL,
		RetryMaxAttempts: cfg.API.RetryMaxAttempts,
		RetryMinBackoff:  cfg.API.RetryMinBackoff,
		RetryMaxBackoff:  cfg.API.RetryMaxBackoff,
		PollInterval:     cfg.API.PollInterval,
	}, authMgr, log.WithComponent("transport"))

	return &Agent{
		cfg:      cfg,
		logger:   log,
		auth:     authMgr,
		trans:    trans,
		queue:    q,
		registry: registry.New(log.WithComponent("registry")),
		drivers:  make(map[string]driver.Driver),
		pairOut:  os.Stdout,
		done:     make(chan struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.state
}

func (a *Agent) transition(from, to State) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state != from {
		return false
	}

	a.state = to

	return true
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.state = s
}

// Start brings the agent up: queue recovery, driver connection,
// registration and pairing, then the three loops. A second Start on a
// running agent is a logged no-op.
func (a *Agent) Start(ctx context.Context) error {
	if !a.transition(StateStopped, StateStarting) {
		a.logger.Warn().Str("state", a.State().String()).Msg("Start ignored, agent is not stopped")
		return nil
	}

	a.logger.Info().Msg("Starting agent")

	if err := a.queue.Start(ctx); err != nil {
		a.setState(StateStopped)
		return fmt.Errorf("start queue: %w", err)
	}

	a.connectDrivers(ctx)

	if err := a.establishConnection(ctx); err != nil {
		a.abortStartup(ctx)
		return err
	}

	if err := a.trans.Start(ctx); err != nil {
		a.abortStartup(ctx)
		return fmt.Errorf("start transport: %w", err)
	}

	a.wg.Add(3)

	go a.collectionLoop(ctx)
	go a.transmissionLoop(ctx)
	go a.commandLoop(ctx)

	a.setState(StateRunning)
	a.logger.Info().
		Int("integrations", len(a.drivers)).
		Msg("Agent running")

	return nil
}

// abortStartup unwinds a partial Start. The queue has already reloaded
// and cleared the checkpoint store by this point, so it must be stopped
// (final flush included) or the recovered items are lost.
func (a *Agent) abortStartup(ctx context.Context) {
	for name, drv := range a.drivers {
		if err := drv.Disconnect(ctx); err != nil {
			a.logger.Error().Err(err).Str("integration", name).Msg("Driver disconnect failed")
		}

		delete(a.drivers, name)
	}

	if err := a.queue.Stop(ctx); err != nil {
		a.logger.Error().Err(err).Msg("Queue stop failed during startup abort")
	}

	a.setState(StateStopped)
}

// connectDrivers builds and connects every configured integration and
// rebuilds the capability registry. A failing integration is logged and
// skipped; the agent runs with whatever connected.
func (a *Agent) connectDrivers(ctx context.Context) {
	a.registry.Clear()

	for name, rawCfg := range a.cfg.Integrations {
		if enabled, ok := rawCfg["enabled"].(bool); ok && !enabled {
			a.logger.Info().Str("integration", name).Msg("Integration disabled, skipping")
			continue
		}

		drv, err := driver.New(name, rawCfg, a.logger.WithComponent(name))
		if err != nil {
			a.logger.Error().Err(err).Str("integration", name).Msg("Failed to create integration")
			continue
		}

		if err := drv.Connect(ctx); err != nil {
			a.logger.Error().Err(err).Str("integration", name).Msg("Failed to connect integration")
			continue
		}

		a.drivers[name] = drv
		a.registry.RegisterDevices(name, drv.Devices())
		a.logger.Info().Str("integration", name).Int("devices", len(drv.Devices())).
			Msg("Integration connected")
	}
}

// establishConnection runs the registration and pairing handshake.
func (a *Agent) establishConnection(ctx context.Context) error {
	if !a.auth.IsAuthenticated() {
		if err := a.auth.Register(ctx); err != nil {
			return fmt.Errorf("register client: %w", err)
		}
	}

	if connected, _ := a.auth.CheckStatus(ctx); !connected {
		if a.auth.PairingCode() != "" {
			a.auth.DisplayPairingCode(a.pairOut)
		}

		if err := a.auth.WaitForConnection(ctx, a.cfg.API.ConnectionTimeout.Duration()); err != nil {
			fmt.Fprintln(a.pairOut, "\nPairing timed out. Restart the agent to try again.")
			return fmt.Errorf("%w: %w", ErrPairingTimeout, err)
		}
	}

	if !a.auth.IsReadyForData() {
		if err := a.auth.WaitForSpace(ctx, a.cfg.API.SpaceTimeout.Duration()); err != nil {
			// Not fatal: the transmission loop keeps re-checking and
			// data flows once the space appears.
			a.logger.Warn().Err(err).Msg("No space created yet, continuing; telemetry is gated until ready")
		}
	}

	return nil
}

// Stop shuts the loops down, disconnects drivers, and flushes the
// queue. A second Stop is a logged no-op.
func (a *Agent) Stop(ctx context.Context) error {
	if !a.transition(StateRunning, StateStopping) {
		a.logger.Warn().Str("state", a.State().String()).Msg("Stop ignored, agent is not running")
		return nil
	}

	a.logger.Info().Msg("Stopping agent")

	a.closeOnce.Do(func() { close(a.done) })
	a.wg.Wait()

	if err := a.trans.Stop(ctx); err != nil {
		a.logger.Error().Err(err).Msg("Transport stop failed")
	}

	for name, drv := range a.drivers {
		if err := drv.Disconnect(ctx); err != nil {
			a.logger.Error().Err(err).Str("integration", name).Msg("Driver disconnect failed")
		}
	}

	if err := a.queue.Stop(ctx); err != nil {
		a.logger.Error().Err(err).Msg("Queue stop failed")
	}

	a.setState(StateStopped)
	a.logger.Info().Msg("Agent stopped")

	return nil
}

// collectionLoop gathers readings from every driver on a fixed interval
// and enqueues them tagged with the owning integration.
func (a *Agent) collectionLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.General.CollectionInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case <-ticker.C:
			a.collectOnce(ctx)
		}
	}
}

func (a *Agent) collectOnce(ctx context.Context) {
	for name, drv := range a.drivers {
		points, err := drv.ReceiveData(ctx)
		if err != nil {
			a.logger.Warn().Err(err).Str("integration", name).Msg("Collection failed")
			continue
		}

		for _, point := range points {
			point.SetIntegration(name)

			if !a.queue.Put(point) {
				a.logger.Warn().Str("integration", name).Msg("Telemetry dropped, queue full")
			}
		}
	}
}

// transmissionLoop drains batches from the queue and uploads them,
// requeueing on failure. Both send failures and not-ready cycles count
// toward a streak; after maxConsecutiveFailures of them it asks the
// auth manager to re-check connection status, which is the only way a
// locally stale not-ready state ever heals.
func (a *Agent) transmissionLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.API.TransmissionInterval.Duration())
	defer ticker.Stop()

	failures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case <-ticker.C:
			failures = a.transmitOnce(ctx, failures)

			if failures >= maxConsecutiveFailures {
				a.logger.Warn().Int("failures", failures).
					Msg("Repeated transmission failures, re-checking connection status")
				a.auth.CheckStatus(ctx)

				failures = 0
			}
		}
	}
}

func (a *Agent) transmitOnce(ctx context.Context, failures int) int {
	if !a.auth.IsReadyForData() {
		a.logger.Debug().Msg("Not ready for data, skipping transmission")
		return failures + 1
	}

	batch := a.queue.GetBatch(ctx, a.cfg.API.BatchSize, batchWaitTimeout)
	if len(batch) == 0 {
		return 0
	}

	if err := a.trans.SendTelemetry(ctx, batch); err != nil {
		a.logger.Warn().Err(err).Int("count", len(batch)).Msg("Transmission failed, requeueing batch")
		a.queue.Requeue(batch)

		return failures + 1
	}

	a.queue.MarkProcessed(batch)

	return 0
}

// commandLoop executes remote commands strictly one at a time. As in
// the transmission loop, not-ready cycles count toward the failure
// streak so a stale not-ready state gets re-checked instead of gating
// the loop forever.
func (a *Agent) commandLoop(ctx context.Context) {
	defer a.wg.Done()

	failures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		default:
		}

		if !a.auth.IsReadyForData() {
			failures++

			if failures >= maxConsecutiveFailures {
				a.logger.Warn().Int("failures", failures).
					Msg("Still not ready for commands, re-checking connection status")
				a.auth.CheckStatus(ctx)

				failures = 0
			}

			select {
			case <-ctx.Done():
				return
			case <-a.done:
				return
			case <-time.After(notReadyRecheckInterval):
			}

			continue
		}

		cmd, ok := a.trans.NextCommand(ctx, commandWaitTimeout)
		if !ok {
			failures = 0
			continue
		}

		if a.executeCommand(ctx, cmd) {
			failures = 0
		} else {
			failures++
		}

		if failures >= maxConsecutiveFailures {
			a.logger.Warn().Int("failures", failures).
				Msg("Repeated command failures, re-checking connection status")
			a.auth.CheckStatus(ctx)

			failures = 0
		}
	}
}

// executeCommand validates, resolves, and runs one command, then
// reports the outcome. Returns whether execution succeeded.
func (a *Agent) executeCommand(ctx context.Context, cmd models.Command) bool {
	log := a.logger.With().Str("command_id", cmd.ID).Logger()

	if cmd.ID == "" {
		a.logger.Warn().Msg("Discarding command without an id")
		return false
	}

	if cmd.TargetID == "" || cmd.Action == "" {
		log.Warn().Msg("Command missing required fields")
		a.report(ctx, cmd.ID, false, "command missing required fields")

		return false
	}

	integration, ok := a.registry.Resolve(cmd.TargetType, cmd.TargetID)
	if !ok {
		log.Warn().Str("target", cmd.TargetID).Msg("Command target not registered")
		a.report(ctx, cmd.ID, false, fmt.Sprintf("unknown target %q", cmd.TargetID))

		return false
	}

	drv, ok := a.drivers[integration]
	if !ok {
		log.Error().Str("integration", integration).Msg("Registry names an unconnected integration")
		a.report(ctx, cmd.ID, false, fmt.Sprintf("integration %q unavailable", integration))

		return false
	}

	if err := drv.SendData(ctx, cmd.TargetID, cmd.Action, cmd.Payload); err != nil {
		log.Warn().Err(err).Msg("Command execution failed")
		a.report(ctx, cmd.ID, false, err.Error())

		return false
	}

	log.Info().Str("target", cmd.TargetID).Str("action", cmd.Action).Msg("Command executed")
	a.report(ctx, cmd.ID, true, "ok")

	return true
}

// report posts the command result. Result delivery is at most once:
// failures are logged, never retried.
func (a *Agent) report(ctx context.Context, commandID string, success bool, message string) {
	if err := a.trans.ReportResult(ctx, commandID, success, message); err != nil {
		a.logger.Warn().Err(err).Str("command_id", commandID).Msg("Failed to report command result")
	}
}

// QueueSize exposes the telemetry backlog for status queries.
func (a *Agent) QueueSize() int {
	return a.queue.Size()
}

// Integrations lists the connected integrations.
func (a *Agent) Integrations() []string {
	names := make([]string, 0, len(a.drivers))
	for name := range a.drivers {
		names = append(names, name)
	}

	return names
}

// DeviceData aggregates last known readings across all drivers, keyed
// "integration/device".
func (a *Agent) DeviceData() map[string]interface{} {
	out := make(map[string]interface{})

	for name, drv := range a.drivers {
		for dev, value := range drv.DeviceData() {
			out[name+"/"+dev] = value
		}
	}

	return out
}
