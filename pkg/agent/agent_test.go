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
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/growbridge/growbridge/pkg/auth"
	"github.com/growbridge/growbridge/pkg/driver"
	"github.com/growbridge/growbridge/pkg/logger"
	"github.com/growbridge/growbridge/pkg/models"
	"github.com/growbridge/growbridge/pkg/queue"
	"github.com/growbridge/growbridge/pkg/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAuth struct {
	authenticated bool
	connected     bool
	ready         bool
	registerErr   error
	waitConnErr   error
	waitSpaceErr  error
	pairingCode   string

	// readyAfterChecks, when positive, makes CheckStatus flip the
	// manager to ready once that many checks have happened.
	readyAfterChecks int32
	becameReady      atomic.Bool

	registerCalls atomic.Int32
	checkCalls    atomic.Int32
}

func (f *fakeAuth) Register(_ context.Context) error {
	f.registerCalls.Add(1)

	if f.registerErr == nil {
		f.authenticated = true
	}

	return f.registerErr
}

func (f *fakeAuth) CheckStatus(_ context.Context) (bool, auth.Status) {
	calls := f.checkCalls.Add(1)

	if f.readyAfterChecks > 0 && calls >= f.readyAfterChecks {
		f.becameReady.Store(true)
	}

	switch {
	case f.ready || f.becameReady.Load():
		return true, auth.StatusReady
	case f.connected:
		return true, auth.StatusConnected
	default:
		return false, auth.StatusNotConnected
	}
}

func (f *fakeAuth) WaitForConnection(_ context.Context, _ time.Duration) error {
	return f.waitConnErr
}

func (f *fakeAuth) WaitForSpace(_ context.Context, _ time.Duration) error {
	return f.waitSpaceErr
}

func (f *fakeAuth) IsAuthenticated() bool        { return f.authenticated }
func (f *fakeAuth) IsReadyForData() bool         { return f.ready || f.becameReady.Load() }
func (f *fakeAuth) PairingCode() string          { return f.pairingCode }
func (f *fakeAuth) DisplayPairingCode(io.Writer) {}

type reportedResult struct {
	commandID string
	success   bool
	message   string
}

type fakeTransport struct {
	mu       sync.Mutex
	sendErr  error
	sent     [][]models.DataPoint
	results  []reportedResult
	commands chan models.Command
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{commands: make(chan models.Command, 8)}
}

func (f *fakeTransport) Start(_ context.Context) error { return nil }
func (f *fakeTransport) Stop(_ context.Context) error  { return nil }

func (f *fakeTransport) SendTelemetry(_ context.Context, items []models.DataPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}

	f.sent = append(f.sent, items)

	return nil
}

func (f *fakeTransport) NextCommand(ctx context.Context, timeout time.Duration) (models.Command, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case cmd := <-f.commands:
		return cmd, true
	case <-timer.C:
		return models.Command{}, false
	case <-ctx.Done():
		return models.Command{}, false
	}
}

func (f *fakeTransport) ReportResult(_ context.Context, commandID string, success bool, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.results = append(f.results, reportedResult{commandID, success, message})

	return nil
}

func (f *fakeTransport) lastResult(t *testing.T) reportedResult {
	t.Helper()

	f.mu.Lock()
	defer f.mu.Unlock()

	require.NotEmpty(t, f.results)

	return f.results[len(f.results)-1]
}

type fakeDriver struct {
	name     string
	devices  []registry.Device
	readings []models.DataPoint
	sendErr  error

	mu       sync.Mutex
	sendLog  []string
	received atomic.Int32
}

func (f *fakeDriver) Name() string                       { return f.name }
func (f *fakeDriver) Connect(_ context.Context) error    { return nil }
func (f *fakeDriver) Disconnect(_ context.Context) error { return nil }
func (f *fakeDriver) Devices() []registry.Device         { return f.devices }
func (f *fakeDriver) DeviceData() map[string]interface{} { return nil }

func (f *fakeDriver) ReceiveData(_ context.Context) ([]models.DataPoint, error) {
	f.received.Add(1)

	out := make([]models.DataPoint, len(f.readings))
	for i, r := range f.readings {
		point := models.DataPoint{}
		for k, v := range r {
			point[k] = v
		}

		out[i] = point
	}

	return out, nil
}

func (f *fakeDriver) SendData(_ context.Context, target, action string, _ map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sendLog = append(f.sendLog, target+":"+action)

	return f.sendErr
}

func (f *fakeDriver) sends() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.sendLog...)
}

func newTestAgent(t *testing.T, authMgr *fakeAuth, trans *fakeTransport) *Agent {
	t.Helper()

	cfg := &Config{
		API: APIConfig{
			URL:                  "http://control-plane.test",
			BatchSize:            10,
			TransmissionInterval: models.Duration(10 * time.Millisecond),
			ConnectionTimeout:    models.Duration(time.Second),
			SpaceTimeout:         models.Duration(time.Second),
		},
		General: GeneralConfig{
			CollectionInterval: models.Duration(10 * time.Millisecond),
		},
	}

	log := logger.NewTestLogger()

	q, err := queue.New(queue.Config{Capacity: 100}, log)
	require.NoError(t, err)

	return &Agent{
		cfg:      cfg,
		logger:   log,
		auth:     authMgr,
		trans:    trans,
		queue:    q,
		registry: registry.New(log),
		drivers:  make(map[string]driver.Driver),
		pairOut:  io.Discard,
		done:     make(chan struct{}),
	}
}

func TestStartStopLifecycle(t *testing.T) {
	ctx := context.Background()
	a := newTestAgent(t, &fakeAuth{authenticated: true, connected: true, ready: true}, newFakeTransport())

	require.Equal(t, StateStopped, a.State())
	require.NoError(t, a.Start(ctx))
	assert.Equal(t, StateRunning, a.State())

	// A second start is a no-op.
	require.NoError(t, a.Start(ctx))
	assert.Equal(t, StateRunning, a.State())

	require.NoError(t, a.Stop(ctx))
	assert.Equal(t, StateStopped, a.State())

	// As is a second stop.
	require.NoError(t, a.Stop(ctx))
	assert.Equal(t, StateStopped, a.State())
}

func TestStartRegistersWhenUnauthenticated(t *testing.T) {
	ctx := context.Background()
	authMgr := &fakeAuth{connected: true, ready: true}
	a := newTestAgent(t, authMgr, newFakeTransport())

	require.NoError(t, a.Start(ctx))

	defer func() { require.NoError(t, a.Stop(ctx)) }()

	assert.Equal(t, int32(1), authMgr.registerCalls.Load())
}

func TestStartFailsOnPairingTimeout(t *testing.T) {
	authMgr := &fakeAuth{
		authenticated: true,
		waitConnErr:   auth.ErrWaitTimeout,
	}
	a := newTestAgent(t, authMgr, newFakeTransport())

	err := a.Start(context.Background())
	require.ErrorIs(t, err, ErrPairingTimeout)
	assert.Equal(t, StateStopped, a.State())
}

func TestFailedStartupPreservesCheckpointedItems(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")
	log := logger.NewTestLogger()

	// Checkpoint one item, as a previous run's shutdown would.
	seed, err := queue.New(queue.Config{Capacity: 100, Path: path}, log)
	require.NoError(t, err)
	require.True(t, seed.Put(models.DataPoint{"sensor": "temp1", "value": 21.5}))
	require.NoError(t, seed.Stop(ctx))

	authMgr := &fakeAuth{authenticated: true, waitConnErr: auth.ErrWaitTimeout}
	a := newTestAgent(t, authMgr, newFakeTransport())

	q, err := queue.New(queue.Config{Capacity: 100, Path: path}, log)
	require.NoError(t, err)
	a.queue = q

	// Startup reloads the checkpoint, then fails at pairing.
	require.ErrorIs(t, a.Start(ctx), ErrPairingTimeout)
	require.Equal(t, StateStopped, a.State())

	// The reloaded item must have been flushed back, not lost.
	q2, err := queue.New(queue.Config{Capacity: 100, Path: path}, log)
	require.NoError(t, err)
	require.NoError(t, q2.Start(ctx))

	batch := q2.GetBatch(ctx, 10, 0)
	require.Len(t, batch, 1)
	assert.Equal(t, "temp1", batch[0]["sensor"])

	require.NoError(t, q2.Stop(ctx))
}

func TestStartToleratesSpaceTimeout(t *testing.T) {
	ctx := context.Background()
	authMgr := &fakeAuth{
		authenticated: true,
		connected:     true,
		waitSpaceErr:  auth.ErrWaitTimeout,
	}
	a := newTestAgent(t, authMgr, newFakeTransport())

	// Missing space is a warning, not a startup failure.
	require.NoError(t, a.Start(ctx))
	require.NoError(t, a.Stop(ctx))
}

func TestCollectTagsWithIntegration(t *testing.T) {
	a := newTestAgent(t, &fakeAuth{ready: true}, newFakeTransport())

	drv := &fakeDriver{
		name:     "mqtt",
		readings: []models.DataPoint{{"sensor": "temp1", "value": 21.5}},
	}
	a.drivers["mqtt"] = drv

	a.collectOnce(context.Background())

	batch := a.queue.GetBatch(context.Background(), 10, 0)
	require.Len(t, batch, 1)

	assert.Equal(t, "temp1", batch[0]["sensor"])
	assert.Equal(t, "mqtt", batch[0].Integration())
	assert.NotZero(t, batch[0].Timestamp())
}

func TestTransmitSendsAndAcks(t *testing.T) {
	trans := newFakeTransport()
	a := newTestAgent(t, &fakeAuth{ready: true}, trans)

	require.True(t, a.queue.Put(models.DataPoint{"sensor": "temp1"}))

	failures := a.transmitOnce(context.Background(), 0)

	assert.Zero(t, failures)
	require.Len(t, trans.sent, 1)
	assert.Equal(t, 0, a.QueueSize())
}

func TestTransmitRequeuesOnFailure(t *testing.T) {
	trans := newFakeTransport()
	trans.sendErr = errors.New("boom")

	a := newTestAgent(t, &fakeAuth{ready: true}, trans)

	require.True(t, a.queue.Put(models.DataPoint{"sensor": "temp1"}))

	failures := a.transmitOnce(context.Background(), 0)

	assert.Equal(t, 1, failures)
	// The batch went back into the queue.
	assert.Equal(t, 1, a.QueueSize())
}

func TestTransmitSkipsWhenNotReady(t *testing.T) {
	trans := newFakeTransport()
	a := newTestAgent(t, &fakeAuth{ready: false}, trans)

	require.True(t, a.queue.Put(models.DataPoint{"sensor": "temp1"}))

	failures := a.transmitOnce(context.Background(), 3)

	// Gate closed: nothing sent, nothing dequeued. The not-ready
	// cycle still counts toward the status-recheck streak.
	assert.Equal(t, 4, failures)
	assert.Empty(t, trans.sent)
	assert.Equal(t, 1, a.QueueSize())
}

func TestNotReadyCyclesTriggerStatusRecheck(t *testing.T) {
	ctx := context.Background()
	trans := newFakeTransport()

	// Connected but no space yet: readiness arrives only through a
	// later status check, here on the second one.
	authMgr := &fakeAuth{
		authenticated:    true,
		connected:        true,
		readyAfterChecks: 2,
	}
	a := newTestAgent(t, authMgr, trans)

	require.NoError(t, a.Start(ctx))

	defer func() { require.NoError(t, a.Stop(ctx)) }()

	baseline := authMgr.checkCalls.Load()
	require.True(t, a.queue.Put(models.DataPoint{"sensor": "temp1"}))

	// Not-ready transmission cycles must eventually force a re-check...
	require.Eventually(t, func() bool {
		return authMgr.checkCalls.Load() > baseline
	}, 5*time.Second, 10*time.Millisecond)

	// ...after which the agent notices it became ready and resumes
	// shipping telemetry without a restart.
	require.Eventually(t, func() bool {
		trans.mu.Lock()
		defer trans.mu.Unlock()

		return len(trans.sent) > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestFailureStreakTriggersStatusRecheck(t *testing.T) {
	ctx := context.Background()
	trans := newFakeTransport()
	trans.sendErr = errors.New("boom")

	authMgr := &fakeAuth{authenticated: true, connected: true, ready: true}
	a := newTestAgent(t, authMgr, trans)

	require.NoError(t, a.Start(ctx))

	defer func() { require.NoError(t, a.Stop(ctx)) }()

	baseline := authMgr.checkCalls.Load()

	for i := 0; i < 20; i++ {
		require.True(t, a.queue.Put(models.DataPoint{"n": i}))
	}

	require.Eventually(t, func() bool {
		return authMgr.checkCalls.Load() > baseline
	}, 5*time.Second, 10*time.Millisecond)
}

func TestExecuteCommandSuccess(t *testing.T) {
	trans := newFakeTransport()
	a := newTestAgent(t, &fakeAuth{ready: true}, trans)

	drv := &fakeDriver{name: "gpio"}
	a.drivers["gpio"] = drv
	a.registry.RegisterActuator("pump1", "gpio")

	ok := a.executeCommand(context.Background(), models.Command{
		ID:         "cmd-1",
		TargetType: models.TargetActuator,
		TargetID:   "pump1",
		Action:     "on",
	})

	assert.True(t, ok)
	assert.Equal(t, []string{"pump1:on"}, drv.sends())

	result := trans.lastResult(t)
	assert.Equal(t, "cmd-1", result.commandID)
	assert.True(t, result.success)
}

func TestExecuteCommandUnknownTarget(t *testing.T) {
	trans := newFakeTransport()
	a := newTestAgent(t, &fakeAuth{ready: true}, trans)

	drv := &fakeDriver{name: "gpio"}
	a.drivers["gpio"] = drv

	ok := a.executeCommand(context.Background(), models.Command{
		ID:         "cmd-2",
		TargetType: models.TargetActuator,
		TargetID:   "ghost",
		Action:     "on",
	})

	assert.False(t, ok)
	// No driver was invoked.
	assert.Empty(t, drv.sends())

	result := trans.lastResult(t)
	assert.Equal(t, "cmd-2", result.commandID)
	assert.False(t, result.success)
}

func TestExecuteCommandMissingFields(t *testing.T) {
	trans := newFakeTransport()
	a := newTestAgent(t, &fakeAuth{ready: true}, trans)

	drv := &fakeDriver{name: "gpio"}
	a.drivers["gpio"] = drv
	a.registry.RegisterActuator("pump1", "gpio")

	ok := a.executeCommand(context.Background(), models.Command{
		ID:         "cmd-3",
		TargetType: models.TargetActuator,
		TargetID:   "pump1",
	})

	assert.False(t, ok)
	assert.Empty(t, drv.sends())

	result := trans.lastResult(t)
	assert.False(t, result.success)
}

func TestExecuteCommandDriverFailure(t *testing.T) {
	trans := newFakeTransport()
	a := newTestAgent(t, &fakeAuth{ready: true}, trans)

	drv := &fakeDriver{name: "gpio", sendErr: errors.New("valve stuck")}
	a.drivers["gpio"] = drv
	a.registry.RegisterActuator("valve1", "gpio")

	ok := a.executeCommand(context.Background(), models.Command{
		ID:         "cmd-4",
		TargetType: models.TargetActuator,
		TargetID:   "valve1",
		Action:     "open",
	})

	assert.False(t, ok)

	result := trans.lastResult(t)
	assert.False(t, result.success)
	assert.Contains(t, result.message, "valve stuck")
}

func TestCommandLoopExecutesFromTransport(t *testing.T) {
	ctx := context.Background()
	trans := newFakeTransport()
	authMgr := &fakeAuth{authenticated: true, connected: true, ready: true}
	a := newTestAgent(t, authMgr, trans)

	drv := &fakeDriver{name: "gpio"}
	a.drivers["gpio"] = drv

	require.NoError(t, a.Start(ctx))

	defer func() { require.NoError(t, a.Stop(ctx)) }()

	// Start rebuilds the registry via connectDrivers, so the actuator
	// must be registered after the agent is running.
	a.registry.RegisterActuator("pump1", "gpio")

	trans.commands <- models.Command{
		ID:         "cmd-5",
		TargetType: models.TargetActuator,
		TargetID:   "pump1",
		Action:     "off",
	}

	require.Eventually(t, func() bool {
		return len(drv.sends()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"pump1:off"}, drv.sends())
}

func TestIntegrationsAndDeviceData(t *testing.T) {
	a := newTestAgent(t, &fakeAuth{ready: true}, newFakeTransport())
	a.drivers["mqtt"] = &fakeDriver{name: "mqtt"}

	assert.Equal(t, []string{"mqtt"}, a.Integrations())
	assert.Empty(t, a.DeviceData())
}

func TestConfigValidateDefaults(t *testing.T) {
	cfg := &Config{API: APIConfig{URL: "http://control-plane.test"}}

	require.NoError(t, cfg.Validate())

	assert.Equal(t, defaultBatchSize, cfg.API.BatchSize)
	assert.Equal(t, defaultDataDir, cfg.General.DataDir)
	assert.Equal(t, defaultCollectionInterval, cfg.General.CollectionInterval.Duration())
	assert.NotEmpty(t, cfg.Queue.Path)
	assert.NotNil(t, cfg.Logging)
}

func TestConfigValidateRequiresURL(t *testing.T) {
	cfg := &Config{}
	assert.ErrorIs(t, cfg.Validate(), errNoAPIURL)
}
