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

package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/growbridge/growbridge/pkg/logger"
	"github.com/growbridge/growbridge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCreds struct {
	clientID string
	token    string
	ready    bool
}

func (f *fakeCreds) ClientID() string     { return f.clientID }
func (f *fakeCreds) Token() string        { return f.token }
func (f *fakeCreds) IsReadyForData() bool { return f.ready }

func newTestClient(t *testing.T, apiURL string, creds *fakeCreds) *Client {
	t.Helper()

	return NewClient(Config{
		APIURL:           apiURL,
		RetryMaxAttempts: 3,
		RetryMinBackoff:  models.Duration(time.Millisecond),
		RetryMaxBackoff:  models.Duration(5 * time.Millisecond),
	}, creds, logger.NewTestLogger())
}

func TestSendTelemetrySuccess(t *testing.T) {
	var gotBody map[string][]models.DataPoint

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/client/client-123", r.URL.Path)
		require.Equal(t, "client-123", r.Header.Get("X-Client-ID"))
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeCreds{clientID: "client-123", token: "tok", ready: true})

	items := []models.DataPoint{{"sensor": "temp1", "value": 21.5}}
	require.NoError(t, c.SendTelemetry(context.Background(), items))

	require.Len(t, gotBody["data"], 1)
	assert.Equal(t, "temp1", gotBody["data"][0]["sensor"])
}

func TestSendTelemetryBlockedWhenNotReady(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeCreds{clientID: "client-123", ready: false})

	err := c.SendTelemetry(context.Background(), []models.DataPoint{{"sensor": "temp1"}})
	require.ErrorIs(t, err, ErrNotReady)
	// The readiness gate fires before any network call.
	assert.Zero(t, calls.Load())
}

func TestSendTelemetryRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeCreds{clientID: "client-123", ready: true})

	require.NoError(t, c.SendTelemetry(context.Background(), []models.DataPoint{{"n": 1}}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendTelemetryClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeCreds{clientID: "client-123", ready: true})

	err := c.SendTelemetry(context.Background(), []models.DataPoint{{"n": 1}})
	require.ErrorIs(t, err, ErrTelemetryFailed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendTelemetryExhaustsRetries(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeCreds{clientID: "client-123", ready: true})

	err := c.SendTelemetry(context.Background(), []models.DataPoint{{"n": 1}})
	require.ErrorIs(t, err, ErrTelemetryFailed)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSendTelemetryEmptyBatchIsNoop(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", &fakeCreds{clientID: "client-123", ready: true})
	assert.NoError(t, c.SendTelemetry(context.Background(), nil))
}

func TestPollCommandsReturnsCommands(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/client/client-123", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"commands": [
			{"id": "cmd-1", "targetType": "actuator", "targetId": "pump1", "action": "on", "payload": {"duration": 5}}
		]}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeCreds{clientID: "client-123", ready: true})

	cmds, err := c.PollCommands(context.Background())
	require.NoError(t, err)
	require.Len(t, cmds, 1)

	assert.Equal(t, "cmd-1", cmds[0].ID)
	assert.Equal(t, models.TargetActuator, cmds[0].TargetType)
	assert.Equal(t, "pump1", cmds[0].TargetID)
	assert.Equal(t, "on", cmds[0].Action)
}

func TestPollCommandsNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeCreds{clientID: "client-123", ready: true})

	cmds, err := c.PollCommands(context.Background())
	require.NoError(t, err)
	// Empty success is distinct from poll failure.
	assert.NotNil(t, cmds)
	assert.Empty(t, cmds)
}

func TestPollCommandsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeCreds{clientID: "client-123", ready: true})

	cmds, err := c.PollCommands(context.Background())
	require.Error(t, err)
	assert.Nil(t, cmds)
}

func TestReportResult(t *testing.T) {
	var gotResult models.CommandResult

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/client/client-123/commands/cmd-1/result", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotResult))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeCreds{clientID: "client-123", ready: true})

	before := time.Now().UnixMilli()
	require.NoError(t, c.ReportResult(context.Background(), "cmd-1", true, "ok"))

	assert.Equal(t, "cmd-1", gotResult.CommandID)
	assert.True(t, gotResult.Success)
	assert.Equal(t, "ok", gotResult.Message)
	assert.GreaterOrEqual(t, gotResult.Timestamp, before)
}

func TestReportResultFailureNotRetried(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL, &fakeCreds{clientID: "client-123", ready: true})

	err := c.ReportResult(context.Background(), "cmd-1", false, "driver failure")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestNextCommandTimesOut(t *testing.T) {
	c := newTestClient(t, "http://127.0.0.1:1", &fakeCreds{clientID: "client-123"})

	_, ok := c.NextCommand(context.Background(), 20*time.Millisecond)
	assert.False(t, ok)
}

func TestPollLoopBuffersCommands(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"commands": [{"id": "cmd-9", "targetType": "sensor", "targetId": "temp1", "action": "read"}]}`))
	}))
	defer srv.Close()

	c := NewClient(Config{
		APIURL:       srv.URL,
		PollInterval: models.Duration(10 * time.Millisecond),
	}, &fakeCreds{clientID: "client-123", ready: true}, logger.NewTestLogger())

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	defer func() { require.NoError(t, c.Stop(ctx)) }()

	cmd, ok := c.NextCommand(ctx, time.Second)
	require.True(t, ok)
	assert.Equal(t, "cmd-9", cmd.ID)
}

func TestPollLoopSkipsWhenNotReady(t *testing.T) {
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(Config{
		APIURL:       srv.URL,
		PollInterval: models.Duration(10 * time.Millisecond),
	}, &fakeCreds{clientID: "client-123", ready: false}, logger.NewTestLogger())

	ctx := context.Background()
	require.NoError(t, c.Start(ctx))

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, c.Stop(ctx))

	assert.Zero(t, calls.Load())
}
