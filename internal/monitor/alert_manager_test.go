package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-gate/internal/client"
	"github.com/t77yq/fleet-gate/internal/model"
	"github.com/t77yq/fleet-gate/internal/testutil"
)

func TestAlertManager_Start(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	manager := NewAlertManager(logger, js)
	require.NoError(t, manager.Start(context.Background()))
	require.NoError(t, testutil.WaitForStream(t, js, alertStreamName, 5*time.Second))

	// A second start reuses the stream
	require.NoError(t, NewAlertManager(logger, js).Start(context.Background()))
}

func TestAlertManager_HandleCircuitChange(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	_, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	manager := NewAlertManager(logger, js)
	require.NoError(t, manager.Start(context.Background()))

	openUntil := time.Now().Add(30 * time.Second)
	manager.HandleCircuitChange(client.CircuitChange{
		Endpoint: "llm",
		From:     model.CircuitClosed,
		To:       model.CircuitOpen,
		State:    model.CircuitState{ConsecutiveFailures: 3, OpenUntil: openUntil},
	})
	manager.HandleCircuitChange(client.CircuitChange{
		Endpoint: "llm",
		From:     model.CircuitOpen,
		To:       model.CircuitFatal,
		State:    model.CircuitState{ConsecutiveFailures: 5, Fatal: true},
	})
	manager.HandleCircuitChange(client.CircuitChange{
		Endpoint: "llm",
		From:     model.CircuitFatal,
		To:       model.CircuitClosed,
	})
	// Not a recovery
	manager.HandleCircuitChange(client.CircuitChange{
		Endpoint: "llm",
		From:     model.CircuitClosed,
		To:       model.CircuitClosed,
	})

	recent := manager.RecentAlerts()
	require.Len(t, recent, 3)
	assert.Equal(t, model.AlertTypeCircuitOpen, recent[0].Type)
	assert.Equal(t, model.AlertSeverityWarning, recent[0].Severity)
	assert.Equal(t, model.AlertTypeEndpointFatal, recent[1].Type)
	assert.Equal(t, model.AlertSeverityCritical, recent[1].Severity)
	assert.Equal(t, model.AlertTypeEndpointRecovery, recent[2].Type)
	assert.Equal(t, model.AlertSeverityInfo, recent[2].Severity)

	msgs, err := testutil.ConsumeMessages(js, AlertSubject(string(model.AlertTypeEndpointFatal)), time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	var alert model.Alert
	require.NoError(t, json.Unmarshal(msgs[0], &alert))
	assert.Equal(t, "llm", alert.BackendID)
	assert.Equal(t, model.AlertTypeEndpointFatal, alert.Type)
	assert.NotEmpty(t, alert.ID)
	assert.EqualValues(t, 5, alert.Data["consecutive_failures"])
}
