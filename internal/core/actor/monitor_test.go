package actor

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	adactor "powerwatch/internal/adapter/actor"
	"powerwatch/internal/config"
	"powerwatch/internal/core/domain"
	"powerwatch/internal/core/service"
	"powerwatch/internal/storage"
	"powerwatch/internal/util"
	"powerwatch/internal/util/actorutil"
	"powerwatch/pkg/powerwall"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testStack struct {
	gateway *actor.PID
	storage *actor.PID
	monitor *actor.PID
	engine  *actor.PID
	client  *powerwall.TestClient
	events  *eventstream.EventStream
}

func newTestConfig(t *testing.T) config.Config {
	cfg := util.LoadTestConfig()
	cfg.Monitor.IntervalSeconds = 1
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.FlushThreshold = 2
	cfg.Automation.RulesFile = filepath.Join(t.TempDir(), "rules.yaml")
	return cfg
}

func spawnTestStack(t *testing.T, context *actor.RootContext, cfg *config.Config, logger *zap.Logger) *testStack {
	client := powerwall.CreateTestClient()
	es := &eventstream.EventStream{}

	gatewayPID := context.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return adactor.NewGatewayActor(client, logger)
	}))
	storagePID := context.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return adactor.NewStorageActor(storage.NewSeriesStore(cfg.Storage.DataDir, cfg.Storage.FlushThreshold, logger), logger)
	}))
	monitorPID := context.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return NewMonitorActor(cfg, gatewayPID, storagePID, es, logger)
	}))
	enginePID := context.Spawn(actor.PropsFromProducer(func() actor.Actor {
		return NewEngineActor(cfg, monitorPID, gatewayPID, storagePID, es,
			storage.NewRuleStore(cfg.Automation.RulesFile), &service.DefaultAutomationLogic{
				Tolerance: service.DefaultReserveTolerance,
				Logger:    logger,
			}, logger)
	}))

	return &testStack{
		gateway: gatewayPID,
		storage: storagePID,
		monitor: monitorPID,
		engine:  enginePID,
		client:  client,
		events:  es,
	}
}

func healthCheck(context *actor.RootContext, pid *actor.PID) (domain.ActorHealthResponse, error) {
	res, err := context.RequestFuture(pid, domain.ActorHealthRequest{}, 2*time.Second).Result()
	if err != nil {
		return domain.ActorHealthResponse{}, err
	}
	hcr, ok := res.(domain.ActorHealthResponse)
	if !ok {
		return domain.ActorHealthResponse{}, errors.New("invalid health response")
	}
	return hcr, nil
}

func queryAudit(context *actor.RootContext, storagePID *actor.PID) ([]domain.AuditEntry, error) {
	res, err := context.RequestFuture(storagePID, domain.QueryAuditRequest{
		Start: time.Now().Add(-time.Hour),
		End:   time.Now().Add(time.Hour),
	}, 5*time.Second).Result()
	if err != nil {
		return nil, err
	}
	resp, ok := res.(domain.QueryAuditResponse)
	if !ok {
		return nil, errors.New("invalid audit response")
	}
	return resp.Entries, resp.GetResponseError()
}

func auditActions(entries []domain.AuditEntry) []string {
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	return actions
}

func TestMonitorSamplingAndStop(t *testing.T) {

	logger := zap.Must(zap.NewDevelopment())
	as := actorutil.NewActorSystemWithZapLogger(logger)
	context := as.Root

	cfg := newTestConfig(t)
	stack := spawnTestStack(t, context, &cfg, logger)

	time.Sleep(1 * time.Second)

	res, err := context.RequestFuture(stack.monitor, domain.StartMonitoringRequest{}, 5*time.Second).Result()
	require.NoError(t, err)
	startResp, ok := res.(domain.StartMonitoringResponse)
	require.True(t, ok)
	require.NoError(t, startResp.GetResponseError())

	time.Sleep(2500 * time.Millisecond)

	res, err = context.RequestFuture(stack.monitor, domain.GetMonitorStateRequest{}, 2*time.Second).Result()
	require.NoError(t, err)
	stateResp := res.(domain.GetMonitorStateResponse)
	assert.True(t, stateResp.Running, "monitor should be running")
	assert.Equal(t, 0, stateResp.ErrorCount)
	require.NotNil(t, stateResp.LastSample)
	assert.InDelta(t, 2.2, stateResp.LastSample.HomePowerKW, 0.001)

	res, err = context.RequestFuture(stack.monitor, domain.GetRecentSamplesRequest{}, 2*time.Second).Result()
	require.NoError(t, err)
	samplesResp := res.(domain.GetRecentSamplesResponse)
	assert.GreaterOrEqual(t, len(samplesResp.Samples), 2)

	res, err = context.RequestFuture(stack.monitor, domain.GetAverageHomePowerRequest{WindowSeconds: 10}, 2*time.Second).Result()
	require.NoError(t, err)
	avgResp := res.(domain.GetAverageHomePowerResponse)
	assert.True(t, avgResp.HasData)
	assert.InDelta(t, 2.2, avgResp.AverageKW, 0.001)

	res, err = context.RequestFuture(stack.monitor, domain.StopMonitoringRequest{}, 20*time.Second).Result()
	require.NoError(t, err)
	stopResp, ok := res.(domain.StopMonitoringResponse)
	require.True(t, ok)
	require.NoError(t, stopResp.GetResponseError())

	res, err = context.RequestFuture(stack.monitor, domain.GetMonitorStateRequest{}, 2*time.Second).Result()
	require.NoError(t, err)
	stateResp = res.(domain.GetMonitorStateResponse)
	assert.False(t, stateResp.Running, "monitor should be stopped")

	// stop flushes the buffer, so samples must be queryable
	res, err = context.RequestFuture(stack.storage, domain.QueryMetricsRequest{
		Start: time.Now().Add(-time.Minute),
		End:   time.Now().Add(time.Minute),
	}, 5*time.Second).Result()
	require.NoError(t, err)
	queryResp := res.(domain.QueryMetricsResponse)
	require.NoError(t, queryResp.GetResponseError())
	assert.GreaterOrEqual(t, len(queryResp.Samples), 2)

	entries, err := queryAudit(context, stack.storage)
	require.NoError(t, err)
	actions := auditActions(entries)
	assert.Contains(t, actions, domain.AUDIT_ACTION_MONITORING_STARTED)
	assert.Contains(t, actions, domain.AUDIT_ACTION_MONITORING_STOPPED)

	as.Shutdown()
}

func TestMonitorStopsAfterRepeatedErrors(t *testing.T) {

	logger := zap.Must(zap.NewDevelopment())
	as := actorutil.NewActorSystemWithZapLogger(logger)
	context := as.Root

	cfg := newTestConfig(t)
	stack := spawnTestStack(t, context, &cfg, logger)

	time.Sleep(1 * time.Second)

	gwErr := fmt.Errorf("gateway timeout")
	stack.client.FailNextMetrics(gwErr, gwErr, gwErr, gwErr, gwErr, gwErr, gwErr)

	res, err := context.RequestFuture(stack.monitor, domain.StartMonitoringRequest{}, 5*time.Second).Result()
	require.NoError(t, err)
	startResp := res.(domain.StartMonitoringResponse)
	require.NoError(t, startResp.GetResponseError())

	time.Sleep(6 * time.Second)

	res, err = context.RequestFuture(stack.monitor, domain.GetMonitorStateRequest{}, 2*time.Second).Result()
	require.NoError(t, err)
	stateResp := res.(domain.GetMonitorStateResponse)
	assert.False(t, stateResp.Running, "monitor should have stopped itself")
	assert.Equal(t, 5, stateResp.ErrorCount)

	entries, err := queryAudit(context, stack.storage)
	require.NoError(t, err)
	errorEntries := 0
	for _, e := range entries {
		if e.Action == domain.AUDIT_ACTION_MONITORING_ERROR {
			errorEntries++
			assert.Equal(t, domain.TRIGGERED_BY_SYSTEM, e.TriggeredBy)
		}
	}
	assert.Equal(t, 1, errorEntries, "exactly one error audit entry")

	as.Shutdown()
}

func TestMonitorTransientErrorRecovers(t *testing.T) {

	logger := zap.Must(zap.NewDevelopment())
	as := actorutil.NewActorSystemWithZapLogger(logger)
	context := as.Root

	cfg := newTestConfig(t)
	stack := spawnTestStack(t, context, &cfg, logger)

	time.Sleep(1 * time.Second)

	stack.client.FailNextMetrics(fmt.Errorf("gateway timeout"), fmt.Errorf("gateway timeout"))

	res, err := context.RequestFuture(stack.monitor, domain.StartMonitoringRequest{}, 5*time.Second).Result()
	require.NoError(t, err)
	require.NoError(t, res.(domain.StartMonitoringResponse).GetResponseError())

	time.Sleep(4 * time.Second)

	res, err = context.RequestFuture(stack.monitor, domain.GetMonitorStateRequest{}, 2*time.Second).Result()
	require.NoError(t, err)
	stateResp := res.(domain.GetMonitorStateResponse)
	assert.True(t, stateResp.Running, "two failures should not stop the cycle")
	assert.Equal(t, 0, stateResp.ErrorCount, "a success resets the error count")
	assert.NotNil(t, stateResp.LastSample)

	as.Shutdown()
}
