package actor

import (
	"testing"
	"time"

	adactor "powerwatch/internal/adapter/actor"
	"powerwatch/internal/core/domain"
	"powerwatch/internal/storage"
	"powerwatch/pkg/powerwall"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMasterActor(t *testing.T) {

	as := actor.NewActorSystem()
	context := as.Root

	cfg := newTestConfig(t)
	logCfg := zap.NewDevelopmentConfig()
	logCfg.Level = zap.NewAtomicLevelAt(cfg.LogLevel)
	logger := zap.Must(logCfg.Build())

	client := powerwall.CreateTestClient()

	props := actor.PropsFromProducer(func() actor.Actor {
		return NewMasterOfPuppetsActor(cfg, func() *adactor.GatewayActor {
			return adactor.NewGatewayActor(client, logger)
		}, func(es *eventstream.EventStream) *adactor.MQTTActor {
			return adactor.NewTestMQTTActor(&cfg, es, logger)
		}, func() *adactor.StorageActor {
			return adactor.NewStorageActor(storage.NewSeriesStore(cfg.Storage.DataDir, cfg.Storage.FlushThreshold, logger), logger)
		}, logger)
	})
	pid, err := context.SpawnNamed(props, "master")
	require.NoError(t, err)

	time.Sleep(2 * time.Second)

	hcr, err := healthCheck(context, pid)
	require.NoError(t, err)
	assert.True(t, hcr.Healthy, "all children should report healthy")

	// rule surface is forwarded to the engine
	res, err := context.RequestFuture(pid, domain.ListRulesRequest{}, 5*time.Second).Result()
	require.NoError(t, err)
	list, ok := res.(domain.ListRulesResponse)
	require.True(t, ok)
	require.NoError(t, list.GetResponseError())
	assert.Empty(t, list.Rules)

	// manual reserve change goes through the gateway and reports old and new
	res, err = context.RequestFuture(pid, domain.SetReserveRequest{
		Percent:     42,
		TriggeredBy: domain.TRIGGERED_BY_USER,
	}, 10*time.Second).Result()
	require.NoError(t, err)
	setResp, ok := res.(domain.SetReserveResponse)
	require.True(t, ok)
	require.NoError(t, setResp.GetResponseError())
	assert.Equal(t, 20.0, setResp.OldPercent)
	assert.Equal(t, 42.0, setResp.NewPercent)
	assert.Equal(t, 42.0, client.LastSetReserve())

	// targets beyond the valid range are clamped
	res, err = context.RequestFuture(pid, domain.SetReserveRequest{
		Percent: 150,
	}, 10*time.Second).Result()
	require.NoError(t, err)
	setResp = res.(domain.SetReserveResponse)
	require.NoError(t, setResp.GetResponseError())
	assert.Equal(t, 100.0, setResp.NewPercent)

	context.Stop(pid)

	as.Shutdown()
}
