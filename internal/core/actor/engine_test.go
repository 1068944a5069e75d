package actor

import (
	"errors"
	"testing"
	"time"

	"powerwatch/internal/core/domain"
	"powerwatch/internal/storage"
	"powerwatch/internal/util/actorutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEngineRequiresRunningMonitor(t *testing.T) {

	logger := zap.Must(zap.NewDevelopment())
	as := actorutil.NewActorSystemWithZapLogger(logger)
	context := as.Root

	cfg := newTestConfig(t)
	stack := spawnTestStack(t, context, &cfg, logger)

	time.Sleep(1 * time.Second)

	res, err := context.RequestFuture(stack.engine, domain.StartAutomationRequest{}, 5*time.Second).Result()
	require.NoError(t, err)
	resp, ok := res.(domain.StartAutomationResponse)
	require.True(t, ok)
	assert.True(t, errors.Is(resp.GetResponseError(), domain.ErrNotRunning))

	as.Shutdown()
}

func TestEngineRuleLifecycle(t *testing.T) {

	logger := zap.Must(zap.NewDevelopment())
	as := actorutil.NewActorSystemWithZapLogger(logger)
	context := as.Root

	cfg := newTestConfig(t)
	stack := spawnTestStack(t, context, &cfg, logger)

	time.Sleep(1 * time.Second)

	// create
	res, err := context.RequestFuture(stack.engine, domain.CreateRuleRequest{
		Name:                 "high load",
		Operator:             domain.RULE_OP_GT,
		ThresholdKW:          5.0,
		TargetReservePercent: 80,
		Enabled:              true,
	}, 5*time.Second).Result()
	require.NoError(t, err)
	created := res.(domain.CreateRuleResponse)
	require.NoError(t, created.GetResponseError())
	ruleA := created.Rule
	assert.NotEmpty(t, ruleA.ID)
	assert.Equal(t, 0, ruleA.Order)

	res, err = context.RequestFuture(stack.engine, domain.CreateRuleRequest{
		Name:                 "low load",
		Operator:             domain.RULE_OP_LT,
		ThresholdKW:          3.0,
		TargetReservePercent: 20,
		Enabled:              true,
	}, 5*time.Second).Result()
	require.NoError(t, err)
	created = res.(domain.CreateRuleResponse)
	require.NoError(t, created.GetResponseError())
	ruleB := created.Rule
	assert.Equal(t, 1, ruleB.Order)

	// list
	res, err = context.RequestFuture(stack.engine, domain.ListRulesRequest{}, 5*time.Second).Result()
	require.NoError(t, err)
	list := res.(domain.ListRulesResponse)
	require.Len(t, list.Rules, 2)
	assert.Equal(t, ruleA.ID, list.Rules[0].ID)

	// update
	newThreshold := 6.0
	res, err = context.RequestFuture(stack.engine, domain.UpdateRuleRequest{
		ID:    ruleA.ID,
		Patch: domain.RulePatch{ThresholdKW: &newThreshold},
	}, 5*time.Second).Result()
	require.NoError(t, err)
	updated := res.(domain.UpdateRuleResponse)
	require.NoError(t, updated.GetResponseError())
	assert.Equal(t, 6.0, updated.Rule.ThresholdKW)

	// update unknown id
	res, err = context.RequestFuture(stack.engine, domain.UpdateRuleRequest{
		ID:    "nope",
		Patch: domain.RulePatch{ThresholdKW: &newThreshold},
	}, 5*time.Second).Result()
	require.NoError(t, err)
	updated = res.(domain.UpdateRuleResponse)
	assert.True(t, errors.Is(updated.GetResponseError(), domain.ErrNotFound))

	// reorder
	res, err = context.RequestFuture(stack.engine, domain.ReorderRulesRequest{
		IDs: []string{ruleB.ID, ruleA.ID},
	}, 5*time.Second).Result()
	require.NoError(t, err)
	reordered := res.(domain.ReorderRulesResponse)
	require.NoError(t, reordered.GetResponseError())
	require.Len(t, reordered.Rules, 2)
	assert.Equal(t, ruleB.ID, reordered.Rules[0].ID)

	// delete
	res, err = context.RequestFuture(stack.engine, domain.DeleteRuleRequest{ID: ruleA.ID}, 5*time.Second).Result()
	require.NoError(t, err)
	deleted := res.(domain.DeleteRuleResponse)
	require.NoError(t, deleted.GetResponseError())
	assert.True(t, deleted.Found)

	res, err = context.RequestFuture(stack.engine, domain.DeleteRuleRequest{ID: ruleA.ID}, 5*time.Second).Result()
	require.NoError(t, err)
	deleted = res.(domain.DeleteRuleResponse)
	assert.False(t, deleted.Found)

	// mutations are persisted, a fresh store sees the surviving rule
	persisted, err := storage.NewRuleStore(cfg.Automation.RulesFile).Load()
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, ruleB.ID, persisted[0].ID)

	as.Shutdown()
}

func TestEngineAdjustsReserveWhenRuleMatches(t *testing.T) {

	logger := zap.Must(zap.NewDevelopment())
	as := actorutil.NewActorSystemWithZapLogger(logger)
	context := as.Root

	cfg := newTestConfig(t)
	cfg.Automation.CooldownSeconds = 1
	cfg.Automation.AverageWindowSeconds = 1
	stack := spawnTestStack(t, context, &cfg, logger)

	time.Sleep(1 * time.Second)

	stack.client.SetHomePower(6.0)
	stack.client.SetReservePercent(20)

	res, err := context.RequestFuture(stack.engine, domain.CreateRuleRequest{
		Name:                 "high load",
		Operator:             domain.RULE_OP_GT,
		ThresholdKW:          5.0,
		TargetReservePercent: 80,
		Enabled:              true,
	}, 5*time.Second).Result()
	require.NoError(t, err)
	require.NoError(t, res.(domain.CreateRuleResponse).GetResponseError())

	res, err = context.RequestFuture(stack.monitor, domain.StartMonitoringRequest{}, 5*time.Second).Result()
	require.NoError(t, err)
	require.NoError(t, res.(domain.StartMonitoringResponse).GetResponseError())

	res, err = context.RequestFuture(stack.engine, domain.StartAutomationRequest{}, 5*time.Second).Result()
	require.NoError(t, err)
	require.NoError(t, res.(domain.StartAutomationResponse).GetResponseError())

	time.Sleep(3 * time.Second)

	assert.GreaterOrEqual(t, stack.client.SetReserveCalls(), 1, "rule should have fired")
	assert.Equal(t, 80.0, stack.client.LastSetReserve())

	res, err = context.RequestFuture(stack.engine, domain.GetEngineStateRequest{}, 2*time.Second).Result()
	require.NoError(t, err)
	engState := res.(domain.GetEngineStateResponse)
	assert.True(t, engState.Running)
	assert.NotNil(t, engState.LastActionTime)
	assert.Equal(t, 1, engState.RuleCount)

	// flush so the audit trail is queryable
	_, err = context.RequestFuture(stack.storage, domain.FlushAllRequest{}, 5*time.Second).Result()
	require.NoError(t, err)

	entries, err := queryAudit(context, stack.storage)
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if e.Action == domain.AUDIT_ACTION_BACKUP_RESERVE_CHANGED {
			found = true
			assert.Equal(t, domain.TRIGGERED_BY_AUTOMATION, e.TriggeredBy)
			assert.Equal(t, "20.0%", e.OldValue)
			assert.Equal(t, "80.0%", e.NewValue)
		}
	}
	assert.True(t, found, "reserve change should be audited")

	as.Shutdown()
}

func TestEngineAuditsFailedRuleExecution(t *testing.T) {

	logger := zap.Must(zap.NewDevelopment())
	as := actorutil.NewActorSystemWithZapLogger(logger)
	context := as.Root

	cfg := newTestConfig(t)
	cfg.Automation.CooldownSeconds = 1
	cfg.Automation.AverageWindowSeconds = 1
	stack := spawnTestStack(t, context, &cfg, logger)

	time.Sleep(1 * time.Second)

	stack.client.SetHomePower(6.0)
	stack.client.SetReservePercent(20)
	stack.client.FailNextSetReserve(
		errors.New("gateway write failed"),
		errors.New("gateway write failed"),
		errors.New("gateway write failed"),
	)

	res, err := context.RequestFuture(stack.engine, domain.CreateRuleRequest{
		Name:                 "high load",
		Operator:             domain.RULE_OP_GT,
		ThresholdKW:          5.0,
		TargetReservePercent: 80,
		Enabled:              true,
	}, 5*time.Second).Result()
	require.NoError(t, err)
	require.NoError(t, res.(domain.CreateRuleResponse).GetResponseError())

	res, err = context.RequestFuture(stack.monitor, domain.StartMonitoringRequest{}, 5*time.Second).Result()
	require.NoError(t, err)
	require.NoError(t, res.(domain.StartMonitoringResponse).GetResponseError())

	res, err = context.RequestFuture(stack.engine, domain.StartAutomationRequest{}, 5*time.Second).Result()
	require.NoError(t, err)
	require.NoError(t, res.(domain.StartAutomationResponse).GetResponseError())

	time.Sleep(2 * time.Second)

	// a failed write never crashes the engine
	res, err = context.RequestFuture(stack.engine, domain.GetEngineStateRequest{}, 2*time.Second).Result()
	require.NoError(t, err)
	assert.True(t, res.(domain.GetEngineStateResponse).Running)

	_, err = context.RequestFuture(stack.storage, domain.FlushAllRequest{}, 5*time.Second).Result()
	require.NoError(t, err)

	entries, err := queryAudit(context, stack.storage)
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if e.Action == domain.AUDIT_ACTION_AUTOMATION_ERROR {
			found = true
			assert.Equal(t, domain.TRIGGERED_BY_AUTOMATION, e.TriggeredBy)
			assert.Contains(t, e.Details, "high load")
		}
	}
	assert.True(t, found, "failed execution should be audited")

	as.Shutdown()
}

func TestEngineToleranceSkipsRedundantWrite(t *testing.T) {

	logger := zap.Must(zap.NewDevelopment())
	as := actorutil.NewActorSystemWithZapLogger(logger)
	context := as.Root

	cfg := newTestConfig(t)
	cfg.Automation.CooldownSeconds = 1
	cfg.Automation.AverageWindowSeconds = 1
	stack := spawnTestStack(t, context, &cfg, logger)

	time.Sleep(1 * time.Second)

	stack.client.SetHomePower(6.0)
	stack.client.SetReservePercent(80)

	res, err := context.RequestFuture(stack.engine, domain.CreateRuleRequest{
		Name:                 "high load",
		Operator:             domain.RULE_OP_GT,
		ThresholdKW:          5.0,
		TargetReservePercent: 80,
		Enabled:              true,
	}, 5*time.Second).Result()
	require.NoError(t, err)
	require.NoError(t, res.(domain.CreateRuleResponse).GetResponseError())

	res, err = context.RequestFuture(stack.monitor, domain.StartMonitoringRequest{}, 5*time.Second).Result()
	require.NoError(t, err)
	require.NoError(t, res.(domain.StartMonitoringResponse).GetResponseError())

	res, err = context.RequestFuture(stack.engine, domain.StartAutomationRequest{}, 5*time.Second).Result()
	require.NoError(t, err)
	require.NoError(t, res.(domain.StartAutomationResponse).GetResponseError())

	time.Sleep(3 * time.Second)

	assert.Equal(t, 0, stack.client.SetReserveCalls(), "reserve already at target, no write expected")

	as.Shutdown()
}

func TestEngineNoRuleMatch(t *testing.T) {

	logger := zap.Must(zap.NewDevelopment())
	as := actorutil.NewActorSystemWithZapLogger(logger)
	context := as.Root

	cfg := newTestConfig(t)
	cfg.Automation.CooldownSeconds = 1
	cfg.Automation.AverageWindowSeconds = 1
	stack := spawnTestStack(t, context, &cfg, logger)

	time.Sleep(1 * time.Second)

	stack.client.SetHomePower(4.0)
	stack.client.SetReservePercent(50)

	for _, req := range []domain.CreateRuleRequest{
		{Name: "high load", Operator: domain.RULE_OP_GT, ThresholdKW: 5.0, TargetReservePercent: 80, Enabled: true},
		{Name: "low load", Operator: domain.RULE_OP_LT, ThresholdKW: 3.0, TargetReservePercent: 20, Enabled: true},
	} {
		res, err := context.RequestFuture(stack.engine, req, 5*time.Second).Result()
		require.NoError(t, err)
		require.NoError(t, res.(domain.CreateRuleResponse).GetResponseError())
	}

	res, err := context.RequestFuture(stack.monitor, domain.StartMonitoringRequest{}, 5*time.Second).Result()
	require.NoError(t, err)
	require.NoError(t, res.(domain.StartMonitoringResponse).GetResponseError())

	res, err = context.RequestFuture(stack.engine, domain.StartAutomationRequest{}, 5*time.Second).Result()
	require.NoError(t, err)
	require.NoError(t, res.(domain.StartAutomationResponse).GetResponseError())

	time.Sleep(3 * time.Second)

	assert.Equal(t, 0, stack.client.SetReserveCalls(), "4 kW sits between both thresholds")

	res, err = context.RequestFuture(stack.engine, domain.GetEngineStateRequest{}, 2*time.Second).Result()
	require.NoError(t, err)
	engState := res.(domain.GetEngineStateResponse)
	assert.Nil(t, engState.LastActionTime)

	as.Shutdown()
}
