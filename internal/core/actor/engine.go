package actor

import (
	"fmt"
	"time"

	"powerwatch/internal/config"
	"powerwatch/internal/core/domain"
	"powerwatch/internal/core/events"
	"powerwatch/internal/core/port"
	"powerwatch/internal/core/service"
	"powerwatch/internal/metrics"
	"powerwatch/internal/storage"
	. "powerwatch/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

// EngineActor evaluates the automation rule set against each sample the
// monitor publishes and adjusts the gateway backup reserve when a rule wins.
// At most one evaluation is in flight at a time; samples arriving while one
// runs are stashed and replayed, where the cooldown gate absorbs them.
type EngineActor struct {
	behavior actor.Behavior
	stash    *Stash

	config       *config.Config
	monitorActor *actor.PID
	gatewayActor *actor.PID
	storageActor *actor.PID
	eventStream  *eventstream.EventStream

	ruleStore *storage.RuleStore
	logic     port.AutomationLogic

	rules          []domain.Rule
	running        bool
	lastActionTime *time.Time

	eventStreamSub *eventstream.Subscription
	startReply     *actor.PID

	// evaluation pipeline scratch, valid only while a Waiting state is stacked
	evalReserve float64
	evalAverage float64
	matchedRule *domain.Rule

	logger *zap.Logger
}

type engineSample struct {
	reservePercent float64
}

func NewEngineActor(config *config.Config, monitorActor *actor.PID, gatewayActor *actor.PID,
	storageActor *actor.PID, eventStream *eventstream.EventStream,
	ruleStore *storage.RuleStore, logic port.AutomationLogic, logger *zap.Logger) *EngineActor {
	act := &EngineActor{
		config:       config,
		monitorActor: monitorActor,
		gatewayActor: gatewayActor,
		storageActor: storageActor,
		eventStream:  eventStream,
		ruleStore:    ruleStore,
		logic:        logic,
		behavior:     actor.NewBehavior(),
		stash:        &Stash{},
		logger:       ActorLogger("engine", logger),
	}
	act.behavior.Become(act.StoppedReceive)
	return act
}

func (state *EngineActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *EngineActor) StoppedReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("engine@stopped started")
		rules, err := state.ruleStore.Load()
		if err != nil {
			state.logger.Error("engine: could not load rules, starting with an empty set", zap.Error(err))
			rules = []domain.Rule{}
		}
		state.rules = rules
	case domain.StartAutomationRequest:
		state.logger.Info("engine@stopped: starting automation")
		state.startReply = ForRequest(msg).ReplyTo(ctx)
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.monitorActor, domain.GetMonitorStateRequest{}, 5*time.Second), func(err error) any {
			return domain.GetMonitorStateResponse{
				ActorResponseMixIn: domain.ActorResponseMixIn{
					ResponseError: err,
				},
			}
		})
		state.behavior.BecomeStacked(state.WaitingMonitorProbeReceive)
	case domain.StopAutomationRequest:
		// already stopped, nothing to do
		ForRequest(msg).Respond(ctx, domain.StopAutomationResponse{})
	case engineSample:
		// late sample from a previous run, drop it
	default:
		state.commonReceive(ctx, msg, "stopped")
	}
}

// WaitingMonitorProbeReceive gates automation start on a running monitor.
func (state *EngineActor) WaitingMonitorProbeReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.GetMonitorStateResponse:
		state.behavior.UnbecomeStacked()
		if msg.HasResponseError() || !msg.Running {
			state.logger.Warn("engine@waitingMonitorProbe: monitoring is not running",
				zap.Error(msg.GetResponseError()))
			if state.startReply != nil {
				ctx.Send(state.startReply, domain.StartAutomationResponse{
					ActorResponseMixIn: domain.ActorResponseMixIn{
						ResponseError: domain.ErrNotRunning,
					},
				})
				state.startReply = nil
			}
			state.stash.UnstashAll(ctx)
			return
		}
		rules, err := state.ruleStore.Load()
		if err != nil {
			state.logger.Error("engine@waitingMonitorProbe: could not reload rules", zap.Error(err))
			if state.startReply != nil {
				ctx.Send(state.startReply, domain.StartAutomationResponse{
					ActorResponseMixIn: domain.ActorResponseMixIn{
						ResponseError: err,
					},
				})
				state.startReply = nil
			}
			state.stash.UnstashAll(ctx)
			return
		}
		state.rules = rules
		state.running = true
		metrics.SetAutomationRunning(true)
		state.subscribeSamples(ctx)
		state.audit(ctx, domain.AuditEntry{
			Timestamp:   time.Now(),
			Action:      domain.AUDIT_ACTION_AUTOMATION_STARTED,
			Details:     fmt.Sprintf("Automation started with %d rules", len(state.rules)),
			TriggeredBy: domain.TRIGGERED_BY_USER,
		})
		if state.startReply != nil {
			ctx.Send(state.startReply, domain.StartAutomationResponse{})
			state.startReply = nil
		}
		state.behavior.Become(state.RunningReceive)
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("engine@waitingMonitorProbe: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *EngineActor) RunningReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case engineSample:
		state.evaluate(ctx, msg)
	case domain.StartAutomationRequest:
		// idempotent, already running
		ForRequest(msg).Respond(ctx, domain.StartAutomationResponse{})
	case domain.StopAutomationRequest:
		state.logger.Info("engine@running: stopping automation")
		state.unsubscribeSamples()
		state.running = false
		metrics.SetAutomationRunning(false)
		state.audit(ctx, domain.AuditEntry{
			Timestamp:   time.Now(),
			Action:      domain.AUDIT_ACTION_AUTOMATION_STOPPED,
			Details:     "Automation stopped",
			TriggeredBy: domain.TRIGGERED_BY_USER,
		})
		ForRequest(msg).Respond(ctx, domain.StopAutomationResponse{})
		state.behavior.Become(state.StoppedReceive)
	case *actor.Stopping:
		state.unsubscribeSamples()
	default:
		state.commonReceive(ctx, msg, "running")
	}
}

// evaluate runs the cooldown gate and, when open, kicks off the
// average -> match -> read reserve -> set reserve pipeline.
func (state *EngineActor) evaluate(ctx actor.Context, sample engineSample) {
	if state.lastActionTime != nil {
		cooldown := time.Duration(state.config.Automation.CooldownSeconds) * time.Second
		if elapsed := time.Since(*state.lastActionTime); elapsed < cooldown {
			state.logger.Debug("engine@running: cooldown active",
				zap.Duration("remaining", cooldown-elapsed))
			metrics.ObserveRuleEvaluation(metrics.EvaluationSkipped)
			return
		}
	}
	state.evalReserve = sample.reservePercent
	PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.monitorActor, domain.GetAverageHomePowerRequest{
		WindowSeconds: state.config.Automation.AverageWindowSeconds,
	}, 5*time.Second), func(err error) any {
		return domain.GetAverageHomePowerResponse{
			ActorResponseMixIn: domain.ActorResponseMixIn{
				ResponseError: err,
			},
		}
	})
	state.behavior.BecomeStacked(state.WaitingAverageReceive)
}

func (state *EngineActor) WaitingAverageReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.GetAverageHomePowerResponse:
		if msg.HasResponseError() {
			state.logger.Error("engine@waitingAverage: average query failed", zap.Error(msg.GetResponseError()))
			state.endEvaluation(ctx)
			return
		}
		if !msg.HasData {
			state.logger.Debug("engine@waitingAverage: no samples yet")
			state.endEvaluation(ctx)
			return
		}
		rule, ok := state.logic.Match(state.rules, msg.AverageKW)
		if !ok {
			state.logger.Debug("engine@waitingAverage: no rule matched",
				zap.Float64("averageKW", msg.AverageKW))
			metrics.ObserveRuleEvaluation(metrics.EvaluationNoMatch)
			state.endEvaluation(ctx)
			return
		}
		metrics.ObserveRuleEvaluation(metrics.EvaluationMatched)
		if !state.logic.ShouldAdjust(state.evalReserve, rule.TargetReservePercent) {
			// reserve already at target, advance the cooldown so replayed
			// samples do not re-run the pipeline
			state.logger.Debug("engine@waitingAverage: reserve already at target",
				zap.String("rule", rule.Name))
			state.markActionTime()
			state.endEvaluation(ctx)
			return
		}
		state.evalAverage = msg.AverageKW
		state.matchedRule = rule
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.gatewayActor, domain.GetBackupReserveRequest{}, 10*time.Second), func(err error) any {
			return domain.GetBackupReserveResponse{
				ActorResponseMixIn: domain.ActorResponseMixIn{
					ResponseError: err,
				},
			}
		})
		state.behavior.UnbecomeStacked()
		state.behavior.BecomeStacked(state.WaitingReserveReceive)
	default:
		state.logger.Debug("engine@waitingAverage: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *EngineActor) WaitingReserveReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.GetBackupReserveResponse:
		rule := state.matchedRule
		if msg.HasResponseError() {
			state.onEvaluationError(ctx, rule, msg.GetResponseError())
			return
		}
		// re-check against the authoritative gateway value, the sampled one
		// may be a full interval old
		if !state.logic.ShouldAdjust(msg.Percent, rule.TargetReservePercent) {
			state.logger.Debug("engine@waitingReserve: gateway reserve already at target",
				zap.String("rule", rule.Name), zap.Float64("reserve", msg.Percent))
			state.markActionTime()
			state.endEvaluation(ctx)
			return
		}
		state.evalReserve = msg.Percent
		target := service.ClampPercent(rule.TargetReservePercent)
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.gatewayActor, domain.SetBackupReserveRequest{Percent: target}, 10*time.Second), func(err error) any {
			return domain.SetBackupReserveResponse{
				ActorResponseMixIn: domain.ActorResponseMixIn{
					ResponseError: err,
				},
			}
		})
		state.behavior.UnbecomeStacked()
		state.behavior.BecomeStacked(state.WaitingSetReserveReceive)
	default:
		state.logger.Debug("engine@waitingReserve: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *EngineActor) WaitingSetReserveReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.SetBackupReserveResponse:
		rule := state.matchedRule
		if msg.HasResponseError() {
			state.onEvaluationError(ctx, rule, msg.GetResponseError())
			return
		}
		target := service.ClampPercent(rule.TargetReservePercent)
		state.logger.Info("engine@waitingSetReserve: backup reserve adjusted",
			zap.String("rule", rule.Name),
			zap.Float64("averageKW", state.evalAverage),
			zap.Float64("oldReserve", state.evalReserve),
			zap.Float64("newReserve", target))
		metrics.ObserveRuleEvaluation(metrics.EvaluationExecuted)
		metrics.ObserveReserveChange(domain.TRIGGERED_BY_AUTOMATION)
		state.markActionTime()
		state.audit(ctx, domain.AuditEntry{
			Timestamp: time.Now(),
			Action:    domain.AUDIT_ACTION_BACKUP_RESERVE_CHANGED,
			Details: fmt.Sprintf("Rule '%s' triggered: average home power %.2f kW %s %.2f kW",
				rule.Name, state.evalAverage, rule.Operator, rule.ThresholdKW),
			OldValue:    fmt.Sprintf("%.1f%%", state.evalReserve),
			NewValue:    fmt.Sprintf("%.1f%%", target),
			TriggeredBy: domain.TRIGGERED_BY_AUTOMATION,
		})
		// reflect the change on MQTT right away instead of waiting a sample
		state.eventStream.Publish(domain.InputNumberSensorUpdateEvent{
			SensorUpdateEventMixIn: domain.SensorUpdateEventMixIn{
				Id: events.INPUT_NUMBER_ID_RESERVE,
			},
			Value:    target,
			Decimals: 1,
		})
		state.endEvaluation(ctx)
	default:
		state.logger.Debug("engine@waitingSetReserve: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

// onEvaluationError records the failed action and closes the pipeline.
// A rule that cannot be executed never crashes the engine.
func (state *EngineActor) onEvaluationError(ctx actor.Context, rule *domain.Rule, err error) {
	state.logger.Error("engine: rule execution failed", zap.String("rule", rule.Name), zap.Error(err))
	metrics.ObserveRuleEvaluation(metrics.EvaluationFailed)
	state.audit(ctx, domain.AuditEntry{
		Timestamp:   time.Now(),
		Action:      domain.AUDIT_ACTION_AUTOMATION_ERROR,
		Details:     fmt.Sprintf("Failed to execute rule '%s': %s", rule.Name, err),
		TriggeredBy: domain.TRIGGERED_BY_AUTOMATION,
	})
	state.endEvaluation(ctx)
}

func (state *EngineActor) endEvaluation(ctx actor.Context) {
	state.matchedRule = nil
	state.behavior.UnbecomeStacked()
	state.stash.UnstashAll(ctx)
}

func (state *EngineActor) markActionTime() {
	now := time.Now()
	state.lastActionTime = &now
}

func (state *EngineActor) subscribeSamples(ctx actor.Context) {
	self := ctx.Self()
	system := ctx.ActorSystem()
	state.eventStreamSub = state.eventStream.Subscribe(func(evt any) {
		if sample, ok := evt.(events.SampleEvent); ok {
			system.Root.Send(self, engineSample{reservePercent: sample.Sample.BackupReservePercent})
		}
	})
}

func (state *EngineActor) unsubscribeSamples() {
	if state.eventStreamSub != nil {
		state.eventStream.Unsubscribe(state.eventStreamSub)
		state.eventStreamSub = nil
	}
}

// commonReceive serves the rule CRUD and state queries, valid in any state.
func (state *EngineActor) commonReceive(ctx actor.Context, msg any, stateName string) {
	switch msg := msg.(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("engine@" + stateName + ": ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_ENGINE,
			Healthy: true,
			State:   stateName,
		})
	case domain.GetEngineStateRequest:
		ForRequest(msg).Respond(ctx, domain.GetEngineStateResponse{
			Running:        state.running,
			LastActionTime: state.lastActionTime,
			RuleCount:      len(state.rules),
		})
	case domain.ListRulesRequest:
		ForRequest(msg).Respond(ctx, domain.ListRulesResponse{
			Rules: service.SortedRules(state.rules),
		})
	case domain.CreateRuleRequest:
		state.createRule(ctx, msg)
	case domain.UpdateRuleRequest:
		state.updateRule(ctx, msg)
	case domain.DeleteRuleRequest:
		state.deleteRule(ctx, msg)
	case domain.ReorderRulesRequest:
		state.reorderRules(ctx, msg)
	default:
		state.logger.Debug("engine@"+stateName+" default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *EngineActor) createRule(ctx actor.Context, msg domain.CreateRuleRequest) {
	op, err := domain.ParseRuleOperator(string(msg.Operator))
	if err != nil {
		ForRequest(msg).Respond(ctx, domain.CreateRuleResponse{
			ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err},
		})
		return
	}
	rule := service.NewRule(msg.Name, op, msg.ThresholdKW,
		service.ClampPercent(msg.TargetReservePercent), msg.Enabled, service.NextOrder(state.rules))
	next := append(append([]domain.Rule{}, state.rules...), rule)
	if err := state.ruleStore.Save(next); err != nil {
		ForRequest(msg).Respond(ctx, domain.CreateRuleResponse{
			ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err},
		})
		return
	}
	state.rules = next
	state.audit(ctx, domain.AuditEntry{
		Timestamp:   time.Now(),
		Action:      domain.AUDIT_ACTION_RULE_CREATED,
		Details:     fmt.Sprintf("Rule '%s' created", rule.Name),
		NewValue:    ruleSummary(rule),
		TriggeredBy: domain.TRIGGERED_BY_USER,
	})
	ForRequest(msg).Respond(ctx, domain.CreateRuleResponse{Rule: rule})
}

func (state *EngineActor) updateRule(ctx actor.Context, msg domain.UpdateRuleRequest) {
	idx := state.ruleIndex(msg.ID)
	if idx < 0 {
		ForRequest(msg).Respond(ctx, domain.UpdateRuleResponse{
			ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: domain.ErrNotFound},
		})
		return
	}
	patched, err := service.ApplyRulePatch(state.rules[idx], msg.Patch)
	if err != nil {
		ForRequest(msg).Respond(ctx, domain.UpdateRuleResponse{
			ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err},
		})
		return
	}
	next := append([]domain.Rule{}, state.rules...)
	next[idx] = patched
	if err := state.ruleStore.Save(next); err != nil {
		ForRequest(msg).Respond(ctx, domain.UpdateRuleResponse{
			ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err},
		})
		return
	}
	old := state.rules[idx]
	state.rules = next
	state.audit(ctx, domain.AuditEntry{
		Timestamp:   time.Now(),
		Action:      domain.AUDIT_ACTION_RULE_UPDATED,
		Details:     fmt.Sprintf("Rule '%s' updated", patched.Name),
		OldValue:    ruleSummary(old),
		NewValue:    ruleSummary(patched),
		TriggeredBy: domain.TRIGGERED_BY_USER,
	})
	ForRequest(msg).Respond(ctx, domain.UpdateRuleResponse{Rule: patched})
}

func (state *EngineActor) deleteRule(ctx actor.Context, msg domain.DeleteRuleRequest) {
	idx := state.ruleIndex(msg.ID)
	if idx < 0 {
		ForRequest(msg).Respond(ctx, domain.DeleteRuleResponse{Found: false})
		return
	}
	old := state.rules[idx]
	next := append([]domain.Rule{}, state.rules[:idx]...)
	next = append(next, state.rules[idx+1:]...)
	if err := state.ruleStore.Save(next); err != nil {
		ForRequest(msg).Respond(ctx, domain.DeleteRuleResponse{
			ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err},
		})
		return
	}
	state.rules = next
	state.audit(ctx, domain.AuditEntry{
		Timestamp:   time.Now(),
		Action:      domain.AUDIT_ACTION_RULE_DELETED,
		Details:     fmt.Sprintf("Rule '%s' deleted", old.Name),
		OldValue:    ruleSummary(old),
		TriggeredBy: domain.TRIGGERED_BY_USER,
	})
	ForRequest(msg).Respond(ctx, domain.DeleteRuleResponse{Found: true})
}

func (state *EngineActor) reorderRules(ctx actor.Context, msg domain.ReorderRulesRequest) {
	next := service.ReorderRules(state.rules, msg.IDs)
	if err := state.ruleStore.Save(next); err != nil {
		ForRequest(msg).Respond(ctx, domain.ReorderRulesResponse{
			ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err},
		})
		return
	}
	state.rules = next
	ForRequest(msg).Respond(ctx, domain.ReorderRulesResponse{
		Rules: service.SortedRules(state.rules),
	})
}

func (state *EngineActor) ruleIndex(id string) int {
	for i := range state.rules {
		if state.rules[i].ID == id {
			return i
		}
	}
	return -1
}

func (state *EngineActor) audit(ctx actor.Context, entry domain.AuditEntry) {
	ctx.Send(state.storageActor, domain.StoreAuditRequest{Entry: entry})
}

func ruleSummary(r domain.Rule) string {
	return fmt.Sprintf("%s %s %.2f kW -> %.1f%%", r.Name, r.Operator, r.ThresholdKW, r.TargetReservePercent)
}
