package actor

import (
	"errors"
	"fmt"
	"log"
	"time"

	adactor "powerwatch/internal/adapter/actor"
	"powerwatch/internal/config"
	"powerwatch/internal/core/domain"
	"powerwatch/internal/core/service"
	"powerwatch/internal/metrics"
	"powerwatch/internal/storage"
	. "powerwatch/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"go.uber.org/zap"
)

type GatewayActorProvider func() *adactor.GatewayActor

type MQTTActorProvider func(*eventstream.EventStream) *adactor.MQTTActor

type StorageActorProvider func() *adactor.StorageActor

// MasterOfPuppetsActor spawns and supervises the actor tree and is the single
// entry point for external requests. The HTTP server and the MQTT command
// stream only ever talk to the master, which forwards to the right child.
type MasterOfPuppetsActor struct {
	config   config.Config
	behavior actor.Behavior
	stash    *Stash

	currentHealthCheck healthCheckResult
	eventStream        *eventstream.EventStream

	gatewayActor *actor.PID
	mqttActor    *actor.PID
	storageActor *actor.PID
	monitorActor *actor.PID
	engineActor  *actor.PID

	gatewayActorProvider GatewayActorProvider
	mqttActorProvider    MQTTActorProvider
	storageActorProvider StorageActorProvider

	logger *zap.Logger
}

type healthCheckResult struct {
	gatewayActorHealthy bool
	mqttActorHealthy    bool
	storageActorHealthy bool
	monitorActorHealthy bool
	engineActorHealthy  bool
	checksReceived      int
	respondTo           *actor.PID
}

const healthCheckChildren = 5

func NewMasterOfPuppetsActor(config config.Config, gatewayActorProvider GatewayActorProvider,
	mqttActorProvider MQTTActorProvider, storageActorProvider StorageActorProvider,
	logger *zap.Logger) *MasterOfPuppetsActor {
	act := &MasterOfPuppetsActor{
		config:               config,
		behavior:             actor.NewBehavior(),
		stash:                &Stash{},
		logger:               ActorLogger("master", logger),
		eventStream:          &eventstream.EventStream{},
		gatewayActorProvider: gatewayActorProvider,
		mqttActorProvider:    mqttActorProvider,
		storageActorProvider: storageActorProvider,
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *MasterOfPuppetsActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *MasterOfPuppetsActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("master@starting started")

		state.currentHealthCheck = healthCheckResult{}
		state.currentHealthCheck.reset()

		gatewayActorPID, err := state.startGatewayActor(ctx)
		if err != nil {
			panic(err)
		}
		state.gatewayActor = gatewayActorPID

		mqttActorPID, err := state.startMQTTActor(ctx)
		if err != nil {
			panic(err)
		}
		state.mqttActor = mqttActorPID

		storageActorPID, err := state.startStorageActor(ctx)
		if err != nil {
			panic(err)
		}
		state.storageActor = storageActorPID

		monitorActorPID, err := state.startMonitorActor(ctx)
		if err != nil {
			panic(err)
		}
		state.monitorActor = monitorActorPID

		engineActorPID, err := state.startEngineActor(ctx)
		if err != nil {
			panic(err)
		}
		state.engineActor = engineActorPID

		if state.config.MQTT.HADiscoveryEnable {
			_, err := state.startHADiscoveryActor(ctx)
			if err != nil {
				panic(err)
			}
		}

		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("master@starting stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterOfPuppetsActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("master@default ActorHealthRequest")
		state.currentHealthCheck.reset()
		state.currentHealthCheck.respondTo = ctx.Sender()
		for _, child := range []struct {
			id  string
			pid *actor.PID
		}{
			{domain.ACTOR_ID_GATEWAY, state.gatewayActor},
			{domain.ACTOR_ID_MQTT, state.mqttActor},
			{domain.ACTOR_ID_STORAGE, state.storageActor},
			{domain.ACTOR_ID_MONITOR, state.monitorActor},
			{domain.ACTOR_ID_ENGINE, state.engineActor},
		} {
			id := child.id
			PipeToSelfWithRecover(ctx, ctx.RequestFuture(child.pid, domain.ActorHealthRequest{}, 500*time.Millisecond), func(err error) any {
				return domain.ActorHealthResponse{
					Id:      id,
					Healthy: false,
				}
			})
		}

		ctx.SetReceiveTimeout(1 * time.Second)

		state.behavior.BecomeStacked(state.HealthCheckReceive)

	case adactor.ParsedCommand:
		// redirect MQTT command to the right request
		state.logger.Debug("master@default parsedCommand", zap.Any("command", msg.Command))
		if msg.Command != nil {
			cmd, err := ParsedMQTTCommandToCommand(*msg.Command)
			if err == nil && cmd != nil {
				switch pcmd := cmd.(type) {
				case domain.SetReserveRequest:
					ctx.Send(ctx.Self(), pcmd)
				}
			}
		}

	case domain.SetReserveRequest:
		state.handleSetReserve(ctx, msg)

	// monitor surface
	case domain.StartMonitoringRequest:
		ctx.Forward(state.monitorActor)
	case domain.StopMonitoringRequest:
		ctx.Forward(state.monitorActor)
	case domain.GetMonitorStateRequest:
		ctx.Forward(state.monitorActor)
	case domain.GetRecentSamplesRequest:
		ctx.Forward(state.monitorActor)
	case domain.GetAverageHomePowerRequest:
		ctx.Forward(state.monitorActor)

	// engine surface
	case domain.StartAutomationRequest:
		ctx.Forward(state.engineActor)
	case domain.StopAutomationRequest:
		ctx.Forward(state.engineActor)
	case domain.GetEngineStateRequest:
		ctx.Forward(state.engineActor)
	case domain.ListRulesRequest:
		ctx.Forward(state.engineActor)
	case domain.CreateRuleRequest:
		ctx.Forward(state.engineActor)
	case domain.UpdateRuleRequest:
		ctx.Forward(state.engineActor)
	case domain.DeleteRuleRequest:
		ctx.Forward(state.engineActor)
	case domain.ReorderRulesRequest:
		ctx.Forward(state.engineActor)

	// gateway surface
	case domain.GetMetricsRequest:
		ctx.Forward(state.gatewayActor)
	case domain.GetBackupReserveRequest:
		ctx.Forward(state.gatewayActor)

	// storage surface
	case domain.QueryMetricsRequest:
		ctx.Forward(state.storageActor)
	case domain.QueryAuditRequest:
		ctx.Forward(state.storageActor)

	case *actor.Terminated:
		// if some actor fails on boot, terminate
		if msg.Who.Id == fmt.Sprintf("%s/%s", domain.ACTOR_ID_MASTER, domain.ACTOR_ID_GATEWAY) {
			state.logger.Error("master@default gateway error")
			panic(errors.New("gateway terminated"))
		}
	default:
		state.logger.Debug("master@default stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

// handleSetReserve runs the manual reserve change: read current value, write
// the clamped target, audit with the requester's origin, respond old and new.
func (state *MasterOfPuppetsActor) handleSetReserve(ctx actor.Context, msg domain.SetReserveRequest) {
	replyTo := ForRequest(msg).ReplyTo(ctx)
	target := service.ClampPercent(msg.Percent)
	triggeredBy := msg.TriggeredBy
	if triggeredBy == "" {
		triggeredBy = domain.TRIGGERED_BY_USER
	}

	respondErr := func(err error) {
		if replyTo != nil {
			ctx.Send(replyTo, domain.SetReserveResponse{
				ActorResponseMixIn: domain.ActorResponseMixIn{ResponseError: err},
			})
		}
	}

	getFuture := ctx.RequestFuture(state.gatewayActor, domain.GetBackupReserveRequest{}, 10*time.Second)
	ctx.ReenterAfter(getFuture, func(res any, err error) {
		if err != nil {
			respondErr(err)
			return
		}
		current, ok := res.(domain.GetBackupReserveResponse)
		if !ok {
			respondErr(fmt.Errorf("unexpected gateway response %T", res))
			return
		}
		if current.HasResponseError() {
			respondErr(current.GetResponseError())
			return
		}
		oldPercent := current.Percent
		setFuture := ctx.RequestFuture(state.gatewayActor, domain.SetBackupReserveRequest{Percent: target}, 10*time.Second)
		ctx.ReenterAfter(setFuture, func(res any, err error) {
			if err != nil {
				respondErr(err)
				return
			}
			set, ok := res.(domain.SetBackupReserveResponse)
			if !ok {
				respondErr(fmt.Errorf("unexpected gateway response %T", res))
				return
			}
			if set.HasResponseError() {
				respondErr(set.GetResponseError())
				return
			}
			ctx.Send(state.storageActor, domain.StoreAuditRequest{Entry: domain.AuditEntry{
				Timestamp:   time.Now(),
				Action:      domain.AUDIT_ACTION_BACKUP_RESERVE_CHANGED,
				Details:     fmt.Sprintf("Backup reserve set to %.1f%%", target),
				OldValue:    fmt.Sprintf("%.1f%%", oldPercent),
				NewValue:    fmt.Sprintf("%.1f%%", target),
				TriggeredBy: triggeredBy,
			}})
			metrics.ObserveReserveChange(triggeredBy)
			if replyTo != nil {
				ctx.Send(replyTo, domain.SetReserveResponse{
					OldPercent: oldPercent,
					NewPercent: target,
				})
			}
		})
	})
}

func (state *MasterOfPuppetsActor) HealthCheckReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.ReceiveTimeout:
		// if some actor does not respond to healthCheck, assume not healthy
		state.currentHealthCheck.respond(ctx)
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case domain.ActorHealthResponse:
		state.logger.Debug("master@healthcheck ActorHealthResponse", zap.String("sender", msg.Id), zap.Bool("healthy", msg.Healthy))
		state.currentHealthCheck.checksReceived++
		if msg.Healthy {
			switch msg.Id {
			case domain.ACTOR_ID_GATEWAY:
				state.currentHealthCheck.gatewayActorHealthy = true
			case domain.ACTOR_ID_MQTT:
				state.currentHealthCheck.mqttActorHealthy = true
			case domain.ACTOR_ID_STORAGE:
				state.currentHealthCheck.storageActorHealthy = true
			case domain.ACTOR_ID_MONITOR:
				state.currentHealthCheck.monitorActorHealthy = true
			case domain.ACTOR_ID_ENGINE:
				state.currentHealthCheck.engineActorHealthy = true
			}
		}
		if state.currentHealthCheck.allReceived() {

			state.currentHealthCheck.respond(ctx)

			state.behavior.UnbecomeStacked()
			state.stash.UnstashAll(ctx)
		} else {
			ctx.SetReceiveTimeout(1 * time.Second)
		}
	default:
		state.logger.Debug("master@healthcheck stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MasterOfPuppetsActor) startGatewayActor(ctx actor.Context) (*actor.PID, error) {

	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	gatewayProps := actor.PropsFromProducer(func() actor.Actor {
		return state.gatewayActorProvider()
	}, actor.WithSupervisor(supervisor))
	gatewayActorPID, err := ctx.SpawnNamed(gatewayProps, domain.ACTOR_ID_GATEWAY)
	if err != nil {
		return nil, err
	}

	return gatewayActorPID, nil
}

func (state *MasterOfPuppetsActor) startMQTTActor(ctx actor.Context) (*actor.PID, error) {

	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	mqttProps := actor.PropsFromProducer(func() actor.Actor {
		return state.mqttActorProvider(state.eventStream)
	}, actor.WithSupervisor(supervisor))
	mqttActorPID, err := ctx.SpawnNamed(mqttProps, domain.ACTOR_ID_MQTT)
	if err != nil {
		return nil, err
	}

	return mqttActorPID, nil
}

func (state *MasterOfPuppetsActor) startStorageActor(ctx actor.Context) (*actor.PID, error) {

	supervisor := actor.NewExponentialBackoffStrategy(10*time.Second, 1*time.Second)

	storageProps := actor.PropsFromProducer(func() actor.Actor {
		return state.storageActorProvider()
	}, actor.WithSupervisor(supervisor))
	storageActorPID, err := ctx.SpawnNamed(storageProps, domain.ACTOR_ID_STORAGE)
	if err != nil {
		return nil, err
	}

	return storageActorPID, nil
}

func (state *MasterOfPuppetsActor) startMonitorActor(ctx actor.Context) (*actor.PID, error) {

	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for child. reason: %v", reason)
		return actor.RestartDirective
	}
	supervisor := actor.NewOneForOneStrategy(1, 10*time.Second, decider)

	monitorProps := actor.PropsFromProducer(func() actor.Actor {
		return NewMonitorActor(&state.config, state.gatewayActor, state.storageActor, state.eventStream, state.logger)
	}, actor.WithSupervisor(supervisor))
	monitorActorPID, err := ctx.SpawnNamed(monitorProps, domain.ACTOR_ID_MONITOR)
	if err != nil {
		return nil, err
	}

	return monitorActorPID, nil
}

func (state *MasterOfPuppetsActor) startEngineActor(ctx actor.Context) (*actor.PID, error) {

	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for child. reason: %v", reason)
		return actor.RestartDirective
	}
	supervisor := actor.NewOneForOneStrategy(1, 10*time.Second, decider)

	ruleStore := storage.NewRuleStore(state.config.Automation.RulesFile)
	logic := &service.DefaultAutomationLogic{
		Tolerance: service.DefaultReserveTolerance,
		Logger:    state.logger,
	}

	engineProps := actor.PropsFromProducer(func() actor.Actor {
		return NewEngineActor(&state.config, state.monitorActor, state.gatewayActor, state.storageActor,
			state.eventStream, ruleStore, logic, state.logger)
	}, actor.WithSupervisor(supervisor))
	engineActorPID, err := ctx.SpawnNamed(engineProps, domain.ACTOR_ID_ENGINE)
	if err != nil {
		return nil, err
	}

	return engineActorPID, nil
}

func (state *MasterOfPuppetsActor) startHADiscoveryActor(ctx actor.Context) (*actor.PID, error) {

	decider := func(reason interface{}) actor.Directive {
		log.Printf("handling failure for child. reason: %v", reason)
		return actor.RestartDirective
	}
	supervisor := actor.NewOneForOneStrategy(1, 10*time.Second, decider)

	haDiscProps := actor.PropsFromProducer(func() actor.Actor {
		return NewHADiscoveryActor(&state.config, state.gatewayActor, state.mqttActor, state.logger)
	}, actor.WithSupervisor(supervisor))
	haDiscPID, err := ctx.SpawnNamed(haDiscProps, HADISCOVERY_ACTOR_ID)
	if err != nil {
		return nil, err
	}

	return haDiscPID, nil
}

func (state *healthCheckResult) reset() {
	state.gatewayActorHealthy = false
	state.mqttActorHealthy = false
	state.storageActorHealthy = false
	state.monitorActorHealthy = false
	state.engineActorHealthy = false
	state.checksReceived = 0
}

func (state *healthCheckResult) allReceived() bool {
	return state.checksReceived == healthCheckChildren
}

func (state *healthCheckResult) allHealthy() bool {
	return state.gatewayActorHealthy && state.mqttActorHealthy && state.storageActorHealthy &&
		state.monitorActorHealthy && state.engineActorHealthy
}

func (state *healthCheckResult) respond(ctx actor.Context) {
	resp := domain.ActorHealthResponse{
		Id:      domain.ACTOR_ID_MASTER,
		Healthy: state.allHealthy(),
	}
	if state.respondTo != nil {
		ctx.Send(state.respondTo, resp)
	}
}
