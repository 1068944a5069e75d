package actor

import (
	"fmt"
	"time"

	"powerwatch/internal/config"
	"powerwatch/internal/core/domain"
	"powerwatch/internal/core/events"
	"powerwatch/internal/core/service"
	"powerwatch/internal/metrics"
	. "powerwatch/internal/util/actorutil"
	"powerwatch/pkg/powerwall"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/asynkron/protoactor-go/scheduler"
	"go.uber.org/zap"
)

const (
	sampleWindowCapacity   = 60
	consecutiveErrorsLimit = 5
)

// MonitorActor drives the sampling cycle: one gateway read per interval,
// ring-buffered, persisted and published on the event stream. The cycle is
// interval-paced, so heavy iterations do not stretch the cadence.
type MonitorActor struct {
	behavior  actor.Behavior
	stash     *Stash
	scheduler *scheduler.TimerScheduler

	config       *config.Config
	gatewayActor *actor.PID
	storageActor *actor.PID
	eventStream  *eventstream.EventStream

	window     *service.SampleWindow
	running    bool
	errorCount int
	tickStart  time.Time
	cancelTick scheduler.CancelFunc
	stopReply  *actor.PID
	startReply *actor.PID

	logger *zap.Logger
}

type monitorTick struct {
}

func NewMonitorActor(config *config.Config, gatewayActor *actor.PID, storageActor *actor.PID,
	eventStream *eventstream.EventStream, logger *zap.Logger) *MonitorActor {
	act := &MonitorActor{
		config:       config,
		gatewayActor: gatewayActor,
		storageActor: storageActor,
		behavior:     actor.NewBehavior(),
		stash:        &Stash{},
		logger:       ActorLogger("monitor", logger),
		eventStream:  eventStream,
		window:       service.NewSampleWindow(sampleWindowCapacity),
	}
	act.behavior.Become(act.StoppedReceive)
	return act
}

func (state *MonitorActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *MonitorActor) StoppedReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("monitor@stopped started")
		state.scheduler = scheduler.NewTimerScheduler(ctx)
	case domain.StartMonitoringRequest:
		state.logger.Info("monitor@stopped: starting sampling cycle")
		// probe the gateway before committing to the running state
		state.startReply = ForRequest(msg).ReplyTo(ctx)
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.gatewayActor, domain.ActorHealthRequest{}, 10*time.Second), func(err error) any {
			return domain.ActorHealthResponse{
				ActorResponseMixIn: domain.ActorResponseMixIn{
					ResponseError: err,
				},
				Id: domain.ACTOR_ID_GATEWAY,
			}
		})
		state.behavior.BecomeStacked(state.WaitingGatewayProbeReceive)
	case domain.StopMonitoringRequest:
		// already stopped, nothing to do
		ForRequest(msg).Respond(ctx, domain.StopMonitoringResponse{})
	default:
		state.commonReceive(ctx, msg, "stopped")
	}
}

func (state *MonitorActor) WaitingGatewayProbeReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthResponse:
		state.behavior.UnbecomeStacked()
		if msg.HasResponseError() || !msg.Healthy {
			state.logger.Error("monitor@waitingGatewayProbe gateway unreachable",
				zap.Error(msg.GetResponseError()))
			if state.startReply != nil {
				ctx.Send(state.startReply, domain.StartMonitoringResponse{
					ActorResponseMixIn: domain.ActorResponseMixIn{
						ResponseError: domain.ErrGatewayUnavailable,
					},
				})
				state.startReply = nil
			}
			state.stash.UnstashAll(ctx)
			return
		}
		state.running = true
		state.errorCount = 0
		metrics.SetMonitoringRunning(true)
		state.audit(ctx, domain.AuditEntry{
			Timestamp:   time.Now(),
			Action:      domain.AUDIT_ACTION_MONITORING_STARTED,
			Details:     "Monitoring started",
			TriggeredBy: domain.TRIGGERED_BY_USER,
		})
		if state.startReply != nil {
			ctx.Send(state.startReply, domain.StartMonitoringResponse{})
			state.startReply = nil
		}
		state.behavior.Become(state.RunningReceive)
		ctx.Send(ctx.Self(), monitorTick{})
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("monitor@waitingGatewayProbe: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MonitorActor) RunningReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case monitorTick:
		state.logger.Debug("monitor@running tick")
		state.tickStart = time.Now()
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.gatewayActor, domain.GetMetricsRequest{}, 10*time.Second), func(err error) any {
			return domain.GetMetricsResponse{
				ActorResponseMixIn: domain.ActorResponseMixIn{
					ResponseError: err,
				},
			}
		})
		state.behavior.BecomeStacked(state.WaitingSampleReceive)
	case domain.StartMonitoringRequest:
		// idempotent, already running
		ForRequest(msg).Respond(ctx, domain.StartMonitoringResponse{})
	case domain.StopMonitoringRequest:
		state.logger.Info("monitor@running: stopping sampling cycle")
		if state.cancelTick != nil {
			state.cancelTick()
			state.cancelTick = nil
		}
		state.running = false
		metrics.SetMonitoringRunning(false)
		state.stopReply = ForRequest(msg).ReplyTo(ctx)
		PipeToSelfWithRecover(ctx, ctx.RequestFuture(state.storageActor, domain.FlushAllRequest{}, 15*time.Second), func(err error) any {
			return domain.FlushAllResponse{
				ActorResponseMixIn: domain.ActorResponseMixIn{
					ResponseError: err,
				},
			}
		})
		state.behavior.Become(state.WaitingFlushReceive)
	default:
		state.commonReceive(ctx, msg, "running")
	}
}

func (state *MonitorActor) WaitingSampleReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.GetMetricsResponse:
		if msg.HasResponseError() {
			state.onSampleError(ctx, msg.GetResponseError())
			return
		}
		state.logger.Debug("monitor@waitingSample GetMetricsResponse")
		state.errorCount = 0
		metrics.ObserveSample(msg.Metrics, nil)
		state.window.Add(msg.Metrics)
		ctx.Send(state.storageActor, domain.StoreSampleRequest{Sample: msg.Metrics})
		state.eventStream.Publish(events.SampleEvent{Sample: msg.Metrics})

		// pace the cycle: next tick in interval minus processing time
		elapsed := time.Since(state.tickStart)
		delay := time.Duration(state.config.Monitor.IntervalSeconds)*time.Second - elapsed
		if delay < 0 {
			delay = 0
		}
		state.cancelTick = state.scheduler.RequestOnce(delay, ctx.Self(), monitorTick{})
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("monitor@waitingSample: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *MonitorActor) WaitingFlushReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.FlushAllResponse:
		if msg.HasResponseError() {
			state.logger.Error("monitor@waitingFlush flush failed", zap.Error(msg.GetResponseError()))
		}
		state.audit(ctx, domain.AuditEntry{
			Timestamp:   time.Now(),
			Action:      domain.AUDIT_ACTION_MONITORING_STOPPED,
			Details:     "Monitoring stopped",
			TriggeredBy: domain.TRIGGERED_BY_USER,
		})
		if state.stopReply != nil {
			ctx.Send(state.stopReply, domain.StopMonitoringResponse{})
			state.stopReply = nil
		}
		state.behavior.Become(state.StoppedReceive)
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("monitor@waitingFlush: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

// onSampleError tolerates transient gateway failures and stops the cycle
// after too many in a row, with exactly one audit entry for the incident.
func (state *MonitorActor) onSampleError(ctx actor.Context, err error) {
	state.errorCount++
	metrics.ObserveSample(nil, err)
	state.logger.Error("monitor@waitingSample sample failed",
		zap.Int("consecutiveErrors", state.errorCount), zap.Error(err))

	if state.errorCount >= consecutiveErrorsLimit {
		state.logger.Error("monitor: too many consecutive gateway errors, stopping")
		state.audit(ctx, domain.AuditEntry{
			Timestamp:   time.Now(),
			Action:      domain.AUDIT_ACTION_MONITORING_ERROR,
			Details:     fmt.Sprintf("Monitoring stopped due to repeated errors: %s", err),
			TriggeredBy: domain.TRIGGERED_BY_SYSTEM,
		})
		state.running = false
		metrics.SetMonitoringRunning(false)
		state.behavior.UnbecomeStacked()
		state.behavior.Become(state.StoppedReceive)
		state.stash.UnstashAll(ctx)
		return
	}

	// transient: retry after a full interval
	state.cancelTick = state.scheduler.RequestOnce(
		time.Duration(state.config.Monitor.IntervalSeconds)*time.Second, ctx.Self(), monitorTick{})
	state.behavior.UnbecomeStacked()
	state.stash.UnstashAll(ctx)
}

// commonReceive answers the read-only queries that are valid in any state.
func (state *MonitorActor) commonReceive(ctx actor.Context, msg any, stateName string) {
	switch msg := msg.(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("monitor@" + stateName + ": ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_MONITOR,
			Healthy: true,
			State:   stateName,
		})
	case domain.GetMonitorStateRequest:
		ForRequest(msg).Respond(ctx, domain.GetMonitorStateResponse{
			Running:    state.running,
			ErrorCount: state.errorCount,
			LastSample: state.window.Last(),
		})
	case domain.GetRecentSamplesRequest:
		ForRequest(msg).Respond(ctx, domain.GetRecentSamplesResponse{
			Samples: copySamples(state.window.Samples()),
		})
	case domain.GetAverageHomePowerRequest:
		avg, ok := state.window.AverageHomePower(msg.WindowSeconds, state.config.Monitor.IntervalSeconds)
		ForRequest(msg).Respond(ctx, domain.GetAverageHomePowerResponse{
			AverageKW: avg,
			HasData:   ok,
		})
	default:
		state.logger.Debug("monitor@"+stateName+" default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *MonitorActor) audit(ctx actor.Context, entry domain.AuditEntry) {
	ctx.Send(state.storageActor, domain.StoreAuditRequest{Entry: entry})
}

func copySamples(samples []*powerwall.Metrics) []powerwall.Metrics {
	out := make([]powerwall.Metrics, 0, len(samples))
	for _, s := range samples {
		out = append(out, *s)
	}
	return out
}
