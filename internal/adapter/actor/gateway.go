package actor

import (
	"fmt"
	"time"

	"powerwatch/internal/core/domain"
	"powerwatch/internal/util/actorutil"
	"powerwatch/pkg/powerwall"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/reugn/go-quartz/logger"
	"go.uber.org/zap"
)

// GatewayActor owns the battery gateway connection. All device I/O runs as
// a background task while the actor stashes incoming work, so a slow
// gateway never blocks the mailbox.
type GatewayActor struct {
	behavior actor.Behavior
	stash    *actorutil.Stash
	client   powerwall.Client
	logger   *zap.Logger
}

type backgroundTaskResult struct {
	message any
	replyTo *actor.PID
}

func NewGatewayActor(client powerwall.Client, logger *zap.Logger) *GatewayActor {
	act := &GatewayActor{
		client:   client,
		behavior: actor.NewBehavior(),
		stash:    &actorutil.Stash{},
		logger:   actorutil.ActorLogger("gateway", logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *GatewayActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *GatewayActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("gateway@starting started")
		if err := state.client.Connect(); err != nil {
			panic(err)
		}
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	case *actor.Restarting:
		state.client.Disconnect()
	default:
		state.logger.Debug("gateway@starting: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *GatewayActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("gateway@default: ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_GATEWAY,
			Healthy: true,
			State:   "idle",
		})
	case domain.GetMetricsRequest:
		state.logger.Debug("gateway@default: GetMetricsRequest")
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		actorutil.MapBackgroundTask(actorutil.NewBackgroundTask(ctx, state.getMetrics),
			mapTaskResult[domain.GetMetricsResponse](sender)).Recover(func(err error) backgroundTaskResult {
			return backgroundTaskResult{
				message: domain.GetMetricsResponse{
					ActorResponseMixIn: domain.ActorResponseMixIn{
						ResponseError: err,
					},
				},
				replyTo: sender,
			}
		}).WithTimeout(5 * time.Second).PipeTo(ctx.Self())
		state.behavior.BecomeStacked(state.WaitingGateway)
	case domain.GetBackupReserveRequest:
		state.logger.Debug("gateway@default: GetBackupReserveRequest")
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		actorutil.MapBackgroundTask(actorutil.NewBackgroundTask(ctx, state.getBackupReserve),
			mapTaskResult[domain.GetBackupReserveResponse](sender)).Recover(func(err error) backgroundTaskResult {
			return backgroundTaskResult{
				message: domain.GetBackupReserveResponse{
					ActorResponseMixIn: domain.ActorResponseMixIn{
						ResponseError: err,
					},
				},
				replyTo: sender,
			}
		}).WithTimeout(5 * time.Second).PipeTo(ctx.Self())
		state.behavior.BecomeStacked(state.WaitingGateway)
	case domain.SetBackupReserveRequest:
		state.logger.Debug("gateway@default: SetBackupReserveRequest", zap.Float64("percent", msg.Percent))
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		actorutil.MapBackgroundTask(actorutil.NewBackgroundTaskNoError(ctx, func() *domain.SetBackupReserveResponse {
			a := state.setBackupReserve(msg.Percent)
			return &a
		}),
			mapTaskResult[domain.SetBackupReserveResponse](sender)).Recover(func(err error) backgroundTaskResult {
			return backgroundTaskResult{
				message: domain.SetBackupReserveResponse{
					ActorResponseMixIn: domain.ActorResponseMixIn{
						ResponseError: err,
					},
				},
				replyTo: sender,
			}
		}).WithTimeout(5 * time.Second).PipeTo(ctx.Self())
		state.behavior.BecomeStacked(state.WaitingGateway)
	case *actor.Stopping:
		state.client.Disconnect()
	default:
		state.logger.Debug("gateway@default default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *GatewayActor) WaitingGateway(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case backgroundTaskResult:
		state.logger.Debug("gateway@waitingGateway backgroundTaskResult", zap.String("type", fmt.Sprintf("%T", msg.message)))
		ctx.Send(msg.replyTo, msg.message)
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case *actor.Stopping:
		state.client.Disconnect()
	default:
		state.logger.Debug("gateway@waitingGateway stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (a *GatewayActor) getMetrics() (*domain.GetMetricsResponse, error) {
	metrics, err := a.client.GetMetrics()
	if err != nil {
		logger.Error(err)
		return nil, err
	}
	return &domain.GetMetricsResponse{
		Metrics: metrics,
	}, nil
}

func (a *GatewayActor) getBackupReserve() (*domain.GetBackupReserveResponse, error) {
	percent, err := a.client.GetBackupReserve()
	if err != nil {
		logger.Error(err)
		return nil, err
	}
	return &domain.GetBackupReserveResponse{
		Percent: percent,
	}, nil
}

func (a *GatewayActor) setBackupReserve(percent float64) domain.SetBackupReserveResponse {
	if err := a.client.SetBackupReserve(percent); err != nil {
		logger.Error(err)
		return domain.SetBackupReserveResponse{
			ActorResponseMixIn: domain.ActorResponseMixIn{
				ResponseError: err,
			},
		}
	}
	return domain.SetBackupReserveResponse{}
}

func mapTaskResult[T any](sender *actor.PID) func(t *T) *backgroundTaskResult {
	return func(t *T) *backgroundTaskResult {
		return &backgroundTaskResult{
			message: *t,
			replyTo: sender,
		}
	}
}
