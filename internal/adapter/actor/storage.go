package actor

import (
	"fmt"
	"time"

	"powerwatch/internal/core/domain"
	"powerwatch/internal/storage"
	"powerwatch/internal/util/actorutil"

	"github.com/asynkron/protoactor-go/actor"
	"go.uber.org/zap"
)

// StorageActor serializes all access to the series store. Writes and
// queries run as background tasks, one at a time; messages arriving while
// a task is in flight are stashed, so partition files are never touched
// concurrently.
type StorageActor struct {
	behavior actor.Behavior
	stash    *actorutil.Stash
	store    *storage.SeriesStore
	logger   *zap.Logger
}

func NewStorageActor(store *storage.SeriesStore, logger *zap.Logger) *StorageActor {
	act := &StorageActor{
		store:    store,
		behavior: actor.NewBehavior(),
		stash:    &actorutil.Stash{},
		logger:   actorutil.ActorLogger("storage", logger),
	}
	act.behavior.Become(act.StartingReceive)
	return act
}

func (state *StorageActor) Receive(context actor.Context) {
	state.behavior.Receive(context)
}

func (state *StorageActor) StartingReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		state.logger.Debug("storage@starting started")
		if err := state.store.Initialize(); err != nil {
			panic(err)
		}
		state.behavior.Become(state.DefaultReceive)
		state.stash.UnstashAll(ctx)
	default:
		state.logger.Debug("storage@starting: stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}

func (state *StorageActor) DefaultReceive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case domain.ActorHealthRequest:
		state.logger.Debug("storage@default: ActorHealthRequest")
		ctx.Respond(domain.ActorHealthResponse{
			Id:      domain.ACTOR_ID_STORAGE,
			Healthy: true,
			State:   "idle",
		})
	case domain.StoreSampleRequest:
		state.logger.Debug("storage@default: StoreSampleRequest")
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		actorutil.MapBackgroundTask(actorutil.NewBackgroundTask(ctx, func() (*domain.StoreSampleResponse, error) {
			if err := state.store.StoreSample(msg.Sample); err != nil {
				return nil, err
			}
			return &domain.StoreSampleResponse{}, nil
		}),
			mapTaskResult[domain.StoreSampleResponse](sender)).Recover(func(err error) backgroundTaskResult {
			return backgroundTaskResult{
				message: domain.StoreSampleResponse{
					ActorResponseMixIn: domain.ActorResponseMixIn{
						ResponseError: err,
					},
				},
				replyTo: sender,
			}
		}).WithTimeout(10 * time.Second).PipeTo(ctx.Self())
		state.behavior.BecomeStacked(state.WaitingStore)
	case domain.StoreAuditRequest:
		state.logger.Debug("storage@default: StoreAuditRequest", zap.String("action", msg.Entry.Action))
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		actorutil.MapBackgroundTask(actorutil.NewBackgroundTask(ctx, func() (*domain.StoreAuditResponse, error) {
			if err := state.store.StoreAudit(msg.Entry); err != nil {
				return nil, err
			}
			return &domain.StoreAuditResponse{}, nil
		}),
			mapTaskResult[domain.StoreAuditResponse](sender)).Recover(func(err error) backgroundTaskResult {
			return backgroundTaskResult{
				message: domain.StoreAuditResponse{
					ActorResponseMixIn: domain.ActorResponseMixIn{
						ResponseError: err,
					},
				},
				replyTo: sender,
			}
		}).WithTimeout(10 * time.Second).PipeTo(ctx.Self())
		state.behavior.BecomeStacked(state.WaitingStore)
	case domain.FlushAllRequest:
		state.logger.Debug("storage@default: FlushAllRequest")
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		actorutil.MapBackgroundTask(actorutil.NewBackgroundTask(ctx, func() (*domain.FlushAllResponse, error) {
			if err := state.store.FlushAll(); err != nil {
				return nil, err
			}
			return &domain.FlushAllResponse{}, nil
		}),
			mapTaskResult[domain.FlushAllResponse](sender)).Recover(func(err error) backgroundTaskResult {
			return backgroundTaskResult{
				message: domain.FlushAllResponse{
					ActorResponseMixIn: domain.ActorResponseMixIn{
						ResponseError: err,
					},
				},
				replyTo: sender,
			}
		}).WithTimeout(10 * time.Second).PipeTo(ctx.Self())
		state.behavior.BecomeStacked(state.WaitingStore)
	case domain.QueryMetricsRequest:
		state.logger.Debug("storage@default: QueryMetricsRequest")
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		actorutil.MapBackgroundTask(actorutil.NewBackgroundTask(ctx, func() (*domain.QueryMetricsResponse, error) {
			samples, err := state.store.QueryMetrics(msg.Start, msg.End)
			if err != nil {
				return nil, err
			}
			return &domain.QueryMetricsResponse{Samples: samples}, nil
		}),
			mapTaskResult[domain.QueryMetricsResponse](sender)).Recover(func(err error) backgroundTaskResult {
			return backgroundTaskResult{
				message: domain.QueryMetricsResponse{
					ActorResponseMixIn: domain.ActorResponseMixIn{
						ResponseError: err,
					},
				},
				replyTo: sender,
			}
		}).WithTimeout(10 * time.Second).PipeTo(ctx.Self())
		state.behavior.BecomeStacked(state.WaitingStore)
	case domain.QueryAuditRequest:
		state.logger.Debug("storage@default: QueryAuditRequest")
		sender := actorutil.ForRequest(msg).ReplyTo(ctx)
		actorutil.MapBackgroundTask(actorutil.NewBackgroundTask(ctx, func() (*domain.QueryAuditResponse, error) {
			entries, err := state.store.QueryAudit(msg.Start, msg.End, msg.Limit)
			if err != nil {
				return nil, err
			}
			return &domain.QueryAuditResponse{Entries: entries}, nil
		}),
			mapTaskResult[domain.QueryAuditResponse](sender)).Recover(func(err error) backgroundTaskResult {
			return backgroundTaskResult{
				message: domain.QueryAuditResponse{
					ActorResponseMixIn: domain.ActorResponseMixIn{
						ResponseError: err,
					},
				},
				replyTo: sender,
			}
		}).WithTimeout(10 * time.Second).PipeTo(ctx.Self())
		state.behavior.BecomeStacked(state.WaitingStore)
	case *actor.Stopping:
		if err := state.store.Close(); err != nil {
			state.logger.Error("storage@default: close failed", zap.Error(err))
		}
	default:
		state.logger.Debug("storage@default default recv", zap.String("type", fmt.Sprintf("%T", msg)))
	}
}

func (state *StorageActor) WaitingStore(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case backgroundTaskResult:
		state.logger.Debug("storage@waitingStore backgroundTaskResult", zap.String("type", fmt.Sprintf("%T", msg.message)))
		if msg.replyTo != nil {
			ctx.Send(msg.replyTo, msg.message)
		}
		state.behavior.UnbecomeStacked()
		state.stash.UnstashAll(ctx)
	case *actor.Stopping:
		if err := state.store.Close(); err != nil {
			state.logger.Error("storage@waitingStore: close failed", zap.Error(err))
		}
	default:
		state.logger.Debug("storage@waitingStore stash", zap.String("type", fmt.Sprintf("%T", msg)))
		state.stash.Stash(ctx, msg)
	}
}
