package domain

import (
	"time"

	"powerwatch/pkg/powerwall"

	"github.com/asynkron/protoactor-go/actor"
)

const (
	ACTOR_ID_MASTER  = "master"
	ACTOR_ID_GATEWAY = "gateway"
	ACTOR_ID_STORAGE = "storage"
	ACTOR_ID_MONITOR = "monitor"
	ACTOR_ID_ENGINE  = "engine"
	ACTOR_ID_MQTT    = "mqtt"
)

type ActorRef actor.PID

type ActorRequestMixIn struct {
	ReplyToRef *ActorRef
}

type ActorRequest interface {
	ReplyTo() *ActorRef
}

func (r ActorRequestMixIn) ReplyTo() *ActorRef {
	return r.ReplyToRef
}

type ActorResponseMixIn struct {
	ResponseError error
}

func (r ActorResponseMixIn) GetResponseError() error {
	return r.ResponseError
}

func (r ActorResponseMixIn) HasResponseError() bool {
	return r.ResponseError != nil
}

type ActorResponse interface {
	GetResponseError() error
	HasResponseError() bool
}

type ActorHealthRequest struct {
	ActorRequestMixIn
}

type ActorHealthResponse struct {
	ActorResponseMixIn
	Id      string
	Healthy bool
	State   string
}

// Gateway actor messages

type ConnectRequest struct {
	ActorRequestMixIn
}

type ConnectResponse struct {
	ActorResponseMixIn
}

type GetMetricsRequest struct {
	ActorRequestMixIn
}

type GetMetricsResponse struct {
	ActorResponseMixIn
	Metrics *powerwall.Metrics
}

type GetBackupReserveRequest struct {
	ActorRequestMixIn
}

type GetBackupReserveResponse struct {
	ActorResponseMixIn
	Percent float64
}

type SetBackupReserveRequest struct {
	ActorRequestMixIn
	Percent float64
}

type SetBackupReserveResponse struct {
	ActorResponseMixIn
}

// Storage actor messages

type StoreSampleRequest struct {
	ActorRequestMixIn
	Sample *powerwall.Metrics
}

type StoreSampleResponse struct {
	ActorResponseMixIn
}

type StoreAuditRequest struct {
	ActorRequestMixIn
	Entry AuditEntry
}

type StoreAuditResponse struct {
	ActorResponseMixIn
}

type FlushAllRequest struct {
	ActorRequestMixIn
}

type FlushAllResponse struct {
	ActorResponseMixIn
}

type QueryMetricsRequest struct {
	ActorRequestMixIn
	Start time.Time
	End   time.Time
}

type QueryMetricsResponse struct {
	ActorResponseMixIn
	Samples []powerwall.Metrics
}

type QueryAuditRequest struct {
	ActorRequestMixIn
	Start time.Time
	End   time.Time
	Limit int
}

type QueryAuditResponse struct {
	ActorResponseMixIn
	Entries []AuditEntry
}

// Monitor actor messages

type StartMonitoringRequest struct {
	ActorRequestMixIn
}

type StartMonitoringResponse struct {
	ActorResponseMixIn
}

type StopMonitoringRequest struct {
	ActorRequestMixIn
}

type StopMonitoringResponse struct {
	ActorResponseMixIn
}

type GetMonitorStateRequest struct {
	ActorRequestMixIn
}

type GetMonitorStateResponse struct {
	ActorResponseMixIn
	Running    bool
	ErrorCount int
	LastSample *powerwall.Metrics
}

type GetRecentSamplesRequest struct {
	ActorRequestMixIn
}

type GetRecentSamplesResponse struct {
	ActorResponseMixIn
	Samples []powerwall.Metrics
}

type GetAverageHomePowerRequest struct {
	ActorRequestMixIn
	WindowSeconds int
}

type GetAverageHomePowerResponse struct {
	ActorResponseMixIn
	AverageKW float64
	HasData   bool
}

// Engine actor messages

type StartAutomationRequest struct {
	ActorRequestMixIn
}

type StartAutomationResponse struct {
	ActorResponseMixIn
}

type StopAutomationRequest struct {
	ActorRequestMixIn
}

type StopAutomationResponse struct {
	ActorResponseMixIn
}

type GetEngineStateRequest struct {
	ActorRequestMixIn
}

type GetEngineStateResponse struct {
	ActorResponseMixIn
	Running        bool
	LastActionTime *time.Time
	RuleCount      int
}

type ListRulesRequest struct {
	ActorRequestMixIn
}

type ListRulesResponse struct {
	ActorResponseMixIn
	Rules []Rule
}

type CreateRuleRequest struct {
	ActorRequestMixIn
	Name                 string
	Operator             RuleOperator
	ThresholdKW          float64
	TargetReservePercent float64
	Enabled              bool
}

type CreateRuleResponse struct {
	ActorResponseMixIn
	Rule Rule
}

type UpdateRuleRequest struct {
	ActorRequestMixIn
	ID    string
	Patch RulePatch
}

type UpdateRuleResponse struct {
	ActorResponseMixIn
	Rule Rule
}

type DeleteRuleRequest struct {
	ActorRequestMixIn
	ID string
}

type DeleteRuleResponse struct {
	ActorResponseMixIn
	Found bool
}

type ReorderRulesRequest struct {
	ActorRequestMixIn
	IDs []string
}

type ReorderRulesResponse struct {
	ActorResponseMixIn
	Rules []Rule
}

// MQTT actor messages

type PublishMessageRequest struct {
	ActorRequestMixIn
	Topic   string
	Payload string
	Retain  bool
}

type PublishMessageResponse struct {
	ActorResponseMixIn
}

type PublishSensorUpdateRequest struct {
	ActorRequestMixIn
	Event  SensorUpdateEvent
	Retain bool
}

type PublishSensorUpdateResponse struct {
	ActorResponseMixIn
}

type PublishDiscoveryRequest struct {
	ActorRequestMixIn
	Sensors      []GenericSensor
	InputNumbers []GenericInputNumber
}

// Master actor messages

type SetReserveRequest struct {
	ActorRequestMixIn
	Percent     float64
	TriggeredBy string
}

type SetReserveResponse struct {
	ActorResponseMixIn
	OldPercent float64
	NewPercent float64
}
