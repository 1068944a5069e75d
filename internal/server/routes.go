package server

import (
	"errors"
	"net/http"
	"time"

	"powerwatch/internal/core/domain"
	"powerwatch/pkg/powerwall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const requestTimeout = 15 * time.Second

func (s *Server) RegisterRoutes() http.Handler {
	e := echo.New()
	if s.httpLog {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())

	e.GET("/healthcheck", s.HealthCheckHandler)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := e.Group("/api")
	api.GET("/status", s.StatusHandler)

	api.POST("/monitoring/start", s.StartMonitoringHandler)
	api.POST("/monitoring/stop", s.StopMonitoringHandler)
	api.GET("/monitoring/state", s.MonitoringStateHandler)
	api.GET("/monitoring/samples", s.RecentSamplesHandler)
	api.GET("/monitoring/average", s.AverageHomePowerHandler)

	api.POST("/automation/start", s.StartAutomationHandler)
	api.POST("/automation/stop", s.StopAutomationHandler)
	api.GET("/automation/state", s.AutomationStateHandler)

	api.GET("/rules", s.ListRulesHandler)
	api.POST("/rules", s.CreateRuleHandler)
	api.PATCH("/rules/:id", s.UpdateRuleHandler)
	api.DELETE("/rules/:id", s.DeleteRuleHandler)
	api.POST("/rules/reorder", s.ReorderRulesHandler)

	api.GET("/reserve", s.GetReserveHandler)
	api.POST("/reserve", s.SetReserveHandler)

	api.GET("/history", s.HistoryHandler)
	api.GET("/audit", s.AuditHandler)

	return e
}

type errorResponse struct {
	Error string `json:"error"`
}

func httpError(c echo.Context, err error) error {
	var connErr *powerwall.ConnectionError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrNotRunning):
		return c.JSON(http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, domain.ErrGatewayUnavailable), errors.As(err, &connErr):
		return c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, errorResponse{Error: msg})
}

func (s *Server) HealthCheckHandler(c echo.Context) error {
	res, err := s.rootContext.RequestFuture(s.masterActor, domain.ActorHealthRequest{}, 10*time.Second).Result()
	if err != nil {
		return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
	}
	if response, ok := res.(domain.ActorHealthResponse); ok && response.Healthy {
		return c.String(http.StatusOK, "health_check: OK")
	}
	return c.String(http.StatusServiceUnavailable, "health_check: FAIL")
}

type statusResponse struct {
	Monitoring monitoringStateResponse `json:"monitoring"`
	Automation automationStateResponse `json:"automation"`
}

type monitoringStateResponse struct {
	Running    bool       `json:"running"`
	ErrorCount int        `json:"error_count"`
	LastSample *sampleDTO `json:"last_sample,omitempty"`
}

type automationStateResponse struct {
	Running        bool       `json:"running"`
	LastActionTime *time.Time `json:"last_action_time,omitempty"`
	RuleCount      int        `json:"rule_count"`
}

type sampleDTO struct {
	Timestamp            time.Time `json:"timestamp"`
	BatteryPercentage    float64   `json:"battery_percentage"`
	BatteryPowerKW       float64   `json:"battery_power_kw"`
	SolarPowerKW         float64   `json:"solar_power_kw"`
	HomePowerKW          float64   `json:"home_power_kw"`
	GridPowerKW          float64   `json:"grid_power_kw"`
	BackupReservePercent float64   `json:"backup_reserve_percent"`
	GridStatus           string    `json:"grid_status"`
	BatteryCapacityKWH   float64   `json:"battery_capacity_kwh"`
}

func sampleToDTO(m *powerwall.Metrics) *sampleDTO {
	if m == nil {
		return nil
	}
	return &sampleDTO{
		Timestamp:            m.Timestamp,
		BatteryPercentage:    m.BatteryPercentage,
		BatteryPowerKW:       m.BatteryPowerKW,
		SolarPowerKW:         m.SolarPowerKW,
		HomePowerKW:          m.HomePowerKW,
		GridPowerKW:          m.GridPowerKW,
		BackupReservePercent: m.BackupReservePercent,
		GridStatus:           m.GridStatus,
		BatteryCapacityKWH:   m.BatteryCapacityKWH,
	}
}

func (s *Server) StatusHandler(c echo.Context) error {
	mon, err := request[domain.GetMonitorStateResponse](s, domain.GetMonitorStateRequest{}, requestTimeout)
	if err != nil {
		return httpError(c, err)
	}
	if mon.HasResponseError() {
		return httpError(c, mon.GetResponseError())
	}
	eng, err := request[domain.GetEngineStateResponse](s, domain.GetEngineStateRequest{}, requestTimeout)
	if err != nil {
		return httpError(c, err)
	}
	if eng.HasResponseError() {
		return httpError(c, eng.GetResponseError())
	}
	return c.JSON(http.StatusOK, statusResponse{
		Monitoring: monitoringStateResponse{
			Running:    mon.Running,
			ErrorCount: mon.ErrorCount,
			LastSample: sampleToDTO(mon.LastSample),
		},
		Automation: automationStateResponse{
			Running:        eng.Running,
			LastActionTime: eng.LastActionTime,
			RuleCount:      eng.RuleCount,
		},
	})
}

func (s *Server) StartMonitoringHandler(c echo.Context) error {
	resp, err := request[domain.StartMonitoringResponse](s, domain.StartMonitoringRequest{}, requestTimeout)
	if err != nil {
		return httpError(c, err)
	}
	if resp.HasResponseError() {
		return httpError(c, resp.GetResponseError())
	}
	return c.JSON(http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) StopMonitoringHandler(c echo.Context) error {
	resp, err := request[domain.StopMonitoringResponse](s, domain.StopMonitoringRequest{}, 30*time.Second)
	if err != nil {
		return httpError(c, err)
	}
	if resp.HasResponseError() {
		return httpError(c, resp.GetResponseError())
	}
	return c.JSON(http.StatusOK, map[string]bool{"running": false})
}

func (s *Server) MonitoringStateHandler(c echo.Context) error {
	resp, err := request[domain.GetMonitorStateResponse](s, domain.GetMonitorStateRequest{}, requestTimeout)
	if err != nil {
		return httpError(c, err)
	}
	if resp.HasResponseError() {
		return httpError(c, resp.GetResponseError())
	}
	return c.JSON(http.StatusOK, monitoringStateResponse{
		Running:    resp.Running,
		ErrorCount: resp.ErrorCount,
		LastSample: sampleToDTO(resp.LastSample),
	})
}

func (s *Server) RecentSamplesHandler(c echo.Context) error {
	resp, err := request[domain.GetRecentSamplesResponse](s, domain.GetRecentSamplesRequest{}, requestTimeout)
	if err != nil {
		return httpError(c, err)
	}
	if resp.HasResponseError() {
		return httpError(c, resp.GetResponseError())
	}
	samples := make([]sampleDTO, 0, len(resp.Samples))
	for i := range resp.Samples {
		samples = append(samples, *sampleToDTO(&resp.Samples[i]))
	}
	return c.JSON(http.StatusOK, samples)
}

type averageQuery struct {
	Window int `query:"window"`
}

func (s *Server) AverageHomePowerHandler(c echo.Context) error {
	var q averageQuery
	if err := c.Bind(&q); err != nil {
		return badRequest(c, "invalid query")
	}
	if q.Window <= 0 {
		return badRequest(c, "window must be a positive number of seconds")
	}
	resp, err := request[domain.GetAverageHomePowerResponse](s, domain.GetAverageHomePowerRequest{
		WindowSeconds: q.Window,
	}, requestTimeout)
	if err != nil {
		return httpError(c, err)
	}
	if resp.HasResponseError() {
		return httpError(c, resp.GetResponseError())
	}
	if !resp.HasData {
		return httpError(c, domain.ErrNoData)
	}
	return c.JSON(http.StatusOK, map[string]float64{"average_home_power_kw": resp.AverageKW})
}

func (s *Server) StartAutomationHandler(c echo.Context) error {
	resp, err := request[domain.StartAutomationResponse](s, domain.StartAutomationRequest{}, requestTimeout)
	if err != nil {
		return httpError(c, err)
	}
	if resp.HasResponseError() {
		return httpError(c, resp.GetResponseError())
	}
	return c.JSON(http.StatusOK, map[string]bool{"running": true})
}

func (s *Server) StopAutomationHandler(c echo.Context) error {
	resp, err := request[domain.StopAutomationResponse](s, domain.StopAutomationRequest{}, requestTimeout)
	if err != nil {
		return httpError(c, err)
	}
	if resp.HasResponseError() {
		return httpError(c, resp.GetResponseError())
	}
	return c.JSON(http.StatusOK, map[string]bool{"running": false})
}

func (s *Server) AutomationStateHandler(c echo.Context) error {
	resp, err := request[domain.GetEngineStateResponse](s, domain.GetEngineStateRequest{}, requestTimeout)
	if err != nil {
		return httpError(c, err)
	}
	if resp.HasResponseError() {
		return httpError(c, resp.GetResponseError())
	}
	return c.JSON(http.StatusOK, automationStateResponse{
		Running:        resp.Running,
		LastActionTime: resp.LastActionTime,
		RuleCount:      resp.RuleCount,
	})
}

type ruleDTO struct {
	ID                   string  `json:"id"`
	Name                 string  `json:"name"`
	Operator             string  `json:"operator"`
	ThresholdKW          float64 `json:"threshold_kw"`
	TargetReservePercent float64 `json:"target_reserve_percent"`
	Enabled              bool    `json:"enabled"`
	Order                int     `json:"order"`
}

func ruleToDTO(r domain.Rule) ruleDTO {
	return ruleDTO{
		ID:                   r.ID,
		Name:                 r.Name,
		Operator:             string(r.Operator),
		ThresholdKW:          r.ThresholdKW,
		TargetReservePercent: r.TargetReservePercent,
		Enabled:              r.Enabled,
		Order:                r.Order,
	}
}

func rulesToDTO(rules []domain.Rule) []ruleDTO {
	out := make([]ruleDTO, 0, len(rules))
	for _, r := range rules {
		out = append(out, ruleToDTO(r))
	}
	return out
}

func (s *Server) ListRulesHandler(c echo.Context) error {
	resp, err := request[domain.ListRulesResponse](s, domain.ListRulesRequest{}, requestTimeout)
	if err != nil {
		return httpError(c, err)
	}
	if resp.HasResponseError() {
		return httpError(c, resp.GetResponseError())
	}
	return c.JSON(http.StatusOK, rulesToDTO(resp.Rules))
}

type createRuleBody struct {
	Name                 string  `json:"name"`
	Operator             string  `json:"operator"`
	ThresholdKW          float64 `json:"threshold_kw"`
	TargetReservePercent float64 `json:"target_reserve_percent"`
	Enabled              *bool   `json:"enabled"`
}

func (s *Server) CreateRuleHandler(c echo.Context) error {
	var body createRuleBody
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid rule body")
	}
	if body.Name == "" {
		return badRequest(c, "name is required")
	}
	op, err := domain.ParseRuleOperator(body.Operator)
	if err != nil {
		return badRequest(c, err.Error())
	}
	enabled := true
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	resp, err := request[domain.CreateRuleResponse](s, domain.CreateRuleRequest{
		Name:                 body.Name,
		Operator:             op,
		ThresholdKW:          body.ThresholdKW,
		TargetReservePercent: body.TargetReservePercent,
		Enabled:              enabled,
	}, requestTimeout)
	if err != nil {
		return httpError(c, err)
	}
	if resp.HasResponseError() {
		return httpError(c, resp.GetResponseError())
	}
	return c.JSON(http.StatusCreated, ruleToDTO(resp.Rule))
}

type updateRuleBody struct {
	Name                 *string  `json:"name"`
	Operator             *string  `json:"operator"`
	ThresholdKW          *float64 `json:"threshold_kw"`
	TargetReservePercent *float64 `json:"target_reserve_percent"`
	Enabled              *bool    `json:"enabled"`
	Order                *int     `json:"order"`
}

func (s *Server) UpdateRuleHandler(c echo.Context) error {
	var body updateRuleBody
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid rule body")
	}
	patch := domain.RulePatch{
		Name:                 body.Name,
		ThresholdKW:          body.ThresholdKW,
		TargetReservePercent: body.TargetReservePercent,
		Enabled:              body.Enabled,
		Order:                body.Order,
	}
	if body.Operator != nil {
		op, err := domain.ParseRuleOperator(*body.Operator)
		if err != nil {
			return badRequest(c, err.Error())
		}
		patch.Operator = &op
	}
	resp, err := request[domain.UpdateRuleResponse](s, domain.UpdateRuleRequest{
		ID:    c.Param("id"),
		Patch: patch,
	}, requestTimeout)
	if err != nil {
		return httpError(c, err)
	}
	if resp.HasResponseError() {
		return httpError(c, resp.GetResponseError())
	}
	return c.JSON(http.StatusOK, ruleToDTO(resp.Rule))
}

func (s *Server) DeleteRuleHandler(c echo.Context) error {
	resp, err := request[domain.DeleteRuleResponse](s, domain.DeleteRuleRequest{
		ID: c.Param("id"),
	}, requestTimeout)
	if err != nil {
		return httpError(c, err)
	}
	if resp.HasResponseError() {
		return httpError(c, resp.GetResponseError())
	}
	if !resp.Found {
		return httpError(c, domain.ErrNotFound)
	}
	return c.NoContent(http.StatusNoContent)
}

type reorderBody struct {
	IDs []string `json:"ids"`
}

func (s *Server) ReorderRulesHandler(c echo.Context) error {
	var body reorderBody
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid reorder body")
	}
	if len(body.IDs) == 0 {
		return badRequest(c, "ids must be a non-empty list")
	}
	resp, err := request[domain.ReorderRulesResponse](s, domain.ReorderRulesRequest{
		IDs: body.IDs,
	}, requestTimeout)
	if err != nil {
		return httpError(c, err)
	}
	if resp.HasResponseError() {
		return httpError(c, resp.GetResponseError())
	}
	return c.JSON(http.StatusOK, rulesToDTO(resp.Rules))
}

func (s *Server) GetReserveHandler(c echo.Context) error {
	resp, err := request[domain.GetBackupReserveResponse](s, domain.GetBackupReserveRequest{}, requestTimeout)
	if err != nil {
		return httpError(c, err)
	}
	if resp.HasResponseError() {
		return httpError(c, resp.GetResponseError())
	}
	return c.JSON(http.StatusOK, map[string]float64{"backup_reserve_percent": resp.Percent})
}

type setReserveBody struct {
	Percent *float64 `json:"percent"`
}

func (s *Server) SetReserveHandler(c echo.Context) error {
	var body setReserveBody
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid reserve body")
	}
	if body.Percent == nil {
		return badRequest(c, "percent is required")
	}
	resp, err := request[domain.SetReserveResponse](s, domain.SetReserveRequest{
		Percent:     *body.Percent,
		TriggeredBy: domain.TRIGGERED_BY_USER,
	}, 30*time.Second)
	if err != nil {
		return httpError(c, err)
	}
	if resp.HasResponseError() {
		return httpError(c, resp.GetResponseError())
	}
	return c.JSON(http.StatusOK, map[string]float64{
		"old_percent": resp.OldPercent,
		"new_percent": resp.NewPercent,
	})
}

type historyQuery struct {
	Start   string `query:"start"`
	End     string `query:"end"`
	Seconds int    `query:"seconds"`
}

func (q historyQuery) timeRange() (time.Time, time.Time, error) {
	if q.Seconds > 0 {
		end := time.Now()
		return end.Add(-time.Duration(q.Seconds) * time.Second), end, nil
	}
	start, err := time.Parse(time.RFC3339, q.Start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end := time.Now()
	if q.End != "" {
		end, err = time.Parse(time.RFC3339, q.End)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	return start, end, nil
}

func (s *Server) HistoryHandler(c echo.Context) error {
	var q historyQuery
	if err := c.Bind(&q); err != nil {
		return badRequest(c, "invalid query")
	}
	start, end, err := q.timeRange()
	if err != nil {
		return badRequest(c, "start/end must be RFC3339 timestamps or seconds a positive number")
	}
	resp, err := request[domain.QueryMetricsResponse](s, domain.QueryMetricsRequest{
		Start: start,
		End:   end,
	}, requestTimeout)
	if err != nil {
		return httpError(c, err)
	}
	if resp.HasResponseError() {
		return httpError(c, resp.GetResponseError())
	}
	samples := make([]sampleDTO, 0, len(resp.Samples))
	for i := range resp.Samples {
		samples = append(samples, *sampleToDTO(&resp.Samples[i]))
	}
	return c.JSON(http.StatusOK, samples)
}

type auditQuery struct {
	Start   string `query:"start"`
	End     string `query:"end"`
	Seconds int    `query:"seconds"`
	Limit   int    `query:"limit"`
}

type auditDTO struct {
	Timestamp   time.Time `json:"timestamp"`
	Action      string    `json:"action"`
	Details     string    `json:"details"`
	OldValue    string    `json:"old_value,omitempty"`
	NewValue    string    `json:"new_value,omitempty"`
	TriggeredBy string    `json:"triggered_by"`
}

func (s *Server) AuditHandler(c echo.Context) error {
	var q auditQuery
	if err := c.Bind(&q); err != nil {
		return badRequest(c, "invalid query")
	}
	start, end, err := historyQuery{Start: q.Start, End: q.End, Seconds: q.Seconds}.timeRange()
	if err != nil {
		// default to the last 24h when no range is given
		if q.Start == "" && q.End == "" {
			end = time.Now()
			start = end.Add(-24 * time.Hour)
		} else {
			return badRequest(c, "start/end must be RFC3339 timestamps")
		}
	}
	resp, err := request[domain.QueryAuditResponse](s, domain.QueryAuditRequest{
		Start: start,
		End:   end,
		Limit: q.Limit,
	}, requestTimeout)
	if err != nil {
		return httpError(c, err)
	}
	if resp.HasResponseError() {
		return httpError(c, resp.GetResponseError())
	}
	entries := make([]auditDTO, 0, len(resp.Entries))
	for _, e := range resp.Entries {
		entries = append(entries, auditDTO{
			Timestamp:   e.Timestamp,
			Action:      e.Action,
			Details:     e.Details,
			OldValue:    e.OldValue,
			NewValue:    e.NewValue,
			TriggeredBy: e.TriggeredBy,
		})
	}
	return c.JSON(http.StatusOK, entries)
}
