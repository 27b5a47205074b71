package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/Badgercharge/Energymanager/internal"
	"github.com/Badgercharge/Energymanager/internal/config"
	"github.com/Badgercharge/Energymanager/models"
	"github.com/Badgercharge/Energymanager/power"
	"github.com/Badgercharge/Energymanager/pricing"
	"github.com/Badgercharge/Energymanager/weather"
)

const featureNameApi = "Api"

// Api is the local query and control surface. It reads the registry and
// the signal providers and forwards control actions to the handler and
// the control loop.
type Api struct {
	conf       *config.Config
	logger     internal.LogHandler
	registry   *models.Registry
	handler    *SystemHandler
	controller *power.Controller
	prices     *pricing.Provider
	weather    *weather.Provider
	database   internal.Database
	httpServer *http.Server
	startedAt  time.Time
}

func NewApi(conf *config.Config, logger internal.LogHandler, registry *models.Registry, handler *SystemHandler, controller *power.Controller, prices *pricing.Provider, forecast *weather.Provider, database internal.Database) *Api {
	return &Api{
		conf:       conf,
		logger:     logger,
		registry:   registry,
		handler:    handler,
		controller: controller,
		prices:     prices,
		weather:    forecast,
		database:   database,
		startedAt:  time.Now(),
	}
}

func (a *Api) Start() {
	router := httprouter.New()
	router.GET("/api/points", a.listPoints)
	router.GET("/api/points/:id", a.getPoint)
	router.POST("/api/points/:id/mode", a.setMode)
	router.POST("/api/points/:id/limit", a.setLimit)
	router.GET("/api/points/:id/boost", a.getBoost)
	router.POST("/api/points/:id/boost", a.setBoost)
	router.POST("/api/points/:id/start", a.remoteStart)
	router.POST("/api/points/:id/stop", a.remoteStop)
	router.POST("/api/points/:id/clear", a.clearProfile)
	router.GET("/api/eco", a.getEcoBounds)
	router.POST("/api/eco", a.setEcoBounds)
	router.GET("/api/price", a.getPrice)
	router.GET("/api/weather", a.getWeather)
	router.GET("/api/stats", a.getStats)
	router.GET("/api/logs", a.getLogs)

	serverAddress := fmt.Sprintf("%s:%s", a.conf.Api.BindIP, a.conf.Api.Port)
	a.logger.FeatureEvent(featureNameApi, "", fmt.Sprintf("starting on %s", serverAddress))
	a.httpServer = &http.Server{
		Addr:    serverAddress,
		Handler: router,
	}
	if err := a.httpServer.ListenAndServe(); err != nil {
		a.logger.Error("api stopped", err)
	}
}

func (a *Api) writeJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Error("encoding api response", err)
	}
}

func (a *Api) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJson(w, status, map[string]string{"error": message})
}

func (a *Api) listPoints(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	a.writeJson(w, http.StatusOK, a.registry.All())
}

func (a *Api) getPoint(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	session, ok := a.registry.View(p.ByName("id"))
	if !ok {
		a.writeError(w, http.StatusNotFound, "unknown charge point")
		return
	}
	a.writeJson(w, http.StatusOK, session)
}

func (a *Api) setMode(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	var body struct {
		Mode string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mode, ok := models.ModeFromString(body.Mode)
	if !ok {
		a.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown mode: %s", body.Mode))
		return
	}
	chargePointId := p.ByName("id")
	a.registry.Update(chargePointId, func(session *models.ChargePointSession) {
		session.Mode = mode
	})
	a.logger.FeatureEvent(featureNameApi, chargePointId, fmt.Sprintf("mode set to %s", mode))
	a.controller.Kick()
	session, _ := a.registry.View(chargePointId)
	a.writeJson(w, http.StatusOK, session)
}

func (a *Api) setLimit(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	var body struct {
		Kw float64 `json:"kw"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Kw <= 0 {
		a.writeError(w, http.StatusBadRequest, "kw must be positive")
		return
	}
	chargePointId := p.ByName("id")
	a.registry.Update(chargePointId, func(session *models.ChargePointSession) {
		session.Mode = models.ModeManual
		session.TargetKw = body.Kw
	})
	a.logger.FeatureEvent(featureNameApi, chargePointId, fmt.Sprintf("manual limit %.2f kW", body.Kw))
	a.controller.Kick()
	session, _ := a.registry.View(chargePointId)
	a.writeJson(w, http.StatusOK, session)
}

type boostView struct {
	Enabled   bool   `json:"enabled"`
	Cutoff    string `json:"cutoff"`
	TargetSoc int    `json:"target_soc"`
	Notified  bool   `json:"notified"`
}

func (a *Api) getBoost(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	session, ok := a.registry.View(p.ByName("id"))
	if !ok {
		a.writeError(w, http.StatusNotFound, "unknown charge point")
		return
	}
	a.writeJson(w, http.StatusOK, boostView{
		Enabled:   session.BoostEnabled,
		Cutoff:    session.BoostCutoff,
		TargetSoc: session.BoostTargetSoc,
		Notified:  session.BoostNotified,
	})
}

func (a *Api) setBoost(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	var body struct {
		Enabled   *bool   `json:"enabled"`
		Cutoff    *string `json:"cutoff"`
		TargetSoc *int    `json:"target_soc"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Cutoff != nil {
		if _, err := time.Parse("15:04", *body.Cutoff); err != nil {
			a.writeError(w, http.StatusBadRequest, "cutoff must be HH:MM")
			return
		}
	}
	if body.TargetSoc != nil && (*body.TargetSoc < 1 || *body.TargetSoc > 100) {
		a.writeError(w, http.StatusBadRequest, "target_soc must be 1..100")
		return
	}
	chargePointId := p.ByName("id")
	a.registry.Update(chargePointId, func(session *models.ChargePointSession) {
		if body.Cutoff != nil {
			session.BoostCutoff = *body.Cutoff
		}
		if body.TargetSoc != nil {
			session.BoostTargetSoc = *body.TargetSoc
		}
		if body.Enabled != nil {
			session.BoostEnabled = *body.Enabled
			if *body.Enabled {
				session.BoostNotified = false
			}
		}
	})
	a.logger.FeatureEvent(featureNameApi, chargePointId, "boost settings updated")
	a.controller.Kick()
	session, _ := a.registry.View(chargePointId)
	a.writeJson(w, http.StatusOK, boostView{
		Enabled:   session.BoostEnabled,
		Cutoff:    session.BoostCutoff,
		TargetSoc: session.BoostTargetSoc,
		Notified:  session.BoostNotified,
	})
}

func (a *Api) remoteStart(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	var body struct {
		IdTag       string `json:"id_tag"`
		ConnectorId int    `json:"connector_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.IdTag == "" {
		body.IdTag = "local"
	}
	if err := a.handler.RemoteStart(p.ByName("id"), body.IdTag, body.ConnectorId); err != nil {
		a.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	a.writeJson(w, http.StatusOK, map[string]string{"result": "accepted"})
}

func (a *Api) clearProfile(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	if err := a.handler.ClearSetpoint(p.ByName("id")); err != nil {
		a.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	a.writeJson(w, http.StatusOK, map[string]string{"result": "accepted"})
}

func (a *Api) remoteStop(w http.ResponseWriter, _ *http.Request, p httprouter.Params) {
	if err := a.handler.RemoteStop(p.ByName("id")); err != nil {
		a.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	a.writeJson(w, http.StatusOK, map[string]string{"result": "accepted"})
}

type ecoBoundsView struct {
	CloudyKw float64 `json:"cloudy_kw"`
	SunnyKw  float64 `json:"sunny_kw"`
}

func (a *Api) getEcoBounds(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	cloudy, sunny := a.controller.EcoBounds()
	a.writeJson(w, http.StatusOK, ecoBoundsView{CloudyKw: cloudy, SunnyKw: sunny})
}

func (a *Api) setEcoBounds(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var body ecoBoundsView
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.CloudyKw <= 0 || body.SunnyKw <= 0 || body.SunnyKw < body.CloudyKw {
		a.writeError(w, http.StatusBadRequest, "bounds must be positive with sunny_kw >= cloudy_kw")
		return
	}
	a.controller.SetEcoBounds(body.CloudyKw, body.SunnyKw)
	a.writeJson(w, http.StatusOK, ecoBoundsView{CloudyKw: body.CloudyKw, SunnyKw: body.SunnyKw})
}

func (a *Api) getPrice(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	a.writeJson(w, http.StatusOK, a.prices.Snapshot(time.Now()))
}

func (a *Api) getWeather(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	a.writeJson(w, http.StatusOK, a.weather.Snapshot(time.Now()))
}

func (a *Api) getStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	sessions := a.registry.All()
	online := 0
	charging := 0
	for _, session := range sessions {
		if session.Connected {
			online++
		}
		if session.TxActive {
			charging++
		}
	}
	a.writeJson(w, http.StatusOK, map[string]interface{}{
		"points":         len(sessions),
		"online":         online,
		"charging":       charging,
		"energy_24h_kwh": a.registry.WindowEnergyKwh(24 * time.Hour),
		"uptime_seconds": int(time.Since(a.startedAt).Seconds()),
	})
}

func (a *Api) getLogs(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if a.database == nil {
		a.writeError(w, http.StatusServiceUnavailable, "log store not configured")
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, ok := parseLimit(raw); ok {
			limit = parsed
		}
	}
	messages, err := a.database.ReadLog(limit)
	if err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.writeJson(w, http.StatusOK, messages)
}

func parseLimit(raw string) (int, bool) {
	var limit int
	if _, err := fmt.Sscanf(raw, "%d", &limit); err != nil || limit < 1 || limit > 1000 {
		return 0, false
	}
	return limit, true
}
