package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Badgercharge/Energymanager/internal"
	"github.com/Badgercharge/Energymanager/internal/config"
	"github.com/Badgercharge/Energymanager/models"
	"github.com/Badgercharge/Energymanager/ocpp"
	"github.com/Badgercharge/Energymanager/ocpp/core"
	"github.com/Badgercharge/Energymanager/power"
	"github.com/Badgercharge/Energymanager/pricing"
	"github.com/Badgercharge/Energymanager/utility"
	"github.com/Badgercharge/Energymanager/weather"
)

const featureNameSystem = "CentralSystem"

// how long an outbound request waits for its CallResult
const requestTimeout = 10 * time.Second

// CentralSystem ties the websocket server, the OCPP handler, the control
// loop and the query api together and routes inbound frames.
type CentralSystem struct {
	conf       *config.Config
	logger     internal.LogHandler
	server     *Server
	api        *Api
	handler    *SystemHandler
	controller *power.Controller
	registry   *models.Registry
	prices     *pricing.Provider
	weather    *weather.Provider

	mux     sync.Mutex
	pending map[string]chan json.RawMessage
}

func NewCentralSystem(conf *config.Config, logger internal.LogHandler, database internal.Database, events internal.EventHandler) (*CentralSystem, error) {
	location, err := time.LoadLocation(conf.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("loading time zone %s: %w", conf.TimeZone, err)
	}

	registry := models.NewRegistry(models.SessionDefaults{
		BoostCutoff:    conf.Power.BoostCutoff,
		BoostTargetSoc: conf.Power.BoostTargetSoc,
	})

	priceProvider := pricing.NewProvider(conf.Price.ApiUrl, location, logger)
	weatherProvider := weather.NewProvider(conf.Weather.Latitude, conf.Weather.Longitude, logger)

	handler := NewSystemHandler(conf, registry, logger)
	handler.SetEventHandler(events)

	controller := power.NewController(power.Settings{
		MinKw:          conf.Power.MinKw,
		MaxKw:          conf.Power.MaxKw,
		DeadbandKw:     conf.Power.DeadbandKw,
		Interval:       time.Duration(conf.Power.LoopSeconds) * time.Second,
		OffPolicy:      conf.Power.OffPolicy,
		BatteryKwh:     conf.Power.BatteryKwh,
		Efficiency:     conf.Power.Efficiency,
		EcoCloudyKw:    conf.Power.EcoCloudyKw,
		EcoSunnyKw:     conf.Power.EcoSunnyKw,
		BoostCutoff:    conf.Power.BoostCutoff,
		BoostTargetSoc: conf.Power.BoostTargetSoc,
		Location:       location,
	}, registry, handler, priceProvider, weatherProvider, events, logger)
	handler.SetKick(controller.Kick)

	cs := &CentralSystem{
		conf:       conf,
		logger:     logger,
		registry:   registry,
		handler:    handler,
		controller: controller,
		prices:     priceProvider,
		weather:    weatherProvider,
		pending:    make(map[string]chan json.RawMessage),
	}

	cs.server = NewServer(conf, logger)
	cs.server.SetWatchdog(handler)
	cs.server.SetMessageHandler(cs.handleMessage)
	handler.SetSender(cs)

	cs.api = NewApi(conf, logger, registry, handler, controller, priceProvider, weatherProvider, database)
	return cs, nil
}

// Start launches the websocket listener, the query api and the control
// loop, then blocks forever.
func (cs *CentralSystem) Start(ctx context.Context) {
	go cs.server.Start()
	go cs.api.Start()
	go cs.controller.Run(ctx)
	<-ctx.Done()
}

func (cs *CentralSystem) handleMessage(ws *WebSocket, data []byte) error {
	message, err := utility.ParseJson(data)
	if err != nil {
		return err
	}
	messageType, err := MessageType(message)
	if err != nil {
		return err
	}
	switch messageType {
	case CallTypeRequest:
		return cs.handleRequest(ws, message)
	case CallTypeResult:
		response, err := ParseResultUnchecked(message)
		if err != nil {
			return err
		}
		cs.resolvePending(response.UniqueId, response.Payload)
		return nil
	case CallTypeError:
		response, err := ParseErrorUnchecked(message)
		if err != nil {
			return err
		}
		cs.logger.Warn(fmt.Sprintf("%s: call error %s: %s", ws.ChargePointId(), response.ErrorCode, response.Description))
		cs.resolvePending(response.UniqueId, nil)
		return nil
	}
	return utility.Err(fmt.Sprintf("unsupported message type: %v", messageType))
}

func (cs *CentralSystem) handleRequest(ws *WebSocket, message []interface{}) error {
	callRequest, err := ParseRequest(message)
	if err != nil {
		return err
	}
	chargePointId := ws.ChargePointId()

	var response ocpp.Response
	switch request := callRequest.Payload.(type) {
	case *core.BootNotificationRequest:
		response, err = cs.handler.OnBootNotification(chargePointId, request)
	case *core.AuthorizeRequest:
		response, err = cs.handler.OnAuthorize(chargePointId, request)
	case *core.HeartbeatRequest:
		response, err = cs.handler.OnHeartbeat(chargePointId, request)
	case *core.StartTransactionRequest:
		response, err = cs.handler.OnStartTransaction(chargePointId, request)
	case *core.StopTransactionRequest:
		response, err = cs.handler.OnStopTransaction(chargePointId, request)
	case *core.MeterValuesRequest:
		response, err = cs.handler.OnMeterValues(chargePointId, request)
	case *core.StatusNotificationRequest:
		response, err = cs.handler.OnStatusNotification(chargePointId, request)
	case *core.DataTransferRequest:
		response, err = cs.handler.OnDataTransfer(chargePointId, request)
	default:
		err = utility.Err(fmt.Sprintf("unsupported action: %s", callRequest.GetFeatureName()))
	}
	if err != nil {
		return err
	}
	return cs.server.SendResponse(ws, callRequest.UniqueId, response)
}

// SendRequestWait delivers a request and blocks until the charge point
// answers or the timeout fires. A CallError resolves the wait with an
// error instead of a payload.
func (cs *CentralSystem) SendRequestWait(chargePointId string, request ocpp.Request) (json.RawMessage, error) {
	uniqueId := utility.NewId()
	wait := make(chan json.RawMessage, 1)

	cs.mux.Lock()
	cs.pending[uniqueId] = wait
	cs.mux.Unlock()
	defer func() {
		cs.mux.Lock()
		delete(cs.pending, uniqueId)
		cs.mux.Unlock()
	}()

	if err := cs.server.SendRequest(chargePointId, uniqueId, request); err != nil {
		return nil, err
	}
	select {
	case payload := <-wait:
		if payload == nil {
			return nil, utility.Err(fmt.Sprintf("%s rejected with call error", request.GetFeatureName()))
		}
		return payload, nil
	case <-time.After(requestTimeout):
		cs.logger.Warn(fmt.Sprintf("%s: no response to %s", chargePointId, request.GetFeatureName()))
		return nil, utility.Err(fmt.Sprintf("timeout waiting for %s response", request.GetFeatureName()))
	}
}

func (cs *CentralSystem) resolvePending(uniqueId string, payload json.RawMessage) {
	cs.mux.Lock()
	wait, ok := cs.pending[uniqueId]
	cs.mux.Unlock()
	if !ok {
		cs.logger.Debug(fmt.Sprintf("unexpected response id: %s", uniqueId))
		return
	}
	select {
	case wait <- payload:
	default:
	}
}
