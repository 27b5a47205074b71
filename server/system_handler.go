package server

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Badgercharge/Energymanager/internal"
	"github.com/Badgercharge/Energymanager/internal/config"
	"github.com/Badgercharge/Energymanager/models"
	"github.com/Badgercharge/Energymanager/ocpp"
	"github.com/Badgercharge/Energymanager/ocpp/core"
	"github.com/Badgercharge/Energymanager/ocpp/smartcharging"
	"github.com/Badgercharge/Energymanager/types"
	"github.com/Badgercharge/Energymanager/utility"
)

const featureNameHandler = "Handler"

// heartbeat interval handed to the charge point on boot, in seconds
const defaultHeartbeatInterval = 30

// RequestSender delivers an outbound OCPP request to a charge point and
// blocks until the matching CallResult or a timeout.
type RequestSender interface {
	SendRequestWait(chargePointId string, request ocpp.Request) (json.RawMessage, error)
}

// SystemHandler implements the server side of every supported OCPP
// action and owns the setpoint push path. State lives in the injected
// registry; the handler itself only keeps the transaction counter.
type SystemHandler struct {
	registry *models.Registry
	logger   internal.LogHandler
	events   internal.EventHandler
	sender   RequestSender
	kick     func()

	minKw     float64
	maxKw     float64
	autoBoost bool

	mux           sync.Mutex
	transactionId int
}

func NewSystemHandler(conf *config.Config, registry *models.Registry, logger internal.LogHandler) *SystemHandler {
	return &SystemHandler{
		registry:  registry,
		logger:    logger,
		minKw:     conf.Power.MinKw,
		maxKw:     conf.Power.MaxKw,
		autoBoost: conf.Power.AutoBoost,
	}
}

func (h *SystemHandler) SetEventHandler(events internal.EventHandler) {
	h.events = events
}

func (h *SystemHandler) SetSender(sender RequestSender) {
	h.sender = sender
}

// SetKick installs a callback that nudges the control loop into an
// immediate recompute, used after transaction boundaries.
func (h *SystemHandler) SetKick(kick func()) {
	h.kick = kick
}

func (h *SystemHandler) nextTransactionId() int {
	h.mux.Lock()
	defer h.mux.Unlock()
	h.transactionId++
	return h.transactionId
}

func (h *SystemHandler) notify(fn func(events internal.EventHandler, event *internal.EventMessage), event *internal.EventMessage) {
	if h.events == nil {
		return
	}
	fn(h.events, event)
}

// OnConnect and OnDisconnect implement the ConnectionWatchdog; records
// survive a disconnect so session data is retained across reconnects.
func (h *SystemHandler) OnConnect(chargePointId string) {
	h.registry.Update(chargePointId, func(session *models.ChargePointSession) {
		session.Connected = true
	})
}

func (h *SystemHandler) OnDisconnect(chargePointId string) {
	h.registry.Update(chargePointId, func(session *models.ChargePointSession) {
		session.Connected = false
	})
}

func (h *SystemHandler) OnBootNotification(chargePointId string, request *core.BootNotificationRequest) (*core.BootNotificationResponse, error) {
	h.registry.Update(chargePointId, func(session *models.ChargePointSession) {
		session.Connected = true
		session.Vendor = request.ChargePointVendor
		session.Model = request.ChargePointModel
	})
	h.logger.FeatureEvent(featureNameHandler, chargePointId, fmt.Sprintf("boot: %s %s", request.ChargePointVendor, request.ChargePointModel))
	if h.sender != nil {
		go h.pushMeterConfiguration(chargePointId)
	}
	return core.NewBootNotificationResponse(types.NewDateTime(time.Now()), defaultHeartbeatInterval, core.RegistrationStatusAccepted), nil
}

// pushMeterConfiguration asks the charge point to sample the measurands
// the control loop depends on. Rejections are logged and tolerated; the
// point then reports whatever its firmware defaults to.
func (h *SystemHandler) pushMeterConfiguration(chargePointId string) {
	configuration := []*core.ChangeConfigurationRequest{
		core.NewChangeConfigurationRequest("MeterValuesSampledData", "Energy.Active.Import.Register,Power.Active.Import,SoC"),
		core.NewChangeConfigurationRequest("MeterValueSampleInterval", "60"),
	}
	for _, request := range configuration {
		payload, err := h.sender.SendRequestWait(chargePointId, request)
		if err != nil {
			h.logger.Warn(fmt.Sprintf("%s: configuration %s not delivered: %s", chargePointId, request.Key, err))
			continue
		}
		var response core.ChangeConfigurationResponse
		if err = json.Unmarshal(payload, &response); err != nil {
			h.logger.Error("parsing ChangeConfiguration response", err)
			continue
		}
		h.logger.FeatureEvent(featureNameHandler, chargePointId, fmt.Sprintf("configuration %s=%s: %s", request.Key, request.Value, response.Status))
	}
}

func (h *SystemHandler) OnAuthorize(chargePointId string, request *core.AuthorizeRequest) (*core.AuthorizeResponse, error) {
	h.logger.FeatureEvent(featureNameHandler, chargePointId, fmt.Sprintf("authorize tag %s", request.IdTag))
	return core.NewAuthorizationResponse(types.NewIdTagInfo(types.AuthorizationStatusAccepted)), nil
}

func (h *SystemHandler) OnHeartbeat(chargePointId string, _ *core.HeartbeatRequest) (*core.HeartbeatResponse, error) {
	now := time.Now()
	h.registry.Update(chargePointId, func(session *models.ChargePointSession) {
		session.Connected = true
		session.LastHeartbeat = &now
	})
	return core.NewHeartbeatResponse(types.NewDateTime(now)), nil
}

func (h *SystemHandler) OnStatusNotification(chargePointId string, request *core.StatusNotificationRequest) (*core.StatusNotificationResponse, error) {
	status := core.GetStatus(string(request.Status))
	h.registry.Update(chargePointId, func(session *models.ChargePointSession) {
		session.Status = string(status)
		session.ErrorCode = string(request.ErrorCode)
		switch status {
		case core.ChargePointStatusCharging:
			session.TxActive = true
		case core.ChargePointStatusAvailable, core.ChargePointStatusFinishing:
			session.TxActive = false
			session.SessionEstEndAt = nil
		}
	})
	h.logger.FeatureEvent(featureNameHandler, chargePointId, fmt.Sprintf("connector %d status %s, error: %s", request.ConnectorId, status, request.ErrorCode))
	h.notify(internal.EventHandler.OnStatusNotification, &internal.EventMessage{
		ChargePointId: chargePointId,
		ConnectorId:   request.ConnectorId,
		Time:          time.Now(),
		Status:        string(status),
		Info:          string(request.ErrorCode),
	})
	if request.ErrorCode != core.NoError && request.ErrorCode != "" {
		h.notify(internal.EventHandler.OnAlert, &internal.EventMessage{
			ChargePointId: chargePointId,
			ConnectorId:   request.ConnectorId,
			Time:          time.Now(),
			Status:        string(status),
			Info:          string(request.ErrorCode),
		})
	}
	return core.NewStatusNotificationResponse(), nil
}

func (h *SystemHandler) OnStartTransaction(chargePointId string, request *core.StartTransactionRequest) (*core.StartTransactionResponse, error) {
	transactionId := h.nextTransactionId()
	now := time.Now()
	startedAt := now
	if request.Timestamp != nil {
		startedAt = request.Timestamp.Time
	}
	startEnergy := float64(request.MeterStart) / 1000.0
	h.registry.Update(chargePointId, func(session *models.ChargePointSession) {
		session.TxActive = true
		session.TransactionId = transactionId
		session.SessionStartAt = &startedAt
		session.SessionStartEnergyKwh = &startEnergy
		session.SessionEnergyKwh = 0
		session.SessionEstEndAt = nil
		session.BoostNotified = false
		if h.autoBoost && session.Mode == models.ModeEco {
			session.BoostEnabled = true
		}
	})
	observeTransaction(true)
	h.logger.FeatureEvent(featureNameHandler, chargePointId, fmt.Sprintf("transaction %d started; tag: %s; meter: %.3f kWh", transactionId, request.IdTag, startEnergy))
	h.notify(internal.EventHandler.OnTransactionStart, &internal.EventMessage{
		ChargePointId: chargePointId,
		ConnectorId:   request.ConnectorId,
		Time:          startedAt,
		IdTag:         request.IdTag,
		TransactionId: transactionId,
	})
	if h.kick != nil {
		h.kick()
	}
	return core.NewStartTransactionResponse(types.NewIdTagInfo(types.AuthorizationStatusAccepted), transactionId), nil
}

func (h *SystemHandler) OnStopTransaction(chargePointId string, request *core.StopTransactionRequest) (*core.StopTransactionResponse, error) {
	stopEnergy := float64(request.MeterStop) / 1000.0
	var sessionEnergy float64
	h.registry.Update(chargePointId, func(session *models.ChargePointSession) {
		session.UpdateSessionEnergy(stopEnergy)
		sessionEnergy = session.SessionEnergyKwh
		session.TxActive = false
		session.SessionEstEndAt = nil
	})
	observeTransaction(false)
	h.logger.FeatureEvent(featureNameHandler, chargePointId, fmt.Sprintf("transaction %d stopped; reason: %s; session energy: %.3f kWh", request.TransactionId, request.Reason, sessionEnergy))
	h.notify(internal.EventHandler.OnTransactionStop, &internal.EventMessage{
		ChargePointId: chargePointId,
		Time:          time.Now(),
		IdTag:         request.IdTag,
		TransactionId: request.TransactionId,
		Info:          fmt.Sprintf("%.2f kWh; reason: %s", sessionEnergy, request.Reason),
	})
	return core.NewStopTransactionResponse(), nil
}

func (h *SystemHandler) OnDataTransfer(chargePointId string, request *core.DataTransferRequest) (*core.DataTransferResponse, error) {
	h.logger.FeatureEvent(featureNameHandler, chargePointId, fmt.Sprintf("data transfer; vendor: %s; message: %s", request.VendorId, request.MessageId))
	return core.NewDataTransferResponse(core.DataTransferStatusAccepted), nil
}

// meterSample collects whatever a MeterValues request reports; every
// field is optional on the wire.
type meterSample struct {
	timestamp time.Time
	soc       *int
	energyKwh *float64
	powerKw   *float64
	ampsSum   float64
	ampsFound bool
	voltage   *float64
}

// readSampledValue folds one sampled value into the sample. Measurand and
// unit strings are compared case-insensitively; a malformed value is
// skipped without failing the request.
func readSampledValue(value *types.SampledValue, sample *meterSample) {
	number, ok := utility.ToFloat(value.Value)
	if !ok {
		return
	}
	measurand := strings.ToLower(string(value.Measurand))
	unit := strings.ToLower(string(value.Unit))
	switch {
	case measurand == "soc" || measurand == "stateofcharge" || (measurand == "" && (unit == "percent" || unit == "%")):
		soc := int(number)
		if soc < 0 {
			soc = 0
		}
		if soc > 100 {
			soc = 100
		}
		sample.soc = &soc
	case strings.HasPrefix(measurand, "energy.active.import") || measurand == "energy":
		// OCPP defaults the energy unit to Wh when omitted
		energy := number
		if unit == "wh" || unit == "" {
			energy = number / 1000.0
		}
		sample.energyKwh = &energy
	case strings.HasPrefix(measurand, "power.active.import") || measurand == "power":
		power := number
		if unit == "w" || unit == "watt" || unit == "" {
			power = number / 1000.0
		}
		sample.powerKw = &power
	case strings.HasPrefix(measurand, "current.import"):
		sample.ampsSum += number
		sample.ampsFound = true
	case strings.HasPrefix(measurand, "voltage"):
		sample.voltage = &number
	}
}

func collectSample(request *core.MeterValuesRequest, now time.Time) meterSample {
	sample := meterSample{timestamp: now}
	for i := range request.MeterValue {
		meterValue := &request.MeterValue[i]
		if meterValue.Timestamp != nil && !meterValue.Timestamp.IsZero() {
			sample.timestamp = meterValue.Timestamp.Time
		}
		for j := range meterValue.SampledValue {
			readSampledValue(&meterValue.SampledValue[j], &sample)
		}
	}
	return sample
}

func (h *SystemHandler) OnMeterValues(chargePointId string, request *core.MeterValuesRequest) (*core.MeterValuesResponse, error) {
	sample := collectSample(request, time.Now())
	observeMeterValues(chargePointId)

	if sample.energyKwh != nil {
		log := h.registry.Log(chargePointId)
		log.Append(sample.timestamp, *sample.energyKwh)
		if sample.powerKw == nil {
			if power, ok := powerFromLog(log); ok {
				sample.powerKw = &power
			}
		}
	}

	h.registry.Update(chargePointId, func(session *models.ChargePointSession) {
		if sample.soc != nil {
			session.Soc = sample.soc
		}
		if sample.energyKwh != nil {
			session.EnergyTotalKwh = sample.energyKwh
			if session.TxActive {
				session.UpdateSessionEnergy(*sample.energyKwh)
			}
		}
		if sample.powerKw != nil {
			session.CurrentKw = sample.powerKw
		} else if sample.ampsFound {
			// last resort: reconstruct power from the phase currents
			power := sample.ampsSum * session.VoltagePerPhase / 1000.0
			if sample.voltage != nil {
				power = sample.ampsSum * *sample.voltage / 1000.0
			}
			session.CurrentKw = &power
		}
	})
	return core.NewMeterValuesResponse(), nil
}

// powerFromLog estimates charging power as the register delta between the
// two newest log entries over the elapsed time. Very short gaps are
// floored so a duplicate reading cannot blow the estimate up.
func powerFromLog(log *models.EnergyLog) (float64, bool) {
	first, last, ok := log.LastTwo()
	if !ok {
		return 0, false
	}
	deltaKwh := last.EnergyKwh - first.EnergyKwh
	if deltaKwh < 0 {
		return 0, false
	}
	hours := last.Timestamp.Sub(first.Timestamp).Hours()
	if hours < 1e-6 {
		hours = 1e-6
	}
	return deltaKwh / hours, true
}

// PushSetpoint converts a target power into a per-phase current limit and
// delivers it as a TxProfile. The target is clamped to the hardware
// window unless it is an explicit zero under the zero off-policy.
func (h *SystemHandler) PushSetpoint(chargePointId string, targetKw float64) error {
	if h.sender == nil {
		return utility.Err("no request sender configured")
	}
	session, ok := h.registry.View(chargePointId)
	if !ok {
		return utility.Err(fmt.Sprintf("unknown charge point: %s", chargePointId))
	}
	kw := targetKw
	if kw > 0 {
		kw = utility.ClampKw(kw, h.minKw, h.maxKw)
	}
	amps := utility.RoundToTenth(utility.KwToAmps(kw, session.PhaseCount, session.VoltagePerPhase))
	if session.MaxCurrentA > 0 && amps > session.MaxCurrentA {
		amps = session.MaxCurrentA
	}

	profile := smartcharging.NewTxChargingProfile(amps, session.PhaseCount)
	request := smartcharging.NewSetChargingProfileRequest(1, profile)

	h.registry.Update(chargePointId, func(session *models.ChargePointSession) {
		session.TargetKw = kw
	})
	h.logger.FeatureEvent(featureNameHandler, chargePointId, fmt.Sprintf("pushing limit %.2f kW (%.1f A)", kw, amps))

	payload, err := h.sender.SendRequestWait(chargePointId, request)
	if err != nil {
		observeProfilePush(chargePointId, "undelivered")
		return err
	}
	var response smartcharging.SetChargingProfileResponse
	if err = json.Unmarshal(payload, &response); err != nil {
		observeProfilePush(chargePointId, "unparsed")
		return err
	}
	observeProfilePush(chargePointId, string(response.Status))
	if response.Status != smartcharging.ChargingProfileStatusAccepted {
		return utility.Err(fmt.Sprintf("charging profile not accepted: %s", response.Status))
	}
	return nil
}

// ClearSetpoint removes the transaction profile so the charge point falls
// back to its own defaults.
func (h *SystemHandler) ClearSetpoint(chargePointId string) error {
	if h.sender == nil {
		return utility.Err("no request sender configured")
	}
	payload, err := h.sender.SendRequestWait(chargePointId, smartcharging.NewClearTxChargingProfileRequest())
	if err != nil {
		return err
	}
	var response smartcharging.ClearChargingProfileResponse
	if err = json.Unmarshal(payload, &response); err != nil {
		return err
	}
	h.logger.FeatureEvent(featureNameHandler, chargePointId, fmt.Sprintf("clear profile: %s", response.Status))
	return nil
}

// RemoteStart asks the charge point to begin a transaction for the tag.
func (h *SystemHandler) RemoteStart(chargePointId, idTag string, connectorId int) error {
	if h.sender == nil {
		return utility.Err("no request sender configured")
	}
	payload, err := h.sender.SendRequestWait(chargePointId, core.NewRemoteStartTransactionRequest(connectorId, idTag))
	if err != nil {
		return err
	}
	var response core.RemoteStartTransactionResponse
	if err = json.Unmarshal(payload, &response); err != nil {
		return err
	}
	if response.Status != types.RemoteStartStopStatusAccepted {
		return utility.Err(fmt.Sprintf("remote start rejected: %s", response.Status))
	}
	return nil
}

// RemoteStop ends the transaction the registry knows about.
func (h *SystemHandler) RemoteStop(chargePointId string) error {
	if h.sender == nil {
		return utility.Err("no request sender configured")
	}
	session, ok := h.registry.View(chargePointId)
	if !ok || !session.TxActive {
		return utility.Err(fmt.Sprintf("no active transaction: %s", chargePointId))
	}
	payload, err := h.sender.SendRequestWait(chargePointId, core.NewRemoteStopTransactionRequest(session.TransactionId))
	if err != nil {
		return err
	}
	var response core.RemoteStopTransactionResponse
	if err = json.Unmarshal(payload, &response); err != nil {
		return err
	}
	if response.Status != types.RemoteStartStopStatusAccepted {
		return utility.Err(fmt.Sprintf("remote stop rejected: %s", response.Status))
	}
	return nil
}
