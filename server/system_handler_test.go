package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Badgercharge/Energymanager/internal/config"
	"github.com/Badgercharge/Energymanager/models"
	"github.com/Badgercharge/Energymanager/ocpp"
	"github.com/Badgercharge/Energymanager/ocpp/core"
	"github.com/Badgercharge/Energymanager/ocpp/smartcharging"
	"github.com/Badgercharge/Energymanager/types"
)

type nopLogger struct{}

func (nopLogger) FeatureEvent(string, string, string) {}
func (nopLogger) Debug(string) {}
func (nopLogger) Warn(string) {}
func (nopLogger) Error(string, error) {}
func (nopLogger) RawDataEvent(string, string) {}

type stubSender struct {
	requests []ocpp.Request
	payload  string
	err      error
}

func (s *stubSender) SendRequestWait(_ string, request ocpp.Request) (json.RawMessage, error) {
	s.requests = append(s.requests, request)
	if s.err != nil {
		return nil, s.err
	}
	return json.RawMessage(s.payload), nil
}

func testConfig() *config.Config {
	conf := &config.Config{}
	conf.Power.MinKw = 3.7
	conf.Power.MaxKw = 11.0
	conf.Power.AutoBoost = true
	return conf
}

func newTestHandler() (*SystemHandler, *models.Registry) {
	registry := models.NewRegistry(models.SessionDefaults{BoostCutoff: "07:00", BoostTargetSoc: 100})
	handler := NewSystemHandler(testConfig(), registry, nopLogger{})
	return handler, registry
}

func meterRequest(timestamp time.Time, values ...types.SampledValue) *core.MeterValuesRequest {
	return &core.MeterValuesRequest{
		ConnectorId: 1,
		MeterValue: []types.MeterValue{{
			Timestamp:    types.NewDateTime(timestamp),
			SampledValue: values,
		}},
	}
}

func TestBootNotification(t *testing.T) {
	handler, registry := newTestHandler()

	response, err := handler.OnBootNotification("cp001", &core.BootNotificationRequest{
		ChargePointVendor: "acme",
		ChargePointModel:  "one",
	})
	require.NoError(t, err)
	assert.Equal(t, core.RegistrationStatusAccepted, response.Status)
	assert.Equal(t, defaultHeartbeatInterval, response.Interval)

	session, ok := registry.View("cp001")
	require.True(t, ok)
	assert.True(t, session.Connected)
	assert.Equal(t, "acme", session.Vendor)
	assert.Equal(t, "one", session.Model)
}

func TestHeartbeat(t *testing.T) {
	handler, registry := newTestHandler()
	response, err := handler.OnHeartbeat("cp001", &core.HeartbeatRequest{})
	require.NoError(t, err)
	require.NotNil(t, response.CurrentTime)

	session, _ := registry.View("cp001")
	assert.True(t, session.Connected)
	require.NotNil(t, session.LastHeartbeat)
}

func TestTransactionLifecycle(t *testing.T) {
	handler, registry := newTestHandler()
	start := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)

	response, err := handler.OnStartTransaction("cp001", &core.StartTransactionRequest{
		ConnectorId: 1,
		IdTag:       "tag1",
		MeterStart:  10000,
		Timestamp:   types.NewDateTime(start),
	})
	require.NoError(t, err)
	assert.Equal(t, types.AuthorizationStatusAccepted, response.IdTagInfo.Status)
	transactionId := response.TransactionId
	assert.True(t, transactionId > 0)

	session, _ := registry.View("cp001")
	assert.True(t, session.TxActive)
	require.NotNil(t, session.SessionStartEnergyKwh)
	assert.InDelta(t, 10.0, *session.SessionStartEnergyKwh, 1e-9)
	// eco mode with auto boost arms the morning deadline
	assert.True(t, session.BoostEnabled)
	assert.False(t, session.BoostNotified)

	_, err = handler.OnMeterValues("cp001", meterRequest(start.Add(30*time.Minute), types.SampledValue{
		Value:     "12500",
		Measurand: types.MeasurandEnergyActiveImportRegister,
		Unit:      types.UnitOfMeasureWh,
	}))
	require.NoError(t, err)
	session, _ = registry.View("cp001")
	assert.InDelta(t, 2.5, session.SessionEnergyKwh, 1e-9)

	_, err = handler.OnStopTransaction("cp001", &core.StopTransactionRequest{
		TransactionId: transactionId,
		MeterStop:     12500,
		Reason:        core.ReasonEVDisconnected,
		Timestamp:     types.NewDateTime(start.Add(time.Hour)),
	})
	require.NoError(t, err)
	session, _ = registry.View("cp001")
	assert.False(t, session.TxActive)
	assert.InDelta(t, 2.5, session.SessionEnergyKwh, 1e-9)
	assert.Nil(t, session.SessionEstEndAt)
}

func TestStatusNotificationNormalization(t *testing.T) {
	handler, registry := newTestHandler()

	_, err := handler.OnStatusNotification("cp001", &core.StatusNotificationRequest{
		ConnectorId: 1,
		Status:      "charging",
		ErrorCode:   core.NoError,
	})
	require.NoError(t, err)
	session, _ := registry.View("cp001")
	assert.Equal(t, string(core.ChargePointStatusCharging), session.Status)
	assert.True(t, session.TxActive)

	_, err = handler.OnStatusNotification("cp001", &core.StatusNotificationRequest{
		ConnectorId: 1,
		Status:      "SUSPENDED_EV",
		ErrorCode:   core.NoError,
	})
	require.NoError(t, err)
	session, _ = registry.View("cp001")
	assert.Equal(t, string(core.ChargePointStatusSuspendedEV), session.Status)
	// a suspension does not end the transaction
	assert.True(t, session.TxActive)

	_, err = handler.OnStatusNotification("cp001", &core.StatusNotificationRequest{
		ConnectorId: 1,
		Status:      "Available",
		ErrorCode:   core.NoError,
	})
	require.NoError(t, err)
	session, _ = registry.View("cp001")
	assert.False(t, session.TxActive)
}

func TestMeterValuesSoC(t *testing.T) {
	handler, registry := newTestHandler()
	now := time.Now()

	_, err := handler.OnMeterValues("cp001", meterRequest(now,
		types.SampledValue{Value: "73.4", Measurand: types.MeasurandSoC, Unit: types.UnitOfMeasurePercent},
	))
	require.NoError(t, err)
	session, _ := registry.View("cp001")
	require.NotNil(t, session.Soc)
	assert.Equal(t, 73, *session.Soc)

	// out of range readings are clamped
	_, err = handler.OnMeterValues("cp001", meterRequest(now,
		types.SampledValue{Value: "140", Measurand: types.MeasurandSoC},
	))
	require.NoError(t, err)
	session, _ = registry.View("cp001")
	assert.Equal(t, 100, *session.Soc)
}

func TestMeterValuesBadSampleSkipped(t *testing.T) {
	handler, registry := newTestHandler()
	_, err := handler.OnMeterValues("cp001", meterRequest(time.Now(),
		types.SampledValue{Value: "not-a-number", Measurand: types.MeasurandSoC},
		types.SampledValue{Value: "", Measurand: types.MeasurandEnergyActiveImportRegister},
	))
	require.NoError(t, err)
	session, _ := registry.View("cp001")
	assert.Nil(t, session.Soc)
	assert.Nil(t, session.EnergyTotalKwh)
}

func TestPowerFromRegisterDelta(t *testing.T) {
	handler, registry := newTestHandler()
	t0 := time.Date(2026, 3, 10, 20, 0, 0, 0, time.UTC)

	_, err := handler.OnMeterValues("cp001", meterRequest(t0, types.SampledValue{
		Value:     "10000",
		Measurand: types.MeasurandEnergyActiveImportRegister,
		Unit:      types.UnitOfMeasureWh,
	}))
	require.NoError(t, err)

	_, err = handler.OnMeterValues("cp001", meterRequest(t0.Add(time.Hour), types.SampledValue{
		Value:     "12500",
		Measurand: types.MeasurandEnergyActiveImportRegister,
		Unit:      types.UnitOfMeasureWh,
	}))
	require.NoError(t, err)

	session, _ := registry.View("cp001")
	require.NotNil(t, session.CurrentKw)
	assert.InDelta(t, 2.5, *session.CurrentKw, 1e-6)
}

func TestPowerReportedDirectly(t *testing.T) {
	handler, registry := newTestHandler()
	_, err := handler.OnMeterValues("cp001", meterRequest(time.Now(), types.SampledValue{
		Value:     "7400",
		Measurand: types.MeasurandPowerActiveImport,
		Unit:      types.UnitOfMeasureW,
	}))
	require.NoError(t, err)
	session, _ := registry.View("cp001")
	require.NotNil(t, session.CurrentKw)
	assert.InDelta(t, 7.4, *session.CurrentKw, 1e-9)
}

func TestPowerFallbackFromCurrents(t *testing.T) {
	handler, registry := newTestHandler()
	_, err := handler.OnMeterValues("cp001", meterRequest(time.Now(),
		types.SampledValue{Value: "16", Measurand: types.MeasurandCurrentImport},
		types.SampledValue{Value: "16", Measurand: types.MeasurandCurrentImport},
		types.SampledValue{Value: "16", Measurand: types.MeasurandCurrentImport},
	))
	require.NoError(t, err)
	session, _ := registry.View("cp001")
	require.NotNil(t, session.CurrentKw)
	// 3 x 16 A at the default 230 V per phase
	assert.InDelta(t, 11.04, *session.CurrentKw, 1e-6)
}

func TestDataTransfer(t *testing.T) {
	handler, _ := newTestHandler()
	response, err := handler.OnDataTransfer("cp001", &core.DataTransferRequest{VendorId: "acme"})
	require.NoError(t, err)
	assert.Equal(t, core.DataTransferStatusAccepted, response.Status)
}

func TestPushSetpoint(t *testing.T) {
	handler, registry := newTestHandler()
	sender := &stubSender{payload: `{"status":"Accepted"}`}
	handler.SetSender(sender)
	registry.Update("cp001", func(*models.ChargePointSession) {})

	// 22 kW is above the hardware window and clamps to 11 kW
	require.NoError(t, handler.PushSetpoint("cp001", 22.0))

	require.Len(t, sender.requests, 1)
	request, ok := sender.requests[0].(*smartcharging.SetChargingProfileRequest)
	require.True(t, ok)
	require.NotNil(t, request.ChargingProfile)
	periods := request.ChargingProfile.ChargingSchedule.ChargingSchedulePeriod
	require.Len(t, periods, 1)
	// 11 kW over 3 x 230 V rounds to 15.9 A
	assert.InDelta(t, 15.9, periods[0].Limit, 1e-9)

	session, _ := registry.View("cp001")
	assert.InDelta(t, 11.0, session.TargetKw, 1e-9)
}

func TestPushSetpointZero(t *testing.T) {
	handler, registry := newTestHandler()
	sender := &stubSender{payload: `{"status":"Accepted"}`}
	handler.SetSender(sender)
	registry.Update("cp001", func(*models.ChargePointSession) {})

	require.NoError(t, handler.PushSetpoint("cp001", 0))
	request := sender.requests[0].(*smartcharging.SetChargingProfileRequest)
	assert.Equal(t, 0.0, request.ChargingProfile.ChargingSchedule.ChargingSchedulePeriod[0].Limit)
}

func TestPushSetpointRejected(t *testing.T) {
	handler, registry := newTestHandler()
	sender := &stubSender{payload: `{"status":"Rejected"}`}
	handler.SetSender(sender)
	registry.Update("cp001", func(*models.ChargePointSession) {})

	err := handler.PushSetpoint("cp001", 7.4)
	assert.Error(t, err)
}

func TestPushSetpointUnknownPoint(t *testing.T) {
	handler, _ := newTestHandler()
	handler.SetSender(&stubSender{payload: `{"status":"Accepted"}`})
	assert.Error(t, handler.PushSetpoint("ghost", 7.4))
}

func TestRemoteStopWithoutTransaction(t *testing.T) {
	handler, registry := newTestHandler()
	handler.SetSender(&stubSender{payload: `{"status":"Accepted"}`})
	registry.Update("cp001", func(*models.ChargePointSession) {})
	assert.Error(t, handler.RemoteStop("cp001"))
}
