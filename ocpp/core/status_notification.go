package core

import (
	"strings"

	"github.com/Badgercharge/Energymanager/types"
)

const StatusNotificationFeatureName = "StatusNotification"

type ChargePointErrorCode string

type ChargePointStatus string

const (
	ConnectorLockFailure ChargePointErrorCode = "ConnectorLockFailure"
	EVCommunicationError ChargePointErrorCode = "EVCommunicationError"
	GroundFailure        ChargePointErrorCode = "GroundFailure"
	HighTemperature      ChargePointErrorCode = "HighTemperature"
	InternalError        ChargePointErrorCode = "InternalError"
	NoError              ChargePointErrorCode = "NoError"
	OtherError           ChargePointErrorCode = "OtherError"
	OverCurrentFailure   ChargePointErrorCode = "OverCurrentFailure"
	OverVoltage          ChargePointErrorCode = "OverVoltage"
	PowerMeterFailure    ChargePointErrorCode = "PowerMeterFailure"
	PowerSwitchFailure   ChargePointErrorCode = "PowerSwitchFailure"
	ReaderFailure        ChargePointErrorCode = "ReaderFailure"
	ResetFailure         ChargePointErrorCode = "ResetFailure"
	UnderVoltage         ChargePointErrorCode = "UnderVoltage"
	WeakSignal           ChargePointErrorCode = "WeakSignal"

	ChargePointStatusAvailable     ChargePointStatus = "Available"
	ChargePointStatusPreparing     ChargePointStatus = "Preparing"
	ChargePointStatusCharging      ChargePointStatus = "Charging"
	ChargePointStatusSuspendedEVSE ChargePointStatus = "SuspendedEVSE"
	ChargePointStatusSuspendedEV   ChargePointStatus = "SuspendedEV"
	ChargePointStatusFinishing     ChargePointStatus = "Finishing"
	ChargePointStatusReserved      ChargePointStatus = "Reserved"
	ChargePointStatusUnavailable   ChargePointStatus = "Unavailable"
	ChargePointStatusFaulted       ChargePointStatus = "Faulted"
)

var knownStatuses = []ChargePointStatus{
	ChargePointStatusAvailable,
	ChargePointStatusPreparing,
	ChargePointStatusCharging,
	ChargePointStatusSuspendedEVSE,
	ChargePointStatusSuspendedEV,
	ChargePointStatusFinishing,
	ChargePointStatusReserved,
	ChargePointStatusUnavailable,
	ChargePointStatusFaulted,
}

func foldStatus(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, " ", "")
	return s
}

// GetStatus normalizes a raw wire status string into the canonical
// ChargePointStatus value, tolerating case and separator variants.
// Unknown strings are returned as-is.
func GetStatus(raw string) ChargePointStatus {
	folded := foldStatus(raw)
	for _, status := range knownStatuses {
		if foldStatus(string(status)) == folded {
			return status
		}
	}
	return ChargePointStatus(raw)
}

type StatusNotificationRequest struct {
	ConnectorId     int                  `json:"connectorId"`
	ErrorCode       ChargePointErrorCode `json:"errorCode"`
	Info            string               `json:"info,omitempty"`
	Status          ChargePointStatus    `json:"status"`
	Timestamp       *types.DateTime      `json:"timestamp,omitempty"`
	VendorId        string               `json:"vendorId,omitempty"`
	VendorErrorCode string               `json:"vendorErrorCode,omitempty"`
}

type StatusNotificationResponse struct {
}

func (r StatusNotificationRequest) GetFeatureName() string {
	return StatusNotificationFeatureName
}

func (c StatusNotificationResponse) GetFeatureName() string {
	return StatusNotificationFeatureName
}

func NewStatusNotificationResponse() *StatusNotificationResponse {
	return &StatusNotificationResponse{}
}
