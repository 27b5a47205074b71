package smartcharging

import "github.com/Badgercharge/Energymanager/types"

const ClearChargingProfileFeatureName = "ClearChargingProfile"

type ClearChargingProfileStatus string

const (
	ClearChargingProfileStatusAccepted ClearChargingProfileStatus = "Accepted"
	ClearChargingProfileStatusUnknown  ClearChargingProfileStatus = "Unknown"
)

type ClearChargingProfileRequest struct {
	Id                     *int                              `json:"id,omitempty"`
	ConnectorId            *int                              `json:"connectorId,omitempty"`
	ChargingProfilePurpose *types.ChargingProfilePurposeType `json:"chargingProfilePurpose,omitempty"`
	StackLevel             *int                              `json:"stackLevel,omitempty"`
}

type ClearChargingProfileResponse struct {
	Status ClearChargingProfileStatus `json:"status"`
}

func (r ClearChargingProfileRequest) GetFeatureName() string {
	return ClearChargingProfileFeatureName
}

func (c ClearChargingProfileResponse) GetFeatureName() string {
	return ClearChargingProfileFeatureName
}

func NewClearTxChargingProfileRequest() *ClearChargingProfileRequest {
	purpose := types.ChargingProfilePurposeTxProfile
	return &ClearChargingProfileRequest{ChargingProfilePurpose: &purpose}
}
