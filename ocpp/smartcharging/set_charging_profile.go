package smartcharging

import (
	"github.com/Badgercharge/Energymanager/types"
)

const SetChargingProfileFeatureName = "SetChargingProfile"

type ChargingProfileStatus string

const (
	ChargingProfileStatusAccepted     ChargingProfileStatus = "Accepted"
	ChargingProfileStatusRejected     ChargingProfileStatus = "Rejected"
	ChargingProfileStatusNotSupported ChargingProfileStatus = "NotSupported"
)

type SetChargingProfileRequest struct {
	ConnectorId     int                    `json:"connectorId"`
	ChargingProfile *types.ChargingProfile `json:"csChargingProfiles"`
}

type SetChargingProfileResponse struct {
	Status ChargingProfileStatus `json:"status"`
}

func NewSetChargingProfileRequest(connectorId int, chargingProfile *types.ChargingProfile) *SetChargingProfileRequest {
	return &SetChargingProfileRequest{ConnectorId: connectorId, ChargingProfile: chargingProfile}
}

func (r SetChargingProfileRequest) GetFeatureName() string {
	return SetChargingProfileFeatureName
}

func (c SetChargingProfileResponse) GetFeatureName() string {
	return SetChargingProfileFeatureName
}

// NewTxChargingProfile builds an absolute transaction profile limiting the
// charge current to limitAmps per phase for one hour from now.
func NewTxChargingProfile(limitAmps float64, numberPhases int) *types.ChargingProfile {
	duration := 3600
	period := types.ChargingSchedulePeriod{
		StartPeriod: 0,
		Limit:       limitAmps,
	}
	if numberPhases > 0 {
		period.NumberPhases = &numberPhases
	}
	return &types.ChargingProfile{
		ChargingProfileId:      1,
		StackLevel:             0,
		ChargingProfilePurpose: types.ChargingProfilePurposeTxProfile,
		ChargingProfileKind:    types.ChargingProfileKindAbsolute,
		ChargingSchedule: &types.ChargingSchedule{
			Duration:               &duration,
			ChargingRateUnit:       types.ChargingRateUnitAmperes,
			ChargingSchedulePeriod: []types.ChargingSchedulePeriod{period},
		},
	}
}
