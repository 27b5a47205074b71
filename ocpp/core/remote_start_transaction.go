package core

import "github.com/Badgercharge/Energymanager/types"

const RemoteStartTransactionFeatureName = "RemoteStartTransaction"

type RemoteStartTransactionRequest struct {
	ConnectorId     *int                   `json:"connectorId,omitempty"`
	IdTag           string                 `json:"idTag"`
	ChargingProfile *types.ChargingProfile `json:"chargingProfile,omitempty"`
}

type RemoteStartTransactionResponse struct {
	Status types.RemoteStartStopStatus `json:"status"`
}

func (r RemoteStartTransactionRequest) GetFeatureName() string {
	return RemoteStartTransactionFeatureName
}

func (c RemoteStartTransactionResponse) GetFeatureName() string {
	return RemoteStartTransactionFeatureName
}

func NewRemoteStartTransactionRequest(connectorId int, idTag string) *RemoteStartTransactionRequest {
	request := &RemoteStartTransactionRequest{IdTag: idTag}
	if connectorId > 0 {
		request.ConnectorId = &connectorId
	}
	return request
}
