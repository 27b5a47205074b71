package server

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/Badgercharge/Energymanager/ocpp"
	"github.com/Badgercharge/Energymanager/ocpp/core"
	"github.com/Badgercharge/Energymanager/utility"
)

type CallType int

const (
	CallTypeRequest CallType = 2
	CallTypeResult  CallType = 3
	CallTypeError   CallType = 4
)

func MessageType(data []interface{}) (CallType, error) {
	if len(data) < 3 {
		return 0, utility.Err("incompatible message structure")
	}
	rawTypeId, ok := data[0].(float64)
	if !ok {
		return 0, utility.Err("invalid message type id")
	}
	typeId := CallType(rawTypeId)
	switch typeId {
	case CallTypeRequest, CallTypeResult, CallTypeError:
		return typeId, nil
	}
	return 0, utility.Err(fmt.Sprintf("unsupported message type id: %v", typeId))
}

// Call An OCPP-J Call message sent from the central system to a charge point.
type Call struct {
	TypeId   CallType
	UniqueId string
	Action   string
	Payload  ocpp.Request
}

func (call *Call) MarshalJSON() ([]byte, error) {
	fields := make([]interface{}, 4)
	fields[0] = int(call.TypeId)
	fields[1] = call.UniqueId
	fields[2] = call.Action
	fields[3] = call.Payload
	return json.Marshal(fields)
}

func CreateCall(request ocpp.Request, uniqueId string) *Call {
	return &Call{
		TypeId:   CallTypeRequest,
		UniqueId: uniqueId,
		Action:   request.GetFeatureName(),
		Payload:  request,
	}
}

// CallResult An OCPP-J CallResult message, containing an OCPP Response.
type CallResult struct {
	TypeId   CallType
	UniqueId string
	Payload  ocpp.Response
}

func (callResult *CallResult) MarshalJSON() ([]byte, error) {
	fields := make([]interface{}, 3)
	fields[0] = int(callResult.TypeId)
	fields[1] = callResult.UniqueId
	fields[2] = callResult.Payload
	return json.Marshal(fields)
}

func CreateCallResult(confirmation ocpp.Response, uniqueId string) *CallResult {
	callResult := CallResult{
		TypeId:   CallTypeResult,
		UniqueId: uniqueId,
		Payload:  confirmation,
	}
	return &callResult
}

// CallResponse is an inbound CallResult from a charge point; the payload
// stays raw until the waiting caller decodes it.
type CallResponse struct {
	UniqueId string
	Payload  json.RawMessage
}

func ParseResultUnchecked(data []interface{}) (*CallResponse, error) {
	if len(data) < 3 {
		return nil, utility.Err("unsupported result format; expected length: 3 elements")
	}
	uniqueId, ok := data[1].(string)
	if !ok {
		return nil, utility.Err("invalid message unique id in result")
	}
	payload, err := json.Marshal(data[2])
	if err != nil {
		return nil, err
	}
	return &CallResponse{UniqueId: uniqueId, Payload: payload}, nil
}

// CallErrorResponse is an inbound CallError from a charge point.
type CallErrorResponse struct {
	UniqueId    string
	ErrorCode   string
	Description string
}

func ParseErrorUnchecked(data []interface{}) (*CallErrorResponse, error) {
	if len(data) < 4 {
		return nil, utility.Err("unsupported error format; expected length: 4 elements")
	}
	uniqueId, ok := data[1].(string)
	if !ok {
		return nil, utility.Err("invalid message unique id in error")
	}
	response := &CallErrorResponse{UniqueId: uniqueId}
	response.ErrorCode, _ = data[2].(string)
	response.Description, _ = data[3].(string)
	return response, nil
}

type CallRequest struct {
	TypeId   CallType
	UniqueId string
	feature  string
	Payload  ocpp.Request
}

func (callRequest *CallRequest) GetFeatureName() string {
	return callRequest.feature
}

func ParseRequest(data []interface{}) (*CallRequest, error) {
	if len(data) != 4 {
		return nil, utility.Err("unsupported request format; expected length: 4 elements")
	}
	rawTypeId, ok := data[0].(float64)
	if !ok {
		return nil, utility.Err("invalid message type in request")
	}
	typeId := CallType(rawTypeId)
	if typeId != CallTypeRequest {
		return nil, utility.Err(fmt.Sprintf("invalid request type id: %v", typeId))
	}
	uniqueId, ok := data[1].(string)
	if !ok {
		return nil, utility.Err("invalid message unique id in request")
	}
	action, ok := data[2].(string)
	if !ok {
		return nil, utility.Err("invalid action in request")
	}

	requestType, err := getRequestType(action)
	if err != nil {
		return nil, err
	}
	request, err := ocpp.ParseRawJsonRequest(data[3], requestType)
	if err != nil {
		return nil, err
	}
	callRequest := CallRequest{
		TypeId:   typeId,
		UniqueId: uniqueId,
		feature:  action,
		Payload:  request,
	}
	return &callRequest, nil
}

func getRequestType(action string) (requestType reflect.Type, err error) {
	switch action {
	case core.BootNotificationFeatureName:
		requestType = reflect.TypeOf(core.BootNotificationRequest{})
	case core.AuthorizeFeatureName:
		requestType = reflect.TypeOf(core.AuthorizeRequest{})
	case core.HeartbeatFeatureName:
		requestType = reflect.TypeOf(core.HeartbeatRequest{})
	case core.StartTransactionFeatureName:
		requestType = reflect.TypeOf(core.StartTransactionRequest{})
	case core.StopTransactionFeatureName:
		requestType = reflect.TypeOf(core.StopTransactionRequest{})
	case core.MeterValuesFeatureName:
		requestType = reflect.TypeOf(core.MeterValuesRequest{})
	case core.StatusNotificationFeatureName:
		requestType = reflect.TypeOf(core.StatusNotificationRequest{})
	case core.DataTransferFeatureName:
		requestType = reflect.TypeOf(core.DataTransferRequest{})
	default:
		return nil, utility.Err(fmt.Sprintf("unsupported action requested: %s", action))
	}
	return requestType, nil
}
