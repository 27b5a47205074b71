package internal

import "time"

type EventMessage struct {
	ChargePointId string
	ConnectorId   int
	Time          time.Time
	IdTag         string
	Status        string
	TransactionId int
	Info          string
}

// EventHandler receives notable charge point events for outbound
// notification. Implementations must not block the caller.
type EventHandler interface {
	OnStatusNotification(event *EventMessage)
	OnTransactionStart(event *EventMessage)
	OnTransactionStop(event *EventMessage)
	OnBoostGoalReached(event *EventMessage)
	OnAlert(event *EventMessage)
}
