package internal

import "time"

type FeatureLogMessage struct {
	Time          string    `json:"time" bson:"time"`
	TimeStamp     time.Time `json:"timestamp" bson:"timestamp"`
	Feature       string    `json:"feature" bson:"feature"`
	ChargePointId string    `json:"charge_point_id" bson:"charge_point_id"`
	Importance    string    `json:"importance" bson:"importance"`
	Text          string    `json:"text" bson:"text"`
}
