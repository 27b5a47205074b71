package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "csys_connections",
	Help: "Number of connected charge points",
})

var transactionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "csys_active_transactions",
	Help: "Number of running charging transactions",
})

var meterValuesCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "csys_meter_values_total",
	Help: "Processed MeterValues requests per charge point",
}, []string{"charge_point_id"})

var profilePushCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "csys_profile_push_total",
	Help: "SetChargingProfile pushes per charge point and outcome",
}, []string{"charge_point_id", "status"})

func observeConnections(count int) {
	connectionsGauge.Set(float64(count))
}

func observeTransaction(started bool) {
	if started {
		transactionsGauge.Inc()
	} else {
		transactionsGauge.Dec()
	}
}

func observeMeterValues(chargePointId string) {
	meterValuesCounter.WithLabelValues(chargePointId).Inc()
}

func observeProfilePush(chargePointId, status string) {
	profilePushCounter.WithLabelValues(chargePointId, status).Inc()
}
