package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Badgercharge/Energymanager/internal"
	"github.com/Badgercharge/Energymanager/internal/config"
)

const featureName = "Metrics"

// Listen exposes the prometheus registry over http. Blocks; run in a
// goroutine.
func Listen(conf *config.Config, logger internal.LogHandler) {
	if !conf.Metrics.Enabled {
		return
	}
	serverAddress := fmt.Sprintf("%s:%s", conf.Metrics.BindIP, conf.Metrics.Port)
	logger.FeatureEvent(featureName, "", fmt.Sprintf("starting on %s", serverAddress))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(serverAddress, mux); err != nil {
		logger.Error("metrics stopped", err)
	}
}
