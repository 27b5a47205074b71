package power

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Badgercharge/Energymanager/internal"
	"github.com/Badgercharge/Energymanager/models"
	"github.com/Badgercharge/Energymanager/utility"
	"github.com/Badgercharge/Energymanager/weather"
)

const featureName = "Control"

// OffPolicyZero sends an explicit 0 A profile in off mode instead of the
// minimum charging power.
const OffPolicyZero = "zero"

// Pusher delivers a computed power target to a charge point.
type Pusher interface {
	PushSetpoint(chargePointId string, targetKw float64) error
}

// PriceSource serves the day-ahead electricity price signal.
type PriceSource interface {
	Refresh(now time.Time)
	CurrentPrice(now time.Time) (float64, bool)
	MedianToday(now time.Time) (float64, bool)
}

// RadiationSource serves the smoothed solar irradiance forecast.
type RadiationSource interface {
	Refresh(now time.Time)
	Radiation() (float64, bool)
}

type Settings struct {
	MinKw          float64
	MaxKw          float64
	DeadbandKw     float64
	Interval       time.Duration
	OffPolicy      string
	BatteryKwh     float64
	Efficiency     float64
	EcoCloudyKw    float64
	EcoSunnyKw     float64
	BoostCutoff    string
	BoostTargetSoc int
	Location       *time.Location
}

// Controller periodically recomputes the power target of every known
// charge point from its mode, the price signal, the irradiance forecast
// and the boost deadline, and pushes targets that moved beyond the
// deadband.
type Controller struct {
	settings Settings
	registry *models.Registry
	pusher   Pusher
	prices   PriceSource
	weather  RadiationSource
	events   internal.EventHandler
	logger   internal.LogHandler
	kick     chan struct{}

	mux                sync.Mutex
	ecoCloudyKw        float64
	ecoSunnyKw         float64
	lastPushed         map[string]float64
	lastPriceRefresh   time.Time
	lastWeatherRefresh time.Time
}

func NewController(settings Settings, registry *models.Registry, pusher Pusher, prices PriceSource, radiation RadiationSource, events internal.EventHandler, logger internal.LogHandler) *Controller {
	if settings.Interval <= 0 {
		settings.Interval = 15 * time.Minute
	}
	if settings.Location == nil {
		settings.Location = time.Local
	}
	return &Controller{
		settings:    settings,
		registry:    registry,
		pusher:      pusher,
		prices:      prices,
		weather:     radiation,
		events:      events,
		logger:      logger,
		kick:        make(chan struct{}, 1),
		ecoCloudyKw: settings.EcoCloudyKw,
		ecoSunnyKw:  settings.EcoSunnyKw,
		lastPushed:  make(map[string]float64),
	}
}

// Kick schedules an immediate recompute without waiting for the ticker.
func (c *Controller) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// EcoBounds returns the current cloudy and sunny eco power bounds.
func (c *Controller) EcoBounds() (float64, float64) {
	c.mux.Lock()
	defer c.mux.Unlock()
	return c.ecoCloudyKw, c.ecoSunnyKw
}

// SetEcoBounds replaces the eco mapping bounds at runtime.
func (c *Controller) SetEcoBounds(cloudyKw, sunnyKw float64) {
	c.mux.Lock()
	c.ecoCloudyKw = cloudyKw
	c.ecoSunnyKw = sunnyKw
	c.mux.Unlock()
	c.logger.FeatureEvent(featureName, "", fmt.Sprintf("eco bounds set to %.1f / %.1f kW", cloudyKw, sunnyKw))
	c.Kick()
}

func (c *Controller) Run(ctx context.Context) {
	c.refreshPrices(time.Now())
	c.refreshWeather(time.Now())
	c.runOnce(time.Now())

	loop := time.NewTicker(c.settings.Interval)
	defer loop.Stop()
	refresh := time.NewTicker(time.Minute)
	defer refresh.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-loop.C:
			c.runOnce(now)
		case <-c.kick:
			c.runOnce(time.Now())
		case now := <-refresh.C:
			c.refreshIfDue(now)
		}
	}
}

func (c *Controller) refreshPrices(now time.Time) {
	c.prices.Refresh(now)
	c.mux.Lock()
	c.lastPriceRefresh = now
	c.mux.Unlock()
}

func (c *Controller) refreshWeather(now time.Time) {
	c.weather.Refresh(now)
	c.mux.Lock()
	c.lastWeatherRefresh = now
	c.mux.Unlock()
}

// refreshIfDue keeps both signals warm: prices on a five minute cadence
// plus an extra fetch around quarter-hour boundaries where the market
// price changes, weather every two minutes.
func (c *Controller) refreshIfDue(now time.Time) {
	c.mux.Lock()
	priceAge := now.Sub(c.lastPriceRefresh)
	weatherAge := now.Sub(c.lastWeatherRefresh)
	c.mux.Unlock()

	if priceAge >= 5*time.Minute || (nearQuarterBoundary(now) && priceAge >= 2*time.Minute) {
		c.refreshPrices(now)
	}
	if weatherAge >= 2*time.Minute {
		c.refreshWeather(now)
	}
}

// nearQuarterBoundary reports whether now is within 90 seconds of a
// quarter-hour boundary.
func nearQuarterBoundary(now time.Time) bool {
	seconds := now.Minute()*60 + now.Second()
	offset := seconds % 900
	return offset <= 90 || offset >= 810
}

func (c *Controller) runOnce(now time.Time) {
	for _, session := range c.registry.All() {
		target := c.computeTarget(&session, now)

		boostReached := false
		c.registry.Update(session.Id, func(s *models.ChargePointSession) {
			s.SessionEstEndAt = c.estimateCompletion(s, target, now)
			if s.BoostEnabled && !s.BoostNotified && s.Soc != nil && s.BoostTargetSoc > 0 && *s.Soc >= s.BoostTargetSoc {
				s.BoostNotified = true
				boostReached = true
			}
		})
		if boostReached && c.events != nil {
			c.events.OnBoostGoalReached(&internal.EventMessage{
				ChargePointId: session.Id,
				Time:          now,
				Info:          fmt.Sprintf("boost target %d%% reached", session.BoostTargetSoc),
			})
		}

		if !session.Connected {
			continue
		}
		c.pushIfChanged(session.Id, target)
	}
}

// computeTarget maps the session mode to a power target. Every branch
// except an explicit zero under the zero off-policy ends clamped to the
// hardware window.
func (c *Controller) computeTarget(session *models.ChargePointSession, now time.Time) float64 {
	s := c.settings
	var target float64
	switch session.Mode {
	case models.ModeManual:
		target = session.TargetKw
	case models.ModeOff:
		if s.OffPolicy == OffPolicyZero {
			return 0
		}
		target = s.MinKw
	case models.ModeMax:
		target = s.MaxKw
	case models.ModePrice:
		target = s.MinKw
		current, okCurrent := c.prices.CurrentPrice(now)
		med, okMedian := c.prices.MedianToday(now)
		if okCurrent && okMedian && current <= med {
			target = s.MaxKw
		}
		// the price strategy still guarantees a full battery by morning
		if required := c.deadlineKw(session, now, s.BoostCutoff, s.BoostTargetSoc); required > target {
			target = required
		}
	default:
		cloudy, sunny := c.EcoBounds()
		radiation, _ := c.weather.Radiation()
		target = weather.EcoKw(radiation, cloudy, sunny, s.MinKw, s.MaxKw)
		if session.BoostEnabled {
			if required := c.deadlineKw(session, now, session.BoostCutoff, session.BoostTargetSoc); required > target {
				target = required
			}
		}
	}
	return utility.ClampKw(target, s.MinKw, s.MaxKw)
}

// deadlineKw computes the raise-only boost overlay: the power needed to
// reach the target state of charge by the next cutoff. Without a state
// of charge reading there is nothing to compute.
func (c *Controller) deadlineKw(session *models.ChargePointSession, now time.Time, cutoff string, targetSoc int) float64 {
	if session.Soc == nil || targetSoc <= 0 {
		return 0
	}
	needed := float64(targetSoc - *session.Soc)
	if needed <= 0 {
		return 0
	}
	deadline, err := NextCutoff(now, cutoff, c.settings.Location)
	if err != nil {
		c.logger.Warn(fmt.Sprintf("%s: %s", session.Id, err))
		return 0
	}
	return RequiredKw(needed, c.settings.BatteryKwh, deadline.Sub(now).Hours(), c.settings.Efficiency)
}

// estimateCompletion projects when the running session reaches its state
// of charge goal at the given target power.
func (c *Controller) estimateCompletion(session *models.ChargePointSession, targetKw float64, now time.Time) *time.Time {
	if !session.TxActive || session.Soc == nil || targetKw <= 0 {
		return nil
	}
	goalSoc := 100
	if session.BoostEnabled && session.BoostTargetSoc > 0 {
		goalSoc = session.BoostTargetSoc
	}
	needed := float64(goalSoc - *session.Soc)
	if needed <= 0 {
		return nil
	}
	efficiency := c.settings.Efficiency
	if efficiency < 0.5 {
		efficiency = 0.5
	}
	if efficiency > 1.0 {
		efficiency = 1.0
	}
	hours := needed / 100.0 * c.settings.BatteryKwh / (targetKw * efficiency)
	estimate := now.Add(time.Duration(hours * float64(time.Hour)))
	return &estimate
}

// pushIfChanged delivers the target unless it sits within the deadband
// of the last successfully pushed value.
func (c *Controller) pushIfChanged(chargePointId string, targetKw float64) {
	c.mux.Lock()
	last, seen := c.lastPushed[chargePointId]
	c.mux.Unlock()
	if seen && math.Abs(targetKw-last) < c.settings.DeadbandKw {
		return
	}
	if err := c.pusher.PushSetpoint(chargePointId, targetKw); err != nil {
		c.logger.Warn(fmt.Sprintf("%s: push failed: %s", chargePointId, err))
		return
	}
	c.mux.Lock()
	c.lastPushed[chargePointId] = targetKw
	c.mux.Unlock()
}
