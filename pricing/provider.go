package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Badgercharge/Energymanager/internal"
)

const featureName = "PriceProvider"

// Slot is one normalized day-ahead price interval. Prices are held in
// cent per kWh regardless of the upstream quotation unit.
type Slot struct {
	Start    time.Time `json:"start"`
	CtPerKwh float64   `json:"ct_per_kwh"`
}

type Snapshot struct {
	AsOf               time.Time `json:"as_of"`
	CurrentCtPerKwh    *float64  `json:"current_ct_per_kwh"`
	MedianCtPerKwh     *float64  `json:"median_ct_per_kwh"`
	BelowOrEqualMedian *bool     `json:"below_or_equal_median"`
	Slots              []Slot    `json:"slots"`
}

// Provider fetches day-ahead electricity prices and serves the current
// and median price for the control loop. Upstream failures leave the
// last good series in place; an empty series means no price signal.
type Provider struct {
	url      string
	client   *http.Client
	location *time.Location
	logger   internal.LogHandler

	mux       sync.Mutex
	slots     []Slot
	fetchedAt time.Time
}

func NewProvider(url string, location *time.Location, logger internal.LogHandler) *Provider {
	return &Provider{
		url:      url,
		location: location,
		logger:   logger,
		client:   &http.Client{Timeout: 15 * time.Second},
	}
}

// marketDataEnvelope is the aWATTar marketdata response shape.
type marketDataEnvelope struct {
	Data []struct {
		StartTimestamp int64   `json:"start_timestamp"`
		EndTimestamp   int64   `json:"end_timestamp"`
		MarketPrice    float64 `json:"marketprice"`
	} `json:"data"`
}

// pricePoint is the flat list shape; timestamps ISO8601, price in one of
// several keys depending on the upstream.
type pricePoint struct {
	Start         string   `json:"start"`
	Ts            string   `json:"ts"`
	PriceCtPerKwh *float64 `json:"price_ct_per_kwh"`
	CtPerKwh      *float64 `json:"ct_per_kwh"`
	PriceEurMwh   *float64 `json:"price_eur_per_mwh"`
}

// Refresh fetches the upstream series and replaces the cache on success.
// Fetch errors are logged and leave the previous series untouched.
func (p *Provider) Refresh(now time.Time) {
	slots, err := p.fetch(now)
	if err != nil {
		p.logger.Warn(fmt.Sprintf("price fetch failed: %s", err))
		return
	}
	p.mux.Lock()
	p.slots = slots
	p.fetchedAt = now
	p.mux.Unlock()
	p.logger.FeatureEvent(featureName, "", fmt.Sprintf("loaded %d price slots", len(slots)))
}

func (p *Provider) fetch(now time.Time) ([]Slot, error) {
	if p.url == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer func(body io.ReadCloser) {
		_ = body.Close()
	}(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status: %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	slots, err := ParseSeries(body)
	if err != nil {
		return nil, err
	}
	return clipWindow(slots, now), nil
}

// ParseSeries accepts either the aWATTar marketdata envelope, where each
// hourly slot quotes EUR/MWh, or a flat list of price points. Hourly
// slots are expanded into four 15-minute slots sharing the same price to
// align with the control cadence; 1 EUR/MWh equals 0.1 ct/kWh.
func ParseSeries(body []byte) ([]Slot, error) {
	var envelope marketDataEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Data) > 0 {
		var slots []Slot
		for _, item := range envelope.Data {
			start := time.UnixMilli(item.StartTimestamp).UTC()
			end := time.UnixMilli(item.EndTimestamp).UTC()
			price := item.MarketPrice / 10.0
			slots = append(slots, expand(start, end, price)...)
		}
		sortSlots(slots)
		return slots, nil
	}

	var points []pricePoint
	if err := json.Unmarshal(body, &points); err != nil {
		return nil, fmt.Errorf("unsupported price payload: %w", err)
	}
	var slots []Slot
	for _, point := range points {
		raw := point.Start
		if raw == "" {
			raw = point.Ts
		}
		if raw == "" {
			continue
		}
		start, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			continue
		}
		var price float64
		switch {
		case point.PriceCtPerKwh != nil:
			price = *point.PriceCtPerKwh
		case point.CtPerKwh != nil:
			price = *point.CtPerKwh
		case point.PriceEurMwh != nil:
			price = *point.PriceEurMwh / 10.0
		default:
			continue
		}
		slots = append(slots, Slot{Start: start.UTC(), CtPerKwh: price})
	}
	sortSlots(slots)
	return slots, nil
}

func expand(start, end time.Time, price float64) []Slot {
	if !end.After(start) {
		return []Slot{{Start: start, CtPerKwh: price}}
	}
	var out []Slot
	for t := start; t.Before(end); t = t.Add(15 * time.Minute) {
		out = append(out, Slot{Start: t, CtPerKwh: price})
	}
	return out
}

func sortSlots(slots []Slot) {
	sort.Slice(slots, func(i, j int) bool { return slots[i].Start.Before(slots[j].Start) })
}

func clipWindow(slots []Slot, now time.Time) []Slot {
	lo := now.Add(-36 * time.Hour)
	hi := now.Add(36 * time.Hour)
	var out []Slot
	for _, slot := range slots {
		if slot.Start.Before(lo) || slot.Start.After(hi) {
			continue
		}
		out = append(out, slot)
	}
	return out
}

// CurrentPrice returns the price of the last slot whose start is not
// after now; ok is false when the series is empty or future-only.
func (p *Provider) CurrentPrice(now time.Time) (float64, bool) {
	p.mux.Lock()
	defer p.mux.Unlock()
	price := 0.0
	found := false
	for _, slot := range p.slots {
		if slot.Start.After(now) {
			break
		}
		price = slot.CtPerKwh
		found = true
	}
	return price, found
}

// MedianToday computes the median over the slots of today's local
// calendar date; ok is false when no slot falls on today.
func (p *Provider) MedianToday(now time.Time) (float64, bool) {
	p.mux.Lock()
	defer p.mux.Unlock()
	today := now.In(p.location)
	y, m, d := today.Date()
	var values []float64
	for _, slot := range p.slots {
		sy, sm, sd := slot.Start.In(p.location).Date()
		if sy == y && sm == m && sd == d {
			values = append(values, slot.CtPerKwh)
		}
	}
	if len(values) == 0 {
		return 0, false
	}
	return median(values), true
}

func median(values []float64) float64 {
	s := append([]float64{}, values...)
	sort.Float64s(s)
	mid := len(s) / 2
	if len(s)%2 == 1 {
		return s[mid]
	}
	return (s[mid-1] + s[mid]) / 2.0
}

// Snapshot assembles the price view for the query surface; pointers are
// nil when no price signal is available.
func (p *Provider) Snapshot(now time.Time) Snapshot {
	snapshot := Snapshot{AsOf: now.UTC()}
	if current, ok := p.CurrentPrice(now); ok {
		snapshot.CurrentCtPerKwh = &current
	}
	if med, ok := p.MedianToday(now); ok {
		snapshot.MedianCtPerKwh = &med
	}
	if snapshot.CurrentCtPerKwh != nil && snapshot.MedianCtPerKwh != nil {
		below := *snapshot.CurrentCtPerKwh <= *snapshot.MedianCtPerKwh
		snapshot.BelowOrEqualMedian = &below
	}
	p.mux.Lock()
	snapshot.Slots = append([]Slot{}, p.slots...)
	p.mux.Unlock()
	return snapshot
}
