package forecast

import (
	"context"
	"log/slog"
	"sync"
)

// Selection is the selected city with its forecast or the inline error of
// the last fetch.
type Selection struct {
	Place   *Place `json:"place,omitempty"`
	View    *View  `json:"view,omitempty"`
	Loading bool   `json:"loading"`
	Error   string `json:"error,omitempty"`
}

// CityView holds the selected city. A newer selection wins over an older
// fetch still in flight.
type CityView struct {
	forecaster Forecaster
	logger     *slog.Logger

	mu  sync.Mutex
	seq uint64
	sel Selection
}

func NewCityView(f Forecaster, logger *slog.Logger) *CityView {
	if logger == nil {
		logger = slog.Default()
	}
	return &CityView{forecaster: f, logger: logger}
}

// Select fetches the forecast for place and publishes it. A failed fetch
// clears the view and keeps the error text.
func (c *CityView) Select(ctx context.Context, place Place) Selection {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	p := place
	c.sel = Selection{Place: &p, Loading: true}
	c.mu.Unlock()

	report, err := c.forecaster.Forecast(ctx, place.Latitude, place.Longitude)

	c.mu.Lock()
	defer c.mu.Unlock()
	if seq != c.seq {
		return c.sel
	}
	c.sel.Loading = false
	if err != nil {
		c.logger.Warn("forecast fetch failed", "place", place.Name, "error", err)
		c.sel.View = nil
		c.sel.Error = err.Error()
		return c.sel
	}
	view := BuildView(report)
	c.sel.View = &view
	c.sel.Error = ""
	return c.sel
}

// Current returns the selection.
func (c *CityView) Current() Selection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sel
}

// Clear drops the selection and invalidates a fetch in flight.
func (c *CityView) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.sel = Selection{}
}
