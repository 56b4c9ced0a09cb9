package forecast

import (
	"context"
	"errors"
	"testing"
)

type fakeForecaster struct {
	report Report
	err    error
	before func()
}

func (f *fakeForecaster) Forecast(context.Context, float64, float64) (Report, error) {
	if f.before != nil {
		f.before()
	}
	return f.report, f.err
}

func TestCityView_Select(t *testing.T) {
	f := &fakeForecaster{report: hourlyReport("2025-01-10T13:45")}
	c := NewCityView(f, nil)

	sel := c.Select(context.Background(), Place{Name: "Warszawa", Latitude: 52.2, Longitude: 21})
	if sel.Loading || sel.Error != "" || sel.View == nil {
		t.Fatalf("unexpected selection: %+v", sel)
	}
	if sel.Place.Name != "Warszawa" || sel.View.Sunrise != "07:43" {
		t.Fatalf("unexpected selection: %+v", sel)
	}
	if cur := c.Current(); cur.View == nil {
		t.Fatal("selection not kept")
	}
}

func TestCityView_ErrorClearsView(t *testing.T) {
	f := &fakeForecaster{report: hourlyReport("2025-01-10T13:45")}
	c := NewCityView(f, nil)
	c.Select(context.Background(), Place{Name: "A"})

	f.err = errors.New("timeout")
	sel := c.Select(context.Background(), Place{Name: "B"})
	if sel.View != nil || sel.Error != "timeout" || sel.Place.Name != "B" {
		t.Fatalf("unexpected selection: %+v", sel)
	}
}

func TestCityView_NewerSelectionWins(t *testing.T) {
	f := &fakeForecaster{report: hourlyReport("2025-01-10T13:45")}
	c := NewCityView(f, nil)

	// While the first fetch is running, a second selection completes.
	f.before = func() {
		f.before = nil
		c.Select(context.Background(), Place{Name: "Second"})
	}
	c.Select(context.Background(), Place{Name: "First"})

	if cur := c.Current(); cur.Place == nil || cur.Place.Name != "Second" {
		t.Fatalf("older fetch overwrote newer selection: %+v", cur.Place)
	}
}

func TestCityView_Clear(t *testing.T) {
	c := NewCityView(&fakeForecaster{}, nil)
	c.Select(context.Background(), Place{Name: "A"})
	c.Clear()
	if cur := c.Current(); cur.Place != nil || cur.View != nil {
		t.Fatalf("expected empty selection, got %+v", cur)
	}
}
