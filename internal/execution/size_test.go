package execution

import (
	"testing"

	"signal-core/pkg/db"
)

func TestSize(t *testing.T) {
	tests := []struct {
		name   string
		amount float64
		lev    int
		price  float64
		step   float64
		want   float64
	}{
		{"round numbers", 50, 20, 0.5, 0, 2000},
		{"four significant digits", 10, 25, 0.02936, 0, 8515},
		{"floored to step", 100, 10, 65432.1, 0.001, 0.015},
		{"no price", 50, 20, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Size(tt.amount, tt.lev, tt.price, tt.step); got != tt.want {
				t.Fatalf("Size = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEffectiveLeverage(t *testing.T) {
	tests := []struct {
		source     string
		configured int
		signal     int
		want       int
	}{
		{db.LeverageSourceConfig, 10, 25, 10},
		{db.LeverageSourceSignal, 10, 25, 25},
		{db.LeverageSourceSignal, 10, 0, 10},
		{db.LeverageSourceMax, 10, 25, 25},
		{db.LeverageSourceMax, 30, 25, 30},
		{db.LeverageSourceConfig, 0, 0, 1},
	}
	for _, tt := range tests {
		if got := EffectiveLeverage(tt.source, tt.configured, tt.signal); got != tt.want {
			t.Errorf("EffectiveLeverage(%s, %d, %d) = %d, want %d", tt.source, tt.configured, tt.signal, got, tt.want)
		}
	}
}

func TestDeviation(t *testing.T) {
	if got := Deviation(100, 105); got != 5 {
		t.Fatalf("Deviation = %v", got)
	}
	if got := Deviation(100, 95); got != 5 {
		t.Fatalf("Deviation = %v", got)
	}
}
