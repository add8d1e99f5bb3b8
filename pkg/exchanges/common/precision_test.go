package common

import "testing"

func TestSignificantDigits(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{2000, 2000},
		{123456, 123500},
		{0.0123456, 0.01235},
		{34.05994, 34.06},
		{0, 0},
	}
	for _, tt := range tests {
		if got := SignificantDigits(tt.in, 4); got != tt.want {
			t.Errorf("SignificantDigits(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRoundToTickAndFloorToStep(t *testing.T) {
	if got := RoundToTick(98.0371, 0.01); got != 98.04 {
		t.Fatalf("RoundToTick = %v", got)
	}
	if got := RoundToTick(98.0371, 0); got != 98.0371 {
		t.Fatalf("zero tick should pass through, got %v", got)
	}
	if got := FloorToStep(1.23456, 0.001); got != 1.234 {
		t.Fatalf("FloorToStep = %v", got)
	}
	if got := FloorToStep(2000, 1); got != 2000 {
		t.Fatalf("FloorToStep integer = %v", got)
	}
}
