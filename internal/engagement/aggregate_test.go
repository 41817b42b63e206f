package engagement

import (
	"encoding/json"
	"math"
	"testing"
)

func ptr(v float64) *float64 { return &v }

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestAggregate(t *testing.T) {
	tests := []struct {
		name      string
		sample    Sample
		wantOK    bool
		wantRelax float64
		wantConc  float64
	}{
		{
			name: "relative values scaled to percent",
			sample: Sample{Channels: map[string]Channel{
				"O1": {Mind: &Mind{RelativeAttention: ptr(0.5), RelativeRelaxation: ptr(0.25)}},
			}},
			wantOK: true, wantRelax: 25, wantConc: 50,
		},
		{
			name: "short relative aliases",
			sample: Sample{Channels: map[string]Channel{
				"O1": {Mind: &Mind{RelAttention: ptr(0.4), RelRelaxation: ptr(0.1)}},
			}},
			wantOK: true, wantRelax: 10, wantConc: 40,
		},
		{
			name: "instant fallback used as-is",
			sample: Sample{Channels: map[string]Channel{
				"T3": {Mind: &Mind{InstantAttention: ptr(72), InstantRelaxation: ptr(18)}},
			}},
			wantOK: true, wantRelax: 18, wantConc: 72,
		},
		{
			name: "relative preferred over instant",
			sample: Sample{Channels: map[string]Channel{
				"T3": {Mind: &Mind{RelativeAttention: ptr(0.3), InstantAttention: ptr(90), InstRelaxation: ptr(40)}},
			}},
			wantOK: true, wantRelax: 40, wantConc: 30,
		},
		{
			name: "zero relative value is a reading",
			sample: Sample{Channels: map[string]Channel{
				"O2": {Mind: &Mind{RelativeAttention: ptr(0), RelativeRelaxation: ptr(0), InstantAttention: ptr(80)}},
			}},
			wantOK: true, wantRelax: 0, wantConc: 0,
		},
		{
			name: "mean across channels",
			sample: Sample{Channels: map[string]Channel{
				"O1": {Mind: &Mind{InstantAttention: ptr(40), InstantRelaxation: ptr(10)}},
				"O2": {Mind: &Mind{InstantAttention: ptr(60), InstantRelaxation: ptr(30)}},
				"T3": {Mind: &Mind{InstantAttention: ptr(80)}},
				"T4": {},
			}},
			wantOK: true, wantRelax: 20, wantConc: 60,
		},
		{
			name:   "no channels",
			sample: Sample{},
			wantOK: false,
		},
		{
			name: "all channels missing mind",
			sample: Sample{Channels: map[string]Channel{
				"O1": {}, "O2": {}, "T3": {}, "T4": {},
			}},
			wantOK: false,
		},
		{
			name: "concentration without relaxation",
			sample: Sample{Channels: map[string]Channel{
				"O1": {Mind: &Mind{InstantAttention: ptr(50)}},
			}},
			wantOK: false,
		},
		{
			name: "relaxation without concentration",
			sample: Sample{Channels: map[string]Channel{
				"O1": {Mind: &Mind{RelativeRelaxation: ptr(0.5)}},
			}},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Aggregate(tt.sample)
			if ok != tt.wantOK {
				t.Fatalf("Aggregate() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if !approx(got.Relaxation, tt.wantRelax) {
				t.Errorf("Relaxation = %v, want %v", got.Relaxation, tt.wantRelax)
			}
			if !approx(got.Concentration, tt.wantConc) {
				t.Errorf("Concentration = %v, want %v", got.Concentration, tt.wantConc)
			}
		})
	}
}

func TestSampleDecodesDeviceJSON(t *testing.T) {
	raw := `{"channels":{
		"O1":{"mind":{"relative_attention":0.6,"relative_relaxation":0.2,"instant_attention":55}},
		"O2":{"mind":{"rel_attention":0.4,"rel_relaxation":0.4}},
		"T3":{"spectrum":{"alpha":0.3}},
		"T4":{"mind":null}
	}}`

	var s Sample
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got, ok := Aggregate(s)
	if !ok {
		t.Fatal("Aggregate() reported no reading")
	}
	if !approx(got.Concentration, 50) || !approx(got.Relaxation, 30) {
		t.Errorf("Aggregate() = %+v, want concentration 50 relaxation 30", got)
	}
}
