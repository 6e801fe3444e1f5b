package weather

import "testing"

func TestCompassConversion(t *testing.T) {
	cases := []struct {
		deg  string
		want string
	}{
		{"337.5", "NNW"},
		{"0", "N"},
		{"22", "NNE"},
		{"348", "N"},
	}
	for _, tc := range cases {
		if got := compass(tc.deg); got != tc.want {
			t.Errorf("compass(%s) = %s, want %s", tc.deg, got, tc.want)
		}
	}
}

func TestCompassPassesThroughNonNumeric(t *testing.T) {
	if got := compass("north-ish"); got != "north-ish" {
		t.Fatalf("expected passthrough, got %s", got)
	}
}

func TestFormatMessageWorkedExample(t *testing.T) {
	readings := map[string]Reading{
		"temperature":     {State: "72.3", Unit: "°F"},
		"humidity":        {State: "45", Unit: "%"},
		"wind_speed":      {State: "12", Unit: "mph"},
		"wind_gust":       {State: "18", Unit: "mph"},
		"wind_bearing":    {State: "315", Unit: "°"},
		"pressure":        {State: "30.12", Unit: "inHg"},
		"uv":              {State: "4", Unit: ""},
		"rain_rate":       {State: "0.02", Unit: "in/h"},
		"rain_daily":      {State: "0.45", Unit: "in"},
	}

	got := FormatMessage(readings)
	want := "WX: 72.3°F 45% NW12G18mph 30.12inHg UV4 0.02in/h 0.45in"
	if got != want {
		t.Fatalf("FormatMessage() = %q, want %q", got, want)
	}
}

func TestFormatMessageOmitsAbsentFields(t *testing.T) {
	readings := map[string]Reading{
		"temperature": {State: "72", Unit: "F"},
	}
	got := FormatMessage(readings)
	if got != "WX: 72F" {
		t.Fatalf("expected single field, got %q", got)
	}
}

func TestFormatMessageWindWithoutGustOrBearing(t *testing.T) {
	readings := map[string]Reading{
		"wind_speed": {State: "5", Unit: "mph"},
	}
	got := FormatMessage(readings)
	if got != "WX: 5mph" {
		t.Fatalf("expected bare speed field, got %q", got)
	}
}

func TestConfigValidateRequiresKnownSensorKeys(t *testing.T) {
	cfg := Config{
		BaseURL:  "http://ha.local:8123",
		Token:    "tok",
		Entities: map[string]string{"not_a_real_key": "sensor.x"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for unknown sensor key")
	}
}

func TestConfigValidateRequiresAtLeastOneEntity(t *testing.T) {
	cfg := Config{BaseURL: "http://ha.local:8123", Token: "tok"}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error for no entities")
	}
}

func TestConfigValidateOK(t *testing.T) {
	cfg := Config{
		BaseURL:  "http://ha.local:8123",
		Token:    "tok",
		Entities: map[string]string{"temperature": "sensor.outdoor_temp"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
