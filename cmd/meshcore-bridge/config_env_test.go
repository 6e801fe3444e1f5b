package main

import (
	"os"
	"testing"
	"time"
)

func TestApplyEnvOverridesBasic(t *testing.T) {
	base := baseConfig()

	os.Setenv("SERIAL_BAUD", "230400")
	os.Setenv("MDNS_ENABLE", "true")
	os.Setenv("COMMAND_TIMEOUT_MS", "5000")
	os.Setenv("LOG_METRICS_INTERVAL", "5s")
	os.Setenv("DEBUG", "1")
	t.Cleanup(func() {
		os.Unsetenv("SERIAL_BAUD")
		os.Unsetenv("MDNS_ENABLE")
		os.Unsetenv("COMMAND_TIMEOUT_MS")
		os.Unsetenv("LOG_METRICS_INTERVAL")
		os.Unsetenv("DEBUG")
	})
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.serialBaud != 230400 {
		t.Fatalf("expected baud override, got %d", base.serialBaud)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.commandTimeout != 5*time.Second {
		t.Fatalf("expected commandTimeout 5s got %v", base.commandTimeout)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
	if !base.debug {
		t.Fatalf("expected debug true")
	}
}

func TestApplyEnvOverridesFlagPrecedence(t *testing.T) {
	base := baseConfig()
	base.serialBaud = 115200
	os.Setenv("SERIAL_BAUD", "230400")
	t.Cleanup(func() { os.Unsetenv("SERIAL_BAUD") })
	if err := applyEnvOverrides(base, map[string]struct{}{"baud": {}}); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.serialBaud != 115200 {
		t.Fatalf("expected baud unchanged 115200 got %d", base.serialBaud)
	}
}

func TestApplyEnvOverridesBadInt(t *testing.T) {
	base := baseConfig()
	os.Setenv("PUSH_BUFFER_SIZE", "notint")
	t.Cleanup(func() { os.Unsetenv("PUSH_BUFFER_SIZE") })
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad integer")
	}
}

func TestApplyEnvOverridesWeather(t *testing.T) {
	base := baseConfig()
	os.Setenv("WEATHER_ENABLE", "true")
	os.Setenv("WEATHER_BASE_URL", "http://ha.local:8123")
	os.Setenv("WEATHER_TOKEN", "tok")
	os.Setenv("WEATHER_CHANNEL", "2")
	os.Setenv("WEATHER_ENTITIES", "temperature=sensor.outdoor_temp")
	t.Cleanup(func() {
		os.Unsetenv("WEATHER_ENABLE")
		os.Unsetenv("WEATHER_BASE_URL")
		os.Unsetenv("WEATHER_TOKEN")
		os.Unsetenv("WEATHER_CHANNEL")
		os.Unsetenv("WEATHER_ENTITIES")
	})
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !base.weather.Enabled || base.weather.BaseURL != "http://ha.local:8123" || base.weather.Token != "tok" {
		t.Fatalf("unexpected weather config: %+v", base.weather)
	}
	if base.weather.Channel != 2 {
		t.Fatalf("expected channel 2, got %d", base.weather.Channel)
	}
	if base.weather.Entities["temperature"] != "sensor.outdoor_temp" {
		t.Fatalf("expected entity mapping, got %v", base.weather.Entities)
	}
}
