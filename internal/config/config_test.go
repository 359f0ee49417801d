package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected addr %s", cfg.HTTPAddr)
	}
	if cfg.OfferTimeout != 20*time.Second {
		t.Fatalf("unexpected offer timeout %s", cfg.OfferTimeout)
	}
	if cfg.GeofenceRadius != 50 || cfg.GeofenceDwell != 10*time.Second {
		t.Fatalf("unexpected geofence config %v/%v", cfg.GeofenceRadius, cfg.GeofenceDwell)
	}
	if cfg.SearchRadiusMeters != 5000 || cfg.MaxCandidates != 8 {
		t.Fatalf("unexpected search config %v/%v", cfg.SearchRadiusMeters, cfg.MaxCandidates)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DISPATCH_OFFER_TIMEOUT", "45s")
	t.Setenv("DISPATCH_MAX_CANDIDATES", "3")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092 ,")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.OfferTimeout != 45*time.Second {
		t.Fatalf("override not applied: %s", cfg.OfferTimeout)
	}
	if cfg.MaxCandidates != 3 {
		t.Fatalf("override not applied: %d", cfg.MaxCandidates)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("broker list not trimmed: %v", cfg.KafkaBrokers)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("log level not lowered: %s", cfg.LogLevel)
	}
}

func TestLoadCollectsAllErrors(t *testing.T) {
	t.Setenv("DISPATCH_OFFER_TIMEOUT", "soon")
	t.Setenv("DISPATCH_MAX_CANDIDATES", "-1")
	t.Setenv("GEOFENCE_RADIUS_M", "not-a-number")

	_, err := LoadServerConfig()
	if err == nil {
		t.Fatal("expected error")
	}
	msg := err.Error()
	for _, want := range []string{"DISPATCH_OFFER_TIMEOUT", "DISPATCH_MAX_CANDIDATES", "GEOFENCE_RADIUS_M"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error missing %s: %v", want, err)
		}
	}
}
