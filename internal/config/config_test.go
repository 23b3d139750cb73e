package config

import (
	"reflect"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("session.signing_secret", "secret")
	configViper.Set("geocode.api_key", "maps-key")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected address: %q", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != "waymark.db" {
		t.Fatalf("unexpected database path: %q", cfg.DatabasePath)
	}
	if !reflect.DeepEqual(cfg.Games, []string{"5", "6"}) {
		t.Fatalf("unexpected games: %v", cfg.Games)
	}
	if cfg.SessionCookieName != "waymark_session" {
		t.Fatalf("unexpected cookie name: %q", cfg.SessionCookieName)
	}
	if cfg.SessionTTL != 30*24*time.Hour {
		t.Fatalf("unexpected session ttl: %v", cfg.SessionTTL)
	}
	if cfg.LockTimeout != 5*time.Second {
		t.Fatalf("unexpected lock timeout: %v", cfg.LockTimeout)
	}
}

func TestLoadRequiresSecrets(t *testing.T) {
	missingSecret := NewViper()
	missingSecret.Set("geocode.api_key", "maps-key")
	if _, err := Load(missingSecret); err == nil {
		t.Fatalf("expected error without signing secret")
	}

	missingKey := NewViper()
	missingKey.Set("session.signing_secret", "secret")
	if _, err := Load(missingKey); err == nil {
		t.Fatalf("expected error without geocode api key")
	}
}

func TestLoadParsesGamesList(t *testing.T) {
	configViper := NewViper()
	configViper.Set("session.signing_secret", "secret")
	configViper.Set("geocode.api_key", "maps-key")
	configViper.Set("games", " 5, 7 ,, 12 ")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !reflect.DeepEqual(cfg.Games, []string{"5", "7", "12"}) {
		t.Fatalf("unexpected games: %v", cfg.Games)
	}
}

func TestLoadRejectsEmptyGames(t *testing.T) {
	configViper := NewViper()
	configViper.Set("session.signing_secret", "secret")
	configViper.Set("geocode.api_key", "maps-key")
	configViper.Set("games", " , ")

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for empty games list")
	}
}
