package server

import (
	"net/http/httptest"
	"testing"
)

func configureOrigins(t *testing.T, origins ...string) {
	t.Helper()
	t.Cleanup(func() { SetConfig(nil) })
	cfg := NewConfig()
	cfg.AllowedOrigins = origins
	SetConfig(cfg)
}

func TestCheckOriginAllowsConfiguredOrigin(t *testing.T) {
	configureOrigins(t, "https://app.example.com")

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "https://app.example.com")
	if !checkOrigin(r) {
		t.Error("configured origin was rejected")
	}
}

func TestCheckOriginNormalizesCase(t *testing.T) {
	configureOrigins(t, "https://App.Example.com")

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "HTTPS://app.example.COM")
	if !checkOrigin(r) {
		t.Error("origin differing only in case was rejected")
	}
}

func TestCheckOriginRejectsUnknownOrigin(t *testing.T) {
	configureOrigins(t, "https://app.example.com")

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	if checkOrigin(r) {
		t.Error("unlisted origin was accepted")
	}
}

func TestCheckOriginRejectsMissingHeader(t *testing.T) {
	configureOrigins(t, "https://app.example.com")

	r := httptest.NewRequest("GET", "/ws", nil)
	if checkOrigin(r) {
		t.Error("request without an Origin header was accepted")
	}
}

func TestCheckOriginWildcardAllowsEverything(t *testing.T) {
	configureOrigins(t, "*")

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "https://anywhere.example.com")
	if !checkOrigin(r) {
		t.Error("wildcard configuration rejected an origin")
	}
}

func TestNormalizeOriginsDropsInvalidEntries(t *testing.T) {
	normalized, allowAll := normalizeOrigins([]string{"https://good.example.com", "not a url", "", "*"})

	if !allowAll {
		t.Error("wildcard entry not recognized")
	}
	if len(normalized) != 1 || normalized[0] != "https://good.example.com" {
		t.Errorf("normalized = %v", normalized)
	}
}
