package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("EXEC_ENV")
	os.Unsetenv("EXEC_VENUES")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Env != Development {
		t.Errorf("Env = %v, want development", cfg.Env)
	}
	if len(cfg.Venues) != 1 || cfg.Venues[0].Name != "sim" {
		t.Errorf("Venues = %+v, want one sim venue", cfg.Venues)
	}
	if cfg.WalDir == "" {
		t.Error("WalDir should have a default")
	}
}

func TestParseVenuesMultiple(t *testing.T) {
	venues := parseVenues("alpha:sim:local, beta:onchain:https://rpc.example")
	if len(venues) != 2 {
		t.Fatalf("expected 2 venues, got %d", len(venues))
	}
	if venues[0].Name != "alpha" || venues[0].Kind != "sim" {
		t.Errorf("venue[0] = %+v", venues[0])
	}
	if venues[1].Name != "beta" || venues[1].Kind != "onchain" || venues[1].Endpoint != "https://rpc.example" {
		t.Errorf("venue[1] = %+v", venues[1])
	}
}

func TestValidateRequiresVenue(t *testing.T) {
	cfg := &Config{Env: Development, WalDir: "data", OperatorPort: 8090}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing venues")
	}
}

func TestValidateProductionRequiresSecretOrKeyVault(t *testing.T) {
	os.Unsetenv("EXEC_HMAC_SECRET")
	cfg := &Config{
		Env:           Production,
		WalDir:        "data",
		OperatorPort:  8090,
		HMACSecretEnv: "EXEC_HMAC_SECRET",
		DatabaseDSN:   "postgres://x",
		Venues:        []VenueConfig{{Name: "sim", Kind: "sim"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error when no HMAC secret or key vault configured")
	}
}
