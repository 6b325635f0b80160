package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	return &Config{
		Port:               "8000",
		Env:                "development",
		Backend:            BackendMemory,
		Database:           "ehrstore",
		PatientsCollection: "patients",
		EHRCollection:      "ehr",
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("BACKEND", BackendMemory)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8000" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.Env != "development" || !cfg.IsDev() {
		t.Errorf("Env = %q", cfg.Env)
	}
	if cfg.Database != "ehrstore" {
		t.Errorf("Database = %q", cfg.Database)
	}
	if cfg.PatientsCollection != "patients" || cfg.EHRCollection != "ehr" {
		t.Errorf("collections = %q / %q", cfg.PatientsCollection, cfg.EHRCollection)
	}
	if cfg.DBMaxConns != 20 || cfg.DBMinConns != 5 {
		t.Errorf("conn limits = %d / %d", cfg.DBMaxConns, cfg.DBMinConns)
	}
	if len(cfg.CORSOrigins) == 0 {
		t.Error("expected default CORS origins")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("BACKEND", BackendPostgres)
	t.Setenv("DATABASE_URL", "postgres://localhost/ehr")
	t.Setenv("PORT", "9000")
	t.Setenv("DATABASE", "clinic")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9000" || cfg.Database != "clinic" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.DatabaseURL != "postgres://localhost/ehr" {
		t.Errorf("DatabaseURL = %q", cfg.DatabaseURL)
	}
}

func TestLoad_PostgresRequiresDatabaseURL(t *testing.T) {
	t.Setenv("BACKEND", BackendPostgres)
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when DATABASE_URL is missing")
	}
}

func TestValidate_UnknownBackend(t *testing.T) {
	cfg := validConfig()
	cfg.Backend = "couch"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected backend error")
	}
}

func TestValidate_Collections(t *testing.T) {
	cfg := validConfig()
	cfg.EHRCollection = ""
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for empty collection")
	}

	cfg = validConfig()
	cfg.EHRCollection = cfg.PatientsCollection
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for identical collections")
	}
}

func TestValidate_AuthSecretOutsideDev(t *testing.T) {
	cfg := validConfig()
	cfg.Env = "production"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "AUTH_SECRET") {
		t.Fatalf("expected AUTH_SECRET error, got %v", err)
	}

	cfg.AuthSecret = "s3cret"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate with secret: %v", err)
	}
	if !cfg.IsProduction() {
		t.Error("IsProduction should be true")
	}
}
