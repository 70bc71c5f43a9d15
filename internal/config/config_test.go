package config

import "testing"

func TestParseSituationPartitions_Default(t *testing.T) {
	got, err := parseSituationPartitions("")
	if err != nil {
		t.Fatal(err)
	}
	if len(got["pending"]) != 3 || len(got["settled"]) != 2 || len(got["cancelled"]) != 1 {
		t.Fatalf("unexpected default partitions: %+v", got)
	}
}

func TestParseSituationPartitions_Custom(t *testing.T) {
	got, err := parseSituationPartitions("fast:REGISTRADA;slow:AVERBADA,CANCELADA")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 partitions, got %+v", got)
	}
	if len(got["fast"]) != 1 || got["fast"][0] != "REGISTRADA" {
		t.Fatalf("unexpected fast partition: %+v", got["fast"])
	}
	if len(got["slow"]) != 2 {
		t.Fatalf("unexpected slow partition: %+v", got["slow"])
	}
}

func TestParseSituationPartitions_MalformedClause(t *testing.T) {
	if _, err := parseSituationPartitions("badclause"); err == nil {
		t.Fatal("expected an error for a clause without a ':'")
	}
	if _, err := parseSituationPartitions("name:"); err == nil {
		t.Fatal("expected an error for a partition with no situations")
	}
}

func TestLoad_FailsFastOnMissingRequiredFields(t *testing.T) {
	t.Setenv("CLIENT_ID", "")
	t.Setenv("CLIENT_SECRET", "")
	t.Setenv("TOKEN_URL", "")
	t.Setenv("SISCOMEX_BASE_URL", "")
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected Load to fail when required fields are missing")
	}
}

func TestLoad_DefaultsAppliedWhenOptionalFieldsUnset(t *testing.T) {
	t.Setenv("CLIENT_ID", "id")
	t.Setenv("CLIENT_SECRET", "secret")
	t.Setenv("TOKEN_URL", "https://example.test/token")
	t.Setenv("SISCOMEX_BASE_URL", "https://example.test")
	t.Setenv("DATABASE_URL", "postgres://localhost/test")

	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.RateLimitPerHour != 1000 || c.SafeRequestLimit != 900 || c.Workers != 4 {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if c.Location == nil {
		t.Fatal("expected a resolved Location")
	}
}

func TestLoad_SafeRequestLimitDerivesFromRateLimitHourWhenUnset(t *testing.T) {
	t.Setenv("CLIENT_ID", "id")
	t.Setenv("CLIENT_SECRET", "secret")
	t.Setenv("TOKEN_URL", "https://example.test/token")
	t.Setenv("SISCOMEX_BASE_URL", "https://example.test")
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("RATE_LIMIT_HOUR", "200")

	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.RateLimitPerHour != 200 || c.SafeRequestLimit != 180 {
		t.Fatalf("expected SAFE_REQUEST_LIMIT to derive as 0.9*RATE_LIMIT_HOUR, got %+v", c)
	}
}

func TestLoad_SafeRequestLimitExplicitOverridesDerivation(t *testing.T) {
	t.Setenv("CLIENT_ID", "id")
	t.Setenv("CLIENT_SECRET", "secret")
	t.Setenv("TOKEN_URL", "https://example.test/token")
	t.Setenv("SISCOMEX_BASE_URL", "https://example.test")
	t.Setenv("DATABASE_URL", "postgres://localhost/test")
	t.Setenv("RATE_LIMIT_HOUR", "200")
	t.Setenv("SAFE_REQUEST_LIMIT", "50")

	c, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if c.SafeRequestLimit != 50 {
		t.Fatalf("expected explicit SAFE_REQUEST_LIMIT to win, got %+v", c)
	}
}
