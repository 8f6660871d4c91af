package app

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, k := range []string{"RELAY_HTTP_ADDR", "RELAY_STORE", "RELAY_DATABASE_URL", "RELAY_MONGO_URI", "RELAY_WS_ALLOWED_ORIGINS", "RELAY_WS_ORIGIN_REQUIRED"} {
		t.Setenv(k, "")
	}

	cfg := LoadConfig()
	if cfg.HTTPAddr != "0.0.0.0:8080" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.StoreKind() != StoreMemory {
		t.Fatalf("StoreKind()=%q want memory", cfg.StoreKind())
	}
	if !cfg.WSOriginRequired {
		t.Fatalf("origin must be required by default")
	}
	want := []string{"http://localhost", "http://127.0.0.1"}
	if !reflect.DeepEqual(cfg.WSAllowedOrigins, want) {
		t.Fatalf("WSAllowedOrigins=%v want %v", cfg.WSAllowedOrigins, want)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("RELAY_HTTP_ADDR", "127.0.0.1:9999")
	t.Setenv("RELAY_STORE", "Mongo")
	t.Setenv("RELAY_MONGO_URI", "mongodb://localhost:27017")
	t.Setenv("RELAY_WS_ALLOWED_ORIGINS", " https://a.example.com , ,https://b.example.com")
	t.Setenv("RELAY_WS_ORIGIN_REQUIRED", "false")
	t.Setenv("RELAY_WS_SEND_QUEUE", "64")
	t.Setenv("RELAY_WS_RATE_WINDOW", "3s")

	cfg := LoadConfig()
	if cfg.StoreKind() != StoreMongo {
		t.Fatalf("StoreKind()=%q want mongo", cfg.StoreKind())
	}
	gw := cfg.Gateway()
	if gw.OriginRequired {
		t.Fatalf("origin policy override ignored")
	}
	if !reflect.DeepEqual(gw.AllowedOrigins, []string{"https://a.example.com", "https://b.example.com"}) {
		t.Fatalf("AllowedOrigins=%v", gw.AllowedOrigins)
	}
	if gw.SendQueueSize != 64 || gw.RateWindow != 3*time.Second {
		t.Fatalf("gateway config=%+v", gw)
	}
	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
}

func TestConfig_StoreKindInference(t *testing.T) {
	t.Parallel()

	cases := []struct {
		cfg  Config
		want string
	}{
		{cfg: Config{}, want: StoreMemory},
		{cfg: Config{DatabaseURL: "postgres://x"}, want: StorePostgres},
		{cfg: Config{MongoURI: "mongodb://x"}, want: StoreMongo},
		{cfg: Config{DatabaseURL: "postgres://x", MongoURI: "mongodb://x"}, want: StorePostgres},
		{cfg: Config{Store: StoreMemory, DatabaseURL: "postgres://x"}, want: StoreMemory},
	}
	for _, tc := range cases {
		if got := tc.cfg.StoreKind(); got != tc.want {
			t.Fatalf("StoreKind(%+v)=%q want %q", tc.cfg, got, tc.want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	bad := []Config{
		{HTTPAddr: ":8080", Store: StorePostgres},
		{HTTPAddr: ":8080", Store: StoreMongo},
		{HTTPAddr: ":8080", Store: "redis"},
		{HTTPAddr: " "},
	}
	for _, c := range bad {
		if err := c.Validate(); err == nil {
			t.Fatalf("Validate(%+v) expected error", c)
		}
	}
	if err := (Config{HTTPAddr: ":8080", Store: StorePostgres, DatabaseURL: "postgres://x"}).Validate(); err != nil {
		t.Fatalf("valid postgres config: %v", err)
	}
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, ".env")
	if err := os.WriteFile(p, []byte("RELAY_TEST_ENV_A=from-file\nRELAY_TEST_ENV_B=from-file\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	t.Setenv("RELAY_TEST_ENV_A", "preset")
	// Registers cleanup; the variable must be unset for godotenv to fill it.
	t.Setenv("RELAY_TEST_ENV_B", "")
	if err := os.Unsetenv("RELAY_TEST_ENV_B"); err != nil {
		t.Fatalf("unsetenv: %v", err)
	}

	if err := LoadEnvFiles(false, p); err != nil {
		t.Fatalf("LoadEnvFiles: %v", err)
	}
	if got := os.Getenv("RELAY_TEST_ENV_A"); got != "preset" {
		t.Fatalf("existing variable overwritten: %q", got)
	}
	if got := os.Getenv("RELAY_TEST_ENV_B"); got != "from-file" {
		t.Fatalf("RELAY_TEST_ENV_B=%q want from-file", got)
	}

	missing := filepath.Join(dir, "missing.env")
	if err := LoadEnvFiles(true, missing); err != nil {
		t.Fatalf("optional missing file: %v", err)
	}
	if err := LoadEnvFiles(false, missing); err == nil {
		t.Fatalf("required missing file must fail")
	}
}

func TestEnvHelpers_FallBackOnGarbage(t *testing.T) {
	t.Setenv("RELAY_TEST_INT", "-3")
	t.Setenv("RELAY_TEST_BOOL", "maybe")
	t.Setenv("RELAY_TEST_DUR", "soon")
	t.Setenv("RELAY_TEST_I32", "99999999999")
	t.Setenv("RELAY_TEST_LIST", " , ")

	if got := EnvInt("RELAY_TEST_INT", 7); got != 7 {
		t.Fatalf("EnvInt=%d want 7", got)
	}
	if got := EnvBool("RELAY_TEST_BOOL", true); !got {
		t.Fatalf("EnvBool fell through to false")
	}
	if got := EnvDuration("RELAY_TEST_DUR", time.Second); got != time.Second {
		t.Fatalf("EnvDuration=%v", got)
	}
	if got := EnvInt32("RELAY_TEST_I32", 5); got != 5 {
		t.Fatalf("EnvInt32=%d want 5", got)
	}
	if got := EnvList("RELAY_TEST_LIST", []string{"x"}); !reflect.DeepEqual(got, []string{"x"}) {
		t.Fatalf("EnvList=%v", got)
	}
}

func TestConfig_Password(t *testing.T) {
	t.Parallel()

	pw := Config{PasswordMinLen: 10, Argon2MemoryKiB: 4096, Argon2Iterations: 1 << 10}.Password()
	if pw.MinLength != 10 || pw.Params.MemoryKiB != 4096 {
		t.Fatalf("overrides not applied: %+v", pw)
	}
	if pw.Params.Iterations != 3 {
		t.Fatalf("out-of-range iterations must keep the default, got %d", pw.Params.Iterations)
	}
	if err := (Config{HTTPAddr: ":1", PasswordMinLen: 20, PasswordMaxLen: 10}).Validate(); err == nil {
		t.Fatalf("min > max must fail validation")
	}
}
