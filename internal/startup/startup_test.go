package startup

import (
	"os"
	"testing"
	"time"
)

func TestGetBuildInfo(t *testing.T) {
	info := GetBuildInfo()

	if info.Version == "" {
		t.Error("Expected Version to be set")
	}
	if info.GoVersion == "" {
		t.Error("Expected GoVersion to be set")
	}
	if info.OS == "" {
		t.Error("Expected OS to be set")
	}
	if info.Arch == "" {
		t.Error("Expected Arch to be set")
	}
	if info.GoVersion != GoVersion {
		t.Errorf("Expected GoVersion=%s, got %s", GoVersion, info.GoVersion)
	}
}

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
		setEnv       bool
	}{
		{
			name:         "Returns default when env var not set",
			key:          "TEST_UNSET_VAR",
			defaultValue: "default",
			want:         "default",
			setEnv:       false,
		},
		{
			name:         "Returns env value when set",
			key:          "TEST_SET_VAR",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
			setEnv:       true,
		},
		{
			name:         "Returns default when env var is empty",
			key:          "TEST_EMPTY_VAR",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
			setEnv:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.setEnv {
				t.Setenv(tt.key, tt.envValue)
			} else {
				os.Unsetenv(tt.key)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv(%q, %q) = %q, want %q", tt.key, tt.defaultValue, got, tt.want)
			}
		})
	}
}

func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     int
	}{
		{"Unset uses default", "", 8},
		{"Valid value passes through", "16", 16},
		{"Garbage uses default", "lots", 8},
		{"Below minimum clamps up", "0", 1},
		{"Above maximum clamps down", "500", 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_PREFETCH", tt.envValue)
			got := getEnvInt("TEST_PREFETCH", 8, 1, 64)
			if got != tt.want {
				t.Errorf("getEnvInt(%q) = %d, want %d", tt.envValue, got, tt.want)
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     time.Duration
	}{
		{"Unset uses default", "", 300 * time.Second},
		{"Go duration accepted", "5m", 5 * time.Minute},
		{"Bare number read as seconds", "120", 120 * time.Second},
		{"Garbage uses default", "soon", 300 * time.Second},
		{"Below minimum clamps up", "10s", 60 * time.Second},
		{"Above maximum clamps down", "2h", 3600 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_SYNC_INTERVAL", tt.envValue)
			got := getEnvDuration("TEST_SYNC_INTERVAL", 300*time.Second, 60*time.Second, 3600*time.Second)
			if got != tt.want {
				t.Errorf("getEnvDuration(%q) = %s, want %s", tt.envValue, got, tt.want)
			}
		})
	}
}

func TestGetEnvFloat(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     float64
	}{
		{"Unset uses default", "", 1.0},
		{"Valid ratio passes through", "0.25", 0.25},
		{"Negative clamps to zero", "-1", 0},
		{"Above one clamps to one", "3.5", 1.0},
		{"Garbage uses default", "most", 1.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("TEST_TOLERANCE", tt.envValue)
			got := getEnvFloat("TEST_TOLERANCE", 1.0, 0, 1)
			if got != tt.want {
				t.Errorf("getEnvFloat(%q) = %g, want %g", tt.envValue, got, tt.want)
			}
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "false")
	if getEnvBool("TEST_BOOL", true) {
		t.Error("explicit false ignored")
	}
	t.Setenv("TEST_BOOL", "not-a-bool")
	if !getEnvBool("TEST_BOOL", true) {
		t.Error("invalid value must fall back to default")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("CATALOG_DIR", dir+"/catalog")
	t.Setenv("CACHE_ROOT", dir+"/cache")
	t.Setenv("QUEUE_PREFETCH", "8")

	config, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if config.CatalogPath != dir+"/catalog/catalog.db" {
		t.Errorf("CatalogPath = %s", config.CatalogPath)
	}
	if config.ThumbnailDir != dir+"/cache/thumbnails" {
		t.Errorf("ThumbnailDir = %s", config.ThumbnailDir)
	}
	if config.JobMonitorInterval != 5*time.Second {
		t.Errorf("JobMonitorInterval = %s, want 5s", config.JobMonitorInterval)
	}
	if config.QueuePrefetch != 8 || config.QueueMaxRetries != 5 {
		t.Errorf("queue knobs = %d/%d, want 8/5", config.QueuePrefetch, config.QueueMaxRetries)
	}
	if config.StageFailureTolerance != 1.0 {
		t.Errorf("StageFailureTolerance = %g, want 1.0", config.StageFailureTolerance)
	}
	if config.IndexThumbTTL != 720*time.Hour {
		t.Errorf("IndexThumbTTL = %s, want 720h", config.IndexThumbTTL)
	}

	// Required directories are created by LoadConfig
	if _, err := os.Stat(config.ThumbnailDir); err != nil {
		t.Errorf("thumbnail directory not created: %v", err)
	}
}

func TestLoadConfigRejectsFileAsCatalogDir(t *testing.T) {
	dir := t.TempDir()
	file := dir + "/occupied"
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CATALOG_DIR", file)
	t.Setenv("CACHE_ROOT", dir+"/cache")

	if _, err := LoadConfig(); err == nil {
		t.Error("LoadConfig accepted a regular file as the catalog directory")
	}
}
