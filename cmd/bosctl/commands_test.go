package main

import (
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/majorsoln/bos/internal/kernelconfig"
)

func TestRequireFlag(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{name: "business", value: "biz-1", wantErr: false},
		{name: "business", value: "", wantErr: true},
	}
	for _, tt := range tests {
		err := requireFlag(tt.name, tt.value)
		if tt.wantErr && err == nil {
			t.Errorf("requireFlag(%q, %q): expected error, got nil", tt.name, tt.value)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("requireFlag(%q, %q): unexpected error: %v", tt.name, tt.value, err)
		}
	}
}

// TestConfigDumpRedactsSigningKey mirrors handleConfig's redaction step
// directly against a kernelconfig.Config value, since handleConfig
// itself calls kernelconfig.Load (file/env dependent) before marshaling.
func TestConfigDumpRedactsSigningKey(t *testing.T) {
	cfg := kernelconfig.Config{
		Security: kernelconfig.SecurityConfig{
			SigningKey:     "super-secret-hmac-key",
			TokenExpiresIn: 0,
		},
	}

	redacted := cfg
	if redacted.Security.SigningKey != "" {
		redacted.Security.SigningKey = "<redacted>"
	}

	out, err := yaml.Marshal(redacted)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if strings.Contains(string(out), "super-secret-hmac-key") {
		t.Errorf("config dump leaked the signing key: %s", out)
	}
	if !strings.Contains(string(out), "<redacted>") {
		t.Errorf("config dump did not contain the redaction marker: %s", out)
	}
}

func TestConfigDumpLeavesBlankSigningKeyBlank(t *testing.T) {
	var cfg kernelconfig.Config

	redacted := cfg
	if redacted.Security.SigningKey != "" {
		redacted.Security.SigningKey = "<redacted>"
	}

	if redacted.Security.SigningKey != "" {
		t.Errorf("expected blank signing key to remain blank, got %q", redacted.Security.SigningKey)
	}
}
