package configutil

import (
	"strings"
	"testing"
)

type sampleSettings struct {
	Endpoint      string `mapstructure:"endpoint"`
	MaxReconnects int    `mapstructure:"max_reconnects"`
	SmartFormat   bool   `mapstructure:"smart_format"`
}

func TestDecodeSettingsNormalizesKeys(t *testing.T) {
	var out sampleSettings
	err := DecodeSettings(map[string]any{
		"Endpoint":      "ws://localhost:8012",
		"maxReconnects": 5,
		"smart-format":  "true",
	}, &out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Endpoint != "ws://localhost:8012" {
		t.Fatalf("endpoint = %q", out.Endpoint)
	}
	if out.MaxReconnects != 5 {
		t.Fatalf("max reconnects = %d", out.MaxReconnects)
	}
	if !out.SmartFormat {
		t.Fatal("weakly typed bool not decoded")
	}
}

func TestDecodeSettingsEmptyInputIsNoop(t *testing.T) {
	out := sampleSettings{Endpoint: "keep"}
	if err := DecodeSettings(nil, &out); err != nil {
		t.Fatalf("decode nil: %v", err)
	}
	if out.Endpoint != "keep" {
		t.Fatalf("endpoint = %q", out.Endpoint)
	}
}

func TestValidateSettingsMissingRequired(t *testing.T) {
	schema := Schema{Required: []string{"endpoint"}, Optional: []string{"max_reconnects"}}
	err := ValidateSettings(map[string]any{"max_reconnects": 2}, schema)
	if err == nil || !strings.Contains(err.Error(), "missing: endpoint") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidateSettingsUnknownKey(t *testing.T) {
	schema := Schema{Optional: []string{"endpoint"}}
	err := ValidateSettings(map[string]any{"endpont": "typo"}, schema)
	if err == nil || !strings.Contains(err.Error(), "unknown: endpont") {
		t.Fatalf("err = %v", err)
	}
	if err := ValidateSettings(map[string]any{"endpont": "typo"}, Schema{AllowUnknown: true}); err != nil {
		t.Fatalf("allow unknown: %v", err)
	}
}

func TestValidateSettingsEmptyRequiredValue(t *testing.T) {
	schema := Schema{Required: []string{"endpoint"}}
	err := ValidateSettings(map[string]any{"endpoint": "   "}, schema)
	if err == nil || !strings.Contains(err.Error(), "missing: endpoint") {
		t.Fatalf("err = %v", err)
	}
}

func TestRequireString(t *testing.T) {
	if err := RequireString(" ", "provider.credential"); err == nil {
		t.Fatal("blank value must fail")
	}
	if err := RequireString("ok", "provider.credential"); err != nil {
		t.Fatalf("err = %v", err)
	}
}
