package telemetry

import (
	"context"
	"strings"
	"testing"
)

func TestSafeAttributesFiltersSensitiveKeys(t *testing.T) {
	kvs := map[string]interface{}{
		"input":         "should drop",
		"prompt":        "drop",
		"api_key":       "sk-123",
		"patient_name":  "Jane",
		"authorization": "secret",
		"long_string":   string(make([]byte, 600)),
		"department":    "cardiology",
		"session_turn":  float64(3),
		"note":          "call 5551234567",
		"nested":        map[string]any{"x": 1},
	}

	attrs := SafeAttributes(kvs)
	got := map[string]string{}
	for _, a := range attrs {
		got[string(a.Key)] = a.Value.Emit()
	}

	for _, bad := range []string{"input", "prompt", "api_key", "patient_name", "authorization", "long_string", "nested"} {
		if _, ok := got[metaPrefix+bad]; ok {
			t.Fatalf("unexpected attribute %s", bad)
		}
	}
	if got[metaPrefix+"department"] != "cardiology" {
		t.Fatalf("expected department attribute, got %v", got)
	}
	if _, ok := got[metaPrefix+"session_turn"]; !ok {
		t.Fatalf("expected numeric attribute to be kept, got %v", got)
	}
	if strings.Contains(got[metaPrefix+"note"], "5551234567") {
		t.Fatalf("expected phone to be masked, got %q", got[metaPrefix+"note"])
	}
}

func TestSafeAttributesSortedAndEmpty(t *testing.T) {
	if SafeAttributes(nil) != nil {
		t.Fatalf("expected nil for empty metadata")
	}
	attrs := SafeAttributes(map[string]any{"b": "2", "a": "1", "c": true})
	if len(attrs) != 3 || attrs[0].Key != metaPrefix+"a" || attrs[2].Key != metaPrefix+"c" {
		t.Fatalf("unexpected attribute order: %v", attrs)
	}
}

func TestDisabledProviderIsUsable(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if p.Enabled {
		t.Fatalf("expected disabled provider")
	}
	ctx := context.Background()
	p.RecordEvaluation(ctx, "SAFE", "m", 0.1, 1.5)
	p.RecordAlert(ctx, "phi_exposure", "HIGH")
	p.RecordPersistenceFailure(ctx, "append_evaluation")
	_, span := p.Tracer().Start(ctx, "test")
	span.End()
	p.Shutdown(ctx)

	var nilProvider *Provider
	nilProvider.RecordEvaluation(ctx, "SAFE", "m", 0, 0)
}

func TestUnsupportedProtocol(t *testing.T) {
	if _, err := NewProvider(context.Background(), Config{Enabled: true, Protocol: "udp"}); err == nil {
		t.Fatalf("expected error for unsupported protocol")
	}
}
