package kafka

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"rapidlog/internal/queue"
)

func TestParseParamsMissingBrokers(t *testing.T) {
	_, err := ParseParams(map[string]string{})
	if err == nil {
		t.Fatal("expected error for missing brokers")
	}
	if !strings.Contains(err.Error(), "brokers") {
		t.Errorf("error should mention brokers: %v", err)
	}
}

func TestParseParamsDefaults(t *testing.T) {
	cfg, err := ParseParams(map[string]string{"brokers": "a:9092, b:9092 ,"})
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Brokers) != 2 || cfg.Brokers[0] != "a:9092" || cfg.Brokers[1] != "b:9092" {
		t.Errorf("Brokers = %v", cfg.Brokers)
	}
	if cfg.Partitions != 1 {
		t.Errorf("Partitions = %d, want 1", cfg.Partitions)
	}
	if cfg.ReplicationFactor != -1 {
		t.Errorf("ReplicationFactor = %d, want -1", cfg.ReplicationFactor)
	}
	if cfg.TLS || cfg.SASL != nil {
		t.Errorf("unexpected TLS/SASL: %+v", cfg)
	}
}

func TestParseParamsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		params map[string]string
	}{
		{"bad partitions", map[string]string{"brokers": "x", "partitions": "zero"}},
		{"zero partitions", map[string]string{"brokers": "x", "partitions": "0"}},
		{"zero replication", map[string]string{"brokers": "x", "replication_factor": "0"}},
		{"bad sasl", map[string]string{"brokers": "x", "sasl_mechanism": "gssapi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseParams(tt.params); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestParseParamsSASL(t *testing.T) {
	for _, mech := range []string{"plain", "SCRAM-SHA-256", "scram-sha-512"} {
		t.Run(mech, func(t *testing.T) {
			cfg, err := ParseParams(map[string]string{
				"brokers":        "x",
				"sasl_mechanism": mech,
				"sasl_user":      "u",
				"sasl_password":  "p",
				"tls":            "true",
			})
			if err != nil {
				t.Fatal(err)
			}
			if !cfg.TLS {
				t.Error("expected TLS")
			}
			if cfg.SASL == nil || cfg.SASL.Mechanism != strings.ToLower(mech) || cfg.SASL.User != "u" {
				t.Fatalf("SASL = %+v", cfg.SASL)
			}
			m, err := buildSASLMechanism(cfg.SASL)
			if err != nil {
				t.Fatal(err)
			}
			if m == nil {
				t.Fatal("nil mechanism")
			}
		})
	}
}

func TestBuildSASLMechanismUnknown(t *testing.T) {
	if _, err := buildSASLMechanism(&SASLConfig{Mechanism: "kerberos"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	msg := &queue.Message{
		ID:         "m-1",
		Body:       []byte("hello"),
		Properties: map[string]string{queue.PropSource: "app"},
		Timestamp:  ts,
	}
	rec := toRecord("repo.write", msg)
	if rec.Topic != "repo.write" || string(rec.Key) != "m-1" {
		t.Fatalf("record = %+v", rec)
	}

	got := toMessage(rec, 3)
	if got.ID != "m-1" || string(got.Body) != "hello" || !got.Timestamp.Equal(ts) {
		t.Errorf("message = %+v", got)
	}
	if got.Property(queue.PropSource) != "app" {
		t.Errorf("source = %q", got.Property(queue.PropSource))
	}
	if _, ok := got.Properties[headerMessageID]; ok {
		t.Error("message ID header leaked into properties")
	}
	if got.Deliveries != 3 {
		t.Errorf("Deliveries = %d, want 3", got.Deliveries)
	}
}

func TestToMessageWithoutIDHeader(t *testing.T) {
	rec := &kgo.Record{Topic: "t", Partition: 2, Offset: 42, Value: []byte("x")}
	if got := toMessage(rec, 1).ID; got != "t/2/42" {
		t.Errorf("ID = %q, want t/2/42", got)
	}
}

func TestToRecordAssignsID(t *testing.T) {
	rec := toRecord("a", &queue.Message{Body: []byte("x")})
	if len(rec.Key) == 0 {
		t.Fatal("expected generated key")
	}
	if rec.Timestamp.IsZero() {
		t.Error("expected timestamp")
	}
}

func TestUnsupportedSettings(t *testing.T) {
	tr := &Transport{}
	if err := tr.SetAddressSettings("#", queue.AddressSettings{}); !errors.Is(err, queue.ErrUnsupported) {
		t.Errorf("SetAddressSettings err = %v", err)
	}
	if err := tr.AddSecuritySettings("#", "a", "b"); !errors.Is(err, queue.ErrUnsupported) {
		t.Errorf("AddSecuritySettings err = %v", err)
	}
}
