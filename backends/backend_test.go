package backends

import (
	"testing"

	"github.com/mailchannels/mimescan/log"
	"github.com/mailchannels/mimescan/mail"
	"github.com/mailchannels/mimescan/mail/mime"
)

func TestGatewayProcess(t *testing.T) {
	l, _ := log.GetLogger("off", "info")
	cfg := BackendConfig{
		"scan_process":     "Debugger",
		"log_scan_reports": true,
	}
	b, err := New(cfg, l)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Start(); err != nil {
		t.Fatal(err)
	}
	e := mail.NewEnvelope("127.0.0.1", 1)
	e.Subject = "hello"
	e.Flags = mime.ErrNesting
	result := b.Process(e)
	if result.Code() != 250 {
		t.Error("expecting 250, got:", result.String())
	}
	if err := b.Shutdown(); err != nil {
		t.Error(err)
	}
	// processing after shutdown must refuse, not crash
	result = b.Process(e)
	if result.Code() != 554 {
		t.Error("expecting 554 after shutdown, got:", result.String())
	}
}

func TestGatewayUnknownProcessor(t *testing.T) {
	l, _ := log.GetLogger("off", "info")
	cfg := BackendConfig{"scan_process": "NoSuchThing"}
	if _, err := New(cfg, l); err == nil {
		t.Error("an unknown processor must fail initialization")
	}
}

func TestExtractConfig(t *testing.T) {
	type testConfig struct {
		Name  string `json:"test_name"`
		Count int    `json:"test_count"`
		Flag  bool   `json:"test_flag,omitempty"`
	}
	cfg := BackendConfig{
		"test_name":  "x",
		"test_count": float64(3), // json numbers decode as float64
	}
	out, err := Svc.ExtractConfig(cfg, &testConfig{})
	if err != nil {
		t.Fatal(err)
	}
	got := out.(*testConfig)
	if got.Name != "x" || got.Count != 3 || got.Flag {
		t.Error("config not extracted:", got)
	}

	// a missing non-omitempty field is an error
	if _, err := Svc.ExtractConfig(BackendConfig{"test_name": "x"}, &testConfig{}); err == nil {
		t.Error("missing test_count should be reported")
	}
}

func TestResultCode(t *testing.T) {
	if NewResult("250 2.0.0 OK").Code() != 250 {
		t.Error("should parse 250")
	}
	if NewResult("junk").Code() != 554 {
		t.Error("unparseable results default to 554")
	}
}
