package cli

import (
	"testing"

	"github.com/multimirror/multimirror/internal/client"
)

type discardLogger struct{ warnings []string }

func (l *discardLogger) Warnf(format string, args ...any) {
	l.warnings = append(l.warnings, format)
}

func TestAcceptURLValidHTTP(t *testing.T) {
	log := &discardLogger{}
	target, ok := acceptURL("http://mirror.example:8080/path/to/file.bin", log)
	if !ok {
		t.Fatalf("expected a valid target, got rejected with warnings %v", log.warnings)
	}
	if target.Host != "mirror.example" || target.Port != 8080 || target.Path != "/path/to/file.bin" {
		t.Errorf("unexpected target: %+v", target)
	}
}

func TestAcceptURLDefaultsPortAndPath(t *testing.T) {
	log := &discardLogger{}
	target, ok := acceptURL("http://mirror.example", log)
	if !ok {
		t.Fatalf("expected a valid target, got rejected with warnings %v", log.warnings)
	}
	if target.Port != 80 {
		t.Errorf("expected default port 80, got %d", target.Port)
	}
	if target.Path != "/" {
		t.Errorf("expected default path /, got %q", target.Path)
	}
}

func TestAcceptURLRejectsNonHTTP(t *testing.T) {
	log := &discardLogger{}
	_, ok := acceptURL("https://mirror.example/file", log)
	if ok {
		t.Fatalf("expected https:// to be rejected")
	}
	if len(log.warnings) != 1 {
		t.Fatalf("expected exactly one warning, got %d", len(log.warnings))
	}
}

func TestAcceptURLRejectsMissingHost(t *testing.T) {
	log := &discardLogger{}
	_, ok := acceptURL("http:///file", log)
	if ok {
		t.Fatalf("expected a missing host to be rejected")
	}
}

func TestAcceptURLRejectsBadPort(t *testing.T) {
	log := &discardLogger{}
	_, ok := acceptURL("http://mirror.example:notaport/file", log)
	if ok {
		t.Fatalf("expected a non-numeric port to be rejected")
	}
}

func TestGuessOutputNameFromPath(t *testing.T) {
	name := guessOutputName(client.Target{Path: "/dir/archive.tar.gz"})
	if name != "archive.tar.gz" {
		t.Errorf("guessOutputName = %q, want %q", name, "archive.tar.gz")
	}
}

func TestGuessOutputNameEmptyForRootPath(t *testing.T) {
	name := guessOutputName(client.Target{Path: "/"})
	if name != "" {
		t.Errorf("expected an empty guess for the root path, got %q", name)
	}
}
