package httputil

import (
	"net/http"
	"testing"
	"time"
)

func TestNewClientAppliesConfig(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.MaxConnsPerHost = 7
	cfg.ResponseTimeout = 3 * time.Second

	client := NewClient(cfg)

	transport, ok := client.Transport.(*http.Transport)
	if !ok {
		t.Fatalf("expected *http.Transport, got %T", client.Transport)
	}
	if transport.MaxConnsPerHost != 7 {
		t.Errorf("expected MaxConnsPerHost 7, got %d", transport.MaxConnsPerHost)
	}
	if transport.ResponseHeaderTimeout != 3*time.Second {
		t.Errorf("expected ResponseHeaderTimeout 3s, got %v", transport.ResponseHeaderTimeout)
	}
	if client.Timeout != 0 {
		t.Errorf("expected no client-wide timeout, got %v", client.Timeout)
	}
}

func TestNewClientNilConfig(t *testing.T) {
	if NewClient(nil).Transport == nil {
		t.Error("expected default transport")
	}
}
