package security

import (
	"context"
	"testing"
)

func TestValidateURLRejectsLoopback(t *testing.T) {
	guard := NewEgressGuard(false)
	if err := guard.ValidateURL(context.Background(), "http://127.0.0.1:8080/hook"); err == nil {
		t.Fatalf("expected loopback to be rejected")
	}
	if err := guard.ValidateURL(context.Background(), "http://[::1]/hook"); err == nil {
		t.Fatalf("expected v6 loopback to be rejected")
	}
}

func TestValidateURLRejectsMetadataService(t *testing.T) {
	guard := NewEgressGuard(false)
	if err := guard.ValidateURL(context.Background(), "http://169.254.169.254/latest/meta-data"); err == nil {
		t.Fatalf("expected metadata address to be rejected")
	}
}

func TestValidateURLRejectsPrivateRanges(t *testing.T) {
	guard := NewEgressGuard(false)
	for _, target := range []string{
		"http://10.0.0.8/hook",
		"http://172.16.4.2/hook",
		"http://192.168.1.10/hook",
		"http://100.64.0.1/hook",
		"http://0.0.0.0/hook",
	} {
		if err := guard.ValidateURL(context.Background(), target); err == nil {
			t.Fatalf("expected %s to be rejected", target)
		}
	}
}

func TestValidateURLAllowsPublicAddress(t *testing.T) {
	guard := NewEgressGuard(false)
	if err := guard.ValidateURL(context.Background(), "https://93.184.216.34/hook"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateURLRejectsBadScheme(t *testing.T) {
	guard := NewEgressGuard(false)
	if err := guard.ValidateURL(context.Background(), "ftp://example.com/hook"); err == nil {
		t.Fatalf("expected non-http scheme to be rejected")
	}
}

func TestValidateURLAllowPrivateBypass(t *testing.T) {
	guard := NewEgressGuard(true)
	if err := guard.ValidateURL(context.Background(), "http://127.0.0.1/hook"); err != nil {
		t.Fatalf("expected bypass to allow loopback: %v", err)
	}
}
