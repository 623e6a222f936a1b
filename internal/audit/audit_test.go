package audit

import (
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/usp-platform/usp/internal/crypto"
)

func TestClientIP_XForwardedFor(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.50, 70.41.3.18")

	ip := clientIP(r)
	want := netip.MustParseAddr("203.0.113.50")
	if ip != want {
		t.Errorf("clientIP = %v, want %v", ip, want)
	}
}

func TestClientIP_XRealIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Real-IP", "198.51.100.23")

	ip := clientIP(r)
	want := netip.MustParseAddr("198.51.100.23")
	if ip != want {
		t.Errorf("clientIP = %v, want %v", ip, want)
	}
}

func TestClientIP_RemoteAddr(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "192.0.2.1:12345"

	ip := clientIP(r)
	want := netip.MustParseAddr("192.0.2.1")
	if ip != want {
		t.Errorf("clientIP = %v, want %v", ip, want)
	}
}

func TestClientIP_Precedence(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.50")
	r.Header.Set("X-Real-IP", "198.51.100.23")
	r.RemoteAddr = "192.0.2.1:12345"

	ip := clientIP(r)
	want := netip.MustParseAddr("203.0.113.50")
	if ip != want {
		t.Errorf("clientIP = %v, want %v (X-Forwarded-For should take precedence)", ip, want)
	}
}

func TestClientIP_InvalidXFF(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.Header.Set("X-Forwarded-For", "not-an-ip")
	r.RemoteAddr = "192.0.2.1:12345"

	ip := clientIP(r)
	want := netip.MustParseAddr("192.0.2.1")
	if ip != want {
		t.Errorf("clientIP = %v, want %v (should fall back to RemoteAddr)", ip, want)
	}
}

func TestComputeHMACDeterministic(t *testing.T) {
	subkey, err := crypto.RandomBytes(crypto.KeySize)
	if err != nil {
		t.Fatalf("RandomBytes: %v", err)
	}
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	prevHash := make([]byte, 32)

	a := computeHMAC(subkey, 1, prevHash, "write", ts, []byte("ct"))
	b := computeHMAC(subkey, 1, prevHash, "write", ts, []byte("ct"))
	if string(a) != string(b) {
		t.Fatal("computeHMAC must be deterministic for identical inputs")
	}

	c := computeHMAC(subkey, 2, prevHash, "write", ts, []byte("ct"))
	if string(a) == string(c) {
		t.Fatal("different seq must change the hmac")
	}

	d := computeHMAC(subkey, 1, prevHash, "rotate", ts, []byte("ct"))
	if string(a) == string(d) {
		t.Fatal("different event_type must change the hmac")
	}
}

func TestSynchronousEventTypes(t *testing.T) {
	for _, et := range []string{"write", "rotate", "revoke", "seal", "unseal", "init", "policy-change"} {
		if !synchronousEventTypes[et] {
			t.Errorf("expected %q to require durable-before-response writes", et)
		}
	}
	if synchronousEventTypes["read"] {
		t.Error("read events must not be forced synchronous")
	}
}
