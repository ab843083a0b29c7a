package fetch

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFetchRejectsNonHTTPS(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	_, err := Fetch(context.Background(), srv.URL, Options{MaxBytes: 1024, Timeout: time.Second})
	var fe *Error
	if err == nil {
		t.Fatal("expected error for non-https URL")
	}
	if !errAs(err, &fe) || fe.Code != CodeNotHTTPS {
		t.Fatalf("expected not_https, got %v", err)
	}
}

func TestFetchRejectsLoopbackEvenOverHTTPS(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	_, err := Fetch(context.Background(), srv.URL, Options{MaxBytes: 1024, Timeout: time.Second})
	var fe *Error
	if err == nil {
		t.Fatal("expected error for loopback destination")
	}
	if !errAs(err, &fe) || fe.Code != CodeLoopback {
		t.Fatalf("expected loopback rejection, got %v", err)
	}
}

func TestClassifyIP(t *testing.T) {
	cases := []struct {
		ip   string
		bad  bool
		code Code
	}{
		{"8.8.8.8", false, ""},
		{"127.0.0.1", true, CodeLoopback},
		{"10.1.2.3", true, CodePrivateIP},
		{"172.16.0.5", true, CodePrivateIP},
		{"192.168.1.1", true, CodePrivateIP},
		{"169.254.1.1", true, CodeLinkLocal},
		{"224.0.0.1", true, CodeMulticast},
		{"::1", true, CodeLoopback},
		{"fe80::1", true, CodeLinkLocal},
		{"fc00::1", true, CodePrivateIP},
		{"0.0.0.0", true, CodePrivateIP},
	}
	for _, c := range cases {
		ip := net.ParseIP(c.ip)
		if ip == nil {
			t.Fatalf("bad test IP %q", c.ip)
		}
		code, bad := classifyIP(ip)
		if bad != c.bad {
			t.Errorf("classifyIP(%s) bad = %v, want %v", c.ip, bad, c.bad)
		}
		if bad && code != c.code {
			t.Errorf("classifyIP(%s) code = %v, want %v", c.ip, code, c.code)
		}
	}
}

// errAs is a small helper so tests read naturally without importing errors
// in every case above.
func errAs(err error, target **Error) bool {
	if e, ok := err.(*Error); ok {
		*target = e
		return true
	}
	return false
}
