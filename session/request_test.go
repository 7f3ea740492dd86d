package session

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSameSubnet(t *testing.T) {
	tests := []struct {
		name     string
		groups   int
		original string
		current  string
		want     bool
	}{
		{"identical", 2, "10.1.2.3", "10.1.2.3", true},
		{"same /16", 2, "10.1.2.3", "10.1.200.9", true},
		{"different /16", 2, "10.1.2.3", "10.2.2.3", false},
		{"same /24", 3, "192.168.1.10", "192.168.1.99", true},
		{"different /24", 3, "192.168.1.10", "192.168.2.10", false},
		{"ipv6 same /32", 2, "2001:db8:1::1", "2001:db8:ffff::2", true},
		{"ipv6 different /32", 2, "2001:db8:1::1", "2001:db9:1::1", false},
		{"mapped ipv4", 2, "::ffff:10.1.2.3", "10.1.9.9", true},
		{"mixed families", 2, "10.1.2.3", "2001:db8::1", false},
		{"unparseable identical", 2, "unknown", "unknown", true},
		{"unparseable different", 2, "unknown", "10.1.2.3", false},
		{"groups beyond length", 9, "10.1.2.3", "10.1.2.3", true},
		{"groups beyond length differs", 9, "10.1.2.3", "10.1.2.4", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SameSubnet(tt.groups).Allow(tt.original, tt.current); got != tt.want {
				t.Errorf("SameSubnet(%d).Allow(%q, %q) = %v, want %v", tt.groups, tt.original, tt.current, got, tt.want)
			}
		})
	}
}

func TestExactAndAnyIP(t *testing.T) {
	if ExactIP().Allow("10.0.0.1", "10.0.0.2") {
		t.Error("ExactIP should reject a change")
	}
	if !ExactIP().Allow("10.0.0.1", "10.0.0.1") {
		t.Error("ExactIP should accept the same address")
	}
	if !AnyIP().Allow("10.0.0.1", "2001:db8::1") {
		t.Error("AnyIP should accept any change")
	}
}

func TestFingerprint(t *testing.T) {
	base := RequestContext{UserAgent: "ua", Accept: "a", AcceptLanguage: "l", AcceptEncoding: "e"}

	if Fingerprint(base) != Fingerprint(base) {
		t.Fatal("fingerprint should be deterministic")
	}
	if len(Fingerprint(base)) != 64 {
		t.Errorf("fingerprint length = %d, want 64", len(Fingerprint(base)))
	}

	moved := base
	moved.IP = "10.9.9.9"
	if Fingerprint(moved) != Fingerprint(base) {
		t.Error("fingerprint should not depend on IP")
	}

	// Field boundaries are delimited, so shifting text between headers changes the hash.
	shifted := RequestContext{UserAgent: "u", Accept: "aa", AcceptLanguage: "l", AcceptEncoding: "e"}
	if Fingerprint(shifted) == Fingerprint(RequestContext{UserAgent: "ua", Accept: "a", AcceptLanguage: "l", AcceptEncoding: "e"}) {
		t.Error("shifted header content should change the fingerprint")
	}
}

func TestFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.RemoteAddr = "198.51.100.7:54321"
	req.Header.Set("User-Agent", "ua")
	req.Header.Set("Accept", "text/html")
	req.Header.Set("Accept-Language", "fr")
	req.Header.Set("Accept-Encoding", "br")

	rc := FromRequest(req, nil)
	want := RequestContext{IP: "198.51.100.7", UserAgent: "ua", Accept: "text/html", AcceptLanguage: "fr", AcceptEncoding: "br"}
	if rc != want {
		t.Errorf("FromRequest() = %+v, want %+v", rc, want)
	}

	rc = FromRequest(req, func(r *http.Request) string { return r.Header.Get("X-Real-IP") })
	if rc.IP != "" {
		t.Errorf("custom ipFunc IP = %q, want empty", rc.IP)
	}

	req.RemoteAddr = "no-port"
	if got := RemoteIP(req); got != "no-port" {
		t.Errorf("RemoteIP() = %q, want raw RemoteAddr", got)
	}
}
