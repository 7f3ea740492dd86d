package session

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"net/netip"
)

// RequestContext is the subset of a request used to bind a session to a device.
type RequestContext struct {
	IP             string
	UserAgent      string
	Accept         string
	AcceptLanguage string
	AcceptEncoding string
}

// FromRequest builds a RequestContext from r. ipFunc extracts the client IP;
// nil means RemoteIP.
func FromRequest(r *http.Request, ipFunc func(*http.Request) string) RequestContext {
	if ipFunc == nil {
		ipFunc = RemoteIP
	}
	return RequestContext{
		IP:             ipFunc(r),
		UserAgent:      r.UserAgent(),
		Accept:         r.Header.Get("Accept"),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		AcceptEncoding: r.Header.Get("Accept-Encoding"),
	}
}

// RemoteIP returns the host part of r.RemoteAddr.
func RemoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// Fingerprint is the hex SHA-256 of the stable request headers.
func Fingerprint(rc RequestContext) string {
	h := sha256.New()
	for _, part := range []string{rc.UserAgent, rc.Accept, rc.AcceptLanguage, rc.AcceptEncoding} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// IPPolicy decides whether a session created from one address may be used
// from another.
type IPPolicy interface {
	Allow(original, current string) bool
}

// IPPolicyFunc adapts a function to IPPolicy.
type IPPolicyFunc func(original, current string) bool

func (f IPPolicyFunc) Allow(original, current string) bool {
	return f(original, current)
}

// SameSubnet allows an address change when the leading groups of the address
// match: octets for IPv4, 16-bit hextets for IPv6. SameSubnet(2) tolerates
// carrier NAT pools that rotate within a /16. Addresses of different families
// never match; unparseable addresses must be identical.
func SameSubnet(groups int) IPPolicy {
	return IPPolicyFunc(func(original, current string) bool {
		if original == current {
			return true
		}
		a, errA := netip.ParseAddr(original)
		b, errB := netip.ParseAddr(current)
		if errA != nil || errB != nil {
			return false
		}
		a, b = a.Unmap(), b.Unmap()
		if a.Is4() != b.Is4() {
			return false
		}

		bits := groups * 8
		if !a.Is4() {
			bits = groups * 16
		}
		bits = min(bits, a.BitLen())

		pa, err := a.Prefix(bits)
		if err != nil {
			return false
		}
		return pa.Contains(b)
	})
}

// ExactIP rejects any address change.
func ExactIP() IPPolicy {
	return IPPolicyFunc(func(original, current string) bool {
		return original == current
	})
}

// AnyIP accepts every address change.
func AnyIP() IPPolicy {
	return IPPolicyFunc(func(string, string) bool { return true })
}
