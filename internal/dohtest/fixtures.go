// Package dohtest builds wire-format DNS messages for use as test
// fixtures. It exists only to exercise GET/POST framing in tests; it is
// never imported by production code, which never parses DNS wire
// format.
package dohtest

import (
	"encoding/base64"

	"github.com/miekg/dns"
)

// Query returns a packed A-record query for name, and its base64url
// (no padding) encoding for use as a GET "dns" parameter.
func Query(name string) (packed []byte, b64 string) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.Id = 0
	packed, err := m.Pack()
	if err != nil {
		panic(err)
	}
	return packed, base64.RawURLEncoding.EncodeToString(packed)
}

// Answer returns a packed response to a Query(name) for name resolving
// to addr, suitable as a fake upstream's response body.
func Answer(name, addr string) []byte {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.Response = true
	rr, err := dns.NewRR(dns.Fqdn(name) + " 60 IN A " + addr)
	if err != nil {
		panic(err)
	}
	m.Answer = append(m.Answer, rr)
	packed, err := m.Pack()
	if err != nil {
		panic(err)
	}
	return packed
}
