package model

import (
	"net"
	"net/netip"
)

// AddressMap maps a server's literal addresses to its id. Keys are stored
// in canonical form (compressed lowercase for IPv6) so that any textual
// variant of an address resolves to the same entry.
type AddressMap map[string]string

// CanonicalAddr normalizes an IP literal to its canonical textual form.
// Strings that do not parse as an address are returned unchanged.
func CanonicalAddr(addr string) string {
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return addr
	}
	return a.String()
}

// Add records addr as belonging to the given server id.
func (m AddressMap) Add(addr, id string) {
	if addr == "" {
		return
	}
	m[CanonicalAddr(addr)] = id
}

// Lookup resolves an address literal to a server id.
func (m AddressMap) Lookup(addr string) (string, bool) {
	id, ok := m[CanonicalAddr(addr)]
	return id, ok
}

// LookupHostPort resolves a "host:port" remote address, as reported in
// uplink listings, to a server id. A bare address works too.
func (m AddressMap) LookupHostPort(hostport string) (string, bool) {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		host = hostport
	}
	return m.Lookup(host)
}
