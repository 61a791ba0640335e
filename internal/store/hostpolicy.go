// SPDX-License-Identifier: MIT

package store

import "strings"

// HostPolicy decides which hosts the scout may walk into. It operates on the
// reversed-host prefix of a URL key ("com,example"), so subdomain matching is
// a plain prefix test.
type HostPolicy struct {
	allow []string // empty means allow everything not denied
	deny  []string
}

// NewHostPolicy builds a policy from reversed-host entries. Entries may name
// a bare host ("com,example") which also covers its subdomains.
func NewHostPolicy(allow, deny []string) *HostPolicy {
	norm := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, e := range in {
			e = strings.ToLower(strings.TrimSpace(e))
			if e != "" {
				out = append(out, e)
			}
		}
		return out
	}
	return &HostPolicy{allow: norm(allow), deny: norm(deny)}
}

// Allowed reports whether the url key's host passes the policy. Deny wins
// over allow.
func (p *HostPolicy) Allowed(urlKey string) bool {
	host := urlKey
	if i := strings.IndexByte(urlKey, ')'); i >= 0 {
		host = urlKey[:i]
	}
	host = strings.ToLower(host)
	for _, d := range p.deny {
		if hostMatches(host, d) {
			return false
		}
	}
	if len(p.allow) == 0 {
		return true
	}
	for _, a := range p.allow {
		if hostMatches(host, a) {
			return true
		}
	}
	return false
}

// hostMatches reports whether reversed host is entry itself or a subdomain of
// it ("com,example,www" matches entry "com,example").
func hostMatches(host, entry string) bool {
	if host == entry {
		return true
	}
	return strings.HasPrefix(host, entry+",")
}
