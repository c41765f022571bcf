package guard

import (
	"net"
	"strings"
)

// AllowList holds trusted e-mails and networks. Trusted callers skip the ban
// and rate checks; a honeypot hit from them still purges but never bans.
type AllowList struct {
	emails map[string]struct{}
	nets   []*net.IPNet
}

// NewAllowList builds an AllowList. E-mails compare case-insensitively.
func NewAllowList(emails, addresses []string) (*AllowList, error) {
	nets, err := ParseNetworks(addresses)
	if err != nil {
		return nil, err
	}
	a := &AllowList{emails: make(map[string]struct{}, len(emails)), nets: nets}
	for _, e := range emails {
		if e = strings.ToLower(strings.TrimSpace(e)); e != "" {
			a.emails[e] = struct{}{}
		}
	}
	return a, nil
}

// Trusted reports whether either the e-mail or the address is allow-listed.
// A nil AllowList trusts nobody.
func (a *AllowList) Trusted(email, address string) bool {
	if a == nil {
		return false
	}
	if _, ok := a.emails[strings.ToLower(strings.TrimSpace(email))]; ok {
		return true
	}
	return containsIP(a.nets, NormalizeAddress(address))
}
