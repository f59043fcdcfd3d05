package recipient

import (
	"strings"

	"github.com/asaskevich/govalidator"
)

type Reason string

const (
	ReasonEmptyAddress     Reason = "empty_address"
	ReasonInvalidAddress   Reason = "invalid_address"
	ReasonDisallowedDomain Reason = "disallowed_domain"
)

// DomainPolicy rejects reserved and test domains. Exact domains and
// substrings are compared case-insensitively.
type DomainPolicy struct {
	domains    map[string]struct{}
	substrings []string
}

func NewDomainPolicy(domains, substrings []string) *DomainPolicy {
	p := &DomainPolicy{domains: make(map[string]struct{}, len(domains))}
	for _, d := range domains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			p.domains[d] = struct{}{}
		}
	}
	for _, s := range substrings {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			p.substrings = append(p.substrings, s)
		}
	}
	return p
}

// Check returns ("", true) when address may receive mail, otherwise the
// rejection reason.
func (p *DomainPolicy) Check(address string) (Reason, bool) {
	address = strings.TrimSpace(address)
	if address == "" {
		return ReasonEmptyAddress, false
	}

	at := strings.LastIndex(address, "@")
	if at <= 0 || at == len(address)-1 || strings.Count(address, "@") != 1 || !govalidator.IsEmail(address) {
		return ReasonInvalidAddress, false
	}

	domain := strings.ToLower(address[at+1:])
	if _, blocked := p.domains[domain]; blocked {
		return ReasonDisallowedDomain, false
	}
	for _, s := range p.substrings {
		if strings.Contains(domain, s) {
			return ReasonDisallowedDomain, false
		}
	}
	return "", true
}

func (p *DomainPolicy) Allowed(address string) bool {
	_, ok := p.Check(address)
	return ok
}
