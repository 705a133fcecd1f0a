package system

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

// DNSChecker verifies that names point at this host before a certificate
// is requested. Its findings are advisory.
type DNSChecker struct {
	client   *dns.Client
	resolver string

	// localAddrs lists the addresses a name is expected to resolve to.
	localAddrs func() ([]net.IP, error)
}

// NewDNSChecker queries resolver (host:port) directly.
func NewDNSChecker(resolver string) *DNSChecker {
	return &DNSChecker{
		client:     &dns.Client{Timeout: 5 * time.Second},
		resolver:   resolver,
		localAddrs: interfaceAddrs,
	}
}

// Check returns one warning per name that does not resolve, or resolves
// only to addresses this host does not own.
func (c *DNSChecker) Check(ctx context.Context, names []string) []string {
	local, err := c.localAddrs()
	if err != nil {
		return []string{fmt.Sprintf("could not list local addresses: %v", err)}
	}

	var warnings []string
	for _, name := range names {
		addrs, err := c.resolve(ctx, name)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: DNS lookup failed: %v", name, err))
			continue
		}
		if len(addrs) == 0 {
			warnings = append(warnings, fmt.Sprintf("%s: no A or AAAA records", name))
			continue
		}
		if !anyLocal(addrs, local) {
			warnings = append(warnings, fmt.Sprintf("%s resolves to %v, none of which belong to this host", name, addrs))
		}
	}
	return warnings
}

func (c *DNSChecker) resolve(ctx context.Context, name string) ([]net.IP, error) {
	var out []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(dns.Fqdn(name), qtype)
		m.RecursionDesired = true

		r, _, err := c.client.ExchangeContext(ctx, m, c.resolver)
		if err != nil {
			return nil, err
		}
		if r.Rcode != dns.RcodeSuccess && r.Rcode != dns.RcodeNameError {
			return nil, fmt.Errorf("resolver answered %s", dns.RcodeToString[r.Rcode])
		}
		out = append(out, ipsFromAnswer(r.Answer)...)
	}
	return out, nil
}

func ipsFromAnswer(rrs []dns.RR) []net.IP {
	var out []net.IP
	for _, rr := range rrs {
		switch v := rr.(type) {
		case *dns.A:
			out = append(out, v.A)
		case *dns.AAAA:
			out = append(out, v.AAAA)
		}
	}
	return out
}

func anyLocal(addrs, local []net.IP) bool {
	for _, a := range addrs {
		for _, l := range local {
			if a.Equal(l) {
				return true
			}
		}
	}
	return false
}

func interfaceAddrs() ([]net.IP, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, err
	}
	var out []net.IP
	for _, a := range addrs {
		if n, ok := a.(*net.IPNet); ok {
			out = append(out, n.IP)
		}
	}
	return out, nil
}
