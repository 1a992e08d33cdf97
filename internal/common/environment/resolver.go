package environment

import (
	"context"
	"net"
	"strings"
)

// Resolver maps a request hostname to an environment. Production hosts are
// pinned; every other host follows the selector.
type Resolver struct {
	productionHosts map[string]struct{}
	selector        *Selector
}

// NewResolver creates a resolver that pins productionHosts to production.
func NewResolver(productionHosts []string, selector *Selector) *Resolver {
	hosts := make(map[string]struct{}, len(productionHosts))
	for _, h := range productionHosts {
		if h = normalizeHost(h); h != "" {
			hosts[h] = struct{}{}
		}
	}
	return &Resolver{productionHosts: hosts, selector: selector}
}

// Resolve maps a request hostname to the environment it must use.
func (r *Resolver) Resolve(ctx context.Context, hostname string) Resolution {
	if r.IsProductionHost(hostname) {
		return Resolution{Environment: Production, IsProduction: true}
	}
	return Resolution{Environment: r.selector.Current(ctx), IsProduction: false}
}

func (r *Resolver) IsProductionHost(hostname string) bool {
	_, ok := r.productionHosts[normalizeHost(hostname)]
	return ok
}

func (r *Resolver) Selector() *Selector {
	return r.selector
}

func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(host)
}
