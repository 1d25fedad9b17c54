package main

import (
	"net/netip"
	"strconv"
	"strings"

	"github.com/kaihe/kstack/internal/errx"
	"github.com/kaihe/kstack/pkg/netstack"
)

// routeSpec is the flag/YAML encoding of one routing table entry:
// "dest/mask:dev" or "dest/mask:dev:gateway" or with a trailing ":metric".
// Examples:
//
//	10.0.0.0/24:eth0
//	0.0.0.0/0:eth0:10.0.0.1:10
type routeSpec string

func (s routeSpec) parse() (netstack.RouteConfig, error) {
	parts := strings.Split(string(s), ":")
	if len(parts) < 2 {
		return netstack.RouteConfig{}, errx.With(ErrInvalidRoute, ": %q", s)
	}

	dest, err := netip.ParsePrefix(parts[0])
	if err != nil {
		return netstack.RouteConfig{}, errx.With(ErrInvalidRoute, ": %q: %w", s, err)
	}

	cfg := netstack.RouteConfig{Dest: dest, Dev: parts[1]}
	if len(parts) >= 3 && parts[2] != "" {
		gw, err := netip.ParseAddr(parts[2])
		if err != nil {
			return netstack.RouteConfig{}, errx.With(ErrInvalidRoute, ": %q: %w", s, err)
		}
		cfg.Gateway = gw
	}
	if len(parts) >= 4 && parts[3] != "" {
		metric, err := strconv.Atoi(parts[3])
		if err != nil {
			return netstack.RouteConfig{}, errx.With(ErrInvalidRoute, ": %q: %w", s, err)
		}
		cfg.Metric = metric
	}
	return cfg, nil
}
