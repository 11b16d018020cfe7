package discovery

import "net"

// SubnetGate answers whether a device address is on one of the host's
// local networks. Devices outside the current subnets are skipped for
// polling and push connections: off-network calls are guaranteed timeouts
// and only burn radio and battery.
type SubnetGate struct {
	// networks is resolved lazily and cached; Refresh re-reads interfaces
	// after a network change.
	networks []*net.IPNet
}

// NewSubnetGate builds a gate from the host's current interface addresses.
func NewSubnetGate() *SubnetGate {
	g := &SubnetGate{}
	g.Refresh()
	return g
}

// Refresh re-reads the host's interface addresses.
func (g *SubnetGate) Refresh() {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		g.networks = nil
		return
	}

	var networks []*net.IPNet
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.To4() == nil {
			continue
		}
		networks = append(networks, ipnet)
	}
	g.networks = networks
}

// Reachable reports whether the IP is on a known local network.
// Unparsable addresses are unreachable. When no local networks could be
// determined at all, every address is considered reachable - failing open
// beats never polling anything.
func (g *SubnetGate) Reachable(ip string) bool {
	if len(g.networks) == 0 {
		return true
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	// Loopback is always reachable; tests and local simulators rely on it.
	if parsed.IsLoopback() {
		return true
	}

	for _, network := range g.networks {
		if network.Contains(parsed) {
			return true
		}
	}
	return false
}

// SetNetworks overrides the detected networks. Used by tests.
func (g *SubnetGate) SetNetworks(networks []*net.IPNet) {
	g.networks = networks
}
