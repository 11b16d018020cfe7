package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"

	"github.com/aesdetic/aesdetic-core/internal/infrastructure/config"
	"github.com/aesdetic/aesdetic-core/internal/infrastructure/logging"
)

// ErrInvalidAddress is returned by AddByAddress for unparsable input.
var ErrInvalidAddress = errors.New("discovery: invalid address")

// Found is one discovered device candidate. MAC may be empty for manual
// additions; the engine resolves identity on first metadata fetch.
type Found struct {
	Name   string
	IP     string
	Source string // "mdns" or "manual"
}

// entryBufferSize is the mDNS entry channel buffer per scan.
const entryBufferSize = 16

// Service browses the local network for WLED devices over mDNS and accepts
// manual additions by IP address. Results are emitted on a channel consumed
// by the engine.
type Service struct {
	cfg    config.DiscoveryConfig
	logger *logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool

	found chan Found
}

// New creates a discovery service.
func New(cfg config.DiscoveryConfig, logger *logging.Logger) *Service {
	return &Service{
		cfg:    cfg,
		logger: logger.With("component", "discovery"),
		found:  make(chan Found, entryBufferSize),
	}
}

// Found returns the channel of discovered device candidates.
func (s *Service) Found() <-chan Found {
	return s.found
}

// Start begins periodic mDNS scanning. Safe to call once; subsequent calls
// are no-ops until Stop.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	scanCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	go s.scanLoop(scanCtx)
}

// Stop halts periodic scanning. The found channel stays open; the service
// can be restarted.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	s.running = false
}

// AddByAddress validates a manually entered IP and emits it as a candidate.
// The engine probes the address before creating a device.
func (s *Service) AddByAddress(ip string) error {
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, ip)
	}

	s.found <- Found{
		IP:     parsed.String(),
		Source: "manual",
	}
	return nil
}

// scanLoop runs one scan immediately, then on the configured interval.
func (s *Service) scanLoop(ctx context.Context) {
	s.scan(ctx)

	ticker := time.NewTicker(s.cfg.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

// scan performs one mDNS browse for the configured service type.
func (s *Service) scan(ctx context.Context) {
	entries := make(chan *mdns.ServiceEntry, entryBufferSize)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			if entry.AddrV4 == nil {
				continue
			}
			found := Found{
				Name:   cleanInstanceName(entry.Name, s.cfg.Service),
				IP:     entry.AddrV4.String(),
				Source: "mdns",
			}
			select {
			case s.found <- found:
			case <-ctx.Done():
				return
			}
		}
	}()

	params := mdns.DefaultParams(s.cfg.Service)
	params.Entries = entries
	params.Timeout = s.cfg.Timeout()
	params.DisableIPv6 = true

	if err := mdns.Query(params); err != nil {
		s.logger.Warn("mdns query failed", "error", err)
	}
	close(entries)
	wg.Wait()
}

// cleanInstanceName strips the service suffix and escaping from an mDNS
// instance name, leaving the human-readable device name.
func cleanInstanceName(name, service string) string {
	name = strings.TrimSuffix(name, ".")
	if idx := strings.Index(name, "."+strings.TrimPrefix(service, ".")); idx > 0 {
		name = name[:idx]
	}
	return strings.ReplaceAll(name, "\\ ", " ")
}
