package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"
)

var metadataAddr = netip.MustParseAddr("169.254.169.254")

// SSRFConfig controls which destinations webhooks may be delivered to.
type SSRFConfig struct {
	// AllowedHosts restricts delivery to these hostnames when non-empty.
	AllowedHosts []string
	// AllowedSchemes defaults to http and https.
	AllowedSchemes []string
	AllowLocalhost  bool
	BlockPrivateIPs bool
	BlockMetadata   bool
	BlockLinkLocal  bool
}

// DefaultSSRFConfig only admits public hosts.
func DefaultSSRFConfig() SSRFConfig {
	return SSRFConfig{
		AllowedSchemes:  []string{"http", "https"},
		BlockPrivateIPs: true,
		BlockMetadata:   true,
		BlockLinkLocal:  true,
	}
}

// SSRFValidator checks webhook URLs when a run or cron job is submitted, and
// again at dial time through CreateSecureTransport.
type SSRFValidator struct {
	cfg      SSRFConfig
	schemes  map[string]struct{}
	hosts    map[string]struct{}
	lookupIP func(host string) ([]net.IP, error)
}

// NewSSRFValidator builds a validator from cfg.
func NewSSRFValidator(cfg SSRFConfig) *SSRFValidator {
	if len(cfg.AllowedSchemes) == 0 {
		cfg.AllowedSchemes = []string{"http", "https"}
	}
	return &SSRFValidator{
		cfg:      cfg,
		schemes:  lowerSet(cfg.AllowedSchemes),
		hosts:    lowerSet(cfg.AllowedHosts),
		lookupIP: net.LookupIP,
	}
}

func lowerSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[strings.ToLower(item)] = struct{}{}
	}
	return set
}

// ValidateURL rejects webhook URLs that could reach internal services.
func (v *SSRFValidator) ValidateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if _, ok := v.schemes[strings.ToLower(u.Scheme)]; !ok {
		return fmt.Errorf("URL scheme %q not allowed", u.Scheme)
	}
	if u.User != nil {
		return errors.New("credentials in URL are not allowed")
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("URL has no host")
	}
	if err := v.checkHost(host); err != nil {
		return err
	}

	addrs, err := v.resolve(host)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		if err := v.checkAddr(addr); err != nil {
			return err
		}
	}
	return nil
}

func (v *SSRFValidator) checkHost(host string) error {
	if len(v.hosts) == 0 {
		return nil
	}
	if _, ok := v.hosts[strings.ToLower(host)]; !ok {
		return fmt.Errorf("host %s is not in the allowlist", host)
	}
	return nil
}

func (v *SSRFValidator) resolve(host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr.Unmap()}, nil
	}
	if v.cfg.AllowLocalhost && strings.EqualFold(host, "localhost") {
		return nil, nil
	}
	ips, err := v.lookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	addrs := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		if addr, ok := netip.AddrFromSlice(ip); ok {
			addrs = append(addrs, addr.Unmap())
		}
	}
	return addrs, nil
}

func (v *SSRFValidator) checkAddr(addr netip.Addr) error {
	switch {
	case addr.IsLoopback():
		if v.cfg.AllowLocalhost {
			return nil
		}
		return fmt.Errorf("loopback address %s not allowed", addr)
	case addr.IsUnspecified():
		return fmt.Errorf("unspecified address %s not allowed", addr)
	case v.cfg.BlockPrivateIPs && addr.IsPrivate():
		return fmt.Errorf("private IP %s not allowed", addr)
	case v.cfg.BlockLinkLocal && (addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast()):
		return fmt.Errorf("link-local address %s not allowed", addr)
	case addr.IsMulticast():
		return fmt.Errorf("multicast address %s not allowed", addr)
	case v.cfg.BlockMetadata && addr == metadataAddr:
		return fmt.Errorf("cloud metadata address %s not allowed", addr)
	}
	return nil
}

// CreateSecureTransport returns a transport that re-checks every connection.
// The host allowlist is applied to the dialed name and the address rules to
// the IP actually connected to, so DNS rebinding and redirects are covered.
func (v *SSRFValidator) CreateSecureTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		Control: func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			addr, err := netip.ParseAddr(host)
			if err != nil {
				return err
			}
			if err := v.checkAddr(addr.Unmap()); err != nil {
				return fmt.Errorf("webhook connection blocked: %w", err)
			}
			return nil
		},
	}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				host = address
			}
			if err := v.checkHost(host); err != nil {
				return nil, fmt.Errorf("webhook connection blocked: %w", err)
			}
			return dialer.DialContext(ctx, network, address)
		},
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
