package qrelay

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Resolver looks up the addresses of a host name. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// DNSCache memoizes host name resolutions for the lifetime of the server.
// Entries are never invalidated.
type DNSCache struct {
	resolver Resolver
	log      zerolog.Logger
	group    singleflight.Group

	mu      sync.RWMutex
	entries map[string]string
	reverse map[string]string
}

func NewDNSCache(resolver Resolver, logger zerolog.Logger) *DNSCache {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &DNSCache{
		resolver: resolver,
		log:      logger,
		entries:  make(map[string]string),
		reverse:  make(map[string]string),
	}
}

// Lookup resolves address to an IP literal. IP literals are returned as is,
// with any IPv4-mapped IPv6 prefix removed. An empty address means 0.0.0.0.
func (c *DNSCache) Lookup(ctx context.Context, address string) (string, error) {
	if address == "" {
		address = "0.0.0.0"
	}
	if ip := net.ParseIP(stripMapped(address)); ip != nil {
		return stripMapped(address), nil
	}

	c.mu.RLock()
	ip, ok := c.entries[address]
	c.mu.RUnlock()
	if ok {
		return ip, nil
	}

	v, err, _ := c.group.Do(address, func() (interface{}, error) {
		addrs, err := c.resolver.LookupHost(ctx, address)
		if err != nil {
			return "", err
		}
		if len(addrs) == 0 {
			return "", &net.DNSError{Err: "no such host", Name: address, IsNotFound: true}
		}
		ip := pickAddr(addrs)

		c.mu.Lock()
		c.entries[address] = ip
		if _, exists := c.reverse[ip]; !exists {
			c.reverse[ip] = address
		}
		c.mu.Unlock()

		c.log.Debug().Str("host", address).Str("ip", ip).Msg("DNS found")
		return ip, nil
	})
	if err != nil {
		return "", fmt.Errorf("lookup %s: %w", address, err)
	}
	return v.(string), nil
}

// DomainFor returns the first host name that resolved to ip, or "".
func (c *DNSCache) DomainFor(ip string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.reverse[stripMapped(ip)]
}

// Len returns the number of cached host names.
func (c *DNSCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// pickAddr prefers the first IPv4 result.
func pickAddr(addrs []string) string {
	for _, a := range addrs {
		a = stripMapped(a)
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a
		}
	}
	return stripMapped(addrs[0])
}

func stripMapped(addr string) string {
	return strings.TrimPrefix(addr, "::ffff:")
}
