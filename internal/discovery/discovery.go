// Package discovery finds devices advertising a REPL over the network
// via mDNS/DNS-SD, for boards bridging their UART to WiFi (e.g. a
// serial-to-WiFi bridge advertising "_mpy._tcp"). This is unrelated to,
// and does not replace, local serial port autodetection, which is a
// CLI-layer concern outside this module.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the DNS-SD service name devices advertise.
const ServiceType = "_mpy._tcp"

// Host is one discovered device.
type Host struct {
	Instance  string
	Hostname  string
	Addresses []net.IP
	Port      int
	TXT       []string
}

// Addr returns a host:port usable with DialTCP, preferring the first
// IPv4 address.
func (h Host) Addr() string {
	for _, a := range h.Addresses {
		if a.To4() != nil {
			return net.JoinHostPort(a.String(), fmt.Sprint(h.Port))
		}
	}
	if len(h.Addresses) > 0 {
		return net.JoinHostPort(h.Addresses[0].String(), fmt.Sprint(h.Port))
	}
	return net.JoinHostPort(h.Hostname, fmt.Sprint(h.Port))
}

// Discover performs a blocking mDNS browse for ServiceType, returning
// deduplicated host entries found within timeout.
func Discover(timeout time.Duration) ([]Host, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	results := make(map[string]Host)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case e, ok := <-entries:
				if !ok {
					close(done)
					return
				}
				if e == nil {
					continue
				}
				addrs := make([]net.IP, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
				addrs = append(addrs, e.AddrIPv4...)
				addrs = append(addrs, e.AddrIPv6...)
				key := fmt.Sprintf("%s|%d", e.HostName, e.Port)
				results[key] = Host{
					Instance:  unescapeInstance(e.Instance),
					Hostname:  e.HostName,
					Addresses: addrs,
					Port:      e.Port,
					TXT:       append([]string{}, e.Text...),
				}
			case <-ctx.Done():
				close(done)
				return
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}
	<-done

	out := make([]Host, 0, len(results))
	for _, h := range results {
		out = append(out, h)
	}
	return out, nil
}

func unescapeInstance(s string) string {
	return strings.ReplaceAll(s, `\ `, " ")
}
