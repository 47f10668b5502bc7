// Package discovery advertises encounter servers on the local network over
// mDNS and finds them again.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// ServiceType is the DNS-SD service advertised by the server.
	ServiceType = "_dndtracker._tcp"
	// Domain is the mDNS domain.
	Domain = "local."
	// ProtocolVersion is published in the TXT record.
	ProtocolVersion = "1"

	drainTimeout = time.Second
)

// TXT returns the TXT record published with the service.
func TXT() []string {
	return []string{
		"path=/api/encounters",
		"ws=/ws/encounters",
		"version=" + ProtocolVersion,
	}
}

// InstanceName names this server's mDNS instance after the host.
func InstanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return "dndtracker-" + host
}

// Advertisement is a running mDNS registration.
type Advertisement struct {
	server *zeroconf.Server
	log    *zap.Logger
}

// Advertise registers instance on port until Shutdown is called.
func Advertise(instance string, port int, log *zap.Logger) (*Advertisement, error) {
	if log == nil {
		log = zap.NewNop()
	}
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, TXT(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	log.Info("mdns service registered",
		zap.String("instance", instance),
		zap.String("service", ServiceType),
		zap.Int("port", port))
	return &Advertisement{server: server, log: log}, nil
}

// Shutdown withdraws the registration.
func (a *Advertisement) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.log.Info("mdns service withdrawn")
}

// Peer is a discovered server.
type Peer struct {
	Instance string
	Host     string
	Addrs    []net.IP
	Port     int
	TXT      map[string]string
}

// URL is the HTTP base URL of the peer, preferring IPv4.
func (p Peer) URL() string {
	host := strings.TrimSuffix(p.Host, ".")
	if len(p.Addrs) > 0 {
		host = p.Addrs[0].String()
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(p.Port))
}

// Version is the advertised protocol version, if any.
func (p Peer) Version() string {
	return p.TXT["version"]
}

// Browse collects peers until ctx is done. Instances seen twice are
// reported once.
func Browse(ctx context.Context) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("init mdns resolver: %w", err)
	}

	var (
		mu    sync.Mutex
		peers = make(map[string]Peer)
	)
	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			p := peerFromEntry(entry)
			mu.Lock()
			peers[p.Instance] = p
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, Domain, entries); err != nil {
		return nil, fmt.Errorf("browse mdns services: %w", err)
	}
	<-ctx.Done()
	select {
	case <-done:
	case <-time.After(drainTimeout):
	}

	mu.Lock()
	defer mu.Unlock()
	out := make([]Peer, 0, len(peers))
	for _, p := range peers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instance < out[j].Instance })
	return out, nil
}

func peerFromEntry(entry *zeroconf.ServiceEntry) Peer {
	p := Peer{
		Instance: entry.Instance,
		Host:     entry.HostName,
		Port:     entry.Port,
		TXT:      parseTXT(entry.Text),
	}
	p.Addrs = append(p.Addrs, entry.AddrIPv4...)
	p.Addrs = append(p.Addrs, entry.AddrIPv6...)
	return p
}

func parseTXT(records []string) map[string]string {
	out := make(map[string]string, len(records))
	for _, rec := range records {
		key, value, _ := strings.Cut(rec, "=")
		if key = strings.TrimSpace(key); key != "" {
			out[key] = value
		}
	}
	return out
}
