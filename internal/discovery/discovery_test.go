package discovery

import (
	"net"
	"strings"
	"testing"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
)

func TestTXT(t *testing.T) {
	txt := parseTXT(TXT())
	assert.Equal(t, "/api/encounters", txt["path"])
	assert.Equal(t, "/ws/encounters", txt["ws"])
	assert.Equal(t, ProtocolVersion, txt["version"])
}

func TestParseTXT(t *testing.T) {
	got := parseTXT([]string{"a=1", "flag", "=orphan", "b=x=y"})
	assert.Equal(t, map[string]string{"a": "1", "flag": "", "b": "x=y"}, got)
}

func TestInstanceName(t *testing.T) {
	assert.True(t, strings.HasPrefix(InstanceName(), "dndtracker-"))
}

func TestPeerFromEntry(t *testing.T) {
	entry := zeroconf.NewServiceEntry("dndtracker-table", ServiceType, Domain)
	entry.HostName = "table.local."
	entry.Port = 8000
	entry.Text = TXT()
	entry.AddrIPv4 = []net.IP{net.ParseIP("192.168.1.20")}
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}

	p := peerFromEntry(entry)
	assert.Equal(t, "dndtracker-table", p.Instance)
	assert.Equal(t, "http://192.168.1.20:8000", p.URL())
	assert.Equal(t, "1", p.Version())
	assert.Len(t, p.Addrs, 2)
}

func TestPeerURLFallsBackToHost(t *testing.T) {
	p := Peer{Host: "table.local.", Port: 8000}
	assert.Equal(t, "http://table.local:8000", p.URL())
}

func TestShutdownNil(t *testing.T) {
	var a *Advertisement
	assert.NotPanics(t, a.Shutdown)
}
