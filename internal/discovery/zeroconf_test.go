package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryAddress(t *testing.T) {
	tests := []struct {
		name  string
		entry *zeroconf.ServiceEntry
		want  string
	}{
		{
			name: "txt record wins",
			entry: &zeroconf.ServiceEntry{
				Text:     []string{"txtv=0", "addr=127.0.0.1:5100"},
				AddrIPv4: []net.IP{net.ParseIP("10.0.0.4")},
				Port:     5100,
			},
			want: "127.0.0.1:5100",
		},
		{
			name: "falls back to packet address",
			entry: &zeroconf.ServiceEntry{
				Text:     []string{"txtv=0"},
				AddrIPv4: []net.IP{net.ParseIP("10.0.0.4")},
				Port:     5100,
			},
			want: "10.0.0.4:5100",
		},
		{
			name:  "nothing usable",
			entry: &zeroconf.ServiceEntry{Text: []string{"addr="}},
			want:  "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, entryAddress(tt.entry))
		})
	}
}

func TestInstanceName(t *testing.T) {
	r := NewRegistry("demo")
	assert.Equal(t, "demo_ecs_5100", r.instanceName(kindCoordinator, "5100"))
	assert.Equal(t, "demo_ecs_", r.instanceName(kindCoordinator, ""))
}

func TestRegisterAndResolve(t *testing.T) {
	if testing.Short() {
		t.Skip("multicast test")
	}

	r := NewRegistry("ringkv-test")
	if err := r.RegisterCoordinator("127.0.0.1", 5199); err != nil {
		t.Skipf("multicast unavailable: %v", err)
	}
	defer r.Shutdown()

	assert.Error(t, r.RegisterCoordinator("127.0.0.1", 5199), "duplicate registration")

	addr, err := r.ResolveCoordinator(context.Background(), 2*time.Second)
	if err != nil {
		t.Skipf("no mDNS answer on this host: %v", err)
	}
	require.Equal(t, "127.0.0.1:5199", addr)
}
