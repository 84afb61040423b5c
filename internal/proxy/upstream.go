package proxy

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// DefaultPort is used when no port is configured and no SRV record exists.
const DefaultPort = 25565

// Upstream is the origin server every connection is bridged to.
type Upstream struct {
	Host string
	Port int
}

// Address returns host:port.
func (u Upstream) Address() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

func (u Upstream) String() string { return u.Address() }

type srvLookup func(ctx context.Context, service, proto, name string) (string, []*net.SRV, error)

// resolveUpstream returns host:port unchanged when port is set. Otherwise
// it follows the _minecraft._tcp SRV record of host and falls back to
// DefaultPort when there is none.
func resolveUpstream(ctx context.Context, lookup srvLookup, host string, port int) (u Upstream, viaSRV bool) {
	if port != 0 {
		return Upstream{Host: host, Port: port}, false
	}
	if ip := net.ParseIP(host); ip != nil {
		return Upstream{Host: host, Port: DefaultPort}, false
	}
	_, addrs, err := lookup(ctx, "minecraft", "tcp", host)
	if err != nil || len(addrs) == 0 {
		return Upstream{Host: host, Port: DefaultPort}, false
	}
	target := strings.TrimSuffix(addrs[0].Target, ".")
	if target == "" {
		target = host
	}
	return Upstream{Host: target, Port: int(addrs[0].Port)}, true
}

// dialUpstream opens a TCP connection to u within timeout.
func dialUpstream(ctx context.Context, u Upstream, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", u.Address())
	if err != nil {
		return nil, fmt.Errorf("dial upstream %s: %w", u, err)
	}
	return conn, nil
}
