package oob

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/seantiz/anvil/internal/status"
)

// Supported networks.
const (
	NetworkTCP   = "tcp"
	NetworkUnix  = "unix"
	NetworkVsock = "vsock"
)

// Retry defaults for connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// Endpoint is a parsed head-node URI.
type Endpoint struct {
	Network string
	Address string
}

// String renders the endpoint as a URI.
func (e Endpoint) String() string {
	if e.Network == NetworkUnix {
		return "unix://" + e.Address
	}
	return e.Network + "://" + e.Address
}

// ParseURI parses tcp://host:port, unix:///path or vsock://cid:port.
func ParseURI(uri string) (Endpoint, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse uri %q: %v: %w", uri, err, status.ErrBadParam)
	}
	switch u.Scheme {
	case NetworkTCP:
		if u.Host == "" {
			return Endpoint{}, fmt.Errorf("tcp uri %q has no host: %w", uri, status.ErrBadParam)
		}
		return Endpoint{Network: NetworkTCP, Address: u.Host}, nil
	case NetworkUnix:
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == "" {
			return Endpoint{}, fmt.Errorf("unix uri %q has no path: %w", uri, status.ErrBadParam)
		}
		return Endpoint{Network: NetworkUnix, Address: path}, nil
	case NetworkVsock:
		if _, _, err := splitVsock(u.Host); err != nil {
			return Endpoint{}, fmt.Errorf("vsock uri %q: %w", uri, err)
		}
		return Endpoint{Network: NetworkVsock, Address: u.Host}, nil
	default:
		return Endpoint{}, fmt.Errorf("uri %q: unsupported scheme %q: %w", uri, u.Scheme, status.ErrBadParam)
	}
}

func splitVsock(addr string) (cid, port uint32, err error) {
	c, p, ok := strings.Cut(addr, ":")
	if !ok {
		return 0, 0, fmt.Errorf("address %q is not cid:port: %w", addr, status.ErrBadParam)
	}
	if c == "" {
		c = "0"
	}
	cv, err := strconv.ParseUint(c, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("context id %q: %w", c, status.ErrBadParam)
	}
	pv, err := strconv.ParseUint(p, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("port %q: %w", p, status.ErrBadParam)
	}
	return uint32(cv), uint32(pv), nil
}

// Listen opens a listener for network and addr. For vsock, addr is ":port"
// or "cid:port"; the cid is ignored.
func Listen(network, addr string) (net.Listener, error) {
	switch network {
	case NetworkTCP, NetworkUnix:
		l, err := net.Listen(network, addr)
		if err != nil {
			return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
		}
		return l, nil
	case NetworkVsock:
		_, port, err := splitVsock(addr)
		if err != nil {
			return nil, err
		}
		l, err := vsock.Listen(port, nil)
		if err != nil {
			return nil, fmt.Errorf("vsock listen on port %d: %w", port, err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("listen on network %q: %w", network, status.ErrBadParam)
	}
}

// Dial connects to the head node at uri, retrying with exponential
// backoff on connection failure.
func Dial(ctx context.Context, uri string) (*Conn, error) {
	ep, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}

	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial %s: %w", uri, ctx.Err())
		default:
		}

		c, err := dialOnce(ctx, ep)
		if err != nil {
			lastErr = err
			if attempt < dialMaxRetries-1 {
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return nil, fmt.Errorf("dial %s: %w", uri, ctx.Err())
				}
				backoff *= 2
			}
			continue
		}
		return NewConn(c), nil
	}

	return nil, fmt.Errorf("dial %s after %d attempts: %v: %w", uri, dialMaxRetries, lastErr, status.ErrUnreachable)
}

func dialOnce(ctx context.Context, ep Endpoint) (net.Conn, error) {
	if ep.Network == NetworkVsock {
		cid, port, err := splitVsock(ep.Address)
		if err != nil {
			return nil, err
		}
		c, err := vsock.Dial(cid, port, nil)
		if err != nil {
			return nil, fmt.Errorf("vsock dial %d:%d: %w", cid, port, err)
		}
		return c, nil
	}
	var d net.Dialer
	c, err := d.DialContext(ctx, ep.Network, ep.Address)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", ep, err)
	}
	return c, nil
}

// AdvertiseURI returns the URI daemons should dial to reach l. Unspecified
// TCP hosts are replaced by the local hostname and vsock listeners are
// advertised at the host context ID.
func AdvertiseURI(l net.Listener) (string, error) {
	switch a := l.Addr().(type) {
	case *net.TCPAddr:
		host := a.IP.String()
		if a.IP == nil || a.IP.IsUnspecified() {
			h, err := os.Hostname()
			if err != nil {
				return "", fmt.Errorf("resolve advertise host: %w", err)
			}
			host = h
		}
		return Endpoint{Network: NetworkTCP, Address: net.JoinHostPort(host, strconv.Itoa(a.Port))}.String(), nil
	case *net.UnixAddr:
		return Endpoint{Network: NetworkUnix, Address: a.Name}.String(), nil
	case *vsock.Addr:
		return Endpoint{Network: NetworkVsock, Address: fmt.Sprintf("%d:%d", vsock.Host, a.Port)}.String(), nil
	default:
		return "", fmt.Errorf("advertise %s address %s: %w", a.Network(), a, status.ErrNotSupported)
	}
}
