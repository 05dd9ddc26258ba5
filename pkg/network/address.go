package network

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

var errNoTCPPort = errors.New("no tcp port")

// ResolveAddress normalizes addr into a host:port dial target. Both
// "host:port" and multiaddrs such as "/ip4/127.0.0.1/tcp/9000" or
// "/dns4/example.org/tcp/9000" are accepted. Host names are resolved at dial
// time.
func ResolveAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "", addressError("resolve", addr, errors.New("empty address"))
	}

	if strings.HasPrefix(addr, "/") {
		return resolveMultiaddr(addr)
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", addressError("resolve", addr, err)
	}
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", addressError("resolve", addr, fmt.Errorf("invalid port %q", port))
	}
	return net.JoinHostPort(host, port), nil
}

func resolveMultiaddr(addr string) (string, error) {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return "", addressError("resolve", addr, err)
	}

	port, err := maddr.ValueForProtocol(multiaddr.P_TCP)
	if err != nil {
		return "", addressError("resolve", addr, errNoTCPPort)
	}

	for _, code := range []int{multiaddr.P_IP4, multiaddr.P_IP6, multiaddr.P_DNS4, multiaddr.P_DNS6, multiaddr.P_DNS} {
		if host, err := maddr.ValueForProtocol(code); err == nil {
			return net.JoinHostPort(host, port), nil
		}
	}
	return "", addressError("resolve", addr, errors.New("no host component"))
}

// ToMultiaddr renders a TCP address as a multiaddr.
func ToMultiaddr(addr net.Addr) (multiaddr.Multiaddr, error) {
	return manet.FromNetAddr(addr)
}
