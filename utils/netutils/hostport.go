package netutils

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
)

// SplitHostPort splits "host:port" or bracketed IPv6 "[::1]:3000" into
// its parts, applying defaultPort when no port is present.
func SplitHostPort(address string, defaultPort int) (string, int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		// assume the address carried no port at all
		return address, defaultPort, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, errors.Errorf("invalid port in address %q", address)
	}

	return host, port, nil
}

// JoinHostPort is the inverse of SplitHostPort, bracketing IPv6 literals.
func JoinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
