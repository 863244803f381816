package session

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"kmnet/internal/kmerr"
)

// TokenLength is the number of hex digits in a pairing token.
const TokenLength = 8

// Params identify one appliance pairing. A Session is built from a Params
// value and never patched afterwards.
type Params struct {
	Host  string
	Port  string
	Token string
}

// Addr returns host:port.
func (p Params) Addr() string {
	return net.JoinHostPort(p.Host, p.Port)
}

// Validate checks the address and token without touching the network.
func (p Params) Validate() error {
	if strings.TrimSpace(p.Host) == "" || strings.ContainsAny(p.Host, " \t\r\n") {
		return fmt.Errorf("%w: host %q", kmerr.ErrBadAddress, p.Host)
	}
	if _, err := ParsePort(p.Port); err != nil {
		return err
	}
	if _, err := ParseToken(p.Token); err != nil {
		return err
	}
	return nil
}

// ParsePort parses a decimal UDP port in 1..65535.
func ParsePort(port string) (uint16, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(port), 10, 16)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("%w: port %q", kmerr.ErrBadAddress, port)
	}
	return uint16(n), nil
}

// ParseToken converts the 8 hex digit pairing token into the mac carried in
// every frame header.
func ParseToken(token string) (uint32, error) {
	token = strings.TrimSpace(token)
	if len(token) != TokenLength {
		return 0, fmt.Errorf("%w: want %d hex digits, got %d", kmerr.ErrBadToken, TokenLength, len(token))
	}
	mac, err := strconv.ParseUint(token, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not hexadecimal", kmerr.ErrBadToken, token)
	}
	return uint32(mac), nil
}
