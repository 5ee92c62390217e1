// Package port implements port availability checks for the launcher.
//
// Availability is decided by the operating system's network stack
// (net.Listen / net.ListenPacket) rather than by parsing /proc/net/* or
// shelling out to `lsof`/`ss`, which may need elevated permissions.
package port

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"

	"github.com/mmr-tortoise/dil/internal/model"
)

const (
	// maxPort is the highest valid TCP/UDP port number (2^16 - 1).
	maxPort = 65535

	// suggestionWindow is how many ports above the requested one are
	// scanned when building an AddressInUseError hint.
	suggestionWindow = 100
)

// Scanner checks whether specific ports are available on the host machine.
//
// The zero-value host ("") binds all interfaces, which is the strictest
// check: a port held on any interface is reported as in use.
type Scanner struct {
	host string
}

// NewScanner creates a Scanner that checks all interfaces.
func NewScanner() *Scanner {
	return &Scanner{}
}

// NewScannerForHost creates a Scanner that checks a single host address,
// e.g. "localhost" or "127.0.0.1". The launcher uses the configured listen
// host so that a port held only on another interface does not block it.
func NewScannerForHost(host string) *Scanner {
	return &Scanner{host: host}
}

// IsPortAvailable checks whether a single port is free on the host machine.
//
// For TCP, it attempts net.Listen("tcp", host:port). For UDP, it attempts
// net.ListenPacket("udp", host:port). If the bind succeeds, the port is
// available and the socket is closed immediately.
//
// Parameters:
//   - port: the port number to check (1-65535)
//   - protocol: "tcp" or "udp"
//
// Returns true if the port is free, false if it is in use or invalid.
func (s *Scanner) IsPortAvailable(port int, protocol string) bool {
	return s.tryBind(port, protocol) == nil
}

// tryBind performs the bind attempt and returns the OS error, if any.
// Callers that need to tell "in use" from other failures (permission,
// address not on this host) inspect the returned error.
func (s *Scanner) tryBind(port int, protocol string) error {
	if port < 1 || port > maxPort {
		return fmt.Errorf("port %d out of range (1-%d)", port, maxPort)
	}
	addr := net.JoinHostPort(s.host, strconv.Itoa(port))

	switch protocol {
	case "tcp":
		// net.Listen opens a TCP listener. If the port is already bound by
		// another process, this returns an error wrapping EADDRINUSE.
		listener, err := net.Listen("tcp", addr)
		if err != nil {
			return err
		}
		// Close immediately; we only needed to test availability, not
		// actually accept connections.
		return listener.Close()

	case "udp":
		// UDP is connectionless, so ListenPacket (which returns a
		// PacketConn) is used instead of Listen.
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return err
		}
		return conn.Close()

	default:
		// Unknown protocol — treat as unavailable to fail safe.
		return fmt.Errorf("unsupported protocol %q", protocol)
	}
}

// FindAvailablePort scans a port range [startPort, endPort] (inclusive) and
// returns the first port that is available for the given protocol.
//
// The search is sequential from startPort upward, so the same free port
// is reported consistently.
func (s *Scanner) FindAvailablePort(startPort, endPort int, protocol string) (int, error) {
	for port := startPort; port <= endPort; port++ {
		if s.IsPortAvailable(port, protocol) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no available %s port found in range %d-%d", protocol, startPort, endPort)
}

// Check verifies that the TCP port can be bound right now.
//
// When another process holds the port it returns a
// *model.AddressInUseError carrying the OS error and, when one exists
// nearby, a free port the operator could choose instead. The launcher
// surfaces this error as-is; it never switches ports on the operator's
// behalf.
//
// Any other bind failure (an out-of-range port, a host address that is
// not on this machine, a privileged port without permission) is returned
// as a plain error, because suggesting another port would not help.
func (s *Scanner) Check(port int) error {
	err := s.tryBind(port, "tcp")
	if err == nil {
		return nil
	}
	if !IsAddrInUse(err) {
		return fmt.Errorf("cannot bind %s: %w", net.JoinHostPort(s.host, strconv.Itoa(port)), err)
	}

	host := s.host
	if host == "" {
		host = "0.0.0.0"
	}
	inUse := &model.AddressInUseError{Host: host, Port: port, Err: err}

	end := port + suggestionWindow
	if end > maxPort {
		end = maxPort
	}
	if suggestion, findErr := s.FindAvailablePort(port+1, end, "tcp"); findErr == nil {
		inUse.Suggestion = suggestion
	}
	return inUse
}

// IsAddrInUse reports whether err is the OS "address already in use" bind
// failure. Servers use it to translate their own listen errors.
func IsAddrInUse(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE)
}
