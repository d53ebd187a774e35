package topology

import (
	"fmt"
	"math/rand"
	"net"
	"strconv"
)

// PortProbe reports whether a host port can be bound right now
type PortProbe func(port int) bool

// TCPPortFree probes the port by listening on it briefly
func TCPPortFree(port int) bool {
	l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// AllocatePort picks a random port in [min, max] that no other stack holds
// and the probe accepts. The whole range is scanned from a random offset so
// allocation only fails when every port is taken.
func AllocatePort(min, max int, used map[int]bool, probe PortProbe) (int, error) {
	if min <= 0 || max < min {
		return 0, fmt.Errorf("invalid port range %d-%d", min, max)
	}
	if probe == nil {
		probe = TCPPortFree
	}

	size := max - min + 1
	offset := rand.Intn(size)
	for i := 0; i < size; i++ {
		port := min + (offset+i)%size
		if used[port] {
			continue
		}
		if probe(port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port in range %d-%d", min, max)
}
