// Package nat classifies how a NAT allocates external ports and predicts the ports a
// symmetric NAT will hand out next.
package nat

import (
	"fmt"
	"net"
)

// Type represents the port allocation behaviour detected for a NAT
type Type int

const (
	// TypeUnknown indicates not enough servers answered to classify
	TypeUnknown Type = iota

	// TypeOpen indicates no translation: the external port is the local port
	TypeOpen

	// TypeCone indicates one external port for all destinations
	TypeCone

	// TypeSymmetricIncrement indicates a new external port per destination,
	// advancing by a fixed step
	TypeSymmetricIncrement

	// TypeSymmetricRandom indicates a new external port per destination with no
	// usable pattern
	TypeSymmetricRandom
)

// String returns a human-readable name for the NAT type
func (t Type) String() string {
	switch t {
	case TypeUnknown:
		return "Unknown"
	case TypeOpen:
		return "Port Preserving"
	case TypeCone:
		return "Cone"
	case TypeSymmetricIncrement:
		return "Symmetric (fixed increment)"
	case TypeSymmetricRandom:
		return "Symmetric (random)"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// Symmetric reports whether the NAT assigns a new port per destination.
func (t Type) Symmetric() bool {
	return t == TypeSymmetricIncrement || t == TypeSymmetricRandom
}

// Allocation is the outcome of the allocation test
type Allocation struct {
	Type      Type
	Increment int

	// External address and the predicted next external port
	IP   net.IP
	Port int
}

// String returns a human-readable representation of the allocation
func (a *Allocation) String() string {
	if a == nil {
		return "<nil allocation>"
	}
	return fmt.Sprintf("%s (increment %d, next %s:%d)", a.Type, a.Increment, a.IP, a.Port)
}

// Classify derives the allocation behaviour from mappings observed for successive
// requests sent from one local port to different servers. A nil entry is a server
// that did not answer; its slot still counts when dividing deltas. Only mappings
// sharing the most common external IP are compared.
func Classify(localPort int, samples []*net.UDPAddr) *Allocation {
	ip := dominantIP(samples)
	if ip == nil {
		return &Allocation{Type: TypeUnknown}
	}

	type point struct{ idx, port int }
	var points []point
	for i, s := range samples {
		if s != nil && s.IP.Equal(ip) {
			points = append(points, point{i, s.Port})
		}
	}

	last := points[len(points)-1]
	if len(points) == 1 {
		t := TypeUnknown
		if last.port == localPort {
			t = TypeOpen
		}
		return &Allocation{Type: t, IP: ip, Port: last.port}
	}

	var deltas []int
	for i := 1; i < len(points); i++ {
		gap := points[i].idx - points[i-1].idx
		deltas = append(deltas, (points[i].port-points[i-1].port)/gap)
	}

	a := &Allocation{IP: ip}
	switch {
	case allEqual(deltas) && deltas[0] == 0:
		a.Type = TypeCone
		if last.port == localPort {
			a.Type = TypeOpen
		}
		a.Port = last.port
		return a
	case allEqual(deltas):
		a.Type = TypeSymmetricIncrement
		a.Increment = deltas[0]
	default:
		a.Type = TypeSymmetricRandom
		for _, d := range deltas {
			if d != 0 {
				a.Increment = d
				break
			}
		}
	}
	a.Port = wrapPort(last.port+a.Increment, DefaultPredictConfig().MinPort)
	return a
}

// After returns a copy of a predicting the port allocated after an observed external
// port, e.g. the STUN mapping of another socket behind the same NAT.
func (a *Allocation) After(port int) *Allocation {
	next := *a
	next.Port = wrapPort(port+a.Increment, DefaultPredictConfig().MinPort)
	return &next
}

func dominantIP(samples []*net.UDPAddr) net.IP {
	var best net.IP
	bestCount := 0
	for i, s := range samples {
		if s == nil {
			continue
		}
		count := 0
		for _, o := range samples[i:] {
			if o != nil && o.IP.Equal(s.IP) {
				count++
			}
		}
		if count > bestCount {
			best, bestCount = s.IP, count
		}
	}
	return best
}

func allEqual(v []int) bool {
	for _, x := range v[1:] {
		if x != v[0] {
			return false
		}
	}
	return true
}

// PredictConfig tunes port guessing
type PredictConfig struct {
	// Ports guessed for a fixed-increment NAT
	IncrementGuesses int

	// Ports swept across the range for a random-allocation NAT
	RandomGuesses int

	// Guesses never fall below this port
	MinPort int
}

// DefaultPredictConfig returns the default guessing parameters
func DefaultPredictConfig() PredictConfig {
	return PredictConfig{
		IncrementGuesses: 8,
		RandomGuesses:    75,
		MinPort:          1024,
	}
}

// GuessPorts synthesizes the external ports a symmetric NAT is likely to allocate
// next. Non-symmetric allocations need no guesses and return nil.
func GuessPorts(a *Allocation, cfg PredictConfig) []int {
	if a == nil || !a.Type.Symmetric() {
		return nil
	}
	if cfg.MinPort <= 0 {
		cfg.MinPort = 1
	}
	span := 65536 - cfg.MinPort

	var ports []int
	switch a.Type {
	case TypeSymmetricIncrement:
		for k := 0; k < cfg.IncrementGuesses; k++ {
			ports = append(ports, wrapPort(a.Port+k*a.Increment, cfg.MinPort))
		}
	case TypeSymmetricRandom:
		if cfg.RandomGuesses <= 0 {
			return nil
		}
		stride := span / cfg.RandomGuesses
		for k := 0; k < cfg.RandomGuesses; k++ {
			ports = append(ports, wrapPort(a.Port+k*stride, cfg.MinPort))
		}
	}
	return ports
}

// wrapPort folds p into [min, 65535].
func wrapPort(p, min int) int {
	span := 65536 - min
	off := (p - min) % span
	if off < 0 {
		off += span
	}
	return min + off
}
