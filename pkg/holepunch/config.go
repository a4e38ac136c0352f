package holepunch

import (
	"time"

	"go.uber.org/zap"

	"github.com/saintparish4/rendezvous/internal/signaling"
	"github.com/saintparish4/rendezvous/pkg/gather"
	"github.com/saintparish4/rendezvous/pkg/probe"
)

const (
	// DefaultMessageTimeout bounds each wait for a host session message
	DefaultMessageTimeout = 30 * time.Second

	// DefaultDeleteTimeout bounds the teardown wait for our membership to go away
	DefaultDeleteTimeout = 30 * time.Second

	// DefaultMaxAuxSockets caps the extra sockets opened for a symmetric NAT. It
	// covers the 75-port random sweep.
	DefaultMaxAuxSockets = 75

	// PeerPlatform is the platform announced in localPeerAddr
	PeerPlatform = "REMOTE_PLAY"
)

// Config holds session configuration
type Config struct {
	Signaling signaling.Config `yaml:"signaling"`
	Gather    *gather.Config   `yaml:"-"`
	Probe     probe.Config     `yaml:"probe"`

	MessageTimeout time.Duration `yaml:"message_timeout"`
	DeleteTimeout  time.Duration `yaml:"delete_timeout"`

	// MaxAuxSockets caps the extra sockets opened per round when the NAT is
	// symmetric: one per guessed port. Zero takes the default, negative opens none.
	MaxAuxSockets int `yaml:"max_aux_sockets"`

	Logger *zap.Logger `yaml:"-"`
}

// DefaultConfig returns the default session configuration
func DefaultConfig() Config {
	return Config{
		Signaling:      signaling.DefaultConfig(),
		Gather:         gather.DefaultConfig(),
		Probe:          probe.DefaultConfig(),
		MessageTimeout: DefaultMessageTimeout,
		DeleteTimeout:  DefaultDeleteTimeout,
		MaxAuxSockets:  DefaultMaxAuxSockets,
	}
}

func (c *Config) setDefaults() {
	if c.Gather == nil {
		c.Gather = gather.DefaultConfig()
	}
	if c.MessageTimeout <= 0 {
		c.MessageTimeout = DefaultMessageTimeout
	}
	if c.DeleteTimeout <= 0 {
		c.DeleteTimeout = DefaultDeleteTimeout
	}
	if c.MaxAuxSockets == 0 {
		c.MaxAuxSockets = DefaultMaxAuxSockets
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Signaling.Logger == nil {
		c.Signaling.Logger = c.Logger
	}
	if c.Gather.Logger == nil {
		g := *c.Gather
		g.Logger = c.Logger
		c.Gather = &g
	}
	if c.Probe.Logger == nil {
		c.Probe.Logger = c.Logger
	}
}

// auxSockets returns how many extra sockets to open for set: one per guessed port of
// a symmetric NAT, at most MaxAuxSockets.
func (c *Config) auxSockets(set *gather.Set) int {
	if set.Allocation == nil || !set.Allocation.Type.Symmetric() || c.MaxAuxSockets < 0 {
		return 0
	}
	return min(len(set.Guesses), c.MaxAuxSockets)
}
