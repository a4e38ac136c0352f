package holepunch

import "github.com/saintparish4/rendezvous/pkg/gather"

// AuxSockets exposes the auxiliary socket sizing to package holepunch_test.
func AuxSockets(cfg Config, set *gather.Set) int {
	cfg.setDefaults()
	return cfg.auxSockets(set)
}
