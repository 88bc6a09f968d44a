package discovery

import (
	"github.com/grandcat/zeroconf"

	"github.com/darkprince558/vcall/internal/signaling"
)

// DNS-SD requires a port. Nothing listens on it; calls go through the broker.
const presencePort = 9

// Advertise announces id in namespace on the local network.
// It returns a shutdown function that should be called when advertising is no longer needed.
func Advertise(namespace, id string) (func(), error) {
	if err := signaling.ValidateID(id); err != nil {
		return nil, err
	}
	server, err := zeroconf.Register(
		instanceName(namespace, id),
		ServiceType,
		domain,
		presencePort,
		txtRecord(namespace, id),
		nil, // Check all interfaces
	)
	if err != nil {
		return nil, err
	}

	return server.Shutdown, nil
}
