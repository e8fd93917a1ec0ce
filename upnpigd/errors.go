package upnpigd

import "fmt"

// ErrNoDevice is returned when none of the four goupnp IGD client flavors
// found a device on the network.
var ErrNoDevice = fmt.Errorf("upnpigd: no UPnP Internet Gateway Device found")

// MappingError wraps a failure creating or deleting one specific mapping.
type MappingError struct {
	Protocol string
	Port     int
	Cause    error
}

func (e *MappingError) Error() string {
	return fmt.Sprintf("upnpigd: mapping %s port %d failed: %v", e.Protocol, e.Port, e.Cause)
}

func (e *MappingError) Unwrap() error { return e.Cause }

// DiscoveryError wraps a failure during device discovery.
type DiscoveryError struct {
	Stage string
	Cause error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("upnpigd: discovery (%s): %v", e.Stage, e.Cause)
}

func (e *DiscoveryError) Unwrap() error { return e.Cause }
