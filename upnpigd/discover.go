package upnpigd

import (
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
	"github.com/koron/go-ssdp"
)

// ssdpSearchTarget is the UPnP root-device search target every IGD
// responds to regardless of which WANConnection service it exposes.
const ssdpSearchTarget = "upnp:rootdevice"

// probeSSDP runs a plain SSDP M-SEARCH for root devices alongside goupnp's
// own (slower, per-service-type) discovery. It is advisory only: Discover
// just logs how many services answered, a non-empty result does not
// guarantee one of the four IGD client flavors below will succeed, and
// an empty one does not stop discoverIGDClient from still trying them (a
// device can implement WANIPConnection without answering rootdevice the
// way this module expects).
func probeSSDP(timeout time.Duration) ([]ssdp.Service, error) {
	waitSeconds := int(timeout / time.Second)
	if waitSeconds < 1 {
		waitSeconds = 1
	}
	services, err := ssdp.Search(ssdpSearchTarget, waitSeconds, "")
	if err != nil {
		return nil, &DiscoveryError{Stage: "ssdp search", Cause: err}
	}
	return services, nil
}

// igdClient is the subset of the goupnp WANIPConnection1/WANPPPConnection1
// API (IGDv1 and IGDv2 alike) this package drives.
type igdClient interface {
	AddPortMapping(NewRemoteHost string, NewExternalPort uint16, NewProtocol string, NewInternalPort uint16, NewInternalClient string, NewEnabled bool, NewPortMappingDescription string, NewLeaseDuration uint32) error
	DeletePortMapping(NewRemoteHost string, NewExternalPort uint16, NewProtocol string) error
	GetExternalIPAddress() (string, error)
}

// discoverIGDClient tries IGDv2 WANIPConnection1, IGDv2 WANPPPConnection1,
// IGDv1 WANIPConnection1, and IGDv1 WANPPPConnection1, in that order,
// returning the first flavor with at least one responder.
func discoverIGDClient() (igdClient, error) {
	if clients, _, err := internetgateway2.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
		return clients[0], nil
	}
	if clients, _, err := internetgateway2.NewWANPPPConnection1Clients(); err == nil && len(clients) > 0 {
		return clients[0], nil
	}
	if clients, _, err := internetgateway1.NewWANIPConnection1Clients(); err == nil && len(clients) > 0 {
		return clients[0], nil
	}
	if clients, _, err := internetgateway1.NewWANPPPConnection1Clients(); err == nil && len(clients) > 0 {
		return clients[0], nil
	}
	return nil, ErrNoDevice
}
