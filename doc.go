// Package portmapper discovers NAT/firewall gateways and opens, refreshes,
// and tears down inbound port mappings via NAT-PMP (RFC 6886), PCP
// (RFC 6887), and UPnP IGD (v1/v2).
//
// Create races all three protocols and keeps whichever responds first;
// DiscoverAll instead runs every protocol's discovery concurrently and
// reports everything found. Both sit on top of the gwnet and gwproc
// packages, the non-blocking I/O and process-supervision substrate the
// protocol drivers are built from.
package portmapper
