// Command portmapper opens an inbound port mapping via whichever of
// NAT-PMP, PCP, or UPnP IGD the local gateway supports, holds it open with
// periodic refresh, and tears it down on interrupt.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ozerelkerem/portmapper"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "portmapper: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	protocol := flag.String("proto", "tcp", "protocol to map: tcp or udp")
	port := flag.Int("port", 8080, "internal port to map")
	discoverOnly := flag.Bool("discover", false, "list every responding gateway and exit")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-signalCh
		cancel()
	}()

	if *discoverOnly {
		return discover(ctx)
	}
	return hold(ctx, *protocol, *port)
}

func discover(ctx context.Context) error {
	gateways, err := portmapper.DiscoverAll(ctx)
	if err != nil {
		return fmt.Errorf("discover gateways: %w", err)
	}
	if len(gateways) == 0 {
		fmt.Println("no responding gateway found")
		return nil
	}
	for _, g := range gateways {
		fmt.Printf("%s\t%s\n", g.Driver, g.ExternalIP)
	}
	return nil
}

func hold(ctx context.Context, protocol string, port int) error {
	mapping, err := portmapper.Create(ctx, protocol, port)
	if err != nil {
		return fmt.Errorf("create mapping: %w", err)
	}
	defer mapping.Close()

	ip, externalPort := mapping.External()
	fmt.Printf("mapped %s/%d -> %s:%d via %s\n", protocol, port, ip, externalPort, mapping.Driver())

	ticker := time.NewTicker(refreshInterval(mapping))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("closing mapping")
			return nil
		case <-ticker.C:
			if err := mapping.Refresh(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "refresh failed: %v\n", err)
				continue
			}
			ticker.Reset(refreshInterval(mapping))
		}
	}
}

func refreshInterval(mapping *portmapper.Mapping) time.Duration {
	const floor = time.Second
	if d := time.Until(mapping.ExpiresAt()) / 2; d > floor {
		return d
	}
	return floor
}
