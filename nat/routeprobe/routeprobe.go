// Package routeprobe discovers the default gateway by shelling out to the
// platform's route-inspection command through the Process Gateway. It
// exists as a fallback for the common case (github.com/jackpal/gateway,
// used directly by natpmp and pcp) failing on an unusual network
// namespace or platform: the original portmapper library this module is
// based on has no native route-table reader at all and always shells out,
// so this restores that behavior as a fallback path rather than the
// primary one.
package routeprobe

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"regexp"
	"runtime"
	"time"

	"github.com/ozerelkerem/portmapper/bus"
	"github.com/ozerelkerem/portmapper/gateway/gwproc"
)

var viaPattern = regexp.MustCompile(`via (\S+)`)
var gatewayPattern = regexp.MustCompile(`gateway:\s*(\S+)`)

// DefaultTimeout bounds how long Probe waits for the route-inspection
// command to produce output.
const DefaultTimeout = 2 * time.Second

func command() (string, []string, error) {
	switch runtime.GOOS {
	case "linux":
		return "ip", []string{"route", "get", "1.1.1.1"}, nil
	case "darwin", "freebsd", "netbsd", "openbsd":
		return "route", []string{"-n", "get", "default"}, nil
	default:
		return "", nil, fmt.Errorf("routeprobe: unsupported platform %s", runtime.GOOS)
	}
}

// Probe spawns the platform's route-inspection command on g and parses the
// default gateway's address out of its output.
func Probe(ctx context.Context, g *gwproc.Gateway, timeout time.Duration) (net.IP, error) {
	exe, args, err := command()
	if err != nil {
		return nil, err
	}
	return runAndParse(ctx, g, timeout, exe, args)
}

// runAndParse drives one child process to completion through the Process
// Gateway and parses its stdout for a gateway address. Split out from
// Probe so tests can exercise the full CreateProcess/Read/Exit pipeline
// against a controllable command instead of a real "ip"/"route" binary.
func runAndParse(ctx context.Context, g *gwproc.Gateway, timeout time.Duration, exe string, args []string) (net.IP, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	resp := bus.New()
	g.Bus().Send(gwproc.CreateProcessRequest{Executable: exe, Args: args, ResponseBus: resp})

	var output bytes.Buffer
	var id int
	idKnown := false
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		for _, msg := range resp.DrainTo() {
			switch m := msg.(type) {
			case gwproc.CreateProcessResponse:
				id = m.ID
				idKnown = true
			case gwproc.ErrorResponse:
				return nil, fmt.Errorf("routeprobe: spawn %s: %w", exe, m.Cause)
			case gwproc.ReadProcessNotification:
				if idKnown && m.ID == id && m.Stream == gwproc.Stdout {
					output.Write(m.Data)
				}
			case gwproc.ExitProcessNotification:
				if idKnown && m.ID == id {
					return parseGateway(output.String())
				}
			case gwproc.IdentifiableErrorResponse:
				if idKnown && m.ID == id {
					return nil, fmt.Errorf("routeprobe: %s: %w", exe, m.Cause)
				}
			}
		}
		time.Sleep(time.Millisecond)
	}
	return nil, fmt.Errorf("routeprobe: timed out waiting for %s", exe)
}

func parseGateway(output string) (net.IP, error) {
	if m := viaPattern.FindStringSubmatch(output); m != nil {
		if ip := net.ParseIP(m[1]); ip != nil {
			return ip, nil
		}
	}
	if m := gatewayPattern.FindStringSubmatch(output); m != nil {
		if ip := net.ParseIP(m[1]); ip != nil {
			return ip, nil
		}
	}
	return nil, fmt.Errorf("routeprobe: could not find gateway address in output: %q", output)
}
