package gwproc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ozerelkerem/portmapper/bus"
)

func drain(t *testing.T, q bus.Queue, want func(any) bool, timeout time.Duration) any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var pending []any
	for time.Now().Before(deadline) {
		pending = append(pending, q.DrainTo()...)
		for i, m := range pending {
			if want(m) {
				// Put every other message back so a later drain still sees it.
				for j, other := range pending {
					if j != i {
						q.Send(other)
					}
				}
				return m
			}
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for message; saw %#v", pending)
	return nil
}

func TestProcessEchoWriteReadClose(t *testing.T) {
	g := New()
	t.Cleanup(func() {
		g.Bus().Send(KillRequest{})
		g.Wait()
	})

	resp := bus.New()
	g.Bus().Send(CreateProcessRequest{Executable: "cat", ResponseBus: resp})
	created := drain(t, resp, func(m any) bool { _, ok := m.(CreateProcessResponse); return ok }, time.Second).(CreateProcessResponse)

	g.Bus().Send(WriteProcessRequest{ID: created.ID, Data: []byte("hello\n")})
	drain(t, resp, func(m any) bool { n, ok := m.(WriteEmptyProcessNotification); return ok && n.ID == created.ID }, time.Second)

	read := drain(t, resp, func(m any) bool {
		n, ok := m.(ReadProcessNotification)
		return ok && n.ID == created.ID && n.Stream == Stdout
	}, time.Second).(ReadProcessNotification)
	assert.Equal(t, "hello\n", string(read.Data))

	g.Bus().Send(CloseProcessRequest{ID: created.ID})
	exit := drain(t, resp, func(m any) bool { n, ok := m.(ExitProcessNotification); return ok && n.ID == created.ID }, 2*time.Second).(ExitProcessNotification)
	assert.NotEqual(t, 0, exit.Code)
}

func TestProcessExitsOnItsOwn(t *testing.T) {
	g := New()
	t.Cleanup(func() {
		g.Bus().Send(KillRequest{})
		g.Wait()
	})

	resp := bus.New()
	g.Bus().Send(CreateProcessRequest{Executable: "true", ResponseBus: resp})
	created := drain(t, resp, func(m any) bool { _, ok := m.(CreateProcessResponse); return ok }, time.Second).(CreateProcessResponse)

	exit := drain(t, resp, func(m any) bool { n, ok := m.(ExitProcessNotification); return ok && n.ID == created.ID }, 2*time.Second).(ExitProcessNotification)
	assert.Equal(t, 0, exit.Code)
}

func TestCreateProcessMissingExecutable(t *testing.T) {
	g := New()
	t.Cleanup(func() {
		g.Bus().Send(KillRequest{})
		g.Wait()
	})

	resp := bus.New()
	g.Bus().Send(CreateProcessRequest{Executable: "no-such-executable-xyz", ResponseBus: resp})
	msg := drain(t, resp, func(m any) bool { _, ok := m.(ErrorResponse); return ok }, time.Second)
	_, ok := msg.(ErrorResponse)
	require.True(t, ok)
}

func TestKillSweepReportsErrorForStillOpenEntries(t *testing.T) {
	g := New()
	resp := bus.New()
	g.Bus().Send(CreateProcessRequest{Executable: "cat", ResponseBus: resp})
	created := drain(t, resp, func(m any) bool { _, ok := m.(CreateProcessResponse); return ok }, time.Second).(CreateProcessResponse)

	g.Bus().Send(KillRequest{})
	g.Wait()

	msg := drain(t, resp, func(m any) bool {
		e, ok := m.(IdentifiableErrorResponse)
		return ok && e.ID == created.ID
	}, time.Second)
	_, ok := msg.(IdentifiableErrorResponse)
	assert.True(t, ok)
}

func TestWriteAfterExitIsIgnoredNotPanicked(t *testing.T) {
	g := New()
	t.Cleanup(func() {
		g.Bus().Send(KillRequest{})
		g.Wait()
	})

	resp := bus.New()
	g.Bus().Send(CreateProcessRequest{Executable: "true", ResponseBus: resp})
	created := drain(t, resp, func(m any) bool { _, ok := m.(CreateProcessResponse); return ok }, time.Second).(CreateProcessResponse)
	drain(t, resp, func(m any) bool { n, ok := m.(ExitProcessNotification); return ok && n.ID == created.ID }, 2*time.Second)

	g.Bus().Send(WriteProcessRequest{ID: created.ID, Data: []byte("too late")})
	time.Sleep(20 * time.Millisecond)
	for _, m := range resp.DrainTo() {
		t.Fatalf("unexpected message after process already exited: %#v", m)
	}
}
