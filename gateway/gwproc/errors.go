package gwproc

import "errors"

// errGatewayClosed is the cause reported to every still-open entry's
// response bus when the gateway shuts down before the process exited on
// its own.
var errGatewayClosed = errors.New("gwproc: gateway closed")
