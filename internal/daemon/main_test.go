package daemon

import (
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// regexp2 keeps a shared clock goroutine alive between matches.
		goleak.IgnoreTopFunction("github.com/dlclark/regexp2.runClock"),
		goleak.IgnoreTopFunction("os/signal.signal_recv"),
	)
}
