package agi

import (
	"bufio"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/ivrkit/pbxline/pbxerr"
)

// OpenStdio opens a Session over the process's standard input and
// output, the usual transport for a script-backed GI handler invoked
// directly by the PBX. Asterisk sends SIGHUP to signal that the
// channel hung up while the script may still be running in "dead
// AGI" mode, so the session's hangup hook raises HangupDetected the
// next time Execute is called.
func OpenStdio() (*Session, error) {
	var gotSighup atomic.Bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	go func() {
		for range sigCh {
			gotSighup.Store(true)
		}
	}()

	hook := func() error {
		if gotSighup.Load() {
			return pbxerr.New(pbxerr.KindHangupDetected, "received SIGHUP from the PBX")
		}
		return nil
	}

	// Stdout is wrapped in an explicit bufio.Writer so
	// Session.writeCommand's Flush type-assertion has something to
	// flush after every command.
	return Open(os.Stdin, bufio.NewWriter(os.Stdout), hook)
}
