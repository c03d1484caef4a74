// Copyright (c) 2015-2024 The Decred developers
// Copyright (c) 2024 The staking-farm developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"os/signal"
)

// interruptSignals defines the signals that trigger a shutdown.  SIGTERM is
// added on unix platforms so the daemon backs up its database when stopped by
// a service manager.
var interruptSignals = []os.Signal{os.Interrupt}

// shutdownListener returns a context canceled by the first interrupt signal,
// along with a cancel function to trigger the same shutdown from within the
// daemon.  Signals received once shutdown began are only logged so the user
// knows the process is not hung.
func shutdownListener() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	interruptChannel := make(chan os.Signal, 1)
	signal.Notify(interruptChannel, interruptSignals...)

	go func() {
		done := ctx.Done()
		shuttingDown := false
		for {
			select {
			case sig := <-interruptChannel:
				if shuttingDown {
					sfLog.Infof("Received signal (%s).  Already shutting "+
						"down...", sig)
					continue
				}
				sfLog.Infof("Received signal (%s).  Shutting down...", sig)
				shuttingDown = true
				cancel()

			case <-done:
				// Shutdown requested by the daemon itself.
				done = nil
				shuttingDown = true
			}
		}
	}()

	return ctx, cancel
}
