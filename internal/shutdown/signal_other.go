//go:build !unix

package shutdown

import "os"

var defaultSignals = []os.Signal{os.Interrupt}

func signalName(sig os.Signal) string {
	return sig.String()
}
