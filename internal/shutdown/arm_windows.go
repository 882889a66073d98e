//go:build windows

package shutdown

import (
	"io"
	"os"
)

// armPlatform keeps a reader on an interactive console so closing it still
// runs the shutdown; Ctrl+C itself arrives as os.Interrupt.
func (c *Coordinator) armPlatform() {
	fi, err := os.Stdin.Stat()
	if err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return
	}
	go func() {
		_, _ = io.Copy(io.Discard, os.Stdin)
		c.Trigger("console closed", ExitOK)
	}()
}
