//go:build !windows

package shutdown

func (c *Coordinator) armPlatform() {}
