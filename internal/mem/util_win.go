//go:build windows
// +build windows

package mem

func lockMemoryPlatform() (ProtectionLevel, error) {
	// On Windows, we can use VirtualLock but it has limitations
	// For simplicity, we'll just use memory clearing
	return ProtectionPartial, nil
}

func unlockMemoryPlatform() error {
	// Nothing to unlock
	return nil
}
