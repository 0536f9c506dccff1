package fanvault

import (
	"fmt"
	"time"
)

// DefaultGraceWindow is how long a deactivated key stays restorable before
// the sweep moves it to destroyed.
const DefaultGraceWindow = 30 * 24 * time.Hour

// DefaultDeviceTimeout bounds a single hardware enumeration so an absent or
// wedged device can never stall a key listing.
const DefaultDeviceTimeout = 2 * time.Second

// Options configures registry and engine behaviour. Sensitive fields are
// excluded from serialization; configuration files must never carry
// passphrases or salts.
type Options struct {
	// GraceWindow is the deactivation grace period. Zero selects
	// DefaultGraceWindow.
	GraceWindow time.Duration `json:"grace_window,omitempty"`

	// DeviceTimeout bounds hardware enumeration calls. Zero selects
	// DefaultDeviceTimeout.
	DeviceTimeout time.Duration `json:"device_timeout,omitempty"`

	// Actor is recorded on status history entries and audit events.
	Actor string `json:"-"`

	// DerivationPassphrase, when set, is used to derive a passphrase
	// identity instead of prompting. Never serialized.
	DerivationPassphrase string `json:"-"`

	// EnableMemoryLock requests mlock for pages holding key material.
	EnableMemoryLock bool `json:"enable_memory_lock"`
}

// Validate checks the options and fills defaults in place.
func (o *Options) Validate() error {
	if o.GraceWindow < 0 {
		return fmt.Errorf("grace window cannot be negative: %v", o.GraceWindow)
	}
	if o.GraceWindow == 0 {
		o.GraceWindow = DefaultGraceWindow
	}
	if o.DeviceTimeout < 0 {
		return fmt.Errorf("device timeout cannot be negative: %v", o.DeviceTimeout)
	}
	if o.DeviceTimeout == 0 {
		o.DeviceTimeout = DefaultDeviceTimeout
	}
	if o.Actor == "" {
		o.Actor = "local-user"
	}
	return nil
}
