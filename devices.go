package fanvault

import (
	"context"

	"github.com/awnumar/memguard"
)

// Availability answers "is the device backing this key reachable right
// now?". It is intentionally a separate enumeration from LifecycleStatus:
// a key can be Active while its device is unplugged, and a connected
// device can back a Deactivated key.
type Availability string

const (
	AvailabilityConnected    Availability = "connected"
	AvailabilityNotConnected Availability = "not_connected"
	AvailabilityUnknown      Availability = "unknown"
)

// Device is one hardware token reported by the provider.
type Device struct {
	Ref       string
	Serial    string
	Label     string
	Reachable bool
}

// DeviceProvider is the boundary to hardware tokens. Implementations are
// expected to honour the context deadline on Enumerate; the registry calls
// it with a bounded timeout and degrades missing answers to
// AvailabilityUnknown rather than failing a listing.
type DeviceProvider interface {
	// Enumerate reports the devices presently visible to this machine.
	Enumerate(ctx context.Context) ([]Device, error)

	// Unlock performs the device's PIN/touch interaction and returns the
	// private key scalar sealed in an enclave.
	Unlock(ctx context.Context, ref string, pin string) (*memguard.Enclave, error)
}

// availabilityOf maps one key onto the reachability snapshot. This is the
// explicit join between the two enumerations. Passphrase keys are connected
// whenever their wrapped material is still present; hardware keys are
// matched by device serial. enumerated is false when the provider could not
// be queried, which degrades hardware keys to unknown instead of erroring.
func availabilityOf(key *KeyEntry, reachable map[string]bool, enumerated bool) Availability {
	switch key.Kind {
	case KindPassphrase:
		if key.MaterialRef == "" {
			return AvailabilityNotConnected
		}
		return AvailabilityConnected
	case KindHardware:
		if !enumerated {
			return AvailabilityUnknown
		}
		if reachable[key.MaterialRef] {
			return AvailabilityConnected
		}
		return AvailabilityNotConnected
	default:
		return AvailabilityUnknown
	}
}
