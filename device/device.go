// Package device models the Bluetooth adapter and remote device identity
// that transports attach to. Discovery and registry population are the
// job of an external collaborator; this package only carries the
// identity a transport needs for logging and addressing.
package device

import "fmt"

// Address is a 6-byte Bluetooth device address.
type Address [6]byte

// String formats the address in the conventional colon-separated form.
func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		a[5], a[4], a[3], a[2], a[1], a[0])
}

// Adapter is a local Bluetooth controller.
type Adapter struct {
	// ID is the controller index (hci0 is 0).
	ID int
}

// NewAdapter creates an adapter handle for the given controller index.
func NewAdapter(id int) *Adapter {
	return &Adapter{ID: id}
}

// Name returns the conventional controller name.
func (a *Adapter) Name() string {
	return fmt.Sprintf("hci%d", a.ID)
}

// Device is a remote Bluetooth device reachable through an adapter.
type Device struct {
	Adapter *Adapter
	Addr    Address

	// Alias is the human-readable peer label, when known.
	Alias string
}

// NewDevice creates a device handle bound to an adapter.
func NewDevice(adapter *Adapter, addr Address) *Device {
	return &Device{Adapter: adapter, Addr: addr}
}

// Label returns the best human-readable name for the device.
func (d *Device) Label() string {
	if d.Alias != "" {
		return d.Alias
	}
	return d.Addr.String()
}
