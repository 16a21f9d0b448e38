// Package reserve implements a D-Bus device reservation matching the
// org.freedesktop.ReserveDevice1 convention: acquiring a bus name derived
// from the device identifies this process as the current owner, and a
// peer requesting the device back is delivered as a RequestRelease call the
// holder may veto. Modeled on exporting a D-Bus object and answering bus
// calls the way go-musicfox's MPRIS player object
// (internal/remote_control/mpris_player_linux.go) exports its Player
// object and reacts to property/method calls, adapted from a media-control
// surface to a device-arbitration one.
package reserve

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	interfaceName = "org.freedesktop.ReserveDevice1"
	pathPrefix    = "/org/freedesktop/ReserveDevice1/"
)

// busName derives the well-known bus name for a given ALSA device string,
// e.g. "hw:0,0" -> "org.freedesktop.ReserveDevice1.hw_0_0".
func busName(device string) string {
	sanitized := strings.NewReplacer(":", "_", ",", "_", "/", "_").Replace(device)
	return fmt.Sprintf("%s.%s", interfaceName, sanitized)
}

func objectPath(device string) dbus.ObjectPath {
	sanitized := strings.NewReplacer(":", "_", ",", "_", "/", "_").Replace(device)
	return dbus.ObjectPath(pathPrefix + sanitized)
}

// ReleaseFunc is called when a peer requests this device back. Returning
// nil grants the release (the caller should then suspend and relinquish the
// name); returning an error vetoes it (CANCEL), per §4.E.
type ReleaseFunc func(forced bool) error

// Reservation holds one acquired (or pending) device reservation.
type Reservation struct {
	conn    *dbus.Conn
	device  string
	path    dbus.ObjectPath
	name    string
	onRelease ReleaseFunc
	acquired  bool
}

// reservationObject is exported on the session bus to answer
// RequestRelease calls from peers, mirroring how the MPRIS player object
// exports methods answered from bus calls.
type reservationObject struct {
	r *Reservation
}

// RequestRelease is the org.freedesktop.ReserveDevice1 method peers invoke
// to ask this holder to yield the device. A non-nil error surfaces as a
// D-Bus error reply, vetoing the release.
func (o *reservationObject) RequestRelease(forced bool) *dbus.Error {
	if o.r.onRelease == nil {
		return nil
	}
	if err := o.r.onRelease(forced); err != nil {
		return dbus.NewError(interfaceName+".Cancelled", []interface{}{err.Error()})
	}
	return nil
}

// Open connects to the session bus, derives a reservation name from
// device, and exports the reservation object so peers can call
// RequestRelease. It does not acquire the name yet; call Acquire for that,
// matching the engine's "acquire on construction in non-system mode, then
// re-acquire on SUSPENDED->OPENED" discipline from §4.E.
func Open(device string, onRelease ReleaseFunc) (*Reservation, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("reserve: connect session bus: %w", err)
	}

	r := &Reservation{
		conn:      conn,
		device:    device,
		path:      objectPath(device),
		name:      busName(device),
		onRelease: onRelease,
	}

	if err := conn.Export(&reservationObject{r: r}, r.path, interfaceName); err != nil {
		conn.Close()
		return nil, fmt.Errorf("reserve: export object: %w", err)
	}

	return r, nil
}

// Acquire requests ownership of the reservation's well-known bus name,
// failing if a peer already holds it; the request is not queued and the
// holder is not asked to release it.
func (r *Reservation) Acquire() error {
	reply, err := r.conn.RequestName(r.name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("reserve: request name %q: %w", r.name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner && reply != dbus.RequestNameReplyAlreadyOwner {
		return fmt.Errorf("reserve: device %q already reserved by a peer", r.device)
	}
	r.acquired = true
	return nil
}

// Release gives up the reservation name, used on the OPENED->SUSPENDED
// transition per §4.E.
func (r *Reservation) Release() error {
	if !r.acquired {
		return nil
	}
	if _, err := r.conn.ReleaseName(r.name); err != nil {
		return fmt.Errorf("reserve: release name %q: %w", r.name, err)
	}
	r.acquired = false
	return nil
}

// Acquired reports whether this process currently holds the reservation.
func (r *Reservation) Acquired() bool { return r.acquired }

// Close tears down the underlying bus connection.
func (r *Reservation) Close() error {
	return r.conn.Close()
}
