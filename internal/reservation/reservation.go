// Package reservation implements device-reservation arbitration between
// processes competing for the same ALSA card, via the
// org.freedesktop.ReserveDevice1 D-Bus convention. Grounded on
// reserve_init/reserve_update/reserve_cb/monitor_cb in
// _examples/original_source/src/modules/alsa/alsa-sink.c, which wrap the
// same protocol through pa_reserve_wrapper/pa_reserve_monitor_wrapper.
//
// Spec.md §1 treats reservation arbitration as an external collaborator
// reached through "two simple hook callbacks"; this package is that
// collaborator; the Sink Facade only sees Acquire/Release/Watch.
package reservation

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

// busName follows the convention "org.freedesktop.ReserveDevice1.<name>",
// where name is the reservation string derived from the ALSA card (e.g.
// "Audio0" for card 0), matching pa_alsa_get_reserve_name.
func busName(name string) string {
	return "org.freedesktop.ReserveDevice1." + name
}

func objectPath(name string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/freedesktop/ReserveDevice1/" + name)
}

const interfaceName = "org.freedesktop.ReserveDevice1"

// ErrBusy is returned by Acquire when another process holds the
// reservation and declines to yield — spec §7's "Reservation denied on
// resume: surfaced as BUSY."
var ErrBusy = errors.New("reservation: device busy")

// Handle represents one held (or attempted) reservation for a device name.
type Handle struct {
	conn *dbus.Conn
	name string

	mu      sync.Mutex
	held    bool
	onForce func() // invoked when another process requests we yield
}

// Acquire requests ownership of the named device (e.g. "Audio0"),
// publishing applicationName as the well-known bus name's
// ApplicationDeviceName property. If another process already owns the
// name, Acquire returns ErrBusy rather than blocking — spec §4.5 treats this
// as a synchronous failure of the SUSPENDED→RUNNING transition, not a retry
// loop. Acquire does not compare priority with the current owner and does
// not ask it to release the device.
func Acquire(ctx context.Context, name, applicationName string, priority int32, onForce func()) (*Handle, error) {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrap(err, "reservation: connect session bus")
	}

	reply, err := conn.RequestName(busName(name), dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "reservation: request name")
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, ErrBusy
	}

	h := &Handle{conn: conn, name: name, held: true, onForce: onForce}
	if err := h.export(applicationName, priority); err != nil {
		h.Release()
		return nil, err
	}
	return h, nil
}

// export publishes the ReserveDevice1 object the spec's counterparty
// queries for ApplicationDeviceName/Priority and calls RequestRelease on.
func (h *Handle) export(applicationName string, priority int32) error {
	props := map[string]dbus.Variant{
		"ApplicationName": dbus.MakeVariant(applicationName),
		"Priority":        dbus.MakeVariant(priority),
	}
	if err := h.conn.Export(propsGetter(props), objectPath(h.name), "org.freedesktop.DBus.Properties"); err != nil {
		return errors.Wrap(err, "reservation: export properties")
	}
	if err := h.conn.Export(requestReleaseHandler{h}, objectPath(h.name), interfaceName); err != nil {
		return errors.Wrap(err, "reservation: export interface")
	}
	return nil
}

// requestReleaseHandler answers the RequestRelease method call another
// process's reservation library makes when it wants our device back.
type requestReleaseHandler struct{ h *Handle }

// RequestRelease implements the org.freedesktop.ReserveDevice1 method.
// Returning true tells the caller we released voluntarily.
func (r requestReleaseHandler) RequestRelease(forced bool) (bool, *dbus.Error) {
	r.h.mu.Lock()
	cb := r.h.onForce
	r.h.mu.Unlock()
	if cb != nil {
		cb()
	}
	r.h.Release()
	return true, nil
}

type propsGetter map[string]dbus.Variant

func (p propsGetter) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	return p, nil
}

func (p propsGetter) Get(iface, prop string) (dbus.Variant, *dbus.Error) {
	v, ok := p[prop]
	if !ok {
		return dbus.Variant{}, dbus.NewError("org.freedesktop.DBus.Error.UnknownProperty", []interface{}{prop})
	}
	return v, nil
}

// Release gives up the reservation. Idempotent.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.held {
		return nil
	}
	h.held = false
	_, _ = h.conn.ReleaseName(busName(h.name))
	return h.conn.Close()
}

// Held reports whether this handle currently owns the reservation.
func (h *Handle) Held() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.held
}

// Monitor watches a device name for busy/free transitions without holding
// it, grounded on reserve_monitor_init/monitor_cb — used by the
// auto-suspend-on-idle policy layer (external collaborator per spec §1) to
// learn when a previously-busy device has become available again.
type Monitor struct {
	conn *dbus.Conn
	name string
}

// WatchMonitor subscribes to NameOwnerChanged for the reservation bus name
// and reports busy/free transitions on the returned channel. The channel is
// closed when ctx is canceled.
func WatchMonitor(ctx context.Context, name string) (*Monitor, <-chan bool, error) {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, nil, errors.Wrap(err, "reservation: connect session bus")
	}

	matchRule := fmt.Sprintf("type='signal',interface='org.freedesktop.DBus',member='NameOwnerChanged',arg0='%s'", busName(name))
	if err := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule).Err; err != nil {
		conn.Close()
		return nil, nil, errors.Wrap(err, "reservation: add match")
	}

	signals := make(chan *dbus.Signal, 8)
	conn.Signal(signals)

	out := make(chan bool, 1)
	go func() {
		defer close(out)
		defer conn.RemoveSignal(signals)
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-signals:
				if !ok {
					return
				}
				if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) < 3 {
					continue
				}
				owner, _ := sig.Body[2].(string)
				select {
				case out <- owner != "":
				default:
				}
			}
		}
	}()

	return &Monitor{conn: conn, name: name}, out, nil
}

// Close stops the monitor and releases its D-Bus connection.
func (m *Monitor) Close() error {
	return m.conn.Close()
}
