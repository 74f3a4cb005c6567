package traysync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/prop"
)

const (
	dbusInterface   = "org.freedesktop.DBus"
	dbusPath        = "/org/freedesktop/DBus"
	propertiesIface = "org.freedesktop.DBus.Properties"
)

// Bus is the message bus substrate used by every component of the package.
//
// Use [NewBus] to adapt a godbus connection. All traffic of a [Client] is
// multiplexed over a single Bus.
type Bus interface {
	// Call invokes method on the object at path owned by dest and returns the
	// reply body. The call is abandoned when ctx is done.
	Call(ctx context.Context, dest string, path dbus.ObjectPath, method string, args ...any) ([]any, error)

	// AddMatchSignal and RemoveMatchSignal are calls to the bus daemon and
	// are abandoned when ctx is done.
	AddMatchSignal(ctx context.Context, options ...dbus.MatchOption) error
	RemoveMatchSignal(ctx context.Context, options ...dbus.MatchOption) error

	// Signal registers ch to receive every signal matched on the connection.
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)

	// RequestName requests name without queueing. It reports whether this
	// connection became the primary owner.
	RequestName(name string) (bool, error)
	ReleaseName(name string) error

	Export(v any, path dbus.ObjectPath, iface string) error
	// ExportProperties exports or updates the readable properties of iface
	// at path. Changed values are announced with PropertiesChanged.
	ExportProperties(path dbus.ObjectPath, iface string, props map[string]any) error
	Emit(path dbus.ObjectPath, name string, values ...any) error

	// Done is closed when the connection becomes unusable.
	Done() <-chan struct{}

	Close() error
}

type connBus struct {
	conn *dbus.Conn

	mu    sync.Mutex
	props map[dbus.ObjectPath]*prop.Properties
}

// NewBus returns [Bus] backed by conn.
func NewBus(conn *dbus.Conn) Bus {
	return &connBus{
		conn:  conn,
		props: make(map[dbus.ObjectPath]*prop.Properties),
	}
}

// SessionBus connects to the session bus and returns it as [Bus].
func SessionBus() (Bus, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}

	return NewBus(conn), nil
}

func (b *connBus) Call(ctx context.Context, dest string, path dbus.ObjectPath, method string, args ...any) ([]any, error) {
	call := b.conn.Object(dest, path).CallWithContext(ctx, method, 0, args...)
	if call.Err != nil {
		return nil, call.Err
	}

	return call.Body, nil
}

func (b *connBus) AddMatchSignal(ctx context.Context, options ...dbus.MatchOption) error {
	return b.conn.AddMatchSignalContext(ctx, options...)
}

func (b *connBus) RemoveMatchSignal(ctx context.Context, options ...dbus.MatchOption) error {
	return b.conn.RemoveMatchSignalContext(ctx, options...)
}

func (b *connBus) Signal(ch chan<- *dbus.Signal) {
	b.conn.Signal(ch)
}

func (b *connBus) RemoveSignal(ch chan<- *dbus.Signal) {
	b.conn.RemoveSignal(ch)
}

func (b *connBus) RequestName(name string) (bool, error) {
	reply, err := b.conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return false, err
	}

	return reply == dbus.RequestNameReplyPrimaryOwner || reply == dbus.RequestNameReplyAlreadyOwner, nil
}

func (b *connBus) ReleaseName(name string) error {
	_, err := b.conn.ReleaseName(name)
	return err
}

func (b *connBus) Export(v any, path dbus.ObjectPath, iface string) error {
	return b.conn.Export(v, path, iface)
}

func (b *connBus) ExportProperties(path dbus.ObjectPath, iface string, props map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if exported, ok := b.props[path]; ok {
		for name, value := range props {
			if _, err := exported.Get(iface, name); err != nil {
				return fmt.Errorf("set property %s.%s: %s", iface, name, err.Error())
			}
			exported.SetMust(iface, name, value)
		}
		return nil
	}

	spec := make(map[string]*prop.Prop, len(props))
	for name, value := range props {
		spec[name] = &prop.Prop{
			Value:    value,
			Writable: false,
			Emit:     prop.EmitTrue,
		}
	}

	exported, err := prop.Export(b.conn, path, prop.Map{iface: spec})
	if err != nil {
		return fmt.Errorf("export properties of %s: %w", path, err)
	}

	b.props[path] = exported
	return nil
}

func (b *connBus) Emit(path dbus.ObjectPath, name string, values ...any) error {
	return b.conn.Emit(path, name, values...)
}

func (b *connBus) Done() <-chan struct{} {
	return b.conn.Context().Done()
}

func (b *connBus) Close() error {
	return b.conn.Close()
}

// remote is a single object on the bus. Every call made through remote is
// bounded by timeout.
type remote struct {
	bus     Bus
	dest    string
	path    dbus.ObjectPath
	timeout time.Duration
}

func (r remote) call(ctx context.Context, method string, args ...any) ([]any, error) {
	ctx, cancel := withTimeout(ctx, r.timeout)
	defer cancel()

	body, err := r.bus.Call(ctx, r.dest, r.path, method, args...)
	if err == nil {
		return body, nil
	}

	return nil, callError(ctx, method, err)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// callError maps err returned by a call made with ctx to the errors of the
// package.
func callError(ctx context.Context, method string, err error) error {
	switch {
	case errors.Is(err, dbus.ErrClosed):
		return fmt.Errorf("%s: %w", method, ErrConnectionLost)
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil:
		return fmt.Errorf("%s: %w", method, ErrTimeout)
	}

	// Report a cancellation of the caller's context as-is.
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}

	return fmt.Errorf("%s: %w", method, err)
}

// addMatch adds a match rule. The call to the bus daemon is bounded by
// timeout.
func addMatch(bus Bus, timeout time.Duration, options ...dbus.MatchOption) error {
	ctx, cancel := withTimeout(context.Background(), timeout)
	defer cancel()

	if err := bus.AddMatchSignal(ctx, options...); err != nil {
		return callError(ctx, "AddMatch", err)
	}
	return nil
}

// removeMatch removes a match rule added with [addMatch].
func removeMatch(bus Bus, timeout time.Duration, options ...dbus.MatchOption) error {
	ctx, cancel := withTimeout(context.Background(), timeout)
	defer cancel()

	if err := bus.RemoveMatchSignal(ctx, options...); err != nil {
		return callError(ctx, "RemoveMatch", err)
	}
	return nil
}

// getAll retrieves every property of iface.
func (r remote) getAll(ctx context.Context, iface string) (map[string]dbus.Variant, error) {
	body, err := r.call(ctx, propertiesIface+".GetAll", iface)
	if err != nil {
		return nil, err
	}

	if len(body) != 1 {
		return nil, fmt.Errorf("GetAll: invalid response body format")
	}

	props, ok := body[0].(map[string]dbus.Variant)
	if !ok {
		return nil, fmt.Errorf("GetAll: invalid response type %T", body[0])
	}

	return props, nil
}

// get retrieves a single property of iface.
func (r remote) get(ctx context.Context, iface, name string) (dbus.Variant, error) {
	body, err := r.call(ctx, propertiesIface+".Get", iface, name)
	if err != nil {
		return dbus.Variant{}, err
	}

	if len(body) != 1 {
		return dbus.Variant{}, fmt.Errorf("Get: invalid response body format")
	}

	switch v := body[0].(type) {
	case dbus.Variant:
		return v, nil
	default:
		return dbus.MakeVariant(v), nil
	}
}

// busDaemon returns the bus daemon object.
func busDaemon(bus Bus, timeout time.Duration) remote {
	return remote{bus: bus, dest: dbusInterface, path: dbusPath, timeout: timeout}
}

// nameOwner resolves name to the unique name of its owner.
func nameOwner(ctx context.Context, daemon remote, name string) (string, error) {
	if isUniqueName(name) {
		return name, nil
	}

	body, err := daemon.call(ctx, dbusInterface+".GetNameOwner", name)
	if err != nil {
		return "", err
	}

	if len(body) != 1 {
		return "", fmt.Errorf("GetNameOwner: invalid response body format")
	}

	owner, ok := body[0].(string)
	if !ok {
		return "", fmt.Errorf("GetNameOwner: invalid response type %T", body[0])
	}

	return owner, nil
}

func isUniqueName(name string) bool {
	return len(name) > 0 && name[0] == ':'
}
