package traysync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
)

const fakeUniqueName = ":1.0"

var errUnknownMethod = errors.New("org.freedesktop.DBus.Error.UnknownMethod")

type handlerFunc func(ctx context.Context, args []any) ([]any, error)

type fakeCall struct {
	Dest   string
	Path   dbus.ObjectPath
	Method string
	Args   []any
}

// fakeBus is an in-memory Bus. Method replies are scripted per destination,
// path, and method; signals are delivered to every registered channel, as
// godbus does.
type fakeBus struct {
	mu       sync.Mutex
	handlers map[string]handlerFunc
	calls    []fakeCall
	chans    []chan<- *dbus.Signal
	matches  int
	onMatch  func(ctx context.Context) error
	names    map[string]bool
	taken    map[string]bool
	exports  map[string]any
	props    map[dbus.ObjectPath]map[string]any
	emitted  []*dbus.Signal
	owners   map[string]string
	done     chan struct{}
	doneOnce sync.Once
	closed   bool
}

func newFakeBus() *fakeBus {
	b := &fakeBus{
		handlers: make(map[string]handlerFunc),
		names:    make(map[string]bool),
		taken:    make(map[string]bool),
		exports:  make(map[string]any),
		props:    make(map[dbus.ObjectPath]map[string]any),
		owners:   make(map[string]string),
		done:     make(chan struct{}),
	}

	b.handle(dbusInterface, dbusPath, dbusInterface+".GetNameOwner", func(_ context.Context, args []any) ([]any, error) {
		b.mu.Lock()
		defer b.mu.Unlock()

		owner, ok := b.owners[args[0].(string)]
		if !ok {
			return nil, errors.New("org.freedesktop.DBus.Error.NameHasNoOwner")
		}
		return []any{owner}, nil
	})

	b.handle(dbusInterface, dbusPath, dbusInterface+".ListNames", func(context.Context, []any) ([]any, error) {
		b.mu.Lock()
		defer b.mu.Unlock()

		names := []string{dbusInterface}
		for name := range b.owners {
			names = append(names, name)
		}
		return []any{names}, nil
	})

	return b
}

func handlerKey(dest string, path dbus.ObjectPath, method string) string {
	return dest + "|" + string(path) + "|" + method
}

// handle scripts the reply of method on the object at path owned by dest.
func (b *fakeBus) handle(dest string, path dbus.ObjectPath, method string, h handlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[handlerKey(dest, path, method)] = h
}

// own makes owner the owner of the well-known name.
func (b *fakeBus) own(name, owner string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.owners[name] = owner
}

func (b *fakeBus) Call(ctx context.Context, dest string, path dbus.ObjectPath, method string, args ...any) ([]any, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, dbus.ErrClosed
	}
	b.calls = append(b.calls, fakeCall{Dest: dest, Path: path, Method: method, Args: args})
	h, ok := b.handlers[handlerKey(dest, path, method)]
	b.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%s: %w", method, errUnknownMethod)
	}

	return h(ctx, args)
}

func (b *fakeBus) AddMatchSignal(ctx context.Context, _ ...dbus.MatchOption) error {
	b.mu.Lock()
	hook := b.onMatch
	b.mu.Unlock()

	if hook != nil {
		if err := hook(ctx); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.matches++
	return nil
}

func (b *fakeBus) RemoveMatchSignal(context.Context, ...dbus.MatchOption) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.matches--
	return nil
}

// interceptMatches makes every following AddMatchSignal call hook first. A
// hook error fails the call.
func (b *fakeBus) interceptMatches(hook func(ctx context.Context) error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.onMatch = hook
}

func (b *fakeBus) matchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.matches
}

func (b *fakeBus) Signal(ch chan<- *dbus.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chans = append(b.chans, ch)
}

func (b *fakeBus) RemoveSignal(ch chan<- *dbus.Signal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, c := range b.chans {
		if c == ch {
			b.chans = append(b.chans[:i], b.chans[i+1:]...)
			return
		}
	}
}

func (b *fakeBus) RequestName(name string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.taken[name] {
		return false, nil
	}

	b.names[name] = true
	b.owners[name] = fakeUniqueName
	return true, nil
}

func (b *fakeBus) ReleaseName(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.names, name)
	if b.owners[name] == fakeUniqueName {
		delete(b.owners, name)
	}
	return nil
}

func (b *fakeBus) Export(v any, path dbus.ObjectPath, iface string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := string(path) + "|" + iface
	if v == nil {
		delete(b.exports, key)
		return nil
	}

	b.exports[key] = v
	return nil
}

func (b *fakeBus) ExportProperties(path dbus.ObjectPath, iface string, props map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.props[path] == nil {
		b.props[path] = make(map[string]any)
	}
	for name, value := range props {
		b.props[path][name] = value
	}
	return nil
}

// Emit records the signal and delivers it back to the connection, as the bus
// daemon does for matched signals.
func (b *fakeBus) Emit(path dbus.ObjectPath, name string, values ...any) error {
	sig := &dbus.Signal{Sender: fakeUniqueName, Path: path, Name: name, Body: values}

	b.mu.Lock()
	b.emitted = append(b.emitted, sig)
	b.mu.Unlock()

	b.deliver(sig)
	return nil
}

func (b *fakeBus) Done() <-chan struct{} {
	return b.done
}

func (b *fakeBus) Close() error {
	b.disconnect()
	return nil
}

// disconnect makes the connection unusable.
func (b *fakeBus) disconnect() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	b.doneOnce.Do(func() { close(b.done) })
}

func (b *fakeBus) deliver(sig *dbus.Signal) {
	b.mu.Lock()
	chans := append([]chan<- *dbus.Signal(nil), b.chans...)
	b.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- sig:
		default:
		}
	}
}

// signal delivers a signal sent by sender.
func (b *fakeBus) signal(sender string, path dbus.ObjectPath, name string, body ...any) {
	b.deliver(&dbus.Signal{Sender: sender, Path: path, Name: name, Body: body})
}

// vanish reports that owner left the bus.
func (b *fakeBus) vanish(owner string) {
	b.mu.Lock()
	for name, o := range b.owners {
		if o == owner {
			delete(b.owners, name)
		}
	}
	b.mu.Unlock()

	b.signal(dbusInterface, dbusPath, dbusInterface+".NameOwnerChanged", owner, owner, "")
}

func (b *fakeBus) count(method string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, call := range b.calls {
		if call.Method == method {
			n++
		}
	}
	return n
}

func (b *fakeBus) exported(path dbus.ObjectPath, iface string) any {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.exports[string(path)+"|"+iface]
}

func (b *fakeBus) property(path dbus.ObjectPath, name string) any {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.props[path][name]
}

func (b *fakeBus) emittedSignals(name string) []*dbus.Signal {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*dbus.Signal
	for _, sig := range b.emitted {
		if sig.Name == name {
			out = append(out, sig)
		}
	}
	return out
}

// fakeItem is a scripted StatusNotifierItem.
type fakeItem struct {
	bus   *fakeBus
	owner string
	path  dbus.ObjectPath

	mu    sync.Mutex
	props map[string]dbus.Variant
}

func (b *fakeBus) addItem(owner string, path dbus.ObjectPath, props map[string]dbus.Variant) *fakeItem {
	it := &fakeItem{bus: b, owner: owner, path: path, props: props}

	b.handle(owner, path, propertiesIface+".GetAll", func(context.Context, []any) ([]any, error) {
		it.mu.Lock()
		defer it.mu.Unlock()

		clone := make(map[string]dbus.Variant, len(it.props))
		for name, value := range it.props {
			clone[name] = value
		}
		return []any{clone}, nil
	})

	b.handle(owner, path, propertiesIface+".Get", func(_ context.Context, args []any) ([]any, error) {
		it.mu.Lock()
		defer it.mu.Unlock()

		value, ok := it.props[args[1].(string)]
		if !ok {
			return nil, errors.New("org.freedesktop.DBus.Error.InvalidArgs")
		}
		return []any{value}, nil
	})

	b.own(owner, owner)

	return it
}

func (it *fakeItem) key() ItemKey {
	return ItemKey{Owner: it.owner, Path: it.path}
}

func (it *fakeItem) set(name string, value any) {
	it.mu.Lock()
	defer it.mu.Unlock()

	it.props[name] = dbus.MakeVariant(value)
}

func (it *fakeItem) emit(member string, body ...any) {
	it.bus.signal(it.owner, it.path, StatusNotifierItemInterface+"."+member, body...)
}

func itemProps(id string) map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"Category": dbus.MakeVariant("ApplicationStatus"),
		"Id":       dbus.MakeVariant(id),
		"Title":    dbus.MakeVariant(id),
		"Status":   dbus.MakeVariant("Active"),
		"IconName": dbus.MakeVariant(id + "-icon"),
	}
}

// wireNode builds a layout node in the wire format.
func wireNode(id int32, label string, children ...any) []any {
	props := map[string]dbus.Variant{}
	if label != "" {
		props["label"] = dbus.MakeVariant(label)
	}
	if len(children) > 0 {
		props["children-display"] = dbus.MakeVariant("submenu")
	}

	variants := make([]dbus.Variant, 0, len(children))
	for _, child := range children {
		variants = append(variants, dbus.MakeVariant(child))
	}

	return []any{id, props, variants}
}

// recvEvent returns the first event that matches fn.
func recvEvent(t *testing.T, sub *Subscription, fn func(Event) bool) Event {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for {
		ev, err := sub.Recv(ctx)
		var lagged *LaggedError
		if errors.As(err, &lagged) {
			continue
		}
		if err != nil {
			t.Fatalf("waiting for event: %v", err)
		}
		if fn(ev) {
			return ev
		}
	}
}

// drain returns the events received until none arrives for a short while.
func drain(sub *Subscription) []Event {
	var events []Event

	for {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		ev, err := sub.Recv(ctx)
		cancel()

		if err != nil {
			return events
		}
		events = append(events, ev)
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
