package traysync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

var errMissingProperty = errors.New("property is missing")

// requiredProperties are reported as decode errors when an item does not
// provide them. Other missing properties silently keep their defaults.
var requiredProperties = []Field{FieldCategory, FieldID, FieldStatus}

// refetchOnSignal maps payload-less notifications of the item to the
// properties they invalidate.
var refetchOnSignal = map[string][]Field{
	"NewTitle":         {FieldTitle},
	"NewIcon":          {FieldIconName, FieldIconPixmap},
	"NewAttentionIcon": {FieldAttentionIconName, FieldAttentionIconPixmap, FieldAttentionMovieName},
	"NewOverlayIcon":   {FieldOverlayIconName, FieldOverlayIconPixmap},
	"NewToolTip":       {FieldToolTip},
}

// applyProperties returns a copy of cur with props applied one by one. A
// property that fails to decode keeps its previous value; the other
// properties are still applied.
func applyProperties(cur *ItemSnapshot, props map[string]dbus.Variant) (*ItemSnapshot, FieldSet, map[Field]error) {
	next := *cur

	var (
		changed FieldSet
		failed  map[Field]error
	)

	// Apply in a stable order so that decode errors are reported
	// deterministically.
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		field, err := next.setProperty(name, props[name])
		if field == 0 {
			continue
		}

		if err != nil {
			if failed == nil {
				failed = make(map[Field]error)
			}
			failed[field] = err
			continue
		}

		changed = changed.With(field)
	}

	return &next, changed, failed
}

// mirror keeps a local copy of the properties of a single item, updated by
// the notifications the item emits.
type mirror struct {
	key     ItemKey
	obj     remote
	bus     Bus
	log     zerolog.Logger
	publish func(Event)
	signals chan *dbus.Signal

	// onMenu is called when the item starts advertising a menu.
	onMenu func(path dbus.ObjectPath)

	// mu serializes writers of snap.
	mu   sync.Mutex
	snap atomic.Pointer[ItemSnapshot]
}

func newMirror(c *Client, key ItemKey) *mirror {
	m := &mirror{
		key: key,
		obj: remote{
			bus:     c.bus,
			dest:    key.Owner,
			path:    key.Path,
			timeout: c.cfg.CallTimeout,
		},
		bus:     c.bus,
		log:     c.log.With().Str("item", key.String()).Logger(),
		publish: c.events.Publish,
		signals: make(chan *dbus.Signal, 128),
		onMenu:  func(dbus.ObjectPath) {},
	}

	m.snap.Store(newItemSnapshot(key))

	return m
}

// Snapshot returns a copy of the current state of the item.
func (m *mirror) Snapshot() ItemSnapshot {
	return *m.snap.Load()
}

// load retrieves all properties of the item at once. Properties that could
// not be decoded are returned as errors and keep their defaults.
func (m *mirror) load(ctx context.Context) ([]error, error) {
	props, err := m.obj.getAll(ctx, StatusNotifierItemInterface)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	next, _, failed := applyProperties(m.snap.Load(), props)
	m.snap.Store(next)
	m.mu.Unlock()

	var decodeErrs []error

	for _, field := range requiredProperties {
		if _, ok := props[field.Property()]; !ok {
			decodeErrs = append(decodeErrs, &PropertyDecodeError{Key: m.key, Field: field, Err: errMissingProperty})
		}
	}

	for _, field := range allFields.Fields() {
		if err, ok := failed[field]; ok {
			decodeErrs = append(decodeErrs, &PropertyDecodeError{Key: m.key, Field: field, Err: err})
		}
	}

	return decodeErrs, nil
}

// matchOptions returns match rules of the signals the mirror listens to.
func (m *mirror) matchOptions() [][]dbus.MatchOption {
	return [][]dbus.MatchOption{
		{
			dbus.WithMatchInterface(StatusNotifierItemInterface),
			dbus.WithMatchSender(m.key.Owner),
			dbus.WithMatchObjectPath(m.key.Path),
		},
		{
			dbus.WithMatchInterface(propertiesIface),
			dbus.WithMatchMember("PropertiesChanged"),
			dbus.WithMatchSender(m.key.Owner),
			dbus.WithMatchObjectPath(m.key.Path),
			dbus.WithMatchArg(0, StatusNotifierItemInterface),
		},
	}
}

// subscribe starts receiving notifications of the item. It must be called
// before load, so that no update between the two is lost.
func (m *mirror) subscribe() error {
	for _, options := range m.matchOptions() {
		if err := addMatch(m.bus, m.obj.timeout, options...); err != nil {
			return err
		}
	}

	m.bus.Signal(m.signals)

	return nil
}

func (m *mirror) unsubscribe() {
	for _, options := range m.matchOptions() {
		if err := removeMatch(m.bus, m.obj.timeout, options...); err != nil {
			m.log.Debug().Err(err).Msg("failed to remove match rule")
		}
	}

	m.bus.RemoveSignal(m.signals)
}

// run applies notifications until ctx is done.
func (m *mirror) run(ctx context.Context) {
	defer m.unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case signal := <-m.signals:
			if signal.Sender != m.key.Owner || signal.Path != m.key.Path {
				continue
			}

			m.handleSignal(ctx, signal)
		}
	}
}

func (m *mirror) handleSignal(ctx context.Context, signal *dbus.Signal) {
	switch signal.Name {
	case propertiesIface + ".PropertiesChanged":
		m.handlePropertiesChanged(ctx, signal)
	case StatusNotifierItemInterface + ".NewStatus":
		m.handleValueSignal(ctx, signal, FieldStatus)
	case StatusNotifierItemInterface + ".NewIconThemePath":
		m.handleValueSignal(ctx, signal, FieldIconThemePath)
	default:
		iface, member := splitMember(signal.Name)
		if iface != StatusNotifierItemInterface {
			return
		}

		if fields, ok := refetchOnSignal[member]; ok {
			m.log.Debug().Str("signal", member).Msg("refetching properties")
			m.refetch(ctx, fields)
		}
	}
}

// handleValueSignal handles notifications that carry the new value of field.
// A notification without a usable payload falls back to a refetch.
func (m *mirror) handleValueSignal(ctx context.Context, signal *dbus.Signal, field Field) {
	if len(signal.Body) >= 1 {
		if _, ok := signal.Body[0].(string); ok {
			m.apply(map[string]dbus.Variant{field.Property(): dbus.MakeVariant(signal.Body[0])})
			return
		}
	}

	m.refetch(ctx, []Field{field})
}

// handlePropertiesChanged handles org.freedesktop.DBus.Properties.PropertiesChanged.
func (m *mirror) handlePropertiesChanged(ctx context.Context, signal *dbus.Signal) {
	if len(signal.Body) != 3 {
		return
	}

	if iface, _ := signal.Body[0].(string); iface != StatusNotifierItemInterface {
		return
	}

	if changed, ok := signal.Body[1].(map[string]dbus.Variant); ok && len(changed) > 0 {
		m.apply(changed)
	}

	invalidated, _ := signal.Body[2].([]string)

	var fields []Field
	for _, name := range invalidated {
		if field, ok := propertyFields[name]; ok {
			fields = append(fields, field)
		}
	}

	if len(fields) > 0 {
		m.refetch(ctx, fields)
	}
}

// refetch retrieves fields one by one and applies those that were retrieved.
// Each retrieval is retried once; after that the stale value is kept.
func (m *mirror) refetch(ctx context.Context, fields []Field) {
	props := make(map[string]dbus.Variant, len(fields))

	for _, field := range fields {
		value, err := m.obj.get(ctx, StatusNotifierItemInterface, field.Property())
		if err != nil && ctx.Err() == nil {
			value, err = m.obj.get(ctx, StatusNotifierItemInterface, field.Property())
		}

		if ctx.Err() != nil {
			return
		}

		if err != nil {
			m.log.Warn().Err(err).Stringer("field", field).Msg("failed to refetch property")
			m.publish(ItemError{
				Key: m.key,
				Err: &ItemCallError{Key: m.key, Call: "Get " + field.Property(), Err: err},
			})
			continue
		}

		props[field.Property()] = value
	}

	if len(props) > 0 {
		m.apply(props)
	}
}

// fetchMenuPath retrieves the Menu property of the item. Items may advertise
// the menu after they were loaded without notifying about it.
//
// The snapshot is left untouched: it is written only by the goroutine of the
// item.
func (m *mirror) fetchMenuPath(ctx context.Context) (dbus.ObjectPath, error) {
	value, err := m.obj.get(ctx, StatusNotifierItemInterface, FieldMenu.Property())
	if err != nil {
		return "", &ItemCallError{Key: m.key, Call: "Get " + FieldMenu.Property(), Err: err}
	}

	next, _, failed := applyProperties(m.snap.Load(), map[string]dbus.Variant{FieldMenu.Property(): value})
	if err, ok := failed[FieldMenu]; ok {
		return "", &PropertyDecodeError{Key: m.key, Field: FieldMenu, Err: err}
	}

	return next.MenuPath, nil
}

// apply stores props into the snapshot and announces the change.
func (m *mirror) apply(props map[string]dbus.Variant) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.snap.Load()
	next, changed, failed := applyProperties(prev, props)

	m.snap.Store(next)

	if changed != 0 {
		m.publish(ItemUpdated{Key: m.key, Fields: changed, Item: *next})
	}

	for _, field := range allFields.Fields() {
		if err, ok := failed[field]; ok {
			m.log.Warn().Err(err).Stringer("field", field).Msg("failed to decode property")
			m.publish(ItemError{Key: m.key, Err: &PropertyDecodeError{Key: m.key, Field: field, Err: err}})
		}
	}

	if changed.Has(FieldMenu) && next.MenuPath != "" && next.MenuPath != prev.MenuPath {
		m.onMenu(next.MenuPath)
	}
}

// splitMember splits a fully qualified member name into interface and member.
func splitMember(name string) (string, string) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i], name[i+1:]
		}
	}

	return "", name
}
