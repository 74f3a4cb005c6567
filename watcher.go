package traysync

import (
	"slices"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

const (
	StatusNotifierWatcherInterface = "org.kde.StatusNotifierWatcher"
	StatusNotifierWatcherPath      = "/StatusNotifierWatcher"
)

// Watcher implements [StatusNotifierWatcher]. It is exported by [Registry]
// when this process claims the watcher name, and answers registration calls
// and queries of other hosts.
//
// [StatusNotifierWatcher]: https://www.freedesktop.org/wiki/Specifications/StatusNotifierItem/StatusNotifierWatcher/
type Watcher struct {
	bus Bus
	log zerolog.Logger

	// onRegister is called for every item registration, onHost for every
	// host registration.
	onRegister func(key ItemKey)
	onHost     func(owner string)

	mu sync.Mutex
	// hosts maps unique names of hosts to their service names.
	hosts map[string]string
	// items holds registered items in the "<service><path>" format, in
	// registration order. keys holds the matching item keys.
	items []string
	keys  []ItemKey
}

func newWatcher(bus Bus, log zerolog.Logger, onRegister func(ItemKey), onHost func(string)) *Watcher {
	return &Watcher{
		bus:        bus,
		log:        log,
		onRegister: onRegister,
		onHost:     onHost,
		hosts:      make(map[string]string),
	}
}

// export exports the watcher object on the bus.
func (w *Watcher) export() error {
	if err := w.bus.Export(w, StatusNotifierWatcherPath, StatusNotifierWatcherInterface); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	return w.exportProperties()
}

// unexport removes the watcher object from the bus.
func (w *Watcher) unexport() error {
	return w.bus.Export(nil, StatusNotifierWatcherPath, StatusNotifierWatcherInterface)
}

// RegisterStatusNotifierItem is the bus method called by items to register
// themselves. service is either a bus name or an object path owned by the
// caller.
func (w *Watcher) RegisterStatusNotifierItem(service string, sender dbus.Sender) *dbus.Error {
	key, name := registrationKey(service, string(sender))

	if !w.add(key, name) {
		return nil
	}

	w.onRegister(key)

	return nil
}

// RegisterStatusNotifierHost is the bus method called by hosts to register
// themselves.
func (w *Watcher) RegisterStatusNotifierHost(service string, sender dbus.Sender) *dbus.Error {
	if w.addHost(string(sender), service) {
		w.onHost(string(sender))
	}
	return nil
}

// registrationKey resolves the argument of RegisterStatusNotifierItem.
func registrationKey(service, sender string) (ItemKey, string) {
	if len(service) > 0 && service[0] == '/' {
		return ItemKey{Owner: sender, Path: dbus.ObjectPath(service)}, sender + service
	}

	owner := sender
	if isUniqueName(service) {
		owner = service
	}

	return ItemKey{Owner: owner, Path: StatusNotifierItemPath}, service + StatusNotifierItemPath
}

// add records an item. It reports false if the item is already registered.
func (w *Watcher) add(key ItemKey, name string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if slices.Contains(w.keys, key) {
		return false
	}

	w.items = append(w.items, name)
	w.keys = append(w.keys, key)

	if err := w.bus.Emit(StatusNotifierWatcherPath, StatusNotifierWatcherInterface+".StatusNotifierItemRegistered", name); err != nil {
		w.log.Warn().Err(err).Str("item", name).Msg("failed to emit item registration")
	}

	if err := w.exportProperties(); err != nil {
		w.log.Warn().Err(err).Msg("failed to update watcher properties")
	}

	return true
}

// addHost records a host. It reports false if the host is already
// registered.
func (w *Watcher) addHost(owner, service string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.hosts[owner]; ok {
		return false
	}

	w.hosts[owner] = service

	if err := w.bus.Emit(StatusNotifierWatcherPath, StatusNotifierWatcherInterface+".StatusNotifierHostRegistered"); err != nil {
		w.log.Warn().Err(err).Str("host", service).Msg("failed to emit host registration")
	}

	if err := w.exportProperties(); err != nil {
		w.log.Warn().Err(err).Msg("failed to update watcher properties")
	}

	return true
}

// remove drops a single item.
func (w *Watcher) remove(key ItemKey) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.removeItems(func(k ItemKey) bool { return k == key }) {
		if err := w.exportProperties(); err != nil {
			w.log.Warn().Err(err).Msg("failed to update watcher properties")
		}
	}
}

// removeOwner drops every item and host owned by owner.
func (w *Watcher) removeOwner(owner string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	changed := w.removeItems(func(k ItemKey) bool { return k.Owner == owner })

	if _, ok := w.hosts[owner]; ok {
		delete(w.hosts, owner)
		changed = true

		if len(w.hosts) == 0 {
			if err := w.bus.Emit(StatusNotifierWatcherPath, StatusNotifierWatcherInterface+".StatusNotifierHostUnregistered"); err != nil {
				w.log.Warn().Err(err).Msg("failed to emit host unregistration")
			}
		}
	}

	if changed {
		if err := w.exportProperties(); err != nil {
			w.log.Warn().Err(err).Msg("failed to update watcher properties")
		}
	}
}

// removeItems drops items matching drop and announces their removal. It
// reports whether any item was dropped. w.mu must be held.
func (w *Watcher) removeItems(drop func(ItemKey) bool) bool {
	removed := false

	for idx := 0; idx < len(w.keys); {
		if !drop(w.keys[idx]) {
			idx++
			continue
		}

		name := w.items[idx]
		w.items = slices.Delete(w.items, idx, idx+1)
		w.keys = slices.Delete(w.keys, idx, idx+1)
		removed = true

		if err := w.bus.Emit(StatusNotifierWatcherPath, StatusNotifierWatcherInterface+".StatusNotifierItemUnregistered", name); err != nil {
			w.log.Warn().Err(err).Str("item", name).Msg("failed to emit item unregistration")
		}
	}

	return removed
}

// Items returns the registered items in the "<service><path>" format.
func (w *Watcher) Items() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	return slices.Clone(w.items)
}

func (w *Watcher) exportProperties() error {
	return w.bus.ExportProperties(StatusNotifierWatcherPath, StatusNotifierWatcherInterface, map[string]any{
		"RegisteredStatusNotifierItems":  slices.Clone(w.items),
		"IsStatusNotifierHostRegistered": len(w.hosts) > 0,
		"ProtocolVersion":                int32(0),
	})
}
