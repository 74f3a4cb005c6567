package traysync

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// legacyItemPrefixes are prefixes of names requested by items that publish
// themselves regardless of a watcher being present.
var legacyItemPrefixes = []string{
	"org.kde.StatusNotifierItem-",
	"org.freedesktop.StatusNotifierItem-",
}

// RegistryOptions configures [Registry].
type RegistryOptions struct {
	// HostID is used as a unique suffix of the host name, such as PID.
	HostID any

	// Claim enables claiming the watcher name.
	Claim bool

	// LegacyScan enables scanning bus names for items that registered
	// before any watcher existed.
	LegacyScan bool

	// CallTimeout bounds every remote call.
	CallTimeout time.Duration

	Logger zerolog.Logger
}

// Registry keeps track of items on the bus. It either claims the watcher name
// and serves as the [StatusNotifierWatcher] itself, or observes an existing
// watcher as a [StatusNotifierHost].
//
// Items are identified by [ItemKey] and reported once, no matter how many
// times and by which means they were seen. An item is lost when its owner
// leaves the bus.
//
// [StatusNotifierWatcher]: https://www.freedesktop.org/wiki/Specifications/StatusNotifierItem/StatusNotifierWatcher/
// [StatusNotifierHost]: https://www.freedesktop.org/wiki/Specifications/StatusNotifierItem/StatusNotifierHost/
type Registry struct {
	bus     Bus
	daemon  remote
	opts    RegistryOptions
	log     zerolog.Logger
	name    string
	signals chan *dbus.Signal

	onDiscovered func(key ItemKey)
	onLost       func(key ItemKey)

	cancel context.CancelFunc
	done   chan struct{}
	// tasks tracks goroutines started by the signal loop.
	tasks sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
	watcher *Watcher

	// hostClaimed is set when the host name is owned by this process.
	hostClaimed bool
	items       map[ItemKey]struct{}

	// owners holds unique names whose NameOwnerChanged signal is matched. The
	// value is set once the match rule is in place.
	owners map[string]bool
}

// NewRegistry returns a new [Registry]. onDiscovered and onLost are called
// without locks held, and must not block.
func NewRegistry(bus Bus, opts RegistryOptions, onDiscovered, onLost func(ItemKey)) *Registry {
	return &Registry{
		bus:          bus,
		daemon:       busDaemon(bus, opts.CallTimeout),
		opts:         opts,
		log:          opts.Logger,
		name:         fmt.Sprintf("org.kde.StatusNotifierHost-%v", opts.HostID),
		signals:      make(chan *dbus.Signal, 64),
		onDiscovered: onDiscovered,
		onLost:       onLost,
		done:         make(chan struct{}),
		items:        make(map[ItemKey]struct{}),
		owners:       make(map[string]bool),
	}
}

// Name returns name of the host service.
func (r *Registry) Name() string {
	return r.name
}

// IsWatcher reports whether this process serves as the watcher.
func (r *Registry) IsWatcher() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.watcher != nil
}

// Start subscribes to signals, claims or observes the watcher, and reports
// items that are already present on the bus.
//
// Another process owning the watcher name is not an error. Start fails with
// [ErrRegistryUnavailable] only if the bus cannot be used.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.closed || r.started {
		r.mu.Unlock()
		return fmt.Errorf("start: %w", ErrRegistryUnavailable)
	}
	r.started = true
	r.mu.Unlock()

	if err := r.subscribe(); err != nil {
		return fmt.Errorf("%w: subscribe: %w", ErrRegistryUnavailable, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	if err := r.claimOrObserve(ctx); err != nil {
		cancel()
		close(r.done)
		return err
	}

	if r.opts.LegacyScan {
		if err := r.scanLegacy(ctx); err != nil {
			r.log.Warn().Err(err).Msg("failed to scan bus names")
		}
	}

	go r.loop(loopCtx)

	return nil
}

// Close releases names owned by the registry and unsubscribes from signals.
//
// Registry cannot be reused after Close was called.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	started := r.started
	r.mu.Unlock()

	if !started {
		return nil
	}

	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
	r.tasks.Wait()

	r.mu.Lock()
	watcher := r.watcher
	hostClaimed := r.hostClaimed
	var owners []string
	for owner, installed := range r.owners {
		if installed {
			owners = append(owners, owner)
		}
	}
	clear(r.owners)
	r.mu.Unlock()

	var errs []error

	if watcher != nil {
		if err := watcher.unexport(); err != nil {
			errs = append(errs, err)
		}
		if err := r.bus.ReleaseName(StatusNotifierWatcherInterface); err != nil {
			errs = append(errs, err)
		}
	}

	if hostClaimed {
		if err := r.bus.ReleaseName(r.name); err != nil {
			errs = append(errs, err)
		}
	}

	for _, owner := range owners {
		if err := removeMatch(r.bus, r.opts.CallTimeout, nameOwnerChangedMatch(owner)...); err != nil {
			errs = append(errs, err)
		}
	}

	for _, options := range r.matchOptions() {
		if err := removeMatch(r.bus, r.opts.CallTimeout, options...); err != nil {
			errs = append(errs, err)
		}
	}

	r.bus.RemoveSignal(r.signals)

	if len(errs) > 0 {
		return fmt.Errorf("close registry: %w", errs[0])
	}

	return nil
}

// Items returns the currently known items.
func (r *Registry) Items() []ItemKey {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := slices.Collect(maps.Keys(r.items))
	slices.SortFunc(keys, func(a, b ItemKey) int {
		return strings.Compare(a.String(), b.String())
	})

	return keys
}

func nameOwnerChangedMatch(name string) []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchInterface(dbusInterface),
		dbus.WithMatchSender(dbusInterface),
		dbus.WithMatchMember("NameOwnerChanged"),
		dbus.WithMatchArg(0, name),
	}
}

func (r *Registry) matchOptions() [][]dbus.MatchOption {
	return [][]dbus.MatchOption{
		{
			dbus.WithMatchInterface(StatusNotifierWatcherInterface),
			dbus.WithMatchMember("StatusNotifierItemRegistered"),
		},
		nameOwnerChangedMatch(StatusNotifierWatcherInterface),
	}
}

// subscribe subscribes to signals
//   - org.kde.StatusNotifierWatcher.StatusNotifierItemRegistered
//   - org.freedesktop.DBus.NameOwnerChanged of the watcher name
func (r *Registry) subscribe() error {
	for _, options := range r.matchOptions() {
		if err := addMatch(r.bus, r.opts.CallTimeout, options...); err != nil {
			return err
		}
	}

	r.bus.Signal(r.signals)

	return nil
}

// claimOrObserve claims the watcher name. If the name is taken, the existing
// watcher is queried instead.
func (r *Registry) claimOrObserve(ctx context.Context) error {
	if r.opts.Claim {
		owned, err := r.bus.RequestName(StatusNotifierWatcherInterface)
		if err != nil {
			return fmt.Errorf("%w: request name %s: %w", ErrRegistryUnavailable, StatusNotifierWatcherInterface, err)
		}

		if owned {
			return r.becomeWatcher()
		}

		r.log.Debug().Msg("watcher name is taken, observing existing watcher")
	}

	r.observe(ctx)

	return nil
}

// becomeWatcher exports the watcher. Items known so far are registered in it.
func (r *Registry) becomeWatcher() error {
	w := newWatcher(r.bus, r.log, r.discovered, r.watchOwner)

	if err := w.export(); err != nil {
		if releaseErr := r.bus.ReleaseName(StatusNotifierWatcherInterface); releaseErr != nil {
			r.log.Debug().Err(releaseErr).Msg("failed to release watcher name")
		}
		return fmt.Errorf("%w: export watcher: %w", ErrRegistryUnavailable, err)
	}

	w.addHost("", r.name)

	r.mu.Lock()
	r.watcher = w
	known := slices.Collect(maps.Keys(r.items))
	r.mu.Unlock()

	for _, key := range known {
		w.add(key, key.String())
	}

	r.log.Info().Msg("serving as status notifier watcher")

	return nil
}

// observe registers the host in the existing watcher and reports items that
// are registered in it.
func (r *Registry) observe(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	r.mu.Lock()
	hostClaimed := r.hostClaimed
	r.mu.Unlock()

	if !hostClaimed {
		owned, err := r.bus.RequestName(r.name)
		switch {
		case err != nil:
			r.log.Warn().Err(err).Str("name", r.name).Msg("failed to request host name")
		case !owned:
			r.log.Warn().Str("name", r.name).Msg("host name already taken")
		default:
			r.mu.Lock()
			r.hostClaimed = true
			r.mu.Unlock()
		}
	}

	watcher := remote{
		bus:     r.bus,
		dest:    StatusNotifierWatcherInterface,
		path:    StatusNotifierWatcherPath,
		timeout: r.opts.CallTimeout,
	}

	if _, err := watcher.call(ctx, StatusNotifierWatcherInterface+".RegisterStatusNotifierHost", r.name); err != nil {
		r.log.Warn().Err(err).Msg("failed to register host")
	}

	property, err := watcher.get(ctx, StatusNotifierWatcherInterface, "RegisteredStatusNotifierItems")
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to retrieve registered items")
		return
	}

	registeredItems, ok := property.Value().([]string)
	if !ok {
		r.log.Warn().Str("type", fmt.Sprintf("%T", property.Value())).Msg("invalid format of registered items")
		return
	}

	for _, itemName := range registeredItems {
		r.resolve(ctx, itemName)
	}
}

// resolve reports the item registered as itemName.
func (r *Registry) resolve(ctx context.Context, itemName string) {
	service, path := uniqueNameAndPathFromItemName(itemName)

	owner, err := nameOwner(ctx, r.daemon, service)
	if err != nil {
		r.log.Debug().Err(err).Str("item", itemName).Msg("failed to resolve item owner")
		return
	}

	r.discovered(ItemKey{Owner: owner, Path: dbus.ObjectPath(path)})
}

// scanLegacy reports items that own a name with one of the legacy prefixes.
func (r *Registry) scanLegacy(ctx context.Context) error {
	body, err := r.daemon.call(ctx, dbusInterface+".ListNames")
	if err != nil {
		return err
	}

	if len(body) != 1 {
		return fmt.Errorf("ListNames: invalid response body format")
	}

	names, ok := body[0].([]string)
	if !ok {
		return fmt.Errorf("ListNames: invalid response type %T", body[0])
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for _, name := range names {
		if !hasLegacyPrefix(name) {
			continue
		}

		g.Go(func() error {
			r.resolve(gctx, name)
			return nil
		})
	}

	return g.Wait()
}

func hasLegacyPrefix(name string) bool {
	for _, prefix := range legacyItemPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// watchOwner subscribes to ownership changes of owner. The owner is recorded
// before the match rule is added and dropped again if adding fails.
func (r *Registry) watchOwner(owner string) {
	r.mu.Lock()
	if _, ok := r.owners[owner]; ok || owner == "" || r.closed {
		r.mu.Unlock()
		return
	}
	r.owners[owner] = false
	r.mu.Unlock()

	// Whenever name disappears, D-Bus will send NameOwnerChanged signal with
	// empty NewOwner argument. In this case, items of the owner are lost.
	err := addMatch(r.bus, r.opts.CallTimeout, nameOwnerChangedMatch(owner)...)

	r.mu.Lock()
	_, current := r.owners[owner]
	switch {
	case current && err != nil:
		delete(r.owners, owner)
	case current:
		r.owners[owner] = true
	}
	r.mu.Unlock()

	switch {
	case err != nil:
		r.log.Warn().Err(err).Str("owner", owner).Msg("failed to watch owner")
	case !current:
		// The owner left, or the registry was closed, while the rule was
		// being added.
		r.unwatchOwner(owner)
	}
}

func (r *Registry) unwatchOwner(owner string) {
	if err := removeMatch(r.bus, r.opts.CallTimeout, nameOwnerChangedMatch(owner)...); err != nil {
		r.log.Debug().Err(err).Str("owner", owner).Msg("failed to remove match rule")
	}
}

// discovered records key and reports it if it was not known.
func (r *Registry) discovered(key ItemKey) {
	r.mu.Lock()

	if _, exists := r.items[key]; exists || r.closed {
		r.mu.Unlock()
		return
	}

	r.items[key] = struct{}{}
	watcher := r.watcher
	r.mu.Unlock()

	r.watchOwner(key.Owner)

	if watcher != nil {
		watcher.add(key, key.String())
	}

	r.log.Debug().Str("item", key.String()).Msg("item discovered")
	r.onDiscovered(key)
}

// Forget drops key without reporting it as lost. A later registration of the
// same item reports it again.
func (r *Registry) Forget(key ItemKey) {
	r.mu.Lock()
	_, exists := r.items[key]
	delete(r.items, key)
	watcher := r.watcher
	r.mu.Unlock()

	if exists && watcher != nil {
		watcher.remove(key)
	}
}

// lost drops every item of owner and reports them.
func (r *Registry) lost(owner string) {
	r.mu.Lock()

	var keys []ItemKey
	for key := range r.items {
		if key.Owner == owner {
			keys = append(keys, key)
			delete(r.items, key)
		}
	}

	// A rule that is still being added is removed by watchOwner.
	installed := r.owners[owner]
	delete(r.owners, owner)

	watcher := r.watcher
	r.mu.Unlock()

	if installed {
		r.unwatchOwner(owner)
	}

	if watcher != nil {
		watcher.removeOwner(owner)
	}

	for _, key := range keys {
		r.log.Debug().Str("item", key.String()).Msg("item lost")
		r.onLost(key)
	}
}

func (r *Registry) loop(ctx context.Context) {
	defer close(r.done)

	for {
		select {
		case <-ctx.Done():
			return
		case signal := <-r.signals:
			switch signal.Name {
			case StatusNotifierWatcherInterface + ".StatusNotifierItemRegistered":
				r.handleRegisteredSignal(ctx, signal)
			case dbusInterface + ".NameOwnerChanged":
				r.handleNameOwnerChanged(ctx, signal)
			}
		}
	}
}

// handleRegisteredSignal handles the
// org.kde.StatusNotifierWatcher.StatusNotifierItemRegistered signal.
func (r *Registry) handleRegisteredSignal(ctx context.Context, signal *dbus.Signal) {
	if len(signal.Body) < 1 {
		return
	}

	itemName, ok := signal.Body[0].(string)
	if !ok {
		return
	}

	service, _ := uniqueNameAndPathFromItemName(itemName)
	if isUniqueName(service) {
		r.resolve(ctx, itemName)
		return
	}

	// Resolving a well-known name is a remote call.
	r.goTask(func() { r.resolve(ctx, itemName) })
}

// goTask runs fn in a goroutine that [Registry.Close] waits for.
func (r *Registry) goTask(fn func()) {
	r.tasks.Add(1)
	go func() {
		defer r.tasks.Done()
		fn()
	}()
}

// handleNameOwnerChanged handles the org.freedesktop.DBus.NameOwnerChanged
// signal.
func (r *Registry) handleNameOwnerChanged(ctx context.Context, signal *dbus.Signal) {
	if len(signal.Body) < 3 {
		return
	}

	name, ok := signal.Body[0].(string)
	if !ok {
		return
	}

	newOwner, ok := signal.Body[2].(string)
	if !ok {
		return
	}

	if name == StatusNotifierWatcherInterface {
		r.handleWatcherChanged(ctx, newOwner)
		return
	}

	if newOwner == "" {
		r.mu.Lock()
		_, watched := r.owners[name]
		r.mu.Unlock()

		if watched {
			r.lost(name)
		}
	}
}

// handleWatcherChanged reacts to the watcher name changing its owner while
// this process observes another watcher.
func (r *Registry) handleWatcherChanged(ctx context.Context, newOwner string) {
	if r.IsWatcher() {
		return
	}

	if newOwner == "" {
		r.log.Info().Msg("watcher left the bus")

		if r.opts.Claim {
			if err := r.claimOrObserve(ctx); err != nil {
				r.log.Warn().Err(err).Msg("failed to take over watcher")
			}
		}
		return
	}

	// A new watcher appeared; it does not know about this host yet.
	r.goTask(func() { r.observe(ctx) })
}
