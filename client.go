package traysync

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

// Option configures [Client].
type Option func(c *Client)

// WithLogger sets the logger of the client. Nothing is logged by default.
func WithLogger(log zerolog.Logger) Option {
	return func(c *Client) {
		c.log = log
	}
}

// WithConfig sets the configuration of the client. [DefaultConfig] is used
// by default.
func WithConfig(cfg Config) Option {
	return func(c *Client) {
		c.cfg = cfg
	}
}

// entry holds the state of a single item.
type entry struct {
	key    ItemKey
	mirror *mirror

	// ctx is cancelled when the item is lost.
	ctx    context.Context
	cancel context.CancelFunc

	// tasks tracks goroutines of the mirror and the menu.
	tasks sync.WaitGroup

	// loaded is set once ItemDiscovered was published.
	loaded atomic.Bool

	// Guarded by Client.mu.
	menu *MenuTree
	dead bool
}

// Client mirrors every StatusNotifierItem on the bus together with its menu,
// and publishes changes as events.
//
// Client discovers items with [Registry]. Each item is mirrored by its own
// goroutine, so that a slow or misbehaving application never delays updates
// of other items. Commands are sent with [Router].
type Client struct {
	bus     Bus
	ownsBus bool
	cfg     Config
	log     zerolog.Logger
	events  *EventBus

	registry *Registry
	router   *Router

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	items   map[ItemKey]*entry
	started bool
	closed  bool
	err     error

	closeOnce sync.Once
	done      chan struct{}
}

// New returns a new [Client] on top of bus. The bus is not closed by
// [Client.Close].
func New(bus Bus, opts ...Option) *Client {
	c := &Client{
		bus:   bus,
		cfg:   DefaultConfig(),
		log:   zerolog.Nop(),
		items: make(map[ItemKey]*entry),
		done:  make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.events = NewEventBus(c.cfg.EventBuffer)
	c.router = &Router{bus: bus, timeout: c.cfg.CallTimeout, resolve: c.resolveMenu}
	c.registry = NewRegistry(bus, RegistryOptions{
		HostID:      c.cfg.HostID,
		Claim:       c.cfg.ClaimWatcher,
		LegacyScan:  c.cfg.LegacyScan,
		CallTimeout: c.cfg.CallTimeout,
		Logger:      c.log,
	}, c.discovered, c.lost)

	return c
}

// Connect connects to the session bus and starts a new [Client] on it. The
// connection is closed by [Client.Close].
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	bus, err := SessionBus()
	if err != nil {
		return nil, err
	}

	c := New(bus, append([]Option{WithConfig(cfg)}, opts...)...)
	c.ownsBus = true

	if err := c.Start(ctx); err != nil {
		c.Close()
		return nil, err
	}

	return c, nil
}

// Start starts discovery of items. Subscribe before calling Start to receive
// events of items that are already present.
func (c *Client) Start(ctx context.Context) error {
	if err := c.cfg.Validate(); err != nil {
		return fmt.Errorf("start: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("start: already started")
	}
	c.started = true
	c.mu.Unlock()

	if err := c.registry.Start(ctx); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.watchBus()

	return nil
}

// Close stops the client. Items are dropped without publishing ItemLost, and
// every subscription is closed.
func (c *Client) Close() error {
	var err error

	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		if c.err == nil {
			c.err = ErrClosed
		}
		for _, e := range c.items {
			e.dead = true
		}
		clear(c.items)
		c.mu.Unlock()

		c.cancel()

		if closeErr := c.registry.Close(); closeErr != nil {
			c.log.Debug().Err(closeErr).Msg("failed to close registry")
		}

		c.wg.Wait()
		c.events.Close()

		if c.ownsBus {
			err = c.bus.Close()
		}

		close(c.done)
	})

	return err
}

// Done returns a channel that is closed when the client is closed, either by
// [Client.Close] or because the connection was lost.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the client stopped: [ErrConnectionLost] or
// [ErrClosed]. It returns nil while the client is running.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// Subscribe returns a new subscription to events of the client.
func (c *Client) Subscribe() *Subscription {
	return c.events.Subscribe()
}

// Router returns the router that sends commands to the items.
func (c *Client) Router() *Router {
	return c.router
}

// Registry returns the registry used for discovery of items.
func (c *Client) Registry() *Registry {
	return c.registry
}

// Items returns snapshots of the known items ordered by key.
func (c *Client) Items() []ItemSnapshot {
	c.mu.Lock()
	entries := make([]*entry, 0, len(c.items))
	for _, e := range c.items {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	items := make([]ItemSnapshot, 0, len(entries))
	for _, e := range entries {
		if e.loaded.Load() {
			items = append(items, e.mirror.Snapshot())
		}
	}

	slices.SortFunc(items, func(a, b ItemSnapshot) int {
		return strings.Compare(a.Key.String(), b.Key.String())
	})

	return items
}

// Item returns a snapshot of the item.
func (c *Client) Item(key ItemKey) (ItemSnapshot, bool) {
	e, ok := c.entry(key)
	if !ok {
		return ItemSnapshot{}, false
	}

	return e.mirror.Snapshot(), true
}

// Menu returns the current layout of the menu of the item. It fails with
// [ErrNoMenu] if no layout was retrieved yet.
func (c *Client) Menu(key ItemKey) (*Layout, error) {
	e, ok := c.entry(key)
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrUnknownItem)
	}

	c.mu.Lock()
	menu := e.menu
	c.mu.Unlock()

	if menu == nil {
		return nil, fmt.Errorf("%s: %w", key, ErrNoMenu)
	}

	layout := menu.Layout()
	if layout == nil {
		return nil, fmt.Errorf("%s: %w", key, ErrNoMenu)
	}

	return layout, nil
}

// EnsureExpanded makes sure that the children of node id of the menu of the
// item are retrieved. The menu is created on first use.
//
// See [MenuTree.EnsureExpanded].
func (c *Client) EnsureExpanded(ctx context.Context, key ItemKey, id int32) error {
	e, ok := c.entry(key)
	if !ok {
		return fmt.Errorf("%s: %w", key, ErrUnknownItem)
	}

	c.mu.Lock()
	menu := e.menu
	c.mu.Unlock()

	if menu == nil {
		path := e.mirror.Snapshot().MenuPath
		if path == "" {
			var err error
			if path, err = c.lookupMenu(ctx, e); err != nil {
				return err
			}
		}

		if path == "" {
			return fmt.Errorf("%s: %w", key, ErrNoMenu)
		}

		if menu = c.startMenu(e, path, false); menu == nil {
			return fmt.Errorf("%s: %w", key, ErrUnknownItem)
		}
	}

	return menu.EnsureExpanded(ctx, id)
}

// lookupMenu asks the item for its menu path. The lookup is abandoned when
// the item is lost.
func (c *Client) lookupMenu(ctx context.Context, e *entry) (dbus.ObjectPath, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := context.AfterFunc(e.ctx, cancel)
	defer stop()

	path, err := e.mirror.fetchMenuPath(ctx)
	if err != nil && e.ctx.Err() != nil {
		return "", fmt.Errorf("%s: %w", e.key, ErrUnknownItem)
	}

	return path, err
}

// entry returns the entry of an item that was announced with ItemDiscovered.
func (c *Client) entry(key ItemKey) (*entry, bool) {
	c.mu.Lock()
	e, ok := c.items[key]
	c.mu.Unlock()

	if !ok || !e.loaded.Load() {
		return nil, false
	}

	return e, true
}

// resolveMenu returns the path of the menu of the item. A menu created on
// demand may be known before the item announces it.
func (c *Client) resolveMenu(key ItemKey) (dbus.ObjectPath, bool) {
	e, ok := c.entry(key)
	if !ok {
		return "", false
	}

	c.mu.Lock()
	menu := e.menu
	c.mu.Unlock()

	if menu != nil {
		return menu.Path(), true
	}

	return e.mirror.Snapshot().MenuPath, true
}

// discovered starts mirroring the item.
func (c *Client) discovered(key ItemKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; exists || c.closed {
		return
	}

	ctx, cancel := context.WithCancel(c.ctx)

	e := &entry{
		key:    key,
		mirror: newMirror(c, key),
		ctx:    ctx,
		cancel: cancel,
	}
	e.mirror.onMenu = func(path dbus.ObjectPath) {
		c.menuAdvertised(e, path)
	}

	c.items[key] = e

	c.wg.Add(1)
	e.tasks.Add(1)
	go func() {
		defer c.wg.Done()
		defer e.tasks.Done()
		c.track(e)
	}()
}

// track loads the item and applies its notifications until it is lost.
func (c *Client) track(e *entry) {
	log := c.log.With().Str("item", e.key.String()).Logger()

	if err := e.mirror.subscribe(); err != nil {
		c.abandon(e, &ItemCallError{Key: e.key, Call: "AddMatch", Err: err})
		return
	}

	decodeErrs, err := e.mirror.load(e.ctx)
	if err != nil {
		e.mirror.unsubscribe()

		// The item was lost or the client closed in the meantime.
		if e.ctx.Err() != nil {
			return
		}

		log.Warn().Err(err).Msg("failed to load item")
		c.abandon(e, &ItemCallError{Key: e.key, Call: "GetAll", Err: err})
		return
	}

	snapshot := e.mirror.Snapshot()

	e.loaded.Store(true)
	c.events.Publish(ItemDiscovered{Key: e.key, Item: snapshot})

	for _, err := range decodeErrs {
		log.Warn().Err(err).Msg("failed to decode property")
		c.events.Publish(ItemError{Key: e.key, Err: err})
	}

	if snapshot.MenuPath != "" && c.cfg.EagerMenus {
		c.startMenu(e, snapshot.MenuPath, true)
	}

	e.mirror.run(e.ctx)
}

// menuAdvertised is called when the item starts advertising a menu after it
// was loaded.
func (c *Client) menuAdvertised(e *entry, path dbus.ObjectPath) {
	if !e.loaded.Load() {
		return
	}

	c.mu.Lock()
	current := e.menu
	c.mu.Unlock()

	// A menu that moved is followed even if menus are created lazily.
	if c.cfg.EagerMenus || current != nil {
		c.startMenu(e, path, true)
	}
}

// startMenu returns the menu of the item at path, creating it if needed. It
// returns nil if the item is lost.
func (c *Client) startMenu(e *entry, path dbus.ObjectPath, load bool) *MenuTree {
	c.mu.Lock()

	if e.dead {
		c.mu.Unlock()
		return nil
	}

	if e.menu != nil && e.menu.Path() == path {
		menu := e.menu
		c.mu.Unlock()
		return menu
	}

	prev := e.menu
	menu := newMenuTree(c, e.ctx, e.key, path)
	e.menu = menu
	e.tasks.Add(1)
	c.wg.Add(1)

	c.mu.Unlock()

	if prev != nil {
		prev.close()
	}

	if err := menu.subscribe(); err != nil {
		menu.log.Warn().Err(err).Msg("failed to subscribe to menu")
		c.events.Publish(ItemError{Key: e.key, Err: &ItemCallError{Key: e.key, Call: "AddMatch", Err: err}})
		e.tasks.Done()
		c.wg.Done()
		return menu
	}

	go func() {
		defer c.wg.Done()
		defer e.tasks.Done()
		menu.run(load)
	}()

	return menu
}

// lost stops mirroring the item. ItemLost is published once every goroutine
// of the item exited and the item was evicted.
func (c *Client) lost(key ItemKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok || e.dead || c.closed {
		return
	}

	e.dead = true
	menu := e.menu

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		e.cancel()
		if menu != nil {
			menu.close()
		}
		e.tasks.Wait()

		if c.evict(e) {
			c.events.Publish(ItemLost{Key: key})
		}
	}()
}

// abandon drops an item that could not be loaded. It is called by the item
// goroutine itself.
func (c *Client) abandon(e *entry, err error) {
	c.mu.Lock()
	e.dead = true
	c.mu.Unlock()

	e.cancel()
	c.registry.Forget(e.key)

	c.events.Publish(ItemError{Key: e.key, Err: err})

	if c.evict(e) {
		c.events.Publish(ItemLost{Key: e.key})
	}
}

// evict removes e from the items. It reports false if e was already
// removed.
func (c *Client) evict(e *entry) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.items[e.key] != e {
		return false
	}

	delete(c.items, e.key)

	return true
}

// watchBus closes the client when the connection is lost.
func (c *Client) watchBus() {
	defer c.wg.Done()

	select {
	case <-c.ctx.Done():
		return
	case <-c.bus.Done():
	}

	c.log.Error().Msg("connection to the bus lost")

	c.mu.Lock()
	if c.err == nil {
		c.err = ErrConnectionLost
	}
	c.mu.Unlock()

	c.events.Publish(ConnectionLost{Err: ErrConnectionLost})

	// Close waits for this goroutine.
	go c.Close()
}
