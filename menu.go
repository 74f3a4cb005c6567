package traysync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"
)

const MenuInterface = "com.canonical.dbusmenu"

// MenuProperties are the node properties requested from the application.
var MenuProperties = []string{
	"type",
	"label",
	"enabled",
	"visible",
	"icon-name",
	"icon-data",
	"shortcut",
	"toggle-type",
	"toggle-state",
	"children-display",
	"accessible-desc",
	"disposition",
}

// getUpdatedProperties retrieves updated properties from the first argument of
// the com.canonical.dbusmenu.ItemsPropertiesUpdated signal.
func getUpdatedProperties(data any) ([]UpdatedProperties, error) {
	items, ok := data.([][]any)
	if !ok {
		return nil, fmt.Errorf("invalid argument format")
	}

	updatedProperties := make([]UpdatedProperties, 0, len(items))

	for _, item := range items {
		if len(item) != 2 {
			continue
		}

		nodeID, ok := item[0].(int32)
		if !ok {
			continue
		}

		props, ok := item[1].(map[string]dbus.Variant)
		if !ok {
			continue
		}

		updatedProperties = append(updatedProperties, UpdatedProperties{
			NodeID:     nodeID,
			Properties: decodeProperties(props),
		})
	}

	return updatedProperties, nil
}

// getRemovedProperties retrieves removed properties from the second argument
// of the com.canonical.dbusmenu.ItemsPropertiesUpdated signal.
func getRemovedProperties(data any) ([]RemovedProperties, error) {
	items, ok := data.([][]any)
	if !ok {
		return nil, fmt.Errorf("invalid argument format")
	}

	removedProperties := make([]RemovedProperties, 0, len(items))

	for _, item := range items {
		if len(item) != 2 {
			continue
		}

		nodeID, ok := item[0].(int32)
		if !ok {
			continue
		}

		props, ok := item[1].([]string)
		if !ok {
			continue
		}

		removedProperties = append(removedProperties, RemovedProperties{
			NodeID:     nodeID,
			Properties: props,
		})
	}

	return removedProperties, nil
}

// MenuTree mirrors the menu associated with an item. It implements the
// client side of the com.canonical.dbusmenu interface.
//
// The layout is versioned by revision. A fetched layout is applied only if
// its revision is newer than the revision already applied, so responses to
// concurrent fetches that complete out of order are discarded.
type MenuTree struct {
	key     ItemKey
	obj     remote
	bus     Bus
	log     zerolog.Logger
	publish func(Event)
	signals chan *dbus.Signal

	// ctx is cancelled when the owning item is lost.
	ctx    context.Context
	cancel context.CancelFunc

	// fetches tracks layout fetches started by notifications.
	fetches sync.WaitGroup

	// At most one notification-driven fetch per parent is in flight.
	// Notifications that arrive meanwhile are folded into one more fetch.
	fetchMu  sync.Mutex
	inflight map[int32]bool
	pending  map[int32]bool

	// mu serializes application of fetched layouts and property merges.
	mu     sync.Mutex
	closed bool
	meta   MenuMeta
	layout atomic.Pointer[Layout]
}

func newMenuTree(c *Client, parent context.Context, key ItemKey, path dbus.ObjectPath) *MenuTree {
	ctx, cancel := context.WithCancel(parent)

	return &MenuTree{
		key: key,
		obj: remote{
			bus:     c.bus,
			dest:    key.Owner,
			path:    path,
			timeout: c.cfg.CallTimeout,
		},
		bus:      c.bus,
		log:      c.log.With().Str("item", key.String()).Str("menu", string(path)).Logger(),
		publish:  c.events.Publish,
		signals:  make(chan *dbus.Signal, 128),
		ctx:      ctx,
		cancel:   cancel,
		inflight: make(map[int32]bool),
		pending:  make(map[int32]bool),
	}
}

// Path returns the object path of the menu.
func (m *MenuTree) Path() dbus.ObjectPath {
	return m.obj.path
}

// Layout returns the currently applied layout, or nil if no layout was
// retrieved yet.
func (m *MenuTree) Layout() *Layout {
	return m.layout.Load()
}

// Revision returns revision of the applied layout.
func (m *MenuTree) Revision() uint32 {
	if layout := m.layout.Load(); layout != nil {
		return layout.Revision
	}
	return 0
}

// Load retrieves the entire layout and replaces the cached one.
func (m *MenuTree) Load(ctx context.Context) error {
	ctx, stop := m.bind(ctx)
	defer stop()

	return m.reload(ctx, RootNodeID)
}

// EnsureExpanded tells the application that node id is about to be shown.
// If the application reports that the content of the node changed, or no
// layout was retrieved yet, the subtree of the node is fetched before
// EnsureExpanded returns.
func (m *MenuTree) EnsureExpanded(ctx context.Context, id int32) error {
	ctx, stop := m.bind(ctx)
	defer stop()

	needUpdate, err := m.aboutToShow(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		// Plenty of applications do not implement AboutToShow. Fall back to
		// the cached layout, if any.
		m.log.Debug().Err(err).Int32("node", id).Msg("about to show failed")
		if m.layout.Load() != nil {
			return nil
		}
	}

	if !needUpdate && m.layout.Load() != nil {
		return nil
	}

	return m.reload(ctx, id)
}

// bind returns ctx that is additionally cancelled when the tree is closed.
func (m *MenuTree) bind(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(m.ctx, cancel)

	return ctx, func() {
		stop()
		cancel()
	}
}

func (m *MenuTree) aboutToShow(ctx context.Context, id int32) (bool, error) {
	body, err := m.obj.call(ctx, MenuInterface+".AboutToShow", id)
	if err != nil {
		return false, &ItemCallError{Key: m.key, Call: "AboutToShow", Err: err}
	}

	if len(body) != 1 {
		return false, fmt.Errorf("about to show: invalid response format")
	}

	needUpdate, ok := body[0].(bool)
	if !ok {
		return false, fmt.Errorf("about to show: invalid response format")
	}

	return needUpdate, nil
}

// getLayout calls GetLayout for the subtree rooted at parent.
func (m *MenuTree) getLayout(ctx context.Context, parent int32) (uint32, int32, map[int32]*Node, error) {
	body, err := m.obj.call(ctx, MenuInterface+".GetLayout", parent, int32(-1), MenuProperties)
	if err != nil {
		return 0, 0, nil, err
	}

	if len(body) != 2 {
		return 0, 0, nil, fmt.Errorf("layout: invalid response body format")
	}

	revision, ok := body[0].(uint32)
	if !ok {
		return 0, 0, nil, fmt.Errorf("layout: invalid revision type")
	}

	top, nodes, err := decodeLayout(body[1])
	if err != nil {
		return revision, 0, nil, fmt.Errorf("layout: %w", err)
	}

	return revision, top, nodes, nil
}

// fetch calls GetLayout, retrying once if the call timed out.
func (m *MenuTree) fetch(ctx context.Context, parent int32) (uint32, int32, map[int32]*Node, error) {
	revision, top, nodes, err := m.getLayout(ctx, parent)
	if errors.Is(err, ErrTimeout) && ctx.Err() == nil {
		m.log.Debug().Int32("node", parent).Msg("layout fetch timed out, retrying")
		revision, top, nodes, err = m.getLayout(ctx, parent)
	}

	switch {
	case err == nil:
		return revision, top, nodes, nil
	case ctx.Err() != nil:
		return 0, 0, nil, ctx.Err()
	case errors.Is(err, ErrTimeout):
		return 0, 0, nil, &MenuFetchTimeoutError{Key: m.key, NodeID: parent}
	default:
		return 0, 0, nil, &ItemCallError{Key: m.key, Call: "GetLayout", Err: err}
	}
}

// reload fetches the subtree rooted at parent and applies it. The whole
// layout is fetched when parent is the root, no layout is cached, or parent
// is not part of the cached layout.
func (m *MenuTree) reload(ctx context.Context, parent int32) error {
	if parent != RootNodeID {
		if cached := m.layout.Load(); cached != nil {
			if _, ok := cached.Nodes[parent]; ok {
				revision, top, nodes, err := m.fetch(ctx, parent)
				if err != nil {
					return err
				}

				if m.applyPartial(revision, top, nodes) {
					return nil
				}

				// parent was removed in the meantime.
			}
		}
	}

	if m.layout.Load() == nil {
		m.loadMeta(ctx)
	}

	revision, top, nodes, err := m.fetch(ctx, RootNodeID)
	if err != nil {
		return err
	}

	if top != RootNodeID {
		return &ItemCallError{Key: m.key, Call: "GetLayout", Err: fmt.Errorf("layout: unexpected root %d", top)}
	}

	m.applyFull(revision, nodes)

	return nil
}

// refresh is reload for notifications: failures are published.
func (m *MenuTree) refresh(ctx context.Context, parent int32) {
	err := m.reload(ctx, parent)
	if err == nil || ctx.Err() != nil {
		return
	}

	m.log.Warn().Err(err).Int32("node", parent).Msg("failed to update menu layout")
	m.publish(ItemError{Key: m.key, Err: err})
}

// applyFull replaces the layout. A layout that is not newer than the applied
// one is discarded, except for the first.
func (m *MenuTree) applyFull(revision uint32, nodes map[int32]*Node) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}

	if cur := m.layout.Load(); cur != nil && revision <= cur.Revision {
		m.log.Debug().Uint32("revision", revision).Uint32("applied", cur.Revision).Msg("discarding stale layout")
		return false
	}

	m.layout.Store(&Layout{Revision: revision, Meta: m.meta, Nodes: nodes})
	m.publish(MenuLayoutUpdated{Key: m.key, Revision: revision})

	return true
}

// applyPartial splices a subtree into the layout. It reports false if the
// subtree could not be applied because its parent is not part of the layout.
// A stale subtree is discarded and reported as applied.
func (m *MenuTree) applyPartial(revision uint32, top int32, subtree map[int32]*Node) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return true
	}

	cur := m.layout.Load()
	if cur == nil {
		return false
	}

	if revision <= cur.Revision {
		m.log.Debug().Uint32("revision", revision).Uint32("applied", cur.Revision).Msg("discarding stale subtree")
		return true
	}

	if _, ok := cur.Nodes[top]; !ok {
		return false
	}

	m.layout.Store(&Layout{
		Revision: revision,
		Meta:     m.meta,
		Nodes:    spliceLayout(cur.Nodes, top, subtree),
	})
	m.publish(MenuLayoutUpdated{Key: m.key, Revision: revision})

	return true
}

// applyProperties merges property changes into the layout. Revision and
// structure are left untouched.
func (m *MenuTree) applyProperties(updated []UpdatedProperties, removed []RemovedProperties) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	cur := m.layout.Load()
	if cur == nil {
		return
	}

	nodes, touched := mergeProperties(cur.Nodes, updated, removed)
	if len(touched) == 0 {
		return
	}

	m.layout.Store(&Layout{Revision: cur.Revision, Meta: cur.Meta, Nodes: nodes})
	m.publish(MenuPropertiesUpdated{Key: m.key, IDs: touched})
}

// loadMeta retrieves properties of the menu object.
func (m *MenuTree) loadMeta(ctx context.Context) {
	props, err := m.obj.getAll(ctx, MenuInterface)
	if err != nil {
		m.log.Debug().Err(err).Msg("failed to retrieve menu properties")
		return
	}

	var meta MenuMeta

	if v, ok := props["Version"].Value().(uint32); ok {
		meta.Version = v
	}
	if v, ok := props["Status"].Value().(string); ok {
		meta.Status = v
	}
	if v, ok := props["TextDirection"].Value().(string); ok {
		meta.TextDirection = v
	}
	if v, ok := props["IconThemePath"].Value().([]string); ok {
		meta.IconThemePath = v
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.meta = meta

	if cur := m.layout.Load(); cur != nil {
		next := *cur
		next.Meta = meta
		m.layout.Store(&next)
	}
}

// matchOptions returns match rules of the signals the tree listens to.
func (m *MenuTree) matchOptions() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchInterface(MenuInterface),
		dbus.WithMatchSender(m.key.Owner),
		dbus.WithMatchObjectPath(m.obj.path),
	}
}

// subscribe subscribes to signals
//   - com.canonical.dbusmenu.ItemsPropertiesUpdated
//   - com.canonical.dbusmenu.LayoutUpdated
//   - com.canonical.dbusmenu.ItemActivationRequested
func (m *MenuTree) subscribe() error {
	if err := addMatch(m.bus, m.obj.timeout, m.matchOptions()...); err != nil {
		return err
	}

	m.bus.Signal(m.signals)

	return nil
}

// run processes notifications until the tree is closed. If load is set, the
// layout is retrieved first.
func (m *MenuTree) run(load bool) {
	defer func() {
		m.fetches.Wait()

		if err := removeMatch(m.bus, m.obj.timeout, m.matchOptions()...); err != nil {
			m.log.Debug().Err(err).Msg("failed to remove match rule")
		}
		m.bus.RemoveSignal(m.signals)
	}()

	if load {
		m.refresh(m.ctx, RootNodeID)
	}

	for {
		select {
		case <-m.ctx.Done():
			return
		case signal := <-m.signals:
			if signal.Sender != m.key.Owner || signal.Path != m.obj.path {
				continue
			}

			switch signal.Name {
			case MenuInterface + ".ItemsPropertiesUpdated":
				m.handleItemsPropertiesUpdated(signal)
			case MenuInterface + ".LayoutUpdated":
				m.handleLayoutUpdated(signal)
			case MenuInterface + ".ItemActivationRequested":
				m.handleItemActivationRequested(signal)
			}
		}
	}
}

// close stops the tree. No events are published after close returns.
func (m *MenuTree) close() {
	m.cancel()

	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// handleItemsPropertiesUpdated handles the
// com.canonical.dbusmenu.ItemsPropertiesUpdated signal.
func (m *MenuTree) handleItemsPropertiesUpdated(signal *dbus.Signal) {
	if len(signal.Body) != 2 {
		return
	}

	updatedProperties, err := getUpdatedProperties(signal.Body[0])
	if err != nil {
		return
	}

	removedProperties, err := getRemovedProperties(signal.Body[1])
	if err != nil {
		return
	}

	m.applyProperties(updatedProperties, removedProperties)
}

// handleLayoutUpdated handles the com.canonical.dbusmenu.LayoutUpdated
// signal. The fetch runs concurrently with further notifications.
func (m *MenuTree) handleLayoutUpdated(signal *dbus.Signal) {
	if len(signal.Body) != 2 {
		return
	}

	revision, ok := signal.Body[0].(uint32)
	if !ok {
		return
	}

	parent, ok := signal.Body[1].(int32)
	if !ok {
		return
	}

	if cur := m.layout.Load(); cur != nil && revision <= cur.Revision {
		return
	}

	m.schedule(parent)
}

// schedule refreshes the subtree of parent in the background, unless a
// refresh of it is already running. In that case one more refresh follows
// the running one.
func (m *MenuTree) schedule(parent int32) {
	m.fetchMu.Lock()
	defer m.fetchMu.Unlock()

	if m.inflight[parent] {
		m.pending[parent] = true
		return
	}
	m.inflight[parent] = true

	m.fetches.Add(1)
	go func() {
		defer m.fetches.Done()

		for {
			m.refresh(m.ctx, parent)

			m.fetchMu.Lock()
			again := m.pending[parent] && m.ctx.Err() == nil
			delete(m.pending, parent)
			if !again {
				delete(m.inflight, parent)
			}
			m.fetchMu.Unlock()

			if !again {
				return
			}
		}
	}()
}

// handleItemActivationRequested handles the
// com.canonical.dbusmenu.ItemActivationRequested signal.
func (m *MenuTree) handleItemActivationRequested(signal *dbus.Signal) {
	if len(signal.Body) != 2 {
		return
	}

	nodeID, ok := signal.Body[0].(int32)
	if !ok {
		return
	}

	timestamp, _ := signal.Body[1].(uint32)

	m.publish(MenuActivationRequested{Key: m.key, NodeID: nodeID, Timestamp: timestamp})
}

// eventTimestamp returns the current time in the format of menu events.
func eventTimestamp() uint32 {
	return uint32(time.Now().Unix())
}
