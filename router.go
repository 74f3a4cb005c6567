package traysync

import (
	"context"
	"fmt"
	"time"

	"github.com/godbus/dbus/v5"
)

// Orientation of a scroll request.
type Orientation string

const (
	OrientationHorizontal Orientation = "horizontal"
	OrientationVertical   Orientation = "vertical"
)

// EventKind is the kind of a menu event.
type EventKind string

const (
	EventClicked EventKind = "clicked"
	EventHovered EventKind = "hovered"
	EventOpened  EventKind = "opened"
	EventClosed  EventKind = "closed"
)

// MenuEvent is an event that happened to a menu node.
type MenuEvent struct {
	NodeID int32
	Kind   EventKind

	// Data is event specific. It is sent as an empty string if nil.
	Data any

	// Timestamp of the event. The current time is used if zero.
	Timestamp uint32
}

func (e MenuEvent) args() (int32, string, dbus.Variant, uint32) {
	data := e.Data
	if data == nil {
		data = ""
	}

	timestamp := e.Timestamp
	if timestamp == 0 {
		timestamp = eventTimestamp()
	}

	return e.NodeID, string(e.Kind), dbus.MakeVariant(data), timestamp
}

// Router relays commands to items and their menus. It never modifies the
// state mirrored by [Client]; resulting changes arrive as notifications.
type Router struct {
	bus     Bus
	timeout time.Duration

	// resolve returns the menu path of a known item.
	resolve func(key ItemKey) (dbus.ObjectPath, bool)
}

func (r *Router) item(key ItemKey) (remote, error) {
	if _, ok := r.resolve(key); !ok {
		return remote{}, fmt.Errorf("%s: %w", key, ErrUnknownItem)
	}

	return remote{bus: r.bus, dest: key.Owner, path: key.Path, timeout: r.timeout}, nil
}

func (r *Router) menu(key ItemKey) (remote, error) {
	path, ok := r.resolve(key)
	if !ok {
		return remote{}, fmt.Errorf("%s: %w", key, ErrUnknownItem)
	}

	if path == "" {
		return remote{}, fmt.Errorf("%s: %w", key, ErrNoMenu)
	}

	return remote{bus: r.bus, dest: key.Owner, path: path, timeout: r.timeout}, nil
}

func (r *Router) callItem(ctx context.Context, key ItemKey, method string, args ...any) error {
	obj, err := r.item(key)
	if err != nil {
		return err
	}

	if _, err := obj.call(ctx, StatusNotifierItemInterface+"."+method, args...); err != nil {
		return &ItemCallError{Key: key, Call: method, Err: err}
	}

	return nil
}

// Activate asks the item for activation. This is typically a consequence of
// user input, such as mouse left click over the graphical representation of
// the item.
//
// The x and y parameters are in screen coordinates and is to be considered a
// hint to the item where to show eventual windows (if any).
func (r *Router) Activate(ctx context.Context, key ItemKey, x, y int32) error {
	return r.callItem(ctx, key, "Activate", x, y)
}

// SecondaryActivate is a secondary and less important form of activation
// compared to Activate, typically a middle click.
func (r *Router) SecondaryActivate(ctx context.Context, key ItemKey, x, y int32) error {
	return r.callItem(ctx, key, "SecondaryActivate", x, y)
}

// ContextMenu asks the item to show a context menu itself. Hosts that render
// the menu should use [Client.EnsureExpanded] and MenuEvent instead.
func (r *Router) ContextMenu(ctx context.Context, key ItemKey, x, y int32) error {
	return r.callItem(ctx, key, "ContextMenu", x, y)
}

// Scroll emits a scroll event on the item, such as a mouse wheel over the
// graphical representation of the item.
func (r *Router) Scroll(ctx context.Context, key ItemKey, delta int32, orientation Orientation) error {
	return r.callItem(ctx, key, "Scroll", delta, string(orientation))
}

// MenuEvent tells the application that an event happened to a menu node.
func (r *Router) MenuEvent(ctx context.Context, key ItemKey, ev MenuEvent) error {
	obj, err := r.menu(key)
	if err != nil {
		return err
	}

	id, kind, data, timestamp := ev.args()

	if _, err := obj.call(ctx, MenuInterface+".Event", id, kind, data, timestamp); err != nil {
		return &ItemCallError{Key: key, Call: "Event", Err: err}
	}

	return nil
}

// Clicked tells the application that node id was clicked.
func (r *Router) Clicked(ctx context.Context, key ItemKey, id int32) error {
	return r.MenuEvent(ctx, key, MenuEvent{NodeID: id, Kind: EventClicked})
}

// Hovered tells the application that node id was hovered.
func (r *Router) Hovered(ctx context.Context, key ItemKey, id int32) error {
	return r.MenuEvent(ctx, key, MenuEvent{NodeID: id, Kind: EventHovered})
}

// MenuEventGroup delivers several menu events at once. It returns IDs of the
// nodes the application could not find.
func (r *Router) MenuEventGroup(ctx context.Context, key ItemKey, events []MenuEvent) ([]int32, error) {
	obj, err := r.menu(key)
	if err != nil {
		return nil, err
	}

	type wireEvent struct {
		ID        int32
		EventID   string
		Data      dbus.Variant
		Timestamp uint32
	}

	group := make([]wireEvent, 0, len(events))
	for _, ev := range events {
		id, kind, data, timestamp := ev.args()
		group = append(group, wireEvent{ID: id, EventID: kind, Data: data, Timestamp: timestamp})
	}

	body, err := obj.call(ctx, MenuInterface+".EventGroup", group)
	if err != nil {
		return nil, &ItemCallError{Key: key, Call: "EventGroup", Err: err}
	}

	if len(body) < 1 {
		return nil, nil
	}

	notFound, _ := body[0].([]int32)

	return notFound, nil
}

// AboutToShow tells the application that node id is about to be shown. It
// reports whether the application changed the node.
//
// AboutToShow does not update the mirrored menu; use [Client.EnsureExpanded]
// for that.
func (r *Router) AboutToShow(ctx context.Context, key ItemKey, id int32) (bool, error) {
	obj, err := r.menu(key)
	if err != nil {
		return false, err
	}

	body, err := obj.call(ctx, MenuInterface+".AboutToShow", id)
	if err != nil {
		return false, &ItemCallError{Key: key, Call: "AboutToShow", Err: err}
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

// AboutToShowGroup is AboutToShow for several nodes. It returns IDs of the
// nodes that changed and IDs of the nodes the application could not find.
func (r *Router) AboutToShowGroup(ctx context.Context, key ItemKey, ids []int32) ([]int32, []int32, error) {
	obj, err := r.menu(key)
	if err != nil {
		return nil, nil, err
	}

	body, err := obj.call(ctx, MenuInterface+".AboutToShowGroup", ids)
	if err != nil {
		return nil, nil, &ItemCallError{Key: key, Call: "AboutToShowGroup", Err: err}
	}

	if len(body) != 2 {
		return nil, nil, fmt.Errorf("about to show group: invalid response format")
	}

	updates, _ := body[0].([]int32)
	notFound, _ := body[1].([]int32)

	return updates, notFound, nil
}
