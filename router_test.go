package traysync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/go-cmp/cmp"
)

func newTestRouter(fb *fakeBus, menus map[ItemKey]dbus.ObjectPath) *Router {
	return &Router{
		bus:     fb,
		timeout: time.Second,
		resolve: func(key ItemKey) (dbus.ObjectPath, bool) {
			path, ok := menus[key]
			return path, ok
		},
	}
}

func TestRouterItemCommands(t *testing.T) {
	fb := newFakeBus()
	key := ItemKey{Owner: ":1.50", Path: StatusNotifierItemPath}
	r := newTestRouter(fb, map[ItemKey]dbus.ObjectPath{key: ""})

	var got [][]any
	for _, method := range []string{"Activate", "SecondaryActivate", "ContextMenu", "Scroll"} {
		fb.handle(key.Owner, key.Path, StatusNotifierItemInterface+"."+method, func(_ context.Context, args []any) ([]any, error) {
			got = append(got, append([]any{method}, args...))
			return nil, nil
		})
	}

	ctx := context.Background()
	if err := r.Activate(ctx, key, 10, 20); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := r.SecondaryActivate(ctx, key, 1, 2); err != nil {
		t.Fatalf("secondary activate: %v", err)
	}
	if err := r.ContextMenu(ctx, key, 3, 4); err != nil {
		t.Fatalf("context menu: %v", err)
	}
	if err := r.Scroll(ctx, key, -120, OrientationVertical); err != nil {
		t.Fatalf("scroll: %v", err)
	}

	want := [][]any{
		{"Activate", int32(10), int32(20)},
		{"SecondaryActivate", int32(1), int32(2)},
		{"ContextMenu", int32(3), int32(4)},
		{"Scroll", int32(-120), "vertical"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestRouterErrors(t *testing.T) {
	fb := newFakeBus()
	key := ItemKey{Owner: ":1.51", Path: StatusNotifierItemPath}
	r := newTestRouter(fb, map[ItemKey]dbus.ObjectPath{key: ""})
	ctx := context.Background()

	unknown := ItemKey{Owner: ":1.404", Path: StatusNotifierItemPath}
	if err := r.Activate(ctx, unknown, 0, 0); !errors.Is(err, ErrUnknownItem) {
		t.Fatalf("expected ErrUnknownItem, got %v", err)
	}

	if err := r.Clicked(ctx, key, 1); !errors.Is(err, ErrNoMenu) {
		t.Fatalf("expected ErrNoMenu, got %v", err)
	}

	err := r.Activate(ctx, key, 0, 0)

	var callErr *ItemCallError
	if !errors.As(err, &callErr) {
		t.Fatalf("expected ItemCallError, got %v", err)
	}
	if callErr.Key != key || callErr.Call != "Activate" || !errors.Is(err, errUnknownMethod) {
		t.Fatalf("unexpected call error: %+v", callErr)
	}
}

func TestRouterMenuEvent(t *testing.T) {
	fb := newFakeBus()
	key := ItemKey{Owner: ":1.52", Path: StatusNotifierItemPath}
	r := newTestRouter(fb, map[ItemKey]dbus.ObjectPath{key: testMenuPath})

	var got []any
	fb.handle(key.Owner, testMenuPath, MenuInterface+".Event", func(_ context.Context, args []any) ([]any, error) {
		got = args
		return nil, nil
	})

	if err := r.MenuEvent(context.Background(), key, MenuEvent{NodeID: 7, Kind: EventClicked, Timestamp: 42}); err != nil {
		t.Fatalf("menu event: %v", err)
	}

	want := []any{int32(7), "clicked", dbus.MakeVariant(""), uint32(42)}
	if diff := cmp.Diff(want, got, cmp.Comparer(func(a, b dbus.Variant) bool { return a.String() == b.String() })); diff != "" {
		t.Fatalf("event arguments mismatch (-want +got):\n%s", diff)
	}

	if err := r.Hovered(context.Background(), key, 8); err != nil {
		t.Fatalf("hovered: %v", err)
	}
	if got[3].(uint32) == 0 {
		t.Fatalf("timestamp was not filled in")
	}
}

func TestRouterAboutToShow(t *testing.T) {
	fb := newFakeBus()
	key := ItemKey{Owner: ":1.53", Path: StatusNotifierItemPath}
	r := newTestRouter(fb, map[ItemKey]dbus.ObjectPath{key: testMenuPath})

	fb.handle(key.Owner, testMenuPath, MenuInterface+".AboutToShow", func(context.Context, []any) ([]any, error) {
		return []any{true}, nil
	})
	fb.handle(key.Owner, testMenuPath, MenuInterface+".AboutToShowGroup", func(_ context.Context, args []any) ([]any, error) {
		return []any{[]int32{1}, []int32{9}}, nil
	})

	needUpdate, err := r.AboutToShow(context.Background(), key, 0)
	if err != nil || !needUpdate {
		t.Fatalf("AboutToShow = %v, %v", needUpdate, err)
	}

	updates, notFound, err := r.AboutToShowGroup(context.Background(), key, []int32{1, 9})
	if err != nil {
		t.Fatalf("about to show group: %v", err)
	}
	if diff := cmp.Diff([]int32{1}, updates); diff != "" {
		t.Fatalf("updates mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int32{9}, notFound); diff != "" {
		t.Fatalf("not found mismatch (-want +got):\n%s", diff)
	}
}
