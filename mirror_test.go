package traysync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/google/go-cmp/cmp"
)

func TestApplyPropertiesKeepsAppliedFieldsOnFailure(t *testing.T) {
	cur := newItemSnapshot(ItemKey{Owner: ":1.5", Path: StatusNotifierItemPath})
	cur.Title = "old"

	next, changed, failed := applyProperties(cur, map[string]dbus.Variant{
		"Title":      dbus.MakeVariant("new"),
		"Status":     dbus.MakeVariant(int32(1)),
		"IconPixmap": dbus.MakeVariant([]any{[]any{int32(2), int32(2), []byte{1}}}),
		"XAyatana":   dbus.MakeVariant("ignored"),
	})

	if next.Title != "new" {
		t.Fatalf("title was not applied: %q", next.Title)
	}
	if next.Status != ItemStatusActive {
		t.Fatalf("failed field did not keep its value: %q", next.Status)
	}
	if diff := cmp.Diff([]Field{FieldTitle}, changed.Fields()); diff != "" {
		t.Fatalf("changed fields mismatch (-want +got):\n%s", diff)
	}
	if len(failed) != 2 || failed[FieldStatus] == nil || failed[FieldIconPixmap] == nil {
		t.Fatalf("unexpected failed fields: %v", failed)
	}
	if cur.Title != "old" {
		t.Fatalf("current snapshot was modified")
	}
}

func TestMenuPathNormalization(t *testing.T) {
	for _, path := range []string{"", "/", "/NO_DBUSMENU"} {
		if got := menuPath(path); got != "" {
			t.Fatalf("menuPath(%q) = %q, want empty", path, got)
		}
	}

	if got := menuPath("/MenuBar"); got != "/MenuBar" {
		t.Fatalf("unexpected menu path: %q", got)
	}
}

// startMirror loads the item and runs its mirror until the test ends.
func startMirror(t *testing.T, fb *fakeBus, it *fakeItem) (*mirror, *Subscription) {
	t.Helper()

	c := New(fb)
	sub := c.Subscribe()
	m := newMirror(c, it.key())

	if err := m.subscribe(); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if _, err := m.load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}

	go m.run(ctx)

	return m, sub
}

func TestMirrorLoad(t *testing.T) {
	fb := newFakeBus()
	props := itemProps("nm-applet")
	props["Menu"] = dbus.MakeVariant(dbus.ObjectPath("/MenuBar"))
	props["ToolTip"] = dbus.MakeVariant([]any{"", [][]any{}, "Network", "Connected"})
	it := fb.addItem(":1.20", StatusNotifierItemPath, props)

	m, _ := startMirror(t, fb, it)

	want := ItemSnapshot{
		Key:      it.key(),
		Category: ItemCategoryApplicationStatus,
		ID:       "nm-applet",
		Title:    "nm-applet",
		Status:   ItemStatusActive,
		IconName: "nm-applet-icon",
		ToolTip:  ToolTip{IconPixmap: Pixmaps{}, Title: "Network", Body: "Connected"},
		MenuPath: "/MenuBar",
	}

	if diff := cmp.Diff(want, m.Snapshot()); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestMirrorLoadReportsMissingProperties(t *testing.T) {
	fb := newFakeBus()
	it := fb.addItem(":1.21", StatusNotifierItemPath, map[string]dbus.Variant{
		"Title":    dbus.MakeVariant("bare"),
		"WindowId": dbus.MakeVariant("not a number"),
	})

	c := New(fb)
	m := newMirror(c, it.key())

	decodeErrs, err := m.load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	var got []Field
	for _, err := range decodeErrs {
		var decodeErr *PropertyDecodeError
		if !errors.As(err, &decodeErr) {
			t.Fatalf("unexpected error type %T", err)
		}
		got = append(got, decodeErr.Field)
	}

	want := []Field{FieldCategory, FieldID, FieldStatus, FieldWindowID}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("decode errors mismatch (-want +got):\n%s", diff)
	}

	snap := m.Snapshot()
	if snap.Title != "bare" || snap.Status != ItemStatusActive || snap.Category != ItemCategoryApplicationStatus {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestMirrorRefetchesOnBareSignal(t *testing.T) {
	fb := newFakeBus()
	it := fb.addItem(":1.22", StatusNotifierItemPath, itemProps("app"))

	_, sub := startMirror(t, fb, it)

	it.set("IconName", "app-busy")
	it.emit("NewIcon")

	ev := recvEvent(t, sub, func(ev Event) bool {
		_, ok := ev.(ItemUpdated)
		return ok
	}).(ItemUpdated)

	if !ev.Fields.Has(FieldIconName) {
		t.Fatalf("unexpected fields: %s", ev.Fields)
	}
	if ev.Item.IconName != "app-busy" {
		t.Fatalf("icon was not refetched: %q", ev.Item.IconName)
	}
}

func TestMirrorAppliesPropertiesChanged(t *testing.T) {
	fb := newFakeBus()
	it := fb.addItem(":1.23", StatusNotifierItemPath, itemProps("app"))

	m, sub := startMirror(t, fb, it)

	it.set("Title", "Refetched")
	fb.signal(it.owner, it.path, propertiesIface+".PropertiesChanged",
		StatusNotifierItemInterface,
		map[string]dbus.Variant{"Status": dbus.MakeVariant("NeedsAttention")},
		[]string{"Title"},
	)

	recvEvent(t, sub, func(ev Event) bool {
		up, ok := ev.(ItemUpdated)
		return ok && up.Fields.Has(FieldTitle)
	})

	snap := m.Snapshot()
	if snap.Status != ItemStatusNeedsAttention || snap.Title != "Refetched" {
		t.Fatalf("unexpected snapshot: status=%q title=%q", snap.Status, snap.Title)
	}
}

func TestMirrorAppliesStatusPayload(t *testing.T) {
	fb := newFakeBus()
	it := fb.addItem(":1.24", StatusNotifierItemPath, itemProps("app"))

	m, sub := startMirror(t, fb, it)
	gets := fb.count(propertiesIface + ".Get")

	it.emit("NewStatus", "Passive")

	recvEvent(t, sub, func(ev Event) bool {
		up, ok := ev.(ItemUpdated)
		return ok && up.Fields.Has(FieldStatus)
	})

	if m.Snapshot().Status != ItemStatusPassive {
		t.Fatalf("status was not applied")
	}
	if got := fb.count(propertiesIface + ".Get"); got != gets {
		t.Fatalf("status with payload was refetched")
	}
}

func TestMirrorIgnoresOtherSenders(t *testing.T) {
	fb := newFakeBus()
	it := fb.addItem(":1.25", StatusNotifierItemPath, itemProps("app"))

	_, sub := startMirror(t, fb, it)

	fb.signal(":1.99", it.path, StatusNotifierItemInterface+".NewStatus", "Passive")
	fb.signal(it.owner, "/other", StatusNotifierItemInterface+".NewStatus", "Passive")

	if events := drain(sub); len(events) != 0 {
		t.Fatalf("unexpected events: %v", events)
	}
}

func TestMirrorRefetchRetriesOnce(t *testing.T) {
	fb := newFakeBus()
	it := fb.addItem(":1.26", StatusNotifierItemPath, itemProps("app"))

	m, sub := startMirror(t, fb, it)

	var attempts atomic.Int32
	fb.handle(it.owner, it.path, propertiesIface+".Get", func(context.Context, []any) ([]any, error) {
		if attempts.Add(1) == 1 {
			return nil, errors.New("org.freedesktop.DBus.Error.NoReply")
		}
		return []any{dbus.MakeVariant("Retried")}, nil
	})

	it.emit("NewTitle")

	recvEvent(t, sub, func(ev Event) bool {
		up, ok := ev.(ItemUpdated)
		return ok && up.Fields.Has(FieldTitle)
	})

	if got := attempts.Load(); got != 2 {
		t.Fatalf("unexpected attempts: %d", got)
	}
	if m.Snapshot().Title != "Retried" {
		t.Fatalf("title was not applied after retry")
	}
}

func TestMirrorKeepsStaleValueAfterRetry(t *testing.T) {
	fb := newFakeBus()
	it := fb.addItem(":1.27", StatusNotifierItemPath, itemProps("app"))

	m, sub := startMirror(t, fb, it)

	var attempts atomic.Int32
	fb.handle(it.owner, it.path, propertiesIface+".Get", func(context.Context, []any) ([]any, error) {
		attempts.Add(1)
		return nil, errors.New("org.freedesktop.DBus.Error.NoReply")
	})

	it.emit("NewTitle")

	ev := recvEvent(t, sub, func(ev Event) bool {
		_, ok := ev.(ItemError)
		return ok
	}).(ItemError)

	var callErr *ItemCallError
	if !errors.As(ev.Err, &callErr) || callErr.Key != it.key() {
		t.Fatalf("unexpected error: %v", ev.Err)
	}
	if got := attempts.Load(); got != 2 {
		t.Fatalf("unexpected attempts: %d", got)
	}
	if m.Snapshot().Title != "app" {
		t.Fatalf("stale title was not kept")
	}
}
