package traysync

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	StatusNotifierItemInterface = "org.kde.StatusNotifierItem"
	StatusNotifierItemPath      = "/StatusNotifierItem"
)

type ItemCategory string

// StatusNotifierItem categories.
const (
	// The item describes the status of a generic application, for instance the
	// current state of a media player.
	ItemCategoryApplicationStatus ItemCategory = "ApplicationStatus"

	// The item describes the status of communication oriented applications, like
	// an instant messenger or an email client.
	ItemCategoryCommunications ItemCategory = "Communications"

	// The item describes services of the system not seen as a stand alone
	// application by the user, such as an indicator for the activity of a disk
	// indexing service.
	ItemCategorySystemServices ItemCategory = "SystemServices"

	// The item describes the state and control of a particular hardware, such as
	// an indicator of the battery charge or sound card volume control.
	ItemCategoryHardware ItemCategory = "Hardware"
)

type ItemStatus string

// StatusNotifierItem statuses.
const (
	// The item doesn't convey important information to the user, it can be
	// considered an "idle" status and is likely that visualizations will choose
	// to hide it.
	ItemStatusPassive ItemStatus = "Passive"

	// The item is active, is more important that the item will be shown in some
	// way to the user.
	ItemStatusActive ItemStatus = "Active"

	// The item carries really important information for the user, such as battery
	// charge running out and is wants to incentive the direct user intervention.
	ItemStatusNeedsAttention ItemStatus = "NeedsAttention"
)

func parseCategory(s string) ItemCategory {
	switch ItemCategory(s) {
	case ItemCategoryCommunications, ItemCategorySystemServices, ItemCategoryHardware:
		return ItemCategory(s)
	default:
		return ItemCategoryApplicationStatus
	}
}

func parseStatus(s string) ItemStatus {
	switch ItemStatus(s) {
	case ItemStatusPassive, ItemStatusNeedsAttention:
		return ItemStatus(s)
	default:
		return ItemStatusActive
	}
}

// ItemKey identifies an item: the unique bus name of the process that owns it
// and the path of its object.
type ItemKey struct {
	Owner string
	Path  dbus.ObjectPath
}

// String returns the key in the format used by the watcher, e.g.
// ":1.185/StatusNotifierItem".
func (k ItemKey) String() string {
	return k.Owner + string(k.Path)
}

// ParseItemKey parses the result of [ItemKey.String].
func ParseItemKey(s string) (ItemKey, error) {
	owner, path := uniqueNameAndPathFromItemName(s)
	if !isUniqueName(owner) {
		return ItemKey{}, fmt.Errorf("parse item key %q: owner is not a unique name", s)
	}

	return ItemKey{Owner: owner, Path: dbus.ObjectPath(path)}, nil
}

// uniqueNameAndPathFromItemName returns service name and object path of the
// StatusNotifierItem service from its item name. The returned object path
// starts with /.
//
// Format of item name is "<service>/<objectPath>",
// e.g. ":1.185/StatusNotifierItem". A bare service defaults to
// [StatusNotifierItemPath].
func uniqueNameAndPathFromItemName(itemName string) (string, string) {
	service, objectPath, ok := strings.Cut(itemName, "/")
	if !ok || objectPath == "" {
		return service, StatusNotifierItemPath
	}

	return service, "/" + objectPath
}

// Field is a single mirrored item property.
type Field uint32

const (
	FieldCategory Field = 1 << iota
	FieldID
	FieldTitle
	FieldStatus
	FieldWindowID
	FieldIconName
	FieldIconPixmap
	FieldOverlayIconName
	FieldOverlayIconPixmap
	FieldAttentionIconName
	FieldAttentionIconPixmap
	FieldAttentionMovieName
	FieldToolTip
	FieldItemIsMenu
	FieldMenu
	FieldIconThemePath

	fieldEnd
)

var fieldProperties = map[Field]string{
	FieldCategory:            "Category",
	FieldID:                  "Id",
	FieldTitle:               "Title",
	FieldStatus:              "Status",
	FieldWindowID:            "WindowId",
	FieldIconName:            "IconName",
	FieldIconPixmap:          "IconPixmap",
	FieldOverlayIconName:     "OverlayIconName",
	FieldOverlayIconPixmap:   "OverlayIconPixmap",
	FieldAttentionIconName:   "AttentionIconName",
	FieldAttentionIconPixmap: "AttentionIconPixmap",
	FieldAttentionMovieName:  "AttentionMovieName",
	FieldToolTip:             "ToolTip",
	FieldItemIsMenu:          "ItemIsMenu",
	FieldMenu:                "Menu",
	FieldIconThemePath:       "IconThemePath",
}

var propertyFields = func() map[string]Field {
	m := make(map[string]Field, len(fieldProperties))
	for field, name := range fieldProperties {
		m[name] = field
	}
	return m
}()

// Property returns name of the bus property backing f.
func (f Field) Property() string {
	return fieldProperties[f]
}

func (f Field) String() string {
	if name, ok := fieldProperties[f]; ok {
		return name
	}
	return fmt.Sprintf("Field(%#x)", uint32(f))
}

// FieldSet is a set of fields.
type FieldSet uint32

func (s FieldSet) Has(f Field) bool { return s&FieldSet(f) != 0 }

func (s FieldSet) With(f Field) FieldSet { return s | FieldSet(f) }

func (s FieldSet) Len() int { return bits.OnesCount32(uint32(s)) }

// Fields returns the members of s in declaration order.
func (s FieldSet) Fields() []Field {
	fields := make([]Field, 0, s.Len())

	for f := Field(1); f < fieldEnd; f <<= 1 {
		if s.Has(f) {
			fields = append(fields, f)
		}
	}

	return fields
}

func (s FieldSet) String() string {
	names := make([]string, 0, s.Len())
	for _, f := range s.Fields() {
		names = append(names, f.String())
	}
	return "{" + strings.Join(names, ",") + "}"
}

// allFields contains every mirrored field.
const allFields = FieldSet(fieldEnd - 1)

// ItemSnapshot is an immutable copy of the mirrored state of an item.
//
// Slices held by the snapshot are shared between snapshots and must not be
// modified.
type ItemSnapshot struct {
	Key ItemKey

	// Category of the item. Defaults to [ItemCategoryApplicationStatus].
	Category ItemCategory

	// Unique identifier for the application, such as the application name.
	ID string

	// Name that describes the application, can be more descriptive than ID.
	Title string

	// Status of the item or of the associated application. Defaults to
	// [ItemStatusActive].
	Status ItemStatus

	// Windowing-system dependent identifier.
	WindowID int32

	// Icon that is used to visualize the item.
	//
	// IconName is a [Freedesktop-compliant] icon name. Visualizations should
	// prefer this field over IconPixmap if both are available.
	//
	// [Freedesktop-compliant]: https://specifications.freedesktop.org/icon-naming-spec/latest/
	IconName   string
	IconPixmap Pixmaps

	// Icon that indicates extra information and can be used by the
	// visualization as an overlay for the main icon.
	OverlayIconName   string
	OverlayIconPixmap Pixmaps

	// Icon that can be used by the visualization to indicate that the item
	// needs attention.
	AttentionIconName   string
	AttentionIconPixmap Pixmaps

	// Animation that can be used by the visualizations, either an icon name
	// or a full path.
	AttentionMovieName string

	// Additional path to search for IconName, OverlayIconName and
	// AttentionIconName.
	IconThemePath string

	ToolTip ToolTip

	// Whether the item only supports context menu. Visualizations should
	// prefer to show the menu instead of calling Activate.
	IsMenu bool

	// Path to an object which implements the com.canonical.dbusmenu
	// interface. Empty if the item has no menu.
	MenuPath dbus.ObjectPath
}

// HasMenu reports whether the item advertises a menu.
func (s *ItemSnapshot) HasMenu() bool {
	return s.MenuPath != ""
}

func newItemSnapshot(key ItemKey) *ItemSnapshot {
	return &ItemSnapshot{
		Key:      key,
		Category: ItemCategoryApplicationStatus,
		Status:   ItemStatusActive,
	}
}

// setProperty decodes a single property into s. Unknown properties are
// ignored and reported as a zero field.
func (s *ItemSnapshot) setProperty(name string, variant dbus.Variant) (Field, error) {
	field, ok := propertyFields[name]
	if !ok {
		return 0, nil
	}

	value := variant.Value()

	switch field {
	case FieldCategory:
		str, err := decodeString(value)
		if err != nil {
			return field, err
		}
		s.Category = parseCategory(str)
	case FieldStatus:
		str, err := decodeString(value)
		if err != nil {
			return field, err
		}
		s.Status = parseStatus(str)
	case FieldWindowID:
		switch v := value.(type) {
		case int32:
			s.WindowID = v
		case uint32:
			s.WindowID = int32(v)
		default:
			return field, fmt.Errorf("unexpected type %T", value)
		}
	case FieldItemIsMenu:
		b, ok := value.(bool)
		if !ok {
			return field, fmt.Errorf("unexpected type %T", value)
		}
		s.IsMenu = b
	case FieldMenu:
		path, err := decodeString(value)
		if err != nil {
			return field, err
		}
		s.MenuPath = menuPath(path)
	case FieldIconPixmap, FieldOverlayIconPixmap, FieldAttentionIconPixmap:
		pixmaps, err := decodePixmaps(value)
		if err != nil {
			return field, err
		}
		*s.pixmapField(field) = pixmaps
	case FieldToolTip:
		tooltip, err := decodeToolTip(value)
		if err != nil {
			return field, err
		}
		s.ToolTip = tooltip
	default:
		str, err := decodeString(value)
		if err != nil {
			return field, err
		}
		*s.stringField(field) = str
	}

	return field, nil
}

func (s *ItemSnapshot) stringField(f Field) *string {
	switch f {
	case FieldID:
		return &s.ID
	case FieldTitle:
		return &s.Title
	case FieldIconName:
		return &s.IconName
	case FieldOverlayIconName:
		return &s.OverlayIconName
	case FieldAttentionIconName:
		return &s.AttentionIconName
	case FieldAttentionMovieName:
		return &s.AttentionMovieName
	case FieldIconThemePath:
		return &s.IconThemePath
	}

	panic(fmt.Sprintf("traysync: %s is not a string field", f))
}

func (s *ItemSnapshot) pixmapField(f Field) *Pixmaps {
	switch f {
	case FieldIconPixmap:
		return &s.IconPixmap
	case FieldOverlayIconPixmap:
		return &s.OverlayIconPixmap
	case FieldAttentionIconPixmap:
		return &s.AttentionIconPixmap
	}

	panic(fmt.Sprintf("traysync: %s is not a pixmap field", f))
}

func decodeString(value any) (string, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case dbus.ObjectPath:
		return string(v), nil
	default:
		return "", fmt.Errorf("unexpected type %T", value)
	}
}

// menuPath normalizes the Menu property. Several toolkits publish "/" or
// "/NO_DBUSMENU" for items without a menu.
func menuPath(path string) dbus.ObjectPath {
	switch path {
	case "", "/", "/NO_DBUSMENU":
		return ""
	default:
		return dbus.ObjectPath(path)
	}
}
