package traysync

// Event is a change observed by [Client]. Events concerning the same item are
// delivered in the order they were produced.
//
// The concrete types are [ItemDiscovered], [ItemUpdated], [ItemLost],
// [MenuLayoutUpdated], [MenuPropertiesUpdated], [MenuActivationRequested],
// [ItemError], and [ConnectionLost].
type Event interface {
	// EventKey returns the item the event is about. It is zero for
	// [ConnectionLost].
	EventKey() ItemKey

	isEvent()
}

// ItemDiscovered is published once the initial properties of a new item
// were retrieved.
type ItemDiscovered struct {
	Key  ItemKey
	Item ItemSnapshot
}

// ItemUpdated is published after properties of an item were updated. Item
// already reflects the update.
type ItemUpdated struct {
	Key    ItemKey
	Fields FieldSet
	Item   ItemSnapshot
}

// ItemLost is published when the process owning an item left the bus, or
// when the item could not be loaded. No further events about Key follow.
type ItemLost struct {
	Key ItemKey
}

// MenuLayoutUpdated is published after a full or partial layout of the menu
// was applied.
type MenuLayoutUpdated struct {
	Key      ItemKey
	Revision uint32
}

// MenuPropertiesUpdated is published after properties of menu nodes were
// merged. Revision of the layout is unchanged.
type MenuPropertiesUpdated struct {
	Key ItemKey
	IDs []int32
}

// MenuActivationRequested is published when the application asks to open
// the menu at node NodeID.
type MenuActivationRequested struct {
	Key       ItemKey
	NodeID    int32
	Timestamp uint32
}

// ItemError reports a failure isolated to one item. Err is one of
// [*ItemCallError], [*MenuFetchTimeoutError], or [*PropertyDecodeError].
type ItemError struct {
	Key ItemKey
	Err error
}

// ConnectionLost is the last event published by a [Client] whose bus
// connection became unusable.
type ConnectionLost struct {
	Err error
}

func (e ItemDiscovered) EventKey() ItemKey          { return e.Key }
func (e ItemUpdated) EventKey() ItemKey             { return e.Key }
func (e ItemLost) EventKey() ItemKey                { return e.Key }
func (e MenuLayoutUpdated) EventKey() ItemKey       { return e.Key }
func (e MenuPropertiesUpdated) EventKey() ItemKey   { return e.Key }
func (e MenuActivationRequested) EventKey() ItemKey { return e.Key }
func (e ItemError) EventKey() ItemKey               { return e.Key }
func (e ConnectionLost) EventKey() ItemKey          { return ItemKey{} }

func (ItemDiscovered) isEvent()          {}
func (ItemUpdated) isEvent()             {}
func (ItemLost) isEvent()                {}
func (MenuLayoutUpdated) isEvent()       {}
func (MenuPropertiesUpdated) isEvent()   {}
func (MenuActivationRequested) isEvent() {}
func (ItemError) isEvent()               {}
func (ConnectionLost) isEvent()          {}
