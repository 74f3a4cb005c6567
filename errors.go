package traysync

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionLost reports that the bus connection is unusable. It is
	// fatal to the whole [Client].
	ErrConnectionLost = errors.New("connection lost")

	// ErrRegistryUnavailable reports that the registry could neither claim
	// nor observe the watcher service.
	ErrRegistryUnavailable = errors.New("registry unavailable")

	// ErrTimeout reports that a remote call did not complete within the
	// configured call timeout.
	ErrTimeout = errors.New("call timed out")

	ErrUnknownItem = errors.New("unknown item")
	ErrNoMenu      = errors.New("item has no menu")
	ErrClosed      = errors.New("closed")
)

// ItemCallError is a failed remote call isolated to one item. The item is
// kept in the cache.
type ItemCallError struct {
	Key  ItemKey
	Call string
	Err  error
}

func (e *ItemCallError) Error() string {
	return fmt.Sprintf("item %s: %s: %v", e.Key, e.Call, e.Err)
}

func (e *ItemCallError) Unwrap() error {
	return e.Err
}

// MenuFetchTimeoutError reports a layout fetch that timed out twice. The
// previously applied layout is retained.
type MenuFetchTimeoutError struct {
	Key    ItemKey
	NodeID int32
}

func (e *MenuFetchTimeoutError) Error() string {
	return fmt.Sprintf("item %s: menu fetch of node %d timed out", e.Key, e.NodeID)
}

func (e *MenuFetchTimeoutError) Unwrap() error {
	return ErrTimeout
}

// PropertyDecodeError reports an item property that could not be decoded.
// The field is left at its default.
type PropertyDecodeError struct {
	Key   ItemKey
	Field Field
	Err   error
}

func (e *PropertyDecodeError) Error() string {
	return fmt.Sprintf("item %s: decode %s: %v", e.Key, e.Field, e.Err)
}

func (e *PropertyDecodeError) Unwrap() error {
	return e.Err
}

// LaggedError is returned by [Subscription.Recv] when the subscriber fell
// behind and events were dropped.
type LaggedError struct {
	Missed uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged: %d events missed", e.Missed)
}
