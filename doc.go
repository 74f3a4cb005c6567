// Package traysync is a toolkit-agnostic client of the [StatusNotifierItem]
// specification. It keeps a local mirror of every tray item on the session
// bus, together with its com.canonical.dbusmenu menu, and reports changes as
// events. This package does not provide capabilities for tray applications,
// it is intended to be used for building system trays themselves.
//
// # Usage
//
// [Client] is the entry point:
//   - [Registry] discovers items. It serves as the StatusNotifierWatcher if
//     no other process does, and observes the existing watcher otherwise.
//   - Every item is mirrored by its own goroutine. Reads return immutable
//     snapshots, see [Client.Item] and [Client.Menu].
//   - Menus are versioned by revision. Layouts that arrive out of order are
//     discarded, see [MenuTree].
//   - Changes are delivered through [Subscription]. A subscriber that falls
//     behind misses the oldest events and is told how many it missed.
//   - Commands are sent with [Router].
//
// A minimal tray:
//
//	client, err := traysync.Connect(ctx, traysync.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	sub := client.Subscribe()
//	for {
//		ev, err := sub.Recv(ctx)
//		...
//	}
//
// [StatusNotifierItem]: https://www.freedesktop.org/wiki/Specifications/StatusNotifierItem/
package traysync
