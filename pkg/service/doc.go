// Package service implements long-running, cancellable calls over
// persistent streams.
//
// A `Server` exposes one service. Every stream attached to it gets a slot
// and a slot runs at most one call at a time. A call goes through
// `Suspended`, `Running`, optionally `CancelRequested`, and ends with
// `Succeeded`, `Failed` or `Aborted`. Cancellation is cooperative: the
// client can only ask, the `Handler` decides.
//
// A `Client` keeps one stream to a service and runs one call at a time on
// it. When the stream breaks, the outstanding call fails with
// `ErrStreamClosed` and `Client.Reset` must be called to find the service
// again.
//
// The package does not open sockets: streams come from a `Listener` on the
// server side and from a `Dialer` on the client side.
package service
