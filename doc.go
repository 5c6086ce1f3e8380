// Package corelink runs *services* on a mesh of Go processes and lets any
// member of the mesh call them by *name*.
//
// A service is a long-running, cancellable call handler: clients open a
// persistent stream to it and run one call at a time on that stream. The
// call protocol itself lives in [github.com/raskyld/corelink/pkg/service],
// this package provides the mesh those streams travel on.
//
// ## How it works
//
// The first thing to do is to `Create` a `Node`, and make it
// `Node.JoinCluster` an existing mesh. Under the hood, it uses
// [`hashicorp/memberlist`][dep-mbl] to discover the members of the
// cluster and gossip which node serves which service name.
//
// Every node listens on a single UDP socket speaking QUIC. Gossip packets
// travel as QUIC datagrams, and each stream starts with an init frame
// telling whether it carries gossip or a call to one of our services.
// Peers authenticate each other with mTLS: the Common Name of a
// certificate is the name of the node in the cluster.
//
// `Node.ServeService` claims a name and starts a `service.Server` for it,
// `Node.ServiceClient` returns a `service.Client` which resolves the name
// through the directory and dials the owner. When the owner is the local
// node, the stream is an in-memory pipe.
//
// ## Name conflicts
//
// We avoid a strongly consistent protocol, so two nodes may claim the same
// name concurrently. A node refuses to claim a name it already knows to be
// served elsewhere. When a conflict still happens, it is settled once it
// lasted longer than the conflict timeout: the node with the smallest name
// keeps the service and the others stop serving it.
//
// [dep-mbl]: https://pkg.go.dev/github.com/hashicorp/memberlist
package corelink
