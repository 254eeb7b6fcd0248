// Package network is the network driver collaborator named in §6:
// allocate(hostname, mac) -> (attachment, extra), deallocate(hostname),
// state() -> running{gateway,...}.
//
// Each named network owns one userspace subnet (pkg/vsock.Gateway) and
// hands out addresses from it sequentially; there is no cluster-wide
// overlay to coordinate with, since this daemon manages exactly one
// host.
package network
