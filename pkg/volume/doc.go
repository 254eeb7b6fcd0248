// Package volume is the Volume service named in §3: named, sparse
// block-backed persistent volumes independent of any one container's
// lifetime.
//
// Layout, one directory per volume under the store's root:
//
//	volumes/<name>/
//	  entity.json   UTF-8 JSON of types.Volume
//	  volume.img    sparse block image, default 1 GiB, growable
//
// A volume's directory lifecycle is tied to the Orchestrator's resource
// root the same way a container bundle is (pkg/bundle): entity.json is
// written last on create and the whole directory is removed in one
// RemoveAll on delete, so a volume is never left half-registered.
//
// Anonymous volumes are created with an empty name and IsAnonymous
// set: Create names them "anon-<uuid>" and records isAnonymous=true.
// This package does not create them from container mounts and does not
// delete them when a container is deleted.
package volume
