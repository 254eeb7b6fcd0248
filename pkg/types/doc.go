/*
Package types defines the data model shared by the sandbox state machine
and the containers orchestrator.

ContainerConfiguration is immutable after create and is the JSON shape
persisted as a bundle's config.json. ContainerSnapshot is the mutable
view the orchestrator hands back for list/inspect: configuration plus
status plus resolved network attachments. Process and ExitStatus model
the init and exec processes a sandbox tracks internally; Volume models
a sparse block-backed persistent volume independent of any container.

None of these types know how to talk to a VM, a network driver, or a
service manager — they are plain data, serialized with encoding/json
in bundle and volume files and as JSON byte values inside the control
channel's gob-encoded value bag.
*/
package types
