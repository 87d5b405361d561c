// Copyright 2024-2026 Aiku AI

// Package bridge implements the orchestration engine of a Matrix puppet
// bridge: it logs in as the real user ("puppets" them), mirrors
// third-party conversations as Matrix rooms, and mirrors remote
// participants as ghost users, relaying messages in both directions.
//
// # Core Types
//
// [Bridge] binds the engine to one identity pair (one puppeted Matrix
// account paired with one third-party account). Pairs are independent;
// running several means constructing several Bridges.
//
// [AddressMapper] derives ghost user IDs and room aliases from
// third-party IDs, and recovers them back. The alias is the authoritative
// room mapping: any room's third-party ID can be re-derived from its
// alias list alone.
//
// [RoomManager] is the idempotent get-or-create-or-repair state machine
// for mirrored rooms, including the per-pair status room.
//
// [RelayEngine] classifies events on both edges, selects the acting
// identity (puppet, ghost, or bot), and invokes the matching send
// primitive.
//
// # Echo Prevention
//
// Loop suppression rests entirely on the [Tagger]: every bridge-originated
// Matrix send carries an invisible marker, and every inbound Matrix body
// is checked for it before relay. There is no event-ID deduplication
// table. A sender-absent third-party payload whose body is unmarked is a
// legitimate echo of the user's own third-party client and is still
// mirrored, as a notice; only marked bodies are suppressed.
//
// # External Collaborators
//
// The Matrix transport ([Session], [SessionProvider]) and the third-party
// network ([Adapter] plus optional capability interfaces) are consumed as
// interfaces. Production implementations live in pkg/bridge/mxsession and
// in per-network adapter modules.
package bridge
