// Copyright 2024-2026 Aiku AI

package bridge

import (
	"fmt"
	"strings"

	"maunium.net/go/mautrix/id"
)

// AddressMapper derives Matrix identifiers from third-party identifiers and
// recovers them back. All methods are pure; the derivations are exact
// inverses over non-empty IDs, and the recovery methods never fail loudly
// because alias lists are externally mutable state the bridge does not own.
type AddressMapper struct {
	// Prefix is the full service prefix used in ghost localparts and room
	// alias localparts, e.g. "facebook_pair1".
	Prefix string
	// HomeserverDomain is the server name part of every derived ID.
	HomeserverDomain string
}

// GhostUserID derives the Matrix user ID representing a third-party user:
// @{prefix}_{thirdPartyUserID}:{domain}.
func (m AddressMapper) GhostUserID(thirdPartyUserID string) (id.UserID, error) {
	if thirdPartyUserID == "" {
		return "", fmt.Errorf("empty third-party user ID")
	}
	return id.UserID("@" + m.Prefix + "_" + thirdPartyUserID + ":" + m.HomeserverDomain), nil
}

// RoomAliasLocalpart derives the alias localpart for a third-party room.
func (m AddressMapper) RoomAliasLocalpart(thirdPartyRoomID string) string {
	return m.Prefix + "_" + thirdPartyRoomID
}

// RoomAlias derives the canonical Matrix room alias for a third-party room:
// #{prefix}_{thirdPartyRoomID}:{domain}.
func (m AddressMapper) RoomAlias(thirdPartyRoomID string) (id.RoomAlias, error) {
	if thirdPartyRoomID == "" {
		return "", fmt.Errorf("empty third-party room ID")
	}
	return id.RoomAlias("#" + m.RoomAliasLocalpart(thirdPartyRoomID) + ":" + m.HomeserverDomain), nil
}

// ThirdPartyUserID recovers the third-party user ID from a ghost user ID.
// Returns ok=false for IDs that were not derived by this mapper.
func (m AddressMapper) ThirdPartyUserID(ghost id.UserID) (string, bool) {
	localpart, found := strings.CutSuffix(string(ghost), ":"+m.HomeserverDomain)
	if !found {
		return "", false
	}
	rest, found := strings.CutPrefix(localpart, "@"+m.Prefix+"_")
	if !found || rest == "" {
		return "", false
	}
	return rest, true
}

// ThirdPartyRoomID recovers the third-party room ID from a room's alias
// list. The list is scanned for any alias matching this mapper's pattern;
// an empty or foreign list yields ok=false, never an error.
func (m AddressMapper) ThirdPartyRoomID(aliases []id.RoomAlias) (string, bool) {
	for _, alias := range aliases {
		localpart, found := strings.CutSuffix(string(alias), ":"+m.HomeserverDomain)
		if !found {
			continue
		}
		rest, found := strings.CutPrefix(localpart, "#"+m.Prefix+"_")
		if found && rest != "" {
			return rest, true
		}
	}
	return "", false
}
