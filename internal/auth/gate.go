// Package auth decides which guild members may originate relayed audio and
// under what identity.
//
// [Authorize] evaluates [Rules] in a fixed precedence:
//
//  1. An explicit user entry authorizes the member as privileged, with the
//     configured name as display name. It overrides every role check and is
//     the only way a bot can be authorized.
//  2. The first configured role the member holds authorizes them under that
//     role's name. The member is privileged only when the matched role is the
//     first role of the list.
//  3. When no user or role rule exists at all the gate is open: every non-bot
//     member is authorized. Configuration must opt into this mode explicitly.
//
// Rules that exist but do not match deny the member.
package auth

import (
	"slices"

	"github.com/MrWong99/voxrelay/pkg/audio"
)

const (
	// OpenRoleName is the role name reported for members authorized by the
	// open gate.
	OpenRoleName = "everyone"

	// UnknownDisplayName is used when neither the rules nor the member carry a
	// usable name.
	UnknownDisplayName = "Unknown"
)

// UserRule authorizes one member by ID.
type UserRule struct {
	UserID string
	Name   string
}

// RoleRule authorizes members holding RoleID.
type RoleRule struct {
	RoleID string
	Name   string
}

// Rules is the authorization configuration. Roles are ordered from highest
// to lowest rank.
type Rules struct {
	Users []UserRule
	Roles []RoleRule
}

// Open reports whether no rule is configured.
func (r Rules) Open() bool {
	return len(r.Users) == 0 && len(r.Roles) == 0
}

// SpeakerIdentity is the outcome of one authorization.
type SpeakerIdentity struct {
	ID          string
	DisplayName string
	Authorized  bool
	RoleName    string
	Privileged  bool
}

// Authorize evaluates rules for the member memberID whose snapshot is m.
// It is pure and total.
func Authorize(memberID string, m audio.Member, rules Rules) SpeakerIdentity {
	denied := SpeakerIdentity{ID: memberID}

	if i := slices.IndexFunc(rules.Users, func(u UserRule) bool { return u.UserID == memberID }); i >= 0 {
		u := rules.Users[i]
		return SpeakerIdentity{
			ID:          memberID,
			DisplayName: firstNonEmpty(u.Name, m.DisplayName, UnknownDisplayName),
			Authorized:  true,
			Privileged:  true,
		}
	}

	if m.Bot {
		return denied
	}

	for i, role := range rules.Roles {
		if !slices.Contains(m.Roles, role.RoleID) {
			continue
		}
		return SpeakerIdentity{
			ID:          memberID,
			DisplayName: firstNonEmpty(m.DisplayName, UnknownDisplayName),
			Authorized:  true,
			RoleName:    role.Name,
			Privileged:  i == 0,
		}
	}

	if rules.Open() {
		return SpeakerIdentity{
			ID:          memberID,
			DisplayName: firstNonEmpty(m.DisplayName, UnknownDisplayName),
			Authorized:  true,
			RoleName:    OpenRoleName,
			Privileged:  true,
		}
	}
	return denied
}

// Func is the signature of [Authorize]. Callers accept a Func so tests can
// observe invocations.
type Func func(memberID string, m audio.Member, rules Rules) SpeakerIdentity

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
