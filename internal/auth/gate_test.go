package auth_test

import (
	"fmt"
	"testing"

	"github.com/MrWong99/voxrelay/internal/auth"
	"github.com/MrWong99/voxrelay/pkg/audio"
)

var ranked = auth.Rules{
	Users: []auth.UserRule{{UserID: "u-colonel", Name: "Colonel"}},
	Roles: []auth.RoleRule{
		{RoleID: "r-staff", Name: "Etat-major"},
		{RoleID: "r-officer", Name: "Officier"},
	},
}

func TestAuthorize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		id     string
		member audio.Member
		rules  auth.Rules
		want   auth.SpeakerIdentity
	}{
		{
			name:   "user entry overrides roles",
			id:     "u-colonel",
			member: audio.Member{DisplayName: "col", Roles: []string{"r-officer"}},
			rules:  ranked,
			want:   auth.SpeakerIdentity{ID: "u-colonel", DisplayName: "Colonel", Authorized: true, Privileged: true},
		},
		{
			name:   "user entry without name falls back to member name",
			id:     "u-1",
			member: audio.Member{DisplayName: "Alice"},
			rules:  auth.Rules{Users: []auth.UserRule{{UserID: "u-1"}}},
			want:   auth.SpeakerIdentity{ID: "u-1", DisplayName: "Alice", Authorized: true, Privileged: true},
		},
		{
			name:   "first role is privileged",
			id:     "u-2",
			member: audio.Member{DisplayName: "Bob", Roles: []string{"r-officer", "r-staff"}},
			rules:  ranked,
			want:   auth.SpeakerIdentity{ID: "u-2", DisplayName: "Bob", Authorized: true, RoleName: "Etat-major", Privileged: true},
		},
		{
			name:   "lower role is not privileged",
			id:     "u-3",
			member: audio.Member{DisplayName: "Carol", Roles: []string{"r-officer"}},
			rules:  ranked,
			want:   auth.SpeakerIdentity{ID: "u-3", DisplayName: "Carol", Authorized: true, RoleName: "Officier"},
		},
		{
			name:   "configured rules without a match deny",
			id:     "u-4",
			member: audio.Member{DisplayName: "Dan", Roles: []string{"r-other"}},
			rules:  ranked,
			want:   auth.SpeakerIdentity{ID: "u-4"},
		},
		{
			name:   "open gate authorizes everyone",
			id:     "u-5",
			member: audio.Member{DisplayName: "Eve"},
			want:   auth.SpeakerIdentity{ID: "u-5", DisplayName: "Eve", Authorized: true, RoleName: auth.OpenRoleName, Privileged: true},
		},
		{
			name:   "open gate uses default name",
			id:     "u-6",
			member: audio.Member{},
			want:   auth.SpeakerIdentity{ID: "u-6", DisplayName: auth.UnknownDisplayName, Authorized: true, RoleName: auth.OpenRoleName, Privileged: true},
		},
		{
			name:   "open gate denies bots",
			id:     "bot-1",
			member: audio.Member{DisplayName: "Receiver", Bot: true},
			want:   auth.SpeakerIdentity{ID: "bot-1"},
		},
		{
			name:   "bots with a role are denied",
			id:     "bot-2",
			member: audio.Member{Bot: true, Roles: []string{"r-staff"}},
			rules:  ranked,
			want:   auth.SpeakerIdentity{ID: "bot-2"},
		},
		{
			name:   "allow-listed bot is authorized",
			id:     "bot-3",
			member: audio.Member{Bot: true, DisplayName: "Announcer"},
			rules:  auth.Rules{Users: []auth.UserRule{{UserID: "bot-3", Name: "Annonces"}}},
			want:   auth.SpeakerIdentity{ID: "bot-3", DisplayName: "Annonces", Authorized: true, Privileged: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := auth.Authorize(tt.id, tt.member, tt.rules)
			if got != tt.want {
				t.Errorf("Authorize() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestAuthorize_Deterministic(t *testing.T) {
	t.Parallel()
	members := []audio.Member{
		{},
		{DisplayName: "x", Roles: []string{"r-staff"}},
		{DisplayName: "y", Roles: []string{"r-officer", "r-unknown"}},
		{Bot: true},
	}
	for _, rules := range []auth.Rules{{}, ranked} {
		for i, m := range members {
			id := fmt.Sprintf("m-%d", i)
			first := auth.Authorize(id, m, rules)
			for range 10 {
				if got := auth.Authorize(id, m, rules); got != first {
					t.Fatalf("non-deterministic result for %s: %+v vs %+v", id, got, first)
				}
			}
		}
	}
}

func TestAuthorize_OpenGateAuthorizesAllHumans(t *testing.T) {
	t.Parallel()
	for i := range 50 {
		m := audio.Member{DisplayName: fmt.Sprint("member ", i), Roles: []string{fmt.Sprint("role-", i%3)}}
		if id := auth.Authorize(fmt.Sprint(i), m, auth.Rules{}); !id.Authorized {
			t.Fatalf("member %d denied by open gate", i)
		}
	}
}

func TestRules_Open(t *testing.T) {
	t.Parallel()
	if !(auth.Rules{}).Open() {
		t.Error("empty rules should be open")
	}
	if ranked.Open() {
		t.Error("configured rules should not be open")
	}
}
