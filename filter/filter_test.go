package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryFilter(t *testing.T) {
	prog, err := Compile(`Target.Role == "moderator"`)
	require.NoError(t, err)

	env := Env{
		Room: Room{Name: "garden", Occupants: 2},
		Source: Source{
			Occupant: Occupant{Nick: "alice", Role: "moderator", Affiliation: "owner"},
		},
		Target: Target{
			Occupant: Occupant{Nick: "bobby", Role: "participant", Affiliation: "none"},
		},
		Body: "mods only",
	}
	assert.False(t, Run(prog, env))

	env.Target.Role = "moderator"
	assert.True(t, Run(prog, env))
}

func TestFilterHelpers(t *testing.T) {
	prog, err := Compile(`AsInt(Source.Nick) == 42`)
	require.NoError(t, err)
	env := Env{Source: Source{Occupant: Occupant{Nick: "42"}}}
	assert.True(t, Run(prog, env))

	prog, err = Compile(`AsIntSlice("1,2,3")[1] == 2 && AsFloat("0.5") < 1.0`)
	require.NoError(t, err)
	assert.True(t, Run(prog, env))
}

func TestFilterNonBooleanSuppresses(t *testing.T) {
	prog, err := Compile(`Room.Occupants`)
	require.NoError(t, err)
	assert.False(t, Run(prog, Env{Room: Room{Occupants: 3}}))
}

func TestFilterCompileError(t *testing.T) {
	_, err := Compile(`Target.NoSuchField == 1`)
	assert.Error(t, err)
}

func TestNilProgramDelivers(t *testing.T) {
	assert.True(t, Run(nil, Env{}))
}
