package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func claims() TokenClaims {
	return TokenClaims{
		Subject: "user-1",
		Claims: map[string]KindClaim{
			"daily_location": {
				Permissions:        []Action{ActionRun, ActionGet},
				SpatialAggregation: []string{"admin2", "admin3"},
			},
		},
	}
}

func TestIsPermittedAllowsGrantedAction(t *testing.T) {
	assert.True(t, IsPermitted(claims(), "daily_location", ActionRun, "admin3"))
}

func TestIsPermittedRejectsUngrantedKind(t *testing.T) {
	assert.False(t, IsPermitted(claims(), "flows", ActionRun, "admin3"))
}

func TestIsPermittedRejectsUngrantedAction(t *testing.T) {
	assert.False(t, IsPermitted(claims(), "daily_location", ActionPoll, "admin3"))
}

func TestIsPermittedRejectsUngrantedLevel(t *testing.T) {
	assert.False(t, IsPermitted(claims(), "daily_location", ActionRun, "admin0"))
}

func TestIsPermittedSkipsLevelCheckWhenUnspecified(t *testing.T) {
	assert.True(t, IsPermitted(claims(), "daily_location", ActionRun, ""))
}
