package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInvitationNeedsResponse(t *testing.T) {
	var none *Invitation
	assert.False(t, none.NeedsResponse())
	assert.False(t, (&Invitation{Type: InformationalUpdate}).NeedsResponse())
	assert.True(t, (&Invitation{Type: "NewMeetingRequest"}).NeedsResponse())
	assert.True(t, (&Invitation{Type: "FullUpdate", ConflictCount: 2}).NeedsResponse())
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "message", KindMessage.String())
	assert.Equal(t, "meeting_request", KindMeetingRequest.String())
}
