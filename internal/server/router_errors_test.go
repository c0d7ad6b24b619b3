package server

import (
	"errors"
	"net/http"
	"testing"

	"github.com/MarcoPoloResearchLab/parley/internal/chat"
	"github.com/MarcoPoloResearchLab/parley/internal/serviceerr"
	"github.com/MarcoPoloResearchLab/parley/internal/social"
	"github.com/MarcoPoloResearchLab/parley/internal/teams"
)

func TestStatusForErrorMapsServiceErrors(t *testing.T) {
	testCases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "invalid content", err: serviceerr.New("chat.post_message", "invalid_content", chat.ErrInvalidMessage), status: http.StatusBadRequest},
		{name: "not a member", err: serviceerr.New("chat.post_message", "not_a_member", chat.ErrNotAMember), status: http.StatusForbidden},
		{name: "read only", err: serviceerr.New("chat.post_message", "read_only_room", chat.ErrReadOnlyRoom), status: http.StatusForbidden},
		{name: "team forbidden", err: serviceerr.New("teams.add_member", "forbidden", teams.ErrForbidden), status: http.StatusForbidden},
		{name: "unknown friendship", err: serviceerr.New("social.accept", "not_found", social.ErrFriendshipNotFound), status: http.StatusNotFound},
		{name: "pending request", err: serviceerr.New("social.send_request", "pending", social.ErrRequestPending), status: http.StatusConflict},
		{name: "unexpected", err: errors.New("disk full"), status: http.StatusInternalServerError},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := statusForError(testCase.err); got != testCase.status {
				t.Fatalf("expected status %d, got %d", testCase.status, got)
			}
		})
	}
}
