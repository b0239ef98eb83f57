package webhook

import (
	"testing"

	"questline-settlement/pkg/errutil"

	"github.com/stretchr/testify/require"
)

func TestParseCategory(t *testing.T) {
	cases := map[string]Category{
		"transaction.completed": CategoryTransaction,
		"transaction.failed":    CategoryTransaction,
		"adjustment.applied":    CategoryAdjustment,
		"participant.enrolled":  CategoryParticipant,
		"transaction":           CategoryTransaction,
		"promotion.applied":     CategoryUnknown,
		"":                      CategoryUnknown,
	}

	for eventType, want := range cases {
		require.Equal(t, want, ParseCategory(eventType), "type %q", eventType)
	}
}

func TestEventAction(t *testing.T) {
	evt := Event{Type: "transaction.completed"}
	require.Equal(t, "completed", evt.Action())

	evt = Event{Type: "transaction"}
	require.Equal(t, "", evt.Action())
}

func TestParseEvent(t *testing.T) {
	evt, err := ParseEvent([]byte(`{"id":"evt_1","type":"transaction.completed","rewardId":"rwd_1"}`))
	require.NoError(t, err)
	require.Equal(t, "evt_1", evt.ID)
	require.Equal(t, CategoryTransaction, evt.Category())
	require.Equal(t, "rwd_1", evt.RewardID)
}

func TestParseEventRejectsBadEnvelopes(t *testing.T) {
	cases := map[string]string{
		"not json":     `{"id":`,
		"missing id":   `{"type":"transaction.completed"}`,
		"missing type": `{"id":"evt_1"}`,
	}

	for name, body := range cases {
		_, err := ParseEvent([]byte(body))
		require.Error(t, err, name)

		var be *errutil.BaseError
		require.ErrorAs(t, err, &be, name)
		require.Equal(t, errutil.StatusValidationFailed, be.Code, name)
	}
}
