package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestID_RoundTrip(t *testing.T) {
	at := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		id   ID
		want string
	}{
		{
			name: "recurring run",
			id:   ID{Kind: KindRecurringCheck, DeliveryID: "del-1", At: at},
			want: "recurring-check-del-1-1773135000000",
		},
		{
			name: "notification with check number",
			id:   ID{Kind: KindDelayNotification, DeliveryID: "del-1", Check: 3, At: at},
			want: "delay-notification-del-1-check-3-1773135000000",
		},
		{
			name: "no suffixes",
			id:   ID{Kind: KindManualCheck, DeliveryID: "abc"},
			want: "manual-check-abc",
		},
		{
			name: "check without timestamp",
			id:   ID{Kind: KindOneTimeCheck, DeliveryID: "abc", Check: 12},
			want: "one-time-check-abc-check-12",
		},
		{
			name: "delivery id with dashes and digits",
			id:   ID{Kind: KindRecurringCheck, DeliveryID: "order-2026-42", At: at},
			want: "recurring-check-order-2026-42-1773135000000",
		},
		{
			name: "uuid delivery id",
			id:   ID{Kind: KindDelayNotification, DeliveryID: "3f2a9c1e-0b7d-4e55-9a41-1c2d3e4f5a6b", Check: 1, At: at},
			want: "delay-notification-3f2a9c1e-0b7d-4e55-9a41-1c2d3e4f5a6b-check-1-1773135000000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.id.String()
			assert.Equal(t, tt.want, s)

			parsed, err := ParseID(s)
			require.NoError(t, err)
			assert.Equal(t, tt.id.Kind, parsed.Kind)
			assert.Equal(t, tt.id.DeliveryID, parsed.DeliveryID)
			assert.Equal(t, tt.id.Check, parsed.Check)
			assert.True(t, tt.id.At.Equal(parsed.At), "timestamp %v != %v", tt.id.At, parsed.At)
		})
	}
}

func TestNewID_MatchesString(t *testing.T) {
	at := time.UnixMilli(1773135000000)
	assert.Equal(t, "delay-notification-d-check-2-1773135000000", NewID(KindDelayNotification, "d", 2, at))
	assert.Equal(t, "recurring-check-d", NewID(KindRecurringCheck, "d", 0, time.Time{}))
}

func TestParseID_Errors(t *testing.T) {
	for _, s := range []string{"", "weekly-check-del-1", "recurring-check-", "recurring-check"} {
		_, err := ParseID(s)
		assert.Error(t, err, "ParseID(%q)", s)
	}
}

func TestKind_Valid(t *testing.T) {
	assert.True(t, KindRecurringCheck.Valid())
	assert.True(t, KindManualCheck.Valid())
	assert.False(t, Kind("weekly-check").Valid())
}

func TestExecutionState_WakeTime(t *testing.T) {
	start := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	st := ExecutionState{StartedAt: start, IntervalMinutes: 30, InitialChecks: 2, ChecksPerformed: 3}

	assert.Equal(t, start, st.WakeTime(0))
	assert.Equal(t, start.Add(90*time.Minute), st.WakeTime(3))
	assert.Equal(t, 5, st.TotalChecks())
}
