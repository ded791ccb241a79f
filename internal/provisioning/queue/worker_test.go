package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"didvault/internal/provisioning"
)

func TestRequeueDelay(t *testing.T) {
	cases := []struct {
		name    string
		attempt int
		want    time.Duration
	}{
		{name: "first redelivery", attempt: 2, want: 2 * time.Second},
		{name: "second redelivery", attempt: 3, want: 4 * time.Second},
		{name: "last redelivery", attempt: 5, want: 8 * time.Second},
		{name: "clamped below first redelivery", attempt: 0, want: 2 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, requeueDelay(tc.attempt))
		})
	}

	// The delay exists so contended jobs cannot burn every attempt inside a
	// single poll; each redelivery must wait a nonzero interval.
	for attempt := 2; attempt <= maxAttempts; attempt++ {
		require.Positive(t, requeueDelay(attempt))
	}
}

func TestFailedStage(t *testing.T) {
	t.Run("earliest stage wins", func(t *testing.T) {
		summary := provisioning.Summary{Errors: map[string]string{
			string(provisioning.StageAnchor):   "pin failed",
			string(provisioning.StageRegister): "rpc failed",
		}}
		require.Equal(t, provisioning.StageAnchor, failedStage(summary))
	})

	t.Run("per-chain errors carry no stage", func(t *testing.T) {
		summary := provisioning.Summary{Errors: map[string]string{"solana": "asset activation failed"}}
		require.Equal(t, provisioning.Stage(""), failedStage(summary))
	})

	t.Run("no errors", func(t *testing.T) {
		require.Equal(t, provisioning.Stage(""), failedStage(provisioning.Summary{}))
	})
}
