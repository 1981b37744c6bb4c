package faults

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassOfWrappedErrors(t *testing.T) {
	base := errors.New("boom")
	cases := []struct {
		name  string
		err   error
		class Class
		retry bool
	}{
		{"transient", Transient("fetch", base), ClassTransient, true},
		{"rejection", Reject("payout", "MerchantHashMismatch", base), ClassRejection, false},
		{"integrity", Integrity("payout", base), ClassDataIntegrity, false},
		{"internal", Internal("startup", base), ClassInternal, false},
		{"wrapped rejection", fmt.Errorf("outer: %w", Reject("finalize", "GoalNotMet", base)), ClassRejection, false},
		{"deadline", context.DeadlineExceeded, ClassTransient, true},
		{"plain", base, ClassTransient, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.class, ClassOf(tc.err))
			require.Equal(t, tc.retry, Retryable(tc.err))
		})
	}
}

func TestCanceledIsNotRetryable(t *testing.T) {
	require.False(t, Retryable(context.Canceled))
	require.False(t, Retryable(nil))
}

func TestErrorMessageCarriesOpAndCode(t *testing.T) {
	err := Reject("campaign_payout", "MerchantHashMismatch", errors.New("program error 6011"))
	require.Equal(t, "campaign_payout: rejection (MerchantHashMismatch): program error 6011", err.Error())
	require.Equal(t, "MerchantHashMismatch", CodeOf(err))
	require.Equal(t, "", CodeOf(errors.New("x")))
}
