package metrics

import (
	"errors"
	"fmt"
	"testing"

	"github.com/hostvol/hostvol/pkg/types"
)

func TestResultLabel(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{fmt.Errorf("bad size: %w", types.ErrValidation), "invalid"},
		{fmt.Errorf("no privilege: %w", types.ErrDenied), "denied"},
		{fmt.Errorf("over quota: %w", types.ErrQuotaExceeded), "denied"},
		{fmt.Errorf("no such volume: %w", types.ErrNotFound), "not_found"},
		{fmt.Errorf("attached: %w", types.ErrInUse), "conflict"},
		{fmt.Errorf("no slot: %w", types.ErrNoCapacity), "no_capacity"},
		{errors.New("disk exploded"), "error"},
	}
	for _, tc := range cases {
		if got := ResultLabel(tc.err); got != tc.want {
			t.Errorf("ResultLabel(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
