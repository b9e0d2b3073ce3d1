package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/be-po-approvals/internal/apperr"
)

func TestCheckDelegationConflicts(t *testing.T) {
	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }
	delegation := func(delegate string, from int, to int) *Delegate {
		d := &Delegate{
			PrimaryApprover:  "E100",
			DelegateApprover: delegate,
			StartDate:        day(from),
			IsActive:         true,
		}
		if to > 0 {
			d.EndDate = timePtr(day(to))
		}
		return d
	}

	t.Run("no existing records", func(t *testing.T) {
		assert.NoError(t, checkDelegationConflicts(nil, delegation("E200", 1, 10)))
	})

	t.Run("identical tuple rejected", func(t *testing.T) {
		existing := []*Delegate{delegation("E200", 1, 10)}
		err := checkDelegationConflicts(existing, delegation("E200", 1, 10))
		require.Error(t, err)
		assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))
		assert.Contains(t, err.Error(), "identical")
	})

	t.Run("identical open-ended tuple rejected", func(t *testing.T) {
		existing := []*Delegate{delegation("E200", 1, 0)}
		err := checkDelegationConflicts(existing, delegation("E200", 1, 0))
		require.Error(t, err)
		assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))
	})

	t.Run("overlapping window rejected", func(t *testing.T) {
		existing := []*Delegate{delegation("E200", 1, 10)}
		err := checkDelegationConflicts(existing, delegation("E300", 5, 15))
		require.Error(t, err)
		assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))
		assert.Contains(t, err.Error(), "overlaps")
	})

	t.Run("shared boundary day rejected", func(t *testing.T) {
		existing := []*Delegate{delegation("E200", 1, 10)}
		err := checkDelegationConflicts(existing, delegation("E300", 10, 20))
		assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))
	})

	t.Run("open-ended window blocks everything after its start", func(t *testing.T) {
		existing := []*Delegate{delegation("E200", 1, 0)}
		err := checkDelegationConflicts(existing, delegation("E300", 100, 110))
		assert.Equal(t, apperr.CodeConflict, apperr.CodeOf(err))
	})

	t.Run("disjoint window is delegation history and allowed", func(t *testing.T) {
		existing := []*Delegate{delegation("E200", 1, 10)}
		assert.NoError(t, checkDelegationConflicts(existing, delegation("E200", 11, 20)))
	})
}
