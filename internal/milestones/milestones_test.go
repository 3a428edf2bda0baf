package milestones

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pct(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func drafts(percentages ...string) []Draft {
	out := make([]Draft, len(percentages))
	for i, p := range percentages {
		out[i] = Draft{Name: "tranche " + p, Percentage: pct(p), Kind: KindProgress}
	}
	return out
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		drafts  []Draft
		wantSum string
		wantErr error
	}{
		{name: "exact hundred", drafts: drafts("20", "80")},
		{name: "fractional exact", drafts: drafts("33.33", "33.33", "33.34")},
		{name: "ninety nine", drafts: drafts("50", "49"), wantSum: "99"},
		{name: "over hundred", drafts: drafts("60", "40.01"), wantSum: "100.01"},
		{name: "empty", drafts: nil, wantSum: "0"},
		{name: "zero percentage", drafts: drafts("0", "100"), wantErr: ErrInvalidMilestone},
		{name: "three decimals", drafts: drafts("33.333", "66.667"), wantErr: ErrInvalidMilestone},
		{name: "missing name", drafts: []Draft{{Percentage: pct("100")}}, wantErr: ErrInvalidMilestone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.drafts)
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.wantSum != "":
				var mismatch *PercentageMismatchError
				require.ErrorAs(t, err, &mismatch)
				assert.True(t, mismatch.Sum.Equal(pct(tt.wantSum)), mismatch.Sum.String())
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestFreezeAbsorbsRemainderInLastMilestone(t *testing.T) {
	contractID := uuid.New()
	total := pct("1000.00")

	set, err := Freeze(contractID, total, drafts("33.33", "33.33", "33.34"), time.Now())
	require.NoError(t, err)
	require.Len(t, set, 3)

	assert.Equal(t, "333.30", set[0].Amount.StringFixed(2))
	assert.Equal(t, "333.30", set[1].Amount.StringFixed(2))
	assert.Equal(t, "333.40", set[2].Amount.StringFixed(2))
	assert.True(t, set.Sum().Equal(total))
	assert.NoError(t, CheckInvariants(total, set))

	for i, m := range set {
		assert.Equal(t, contractID, m.ContractID)
		assert.Equal(t, i+1, m.Position)
	}
}

func TestFreezeOddTotalHasNoDrift(t *testing.T) {
	total := pct("100.01")
	set, err := Freeze(uuid.New(), total, drafts("33.33", "33.33", "33.34"), time.Now())
	require.NoError(t, err)

	assert.True(t, set.Sum().Equal(total), set.Sum().String())
	assert.Equal(t, "33.33", set[0].Amount.StringFixed(2))
	assert.Equal(t, "33.35", set[2].Amount.StringFixed(2))
}

func TestFreezeRejectsMismatch(t *testing.T) {
	_, err := Freeze(uuid.New(), pct("100000"), drafts("20", "79"), time.Now())
	var mismatch *PercentageMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.True(t, mismatch.Sum.Equal(pct("99")))
}

func TestMarkPaidRequiresDone(t *testing.T) {
	set, err := Freeze(uuid.New(), pct("100000"), drafts("20", "80"), time.Now())
	require.NoError(t, err)
	m := &set[0]

	err = MarkPaid(m, uuid.New(), time.Now())
	assert.ErrorIs(t, err, ErrNotDone)
	assert.False(t, m.Paid)

	require.NoError(t, MarkDone(m, "https://blobs.example/evidence.jpg", time.Now()))
	entryID := uuid.New()
	require.NoError(t, MarkPaid(m, entryID, time.Now()))
	assert.True(t, m.Paid)
	assert.Equal(t, entryID, *m.ReleaseEntryID)

	assert.ErrorIs(t, MarkDone(m, "other", time.Now()), ErrMilestoneImmutable)
	assert.ErrorIs(t, MarkPaid(m, uuid.New(), time.Now()), ErrMilestoneImmutable)
	assert.Equal(t, "https://blobs.example/evidence.jpg", m.Evidence)
}

func TestSetHelpers(t *testing.T) {
	set, err := Freeze(uuid.New(), pct("500"), drafts("50", "50"), time.Now())
	require.NoError(t, err)

	assert.False(t, set.AllPaid())
	assert.Equal(t, 2, set.Unpaid())
	assert.Nil(t, set.Find(uuid.New()))

	for i := range set {
		require.NoError(t, MarkDone(&set[i], "", time.Now()))
		require.NoError(t, MarkPaid(&set[i], uuid.New(), time.Now()))
	}
	assert.True(t, set.AllPaid())
	assert.Equal(t, 0, set.Unpaid())
	assert.False(t, Set{}.AllPaid())
}

func TestCheckInvariantsDetectsPaidWithoutDone(t *testing.T) {
	set, err := Freeze(uuid.New(), pct("100"), drafts("100"), time.Now())
	require.NoError(t, err)
	set[0].Paid = true

	assert.Error(t, CheckInvariants(pct("100"), set))
}
