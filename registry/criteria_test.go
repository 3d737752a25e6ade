package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"referrald/identity"
)

func TestCriteriaValidate(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Hour)

	require.NoError(t, (&Criteria{Kind: CriteriaMinStake, MinStake: 100}).Validate())
	require.NoError(t, (&Criteria{Kind: CriteriaMinToken, Token: "RPTS", MinAmount: 5}).Validate())
	require.NoError(t, (&Criteria{Kind: CriteriaTimeWindow, NotBefore: &now, NotAfter: &later}).Validate())

	require.Error(t, (&Criteria{Kind: CriteriaMinStake}).Validate())
	require.Error(t, (&Criteria{Kind: CriteriaMinToken, MinAmount: 5}).Validate())
	require.Error(t, (&Criteria{Kind: CriteriaTimeWindow}).Validate())
	require.Error(t, (&Criteria{Kind: CriteriaTimeWindow, NotBefore: &later, NotAfter: &now}).Validate())
	require.Error(t, (&Criteria{Kind: CriteriaAllOf}).Validate())
	require.Error(t, (&Criteria{Kind: "holds_nft"}).Validate())
}

func TestCriteriaEvaluate(t *testing.T) {
	now := time.Now()
	earlier := now.Add(-time.Hour)
	later := now.Add(time.Hour)
	holdings := &identity.Holdings{Stake: 150, Tokens: map[string]int64{"RPTS": 40}}

	require.True(t, (&Criteria{Kind: CriteriaMinStake, MinStake: 100}).Evaluate(holdings, now))
	require.False(t, (&Criteria{Kind: CriteriaMinStake, MinStake: 200}).Evaluate(holdings, now))
	require.False(t, (&Criteria{Kind: CriteriaMinStake, MinStake: 100}).Evaluate(nil, now))

	require.True(t, (&Criteria{Kind: CriteriaMinToken, Token: "rpts", MinAmount: 40}).Evaluate(holdings, now))
	require.False(t, (&Criteria{Kind: CriteriaMinToken, Token: "RPTS", MinAmount: 41}).Evaluate(holdings, now))

	require.True(t, (&Criteria{Kind: CriteriaTimeWindow, NotBefore: &earlier, NotAfter: &later}).Evaluate(nil, now))
	require.False(t, (&Criteria{Kind: CriteriaTimeWindow, NotBefore: &later}).Evaluate(nil, now))
	require.False(t, (&Criteria{Kind: CriteriaTimeWindow, NotAfter: &earlier}).Evaluate(nil, now))

	all := &Criteria{Kind: CriteriaAllOf, AllOf: []Criteria{
		{Kind: CriteriaMinStake, MinStake: 100},
		{Kind: CriteriaTimeWindow, NotBefore: &earlier, NotAfter: &later},
	}}
	require.True(t, all.Evaluate(holdings, now))
	all.AllOf[0].MinStake = 1000
	require.False(t, all.Evaluate(holdings, now))

	var none *Criteria
	require.True(t, none.Evaluate(nil, now))
}

func TestCriteriaRoundTrip(t *testing.T) {
	c := &Criteria{Kind: CriteriaAllOf, AllOf: []Criteria{
		{Kind: CriteriaMinStake, MinStake: 10},
		{Kind: CriteriaMinToken, Token: "RPTS", MinAmount: 3},
	}}
	encoded, err := EncodeCriteria(c)
	require.NoError(t, err)

	decoded, err := ParseCriteria(encoded)
	require.NoError(t, err)
	require.Equal(t, c.Kind, decoded.Kind)
	require.Len(t, decoded.AllOf, 2)

	empty, err := ParseCriteria("   ")
	require.NoError(t, err)
	require.Nil(t, empty)

	_, err = ParseCriteria("{not json")
	require.ErrorIs(t, err, ErrInvalidParams)
}

func TestNeedsHoldings(t *testing.T) {
	require.True(t, (&Criteria{Kind: CriteriaMinStake, MinStake: 1}).NeedsHoldings())
	require.False(t, (&Criteria{Kind: CriteriaTimeWindow}).NeedsHoldings())
	require.True(t, (&Criteria{Kind: CriteriaAllOf, AllOf: []Criteria{
		{Kind: CriteriaTimeWindow},
		{Kind: CriteriaMinToken, Token: "RPTS", MinAmount: 1},
	}}).NeedsHoldings())
}
