package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQIDIsDeterministic(t *testing.T) {
	params := Params{"date": "2016-01-01", "aggregation_unit": "admin3"}

	a, err := QID("daily_location", params)
	require.NoError(t, err)

	b, err := QID("daily_location", Params{"aggregation_unit": "admin3", "date": "2016-01-01"})
	require.NoError(t, err)

	assert.Equal(t, a, b, "key order must not affect the qid")
	assert.Len(t, a, 32)
}

func TestQIDDiffersByKind(t *testing.T) {
	params := Params{"date": "2016-01-01"}

	a, err := QID("daily_location", params)
	require.NoError(t, err)

	b, err := QID("modal_location", params)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestQIDAppliesDefaultFill(t *testing.T) {
	withDefault, err := QID("daily_location", Params{"date": "2016-01-01", "subscriber_subset": "all"})
	require.NoError(t, err)

	withoutDefault, err := QID("daily_location", Params{"date": "2016-01-01"})
	require.NoError(t, err)

	assert.Equal(t, withDefault, withoutDefault)
}

func TestQIDNormalizesDirectionAlias(t *testing.T) {
	all, err := QID("flows", Params{"date": "2016-01-01", "direction": "all"})
	require.NoError(t, err)

	both, err := QID("flows", Params{"date": "2016-01-01", "direction": "both"})
	require.NoError(t, err)

	assert.Equal(t, all, both)
}

func TestQIDNormalizesDateSpelling(t *testing.T) {
	padded, err := QID("daily_location", Params{"date": "2016-01-01"})
	require.NoError(t, err)

	short, err := QID("daily_location", Params{"date": "2016-1-1"})
	require.NoError(t, err)

	assert.Equal(t, padded, short)
}

func TestQIDHandlesNestedParams(t *testing.T) {
	nested := Params{
		"date": "2016-01-01",
		"aggregate": map[string]interface{}{
			"z": 1,
			"a": 2,
		},
	}
	reordered := Params{
		"date": "2016-01-01",
		"aggregate": map[string]interface{}{
			"a": 2,
			"z": 1,
		},
	}

	a, err := QID("flows", nested)
	require.NoError(t, err)
	b, err := QID("flows", reordered)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}
