package querykind

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greenape/flowmachine-server/internal/identity"
)

func TestMakeRejectsUnknownKind(t *testing.T) {
	_, err := Make("not_a_kind", identity.Params{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidQueryKind))
}

func TestMakeValidatesDailyLocation(t *testing.T) {
	_, err := Make("daily_location", identity.Params{
		"date":                  "2016-01-01",
		"daily_location_method": "bogus",
		"aggregation_unit":      "admin3",
	})
	require.Error(t, err)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "daily_location", verr.Kind)
}

func TestMakeAcceptsValidDailyLocation(t *testing.T) {
	desc, err := Make("daily_location", identity.Params{
		"date":                  "2016-01-01",
		"daily_location_method": "last",
		"aggregation_unit":      "admin3",
	})
	require.NoError(t, err)
	assert.Equal(t, "daily_location", desc.Kind())
	assert.True(t, desc.SupportsAggregation())

	qid, err := desc.QID()
	require.NoError(t, err)
	assert.Len(t, qid, 32)
}

func TestMakeNormalizesSubscriberSubsetDefault(t *testing.T) {
	withDefault, err := Make("daily_location", identity.Params{
		"date":                  "2016-01-01",
		"daily_location_method": "last",
		"aggregation_unit":      "admin3",
		"subscriber_subset":     "all",
	})
	require.NoError(t, err)

	withoutDefault, err := Make("daily_location", identity.Params{
		"date":                  "2016-01-01",
		"daily_location_method": "last",
		"aggregation_unit":      "admin3",
	})
	require.NoError(t, err)

	a, err := withDefault.QID()
	require.NoError(t, err)
	b, err := withoutDefault.QID()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestMakeRejectsMissingLocationEventCountsFields(t *testing.T) {
	_, err := Make("location_event_counts", identity.Params{
		"start_date": "2016-01-01",
	})
	require.Error(t, err)
}

func TestMakeAcceptsValidLocationEventCounts(t *testing.T) {
	desc, err := Make("location_event_counts", identity.Params{
		"start_date":       "2016-01-01",
		"end_date":         "2016-01-02",
		"direction":        "all",
		"interval":         "day",
		"aggregation_unit": "admin2",
	})
	require.NoError(t, err)
	assert.Equal(t, "location_event_counts", desc.Kind())
}

func TestKindsIncludesAllRegisteredEntries(t *testing.T) {
	kinds := Kinds()
	assert.Contains(t, kinds, "daily_location")
	assert.Contains(t, kinds, "location_event_counts")
	assert.Contains(t, kinds, "subscriber_locations")
	assert.Contains(t, kinds, "modal_location")
	assert.Contains(t, kinds, "flows")
	assert.Contains(t, kinds, "meaningful_locations_aggregate")
	assert.Contains(t, kinds, "meaningful_locations_between_label_od_matrix")
	assert.Contains(t, kinds, "meaningful_locations_between_dates_od_matrix")
}

func TestAggregateRejectsUnsupportedKind(t *testing.T) {
	desc, err := Make("subscriber_locations", identity.Params{
		"start": "2016-01-01",
		"stop":  "2016-01-02",
	})
	require.NoError(t, err)

	err = desc.Aggregate(nil, nil, "src", "agg")
	require.ErrorIs(t, err, ErrAggregationNotSupported)
}
