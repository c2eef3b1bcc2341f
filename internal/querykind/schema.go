package querykind

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/greenape/flowmachine-server/internal/identity"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// schema decodes and validates a raw parameter map into a concrete,
// typed parameter struct for one query kind, mirroring the original's
// marshmallow Schema.load.
type schema struct {
	kind       string
	newParams  func() interface{}
	dependsOn  func(interface{}) []string
	tableName  func(qid string) string
	aggregates bool
}

// decode remarshals raw params through JSON into the schema's typed struct
// and runs struct-tag validation, translating validator.FieldError values
// into the same {field: message} shape QueryParamsValidationError exposes.
func (s schema) decode(raw identity.Params) (interface{}, error) {
	canon := identity.Canonicalize(s.kind, raw)

	buf, err := json.Marshal(canon)
	if err != nil {
		return nil, fmt.Errorf("querykind: encoding params for %q: %w", s.kind, err)
	}

	target := s.newParams()
	if err := json.Unmarshal(buf, target); err != nil {
		return nil, &ValidationError{Kind: s.kind, Messages: map[string]string{"_": err.Error()}}
	}

	if err := validate.Struct(target); err != nil {
		messages := map[string]string{}
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				messages[fe.Field()] = fmt.Sprintf("failed on %q validation", fe.Tag())
			}
		} else {
			messages["_"] = err.Error()
		}
		return nil, &ValidationError{Kind: s.kind, Messages: messages}
	}

	return target, nil
}

// DailyLocationParams mirrors DailyLocationSchema: date/method/aggregation
// unit/subscriber subset, fully validated per daily_location.py.
type DailyLocationParams struct {
	Date                string `json:"date" validate:"required"`
	DailyLocationMethod string `json:"daily_location_method" validate:"required,oneof=last most-common"`
	AggregationUnit     string `json:"aggregation_unit" validate:"required,oneof=admin0 admin1 admin2 admin3"`
	SubscriberSubset    string `json:"subscriber_subset" validate:"omitempty,oneof=all"`
}

// LocationEventCountsParams mirrors LocationEventCountsSchema.
type LocationEventCountsParams struct {
	StartDate        string   `json:"start_date" validate:"required"`
	EndDate          string   `json:"end_date" validate:"required"`
	Direction        string   `json:"direction" validate:"required,oneof=in out both all"`
	Interval         string   `json:"interval" validate:"required,oneof=day hour min"`
	EventTypes       []string `json:"event_types" validate:"omitempty,min=1,dive,required"`
	AggregationUnit  string   `json:"aggregation_unit" validate:"required,oneof=admin0 admin1 admin2 admin3"`
	SubscriberSubset string   `json:"subscriber_subset" validate:"omitempty,oneof=all"`
}

// SubscriberLocationsParams mirrors SubscriberLocationsSchema.
type SubscriberLocationsParams struct {
	Start string `json:"start" validate:"required"`
	Stop  string `json:"stop" validate:"required"`
}

// lightParams is the structurally equivalent but less strict schema used
// for the registry entries whose source constructors were not retrieved:
// modal_location, flows, and the meaningful_locations_* family.
type lightParams struct {
	Date             string `json:"date,omitempty"`
	StartDate        string `json:"start_date,omitempty"`
	EndDate          string `json:"end_date,omitempty"`
	AggregationUnit  string `json:"aggregation_unit" validate:"required,oneof=admin0 admin1 admin2 admin3"`
	SubscriberSubset string `json:"subscriber_subset" validate:"omitempty,oneof=all"`
	LabelODMatrix    string `json:"label,omitempty"`
}
