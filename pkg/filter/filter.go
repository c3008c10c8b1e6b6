// Package filter decides which peer entities are mirrored locally.
//
// The decision is a pure function of the entity id, its state value, its
// attributes and the configured rules:
//
//  1. an excluded entity id or domain is rejected,
//  2. when any include set is non-empty, the id or domain must be included,
//  3. numeric range rules matching the id (and unit, when set) reject values
//     strictly outside [above, below]; non-numeric values are never rejected
//     by a range rule,
//  4. everything else is accepted.
//
// Any exclusion wins over any inclusion, and all matching range rules apply.
package filter

import (
	"path"
	"strconv"
	"strings"

	"github.com/remote-mirror/pkg/config"
	"github.com/remote-mirror/pkg/routing"
)

// UnitAttribute is the attribute holding an entity's unit of measurement
const UnitAttribute = "unit_of_measurement"

// Rule is a numeric range constraint
type Rule struct {
	EntityID string   // exact id or path.Match pattern; empty matches every id
	Unit     string   // only applies to entities reporting this unit
	Above    *float64 // lower bound
	Below    *float64 // upper bound
}

// Rules is the full filter configuration
type Rules struct {
	IncludeDomains  map[string]struct{}
	IncludeEntities map[string]struct{}
	ExcludeDomains  map[string]struct{}
	ExcludeEntities map[string]struct{}
	Numeric         []Rule
}

// Reason explains a Decision
type Reason string

const (
	ReasonAccepted       Reason = "accepted"
	ReasonExcludedEntity Reason = "excluded_entity"
	ReasonExcludedDomain Reason = "excluded_domain"
	ReasonNotIncluded    Reason = "not_included"
	ReasonBelowRange     Reason = "below_range"
	ReasonAboveRange     Reason = "above_range"
)

// Decision is the outcome of Rules.Decide
type Decision struct {
	Accept bool
	Reason Reason
}

// FromConfig builds Rules from the remote configuration
func FromConfig(rc config.RemoteConfig) Rules {
	r := Rules{
		IncludeDomains:  toSet(rc.Include.Domains),
		IncludeEntities: toSet(rc.Include.Entities),
		ExcludeDomains:  toSet(rc.Exclude.Domains),
		ExcludeEntities: toSet(rc.Exclude.Entities),
	}
	for _, f := range rc.Filter {
		r.Numeric = append(r.Numeric, Rule{
			EntityID: strings.ToLower(strings.TrimSpace(f.EntityID)),
			Unit:     f.UnitOfMeasurement,
			Above:    f.Above,
			Below:    f.Below,
		})
	}
	return r
}

// Accept reports whether the entity passes the filter
func (r Rules) Accept(entityID, state string, attrs map[string]interface{}) bool {
	return r.Decide(entityID, state, attrs).Accept
}

// Decide runs the pipeline and returns the outcome with its reason
func (r Rules) Decide(entityID, state string, attrs map[string]interface{}) Decision {
	id := strings.ToLower(entityID)
	domain, _, _ := routing.SplitEntityID(id)

	if contains(r.ExcludeEntities, id) {
		return Decision{Reason: ReasonExcludedEntity}
	}
	if contains(r.ExcludeDomains, domain) {
		return Decision{Reason: ReasonExcludedDomain}
	}

	if len(r.IncludeEntities) > 0 || len(r.IncludeDomains) > 0 {
		if !contains(r.IncludeEntities, id) && !contains(r.IncludeDomains, domain) {
			return Decision{Reason: ReasonNotIncluded}
		}
	}

	if len(r.Numeric) == 0 {
		return Decision{Accept: true, Reason: ReasonAccepted}
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(state), 64)
	if err != nil {
		// unavailable, unknown, on, off ...
		return Decision{Accept: true, Reason: ReasonAccepted}
	}

	unit, _ := attrs[UnitAttribute].(string)
	for _, rule := range r.Numeric {
		if !rule.matches(id, unit) {
			continue
		}
		if rule.Above != nil && value < *rule.Above {
			return Decision{Reason: ReasonBelowRange}
		}
		if rule.Below != nil && value > *rule.Below {
			return Decision{Reason: ReasonAboveRange}
		}
	}

	return Decision{Accept: true, Reason: ReasonAccepted}
}

func (rule Rule) matches(id, unit string) bool {
	if rule.Unit != "" && rule.Unit != unit {
		return false
	}
	if rule.EntityID == "" || rule.EntityID == id {
		return true
	}
	ok, err := path.Match(rule.EntityID, id)
	return err == nil && ok
}

func contains(set map[string]struct{}, key string) bool {
	if len(set) == 0 || key == "" {
		return false
	}
	_, ok := set[key]
	return ok
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		item = strings.ToLower(strings.TrimSpace(item))
		if item != "" {
			set[item] = struct{}{}
		}
	}
	return set
}
