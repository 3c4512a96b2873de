package scoring

import (
	"sort"
	"strings"
)

const (
	DefaultOrganizationPoints   = 5
	DefaultSecondCallPoints     = 4
	DefaultTitleKeywordPoints   = 2
	DefaultProductKeywordPoints = 5

	DefaultEligibilityThreshold = 5
	DefaultFinalThreshold       = 9
)

var (
	DefaultPriorityOrganizations = []string{
		"I MUNICIPALIDAD DE CANELA",
		"Departamento Provincial de Educación Arauco",
		"SERVICIO LOCAL DE EDUCACIÓN PÚBLICA DEL ELQUI",
		"I MUNICIPALIDAD DE PENCO",
	}

	DefaultTitleKeywords = []string{
		"flautas",
		"dulces",
		"escuela",
		"filtro",
		"reutilizable",
		"ventilador",
		"avea",
	}

	DefaultProductKeywords = []string{
		"Alfombras",
		"Cartuchos de tinta",
		"Soportes o estantes para pipetas",
		"medidores de altura",
		"Perfiles de hierro",
		"brocas",
		"Artículos de papelería",
	}
)

// Points awarded by each criterion.
type Points struct {
	Organization   int
	SecondCall     int
	TitleKeyword   int
	ProductKeyword int
}

// Thresholds gate persistence (Eligibility) and relevance (Final).
type Thresholds struct {
	Eligibility int
	Final       int
}

// RuleSet is the raw, user supplied form of the scoring rules.
type RuleSet struct {
	PriorityOrganizations []string
	TitleKeywords         []string
	ProductKeywords       []string
	Points                Points
	Thresholds            Thresholds
}

// Rules is the normalized, read-only form of a RuleSet. Build it with
// NewRules; the zero value matches nothing.
type Rules struct {
	organizations   map[string]struct{}
	titleKeywords   []string
	productKeywords []string
	points          Points
	thresholds      Thresholds
}

func NewRules(rs RuleSet) *Rules {
	r := &Rules{
		organizations:   make(map[string]struct{}, len(rs.PriorityOrganizations)),
		titleKeywords:   normalizeKeywords(rs.TitleKeywords),
		productKeywords: normalizeKeywords(rs.ProductKeywords),
		points:          rs.Points,
		thresholds:      rs.Thresholds,
	}
	for _, org := range rs.PriorityOrganizations {
		if org = normalizeOrganization(org); org != "" {
			r.organizations[org] = struct{}{}
		}
	}
	return r
}

func DefaultRuleSet() RuleSet {
	return RuleSet{
		PriorityOrganizations: DefaultPriorityOrganizations,
		TitleKeywords:         DefaultTitleKeywords,
		ProductKeywords:       DefaultProductKeywords,
		Points: Points{
			Organization:   DefaultOrganizationPoints,
			SecondCall:     DefaultSecondCallPoints,
			TitleKeyword:   DefaultTitleKeywordPoints,
			ProductKeyword: DefaultProductKeywordPoints,
		},
		Thresholds: Thresholds{
			Eligibility: DefaultEligibilityThreshold,
			Final:       DefaultFinalThreshold,
		},
	}
}

func DefaultRules() *Rules {
	return NewRules(DefaultRuleSet())
}

func (r *Rules) Points() Points         { return r.points }
func (r *Rules) Thresholds() Thresholds { return r.thresholds }

// Eligible reports whether a Phase 1 score is high enough to persist the tender.
func (r *Rules) Eligible(score int) bool {
	return score >= r.thresholds.Eligibility
}

// Relevant reports whether a combined score reaches the final threshold.
func (r *Rules) Relevant(score int) bool {
	return score >= r.thresholds.Final
}

func (r *Rules) priorityOrganization(org string) bool {
	_, ok := r.organizations[normalizeOrganization(org)]
	return ok
}

func normalizeOrganization(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// normalizeKeywords lower-cases, trims and deduplicates keywords. Order is
// made deterministic so debug logs are stable.
func normalizeKeywords(keywords []string) []string {
	seen := make(map[string]struct{}, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if _, dup := seen[kw]; dup {
			continue
		}
		seen[kw] = struct{}{}
		out = append(out, kw)
	}
	sort.Strings(out)
	return out
}
