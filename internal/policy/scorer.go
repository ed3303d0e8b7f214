package policy

import (
	"sort"

	"github.com/pitabwire/quorum/model"
)

// Context match weights.
const (
	weightCompany     = 10
	weightCountry     = 8
	weightPlant       = 6
	weightProject     = 4
	weightPurchaseOrg = 3

	penaltyCompany = 5
	penaltyPlant   = 3
	penaltyProject = 2
)

// Score rates how specifically a policy fits a request context. A policy
// field only contributes when it is set: equal values add the match weight,
// different company, plant, or project values subtract the mismatch penalty.
func Score(p model.Policy, c model.ApprovalContext) int {
	score := 0
	score += qualifier(p.CompanyCode, c.CompanyCode, weightCompany, penaltyCompany)
	score += qualifier(p.CountryCode, c.CountryCode, weightCountry, 0)
	score += qualifier(p.PlantCode, c.PlantCode, weightPlant, penaltyPlant)
	score += qualifier(p.ProjectCode, c.ProjectCode, weightProject, penaltyProject)
	score += qualifier(p.PurchaseOrg, c.PurchaseOrg, weightPurchaseOrg, 0)
	return score
}

func qualifier(policyValue, requestValue string, weight, penalty int) int {
	if policyValue == "" {
		return 0
	}
	if policyValue == requestValue {
		return weight
	}
	return -penalty
}

// SelectBestPolicy returns the highest scoring candidate. Ties go to the
// candidate encountered first. It returns false when there are no
// candidates.
func SelectBestPolicy(candidates []model.Policy, c model.ApprovalContext) (model.Policy, bool) {
	switch len(candidates) {
	case 0:
		return model.Policy{}, false
	case 1:
		return candidates[0], true
	}

	type scored struct {
		policy model.Policy
		score  int
	}
	ranked := make([]scored, len(candidates))
	for i, p := range candidates {
		ranked[i] = scored{policy: p, score: Score(p, c)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})
	return ranked[0].policy, true
}
