package consent

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Policy decides how the request history of a pair turns into a grant.
type Policy string

const (
	// PolicyLatest grants access iff the most recently created request is approved.
	PolicyLatest Policy = "latest"
	// PolicyAnyApproved grants access iff any request of the pair was approved.
	PolicyAnyApproved Policy = "any-approved"
)

func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyLatest, nil
	case PolicyLatest, PolicyAnyApproved:
		return p, nil
	}
	return "", fmt.Errorf("unknown grant policy %q", s)
}

// Authorizer answers whether a doctor may read a patient's record.
type Authorizer interface {
	IsAuthorized(ctx context.Context, doctorID, patientID string) (bool, error)
}

// Gate derives authorization from stored requests; grants are never stored.
type Gate struct {
	requests RequestRepository
	policy   Policy
}

func NewGate(requests RequestRepository, policy Policy) *Gate {
	if policy == "" {
		policy = PolicyLatest
	}
	return &Gate{requests: requests, policy: policy}
}

func (g *Gate) Policy() Policy { return g.policy }

func (g *Gate) IsAuthorized(ctx context.Context, doctorID, patientID string) (bool, error) {
	doctorID, patientID = strings.TrimSpace(doctorID), strings.TrimSpace(patientID)
	if doctorID == "" {
		return false, validationErr("doctorId")
	}
	if patientID == "" {
		return false, validationErr("patientId")
	}

	reqs, err := g.requests.ListByPair(ctx, doctorID, patientID)
	if err != nil {
		return false, fmt.Errorf("authorize %q for %q: %w", doctorID, patientID, storageErr("gate.list", err))
	}
	return decide(g.policy, reqs), nil
}

func decide(policy Policy, reqs []*AccessRequest) bool {
	if len(reqs) == 0 {
		return false
	}

	if policy == PolicyAnyApproved {
		for _, r := range reqs {
			if r.IsApproved() {
				return true
			}
		}
		return false
	}

	// Insertion order breaks createdAt ties.
	ordered := append([]*AccessRequest(nil), reqs...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})
	return ordered[len(ordered)-1].IsApproved()
}
