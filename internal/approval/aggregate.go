// Package approval computes approval outcomes from vote snapshots. Nothing in
// here touches storage; the engine feeds it the votes and instances it reads
// inside a transaction.
package approval

import (
	"fmt"

	"quorum/internal/domain"
)

// ComputeAchievements returns the share of votes per status as integer
// percentages summing to exactly 100.
//
// Every share is floored. The points lost to flooring go, all of them, to
// the status with a vote whose fractional part is largest; equal fractions
// resolve in accepted, refused, waiting order. Fractions are compared as
// remainders of count*100/total so the result never depends on float
// rounding.
func ComputeAchievements(votes []domain.Vote) (domain.Achievements, error) {
	if len(votes) == 0 {
		return domain.Achievements{}, domain.ErrEmptyInput
	}
	counts := map[domain.Status]int{}
	for _, v := range votes {
		switch v.Status {
		case domain.StatusAccepted, domain.StatusRefused, domain.StatusWaiting:
			counts[v.Status]++
		default:
			return domain.Achievements{}, domain.ValidationError{Field: "status", Reason: fmt.Sprintf("vote %s has invalid status %q", v.ID, v.Status)}
		}
	}
	total := len(votes)

	floors := map[domain.Status]int{}
	sum := 0
	for _, s := range domain.VoteStatuses {
		floors[s] = counts[s] * 100 / total
		sum += floors[s]
	}

	if deficit := 100 - sum; deficit > 0 {
		var winner domain.Status
		best := -1
		for _, s := range domain.VoteStatuses {
			if counts[s] == 0 {
				continue
			}
			if rem := counts[s] * 100 % total; rem > best {
				best = rem
				winner = s
			}
		}
		floors[winner] += deficit
	}

	return domain.Achievements{
		Accepted: floors[domain.StatusAccepted],
		Refused:  floors[domain.StatusRefused],
		Waiting:  floors[domain.StatusWaiting],
	}, nil
}

// ComputeStepStatus decides a single step from its threshold and votes.
//
// A zero threshold accepts on the first acceptance and refuses on the first
// refusal when nobody accepted. Otherwise the step is accepted once the
// accepted share reaches the threshold, keeps waiting while pending votes
// could still reach it, and is refused when they cannot.
func ComputeStepStatus(minimalRequiredPercent int, votes []domain.Vote) (domain.Status, error) {
	if err := domain.ValidatePercent(minimalRequiredPercent); err != nil {
		return "", err
	}
	a, err := ComputeAchievements(votes)
	if err != nil {
		return "", err
	}
	if minimalRequiredPercent == 0 {
		switch {
		case a.Accepted > 0:
			return domain.StatusAccepted, nil
		case a.Refused > 0:
			return domain.StatusRefused, nil
		}
		return domain.StatusWaiting, nil
	}
	switch {
	case a.Accepted >= minimalRequiredPercent:
		return domain.StatusAccepted, nil
	case a.Accepted+a.Waiting >= minimalRequiredPercent:
		return domain.StatusWaiting, nil
	}
	return domain.StatusRefused, nil
}

// ComputeWorkItemStatus folds step statuses into the item status. A refused
// step refuses the item even when other steps still wait.
func ComputeWorkItemStatus(steps []domain.Status) domain.Status {
	if len(steps) == 0 {
		return domain.StatusNone
	}
	waiting := false
	for _, s := range steps {
		switch s {
		case domain.StatusRefused:
			return domain.StatusRefused
		case domain.StatusWaiting:
			waiting = true
		}
	}
	if waiting {
		return domain.StatusWaiting
	}
	return domain.StatusAccepted
}

// Summarize evaluates every step instance of one work item. Instances
// without votes are skipped; they only exist for the short window between a
// vote deletion and the release of its instance.
func Summarize(instances []domain.StepInstance, votes []domain.Vote) ([]domain.StepSummary, domain.Status, error) {
	byInstance := map[string][]domain.Vote{}
	for _, v := range votes {
		byInstance[v.StepInstanceID] = append(byInstance[v.StepInstanceID], v)
	}
	var (
		steps    []domain.StepSummary
		statuses []domain.Status
	)
	for _, si := range instances {
		vs := byInstance[si.ID]
		if len(vs) == 0 {
			continue
		}
		a, err := ComputeAchievements(vs)
		if err != nil {
			return nil, "", fmt.Errorf("step instance %s: %w", si.ID, err)
		}
		st, err := ComputeStepStatus(si.MinimalRequiredPercent, vs)
		if err != nil {
			return nil, "", fmt.Errorf("step instance %s: %w", si.ID, err)
		}
		steps = append(steps, domain.StepSummary{
			StepInstanceID:         si.ID,
			DefinitionID:           si.DefinitionID,
			MinimalRequiredPercent: si.MinimalRequiredPercent,
			Votes:                  len(vs),
			Achievements:           a,
			Status:                 st,
		})
		statuses = append(statuses, st)
	}
	return steps, ComputeWorkItemStatus(statuses), nil
}
