package approval

import "quorum/internal/domain"

// ResolveStepInstance looks for the instance already bound to definitionID
// among the instances of one work item. When none matches the caller must
// create one seeded from the definition threshold.
func ResolveStepInstance(definitionID string, existing []domain.StepInstance) (string, bool) {
	for _, si := range existing {
		if si.DefinitionID == definitionID {
			return si.ID, true
		}
	}
	return "", false
}

// ThresholdChanged reports whether an override must be persisted.
func ThresholdChanged(si domain.StepInstance, percent int) (bool, error) {
	if err := domain.ValidatePercent(percent); err != nil {
		return false, err
	}
	return si.MinimalRequiredPercent != percent, nil
}

// Unused reports whether a step instance can be released.
func Unused(referencingVotes int) bool {
	return referencingVotes == 0
}
