package tracking

import (
	"fmt"

	"referrald/models"
)

// allowedTransitions enumerates the forward edges of the referral record
// state machine. REWARDED and EXPIRED are terminal.
var allowedTransitions = map[models.RecordStatus][]models.RecordStatus{
	models.StatusPending:   {models.StatusClicked, models.StatusExpired},
	models.StatusClicked:   {models.StatusConverted, models.StatusExpired},
	models.StatusConverted: {models.StatusRewarded},
	models.StatusRewarded:  {},
	models.StatusExpired:   {},
}

// ValidateTransition checks whether a record may move between the supplied
// states. Re-asserting the current state is permitted so retried requests
// stay idempotent.
func ValidateTransition(from, to models.RecordStatus) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if from == to {
		return nil
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
