package profile

import (
	"fmt"

	"chatpair/backend/internal/models"
)

type transition struct {
	from []models.Phase
	to   models.Phase
}

var transitions = map[models.Event]transition{
	models.EventAgeConfirmed:    {from: []models.Phase{models.PhaseAgePending}, to: models.PhaseTermsPending},
	models.EventTermsAccepted:   {from: []models.Phase{models.PhaseTermsPending}, to: models.PhaseProfilePending},
	models.EventGenderSelected:  {from: []models.Phase{models.PhaseProfilePending}, to: models.PhaseMenu},
	models.EventSearchStarted:   {from: []models.Phase{models.PhaseMenu}, to: models.PhaseSearching},
	models.EventSearchCancelled: {from: []models.Phase{models.PhaseSearching}, to: models.PhaseMenu},
	models.EventSearchTimedOut:  {from: []models.Phase{models.PhaseSearching}, to: models.PhaseMenu},
	models.EventChatStarted:     {from: []models.Phase{models.PhaseSearching}, to: models.PhaseInChat},
	models.EventChatEnded:       {from: []models.Phase{models.PhaseInChat}, to: models.PhaseMenu},
	models.EventRecovered:       {from: []models.Phase{models.PhaseSearching, models.PhaseInChat}, to: models.PhaseMenu},
}

// Next returns the phase that event leads to from the given phase.
func Next(from models.Phase, event models.Event) (models.Phase, error) {
	t, ok := transitions[event]
	if !ok {
		return from, fmt.Errorf("%w: unknown event %q", models.ErrInvalidTransition, event)
	}
	for _, p := range t.from {
		if p == from {
			return t.to, nil
		}
	}
	return from, fmt.Errorf("%w: %s from %s", models.ErrInvalidTransition, event, from)
}
