// Package order defines the order lifecycle as a transition table.
package order

import (
	"errors"
	"fmt"
	"slices"

	"github.com/sould-bit/SISTEMA-GESTION-CESAR-sub001/internal/domain"
)

var (
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrRoleNotAllowed    = errors.New("role not allowed for order transition")
)

// Effect is the inventory side effect a transition requires.
type Effect int

const (
	EffectNone Effect = iota
	// EffectDeplete applies the order against stock.
	EffectDeplete
	// EffectRestock compensates a previous depletion.
	EffectRestock
)

type Transition struct {
	From   domain.OrderState
	Event  domain.OrderEvent
	To     domain.OrderState
	Roles  []string
	Effect Effect
}

var (
	floor    = []string{domain.RoleStaff, domain.RoleManager, domain.RoleAdmin}
	kitchen  = []string{domain.RoleKitchen, domain.RoleManager, domain.RoleAdmin}
	managers = []string{domain.RoleManager, domain.RoleAdmin}
)

// resumeState marks transitions that return to the state held before the
// cancellation request.
const resumeState domain.OrderState = ""

var table = []Transition{
	{From: domain.OrderPending, Event: domain.OrderEventConfirm, To: domain.OrderPreparing, Roles: floor, Effect: EffectDeplete},
	{From: domain.OrderPending, Event: domain.OrderEventCancel, To: domain.OrderCancelled, Roles: floor},
	{From: domain.OrderPreparing, Event: domain.OrderEventMarkReady, To: domain.OrderReady, Roles: kitchen},
	{From: domain.OrderReady, Event: domain.OrderEventDeliver, To: domain.OrderDelivered, Roles: floor},

	{From: domain.OrderPreparing, Event: domain.OrderEventRequestCancel, To: domain.OrderCancellationPending, Roles: floor},
	{From: domain.OrderReady, Event: domain.OrderEventRequestCancel, To: domain.OrderCancellationPending, Roles: floor},
	{From: domain.OrderCancellationPending, Event: domain.OrderEventApproveCancel, To: domain.OrderCancelled, Roles: managers, Effect: EffectRestock},
	{From: domain.OrderCancellationPending, Event: domain.OrderEventRejectCancel, To: resumeState, Roles: managers},

	{From: domain.OrderPreparing, Event: domain.OrderEventCancel, To: domain.OrderCancelled, Roles: managers, Effect: EffectRestock},
	{From: domain.OrderReady, Event: domain.OrderEventCancel, To: domain.OrderCancelled, Roles: managers, Effect: EffectRestock},
}

// Next resolves an event fired by role against the current state.
// previous is the state held before a cancellation request.
func Next(current domain.OrderState, previous domain.OrderState, event domain.OrderEvent, role string) (Transition, error) {
	for _, t := range table {
		if t.From != current || t.Event != event {
			continue
		}
		if !slices.Contains(t.Roles, role) {
			return Transition{}, fmt.Errorf("%w: %s cannot %s a %s order", ErrRoleNotAllowed, role, event, current)
		}
		if t.To == resumeState {
			if previous == "" {
				return Transition{}, fmt.Errorf("%w: no state to resume", ErrInvalidTransition)
			}
			t.To = previous
		}
		return t, nil
	}
	return Transition{}, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, current)
}

// Events lists what role may fire from state.
func Events(state domain.OrderState, role string) []domain.OrderEvent {
	out := make([]domain.OrderEvent, 0, 4)
	for _, t := range table {
		if t.From == state && slices.Contains(t.Roles, role) {
			out = append(out, t.Event)
		}
	}
	return out
}

func Terminal(state domain.OrderState) bool {
	return state == domain.OrderDelivered || state == domain.OrderCancelled
}
