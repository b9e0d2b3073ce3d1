package service

import "github.com/pesio-ai/be-po-approvals/internal/apperr"

// Mode selects which reconciliation pass a run executes. Delegation is
// deliberately split into three independent idempotent passes (assign,
// activate, expire-unassign): each can be scheduled and retried on its own,
// and a row no longer needing action simply stops being selected.
type Mode string

const (
	// ModeApprovers realigns tier routing to the current approver configs.
	ModeApprovers Mode = "APPROVERS"
	// ModeDelegates points candidate orders at their effective delegate.
	ModeDelegates Mode = "DELEGATES"
	// ModeActivateNewDelegations flips the delegate-active flag once the
	// assignment has propagated.
	ModeActivateNewDelegations Mode = "ACTIVATE_NEW_DELEGATIONS"
	// ModeUnassignExpiredDelegates reverts orders whose delegation window
	// has lapsed.
	ModeUnassignExpiredDelegates Mode = "UNASSIGN_EXPIRED_DELEGATES"
)

// ParseMode validates a scheduling parameter. An unknown mode is a fatal
// configuration error for the run and is rejected before any store access.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeApprovers, ModeDelegates, ModeActivateNewDelegations, ModeUnassignExpiredDelegates:
		return Mode(s), nil
	}
	return "", apperr.Newf(apperr.CodeInvalidInput, "invalid reconciliation mode %q", s)
}

func (m Mode) String() string { return string(m) }
