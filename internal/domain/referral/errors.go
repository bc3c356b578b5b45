package referral

import "errors"

var (
	ErrNotFound           = errors.New("referral not found")
	ErrUnauthorized       = errors.New("not permitted")
	ErrAlreadyProcessed   = errors.New("referral already processed")
	ErrNotPending         = errors.New("referral is not pending")
	ErrNoEscalationTarget = errors.New("no hospital available for escalation")
	ErrInvalidTarget      = errors.New("invalid target hospital")
	ErrNoCapacity         = errors.New("target hospital has no available beds")
	ErrInvalidUrgency     = errors.New("urgency must be High, Medium or Low")
	ErrInvalidDecision    = errors.New("decision must be accept, reject or request_info")
)
