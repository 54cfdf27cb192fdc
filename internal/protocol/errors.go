package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrUnauthorized    = "E_UNAUTHORIZED"
	ErrRateLimit       = "E_RATE_LIMIT"

	// Request validation.
	ErrBadRequest = "E_BAD_REQUEST"
	ErrBadUUID    = "E_BAD_UUID"
	ErrBadEmail   = "E_BAD_EMAIL"

	// Game rules.
	ErrRoverInactive   = "E_ROVER_INACTIVE"
	ErrTooManyTargets  = "E_TOO_MANY_TARGETS"
	ErrRegion          = "E_REGION"
	ErrMissionVeto     = "E_MISSION_VETO"
	ErrArrivalInPast   = "E_ARRIVAL_IN_PAST"
	ErrNotAbortable    = "E_NOT_ABORTABLE"
	ErrNotArrived      = "E_NOT_ARRIVED"
	ErrBadPassword     = "E_BAD_PASSWORD"
	ErrMessageLocked   = "E_MESSAGE_LOCKED"
	ErrNotFound        = "E_NOT_FOUND"
	ErrLeaseHeld       = "E_LEASE_HELD"
	ErrConflict        = "E_CONFLICT"
	ErrAlreadyAchieved = "E_ALREADY_ACHIEVED"

	ErrInternal = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrUnauthorized:    {},
	ErrRateLimit:       {},
	ErrBadRequest:      {},
	ErrBadUUID:         {},
	ErrBadEmail:        {},
	ErrRoverInactive:   {},
	ErrTooManyTargets:  {},
	ErrRegion:          {},
	ErrMissionVeto:     {},
	ErrArrivalInPast:   {},
	ErrNotAbortable:    {},
	ErrNotArrived:      {},
	ErrBadPassword:     {},
	ErrMessageLocked:   {},
	ErrNotFound:        {},
	ErrLeaseHeld:       {},
	ErrConflict:        {},
	ErrAlreadyAchieved: {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
