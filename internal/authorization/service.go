package authorization

import (
	"context"
	"errors"
)

const (
	ObjectAdjustment = "adjustment"
	ObjectAccount    = "account"
	ObjectLedger     = "ledger"
)

const (
	ActionWrite      = "write"
	ActionRead       = "read"
	ActionDeactivate = "deactivate"
	ActionVerify     = "verify"
)

const (
	RoleSystem = "role:system"
	RoleAdmin  = "role:admin"
	RoleMember = "role:member"
)

// ActorSystem is the subject used by background jobs.
const ActorSystem = "system"

var (
	ErrForbidden     = errors.New("forbidden")
	ErrInvalidActor  = errors.New("invalid_actor")
	ErrInvalidObject = errors.New("invalid_object")
	ErrInvalidAction = errors.New("invalid_action")
)

// Service decides whether an actor may perform a privileged ledger operation.
// Actors are account ids resolved by the gateway, or ActorSystem.
type Service interface {
	Authorize(ctx context.Context, actor string, object string, action string) error
}
