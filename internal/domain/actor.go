package domain

import "context"

// Role is the organisational role of an actor.
type Role string

const (
	RoleClaimant   Role = "claimant"
	RoleAdjuster   Role = "adjuster"
	RoleSupervisor Role = "supervisor"
	RoleManager    Role = "manager"
	RoleDirector   Role = "director"
	RoleAdmin      Role = "admin"
	RoleSystem     Role = "system"
)

// Actor is whoever requests a mutation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor is used for automated workflow commands.
var SystemActor = Actor{ID: "system:automation", Role: RoleSystem}

// Elevated reports whether the actor may perform privileged operations such as reopen.
func (a Actor) Elevated() bool {
	switch a.Role {
	case RoleManager, RoleDirector, RoleAdmin:
		return true
	}
	return false
}

// System reports whether the actor is the automation engine.
func (a Actor) System() bool {
	return a.Role == RoleSystem
}

// ApprovalLevel maps the role to the approver slot it may fill.
func (a Actor) ApprovalLevel() (ApprovalLevel, bool) {
	switch a.Role {
	case RoleAdjuster:
		return LevelAdjuster, true
	case RoleSupervisor:
		return LevelSupervisor, true
	case RoleManager:
		return LevelManager, true
	case RoleDirector:
		return LevelDirector, true
	}
	return 0, false
}

type actorKey struct{}

// WithActor stores the actor in ctx.
func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the actor stored in ctx.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}
