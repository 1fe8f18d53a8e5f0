package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"

	"github.com/trickstertwo/xworld"
	"github.com/trickstertwo/xworld/world"
)

const TypeExitCreate = "World.Exit.Create"

// ExitCreateHandler creates an exit and its reciprocal. Re-applying the same
// event is a noop because exits are unique per (location, direction).
type ExitCreateHandler struct {
	Exits      world.ExitRepository
	Quarantine xworld.Quarantine
	Now        func() time.Time
}

var _ xworld.Handler = (*ExitCreateHandler)(nil)

func NewExitCreateHandler(exits world.ExitRepository, q xworld.Quarantine) *ExitCreateHandler {
	return &ExitCreateHandler{Exits: exits, Quarantine: q}
}

func (h *ExitCreateHandler) Type() string { return TypeExitCreate }

func (h *ExitCreateHandler) Handle(ctx context.Context, env *xworld.WorldEventEnvelope) (xworld.Outcome, error) {
	var issues Issues
	from := RequireString(env.Payload, "fromLocationId", &issues)
	to := RequireString(env.Payload, "toLocationId", &issues)
	dir := RequireEnum(env.Payload, "direction", world.DirectionNames(), &issues)
	if !issues.Empty() {
		return Reject(ctx, h.Quarantine, env, issues), nil
	}

	forward := world.Exit{
		FromLocationID: from,
		ToLocationID:   to,
		Direction:      world.Direction(dir),
		CreatedUTC:     now(h.Now),
		EventID:        env.EventID,
	}
	createdForward, err := h.Exits.CreateExit(ctx, forward)
	if err != nil {
		return xworld.OutcomeError, fmt.Errorf("create exit %s -%s-> %s: %w", from, dir, to, err)
	}
	back := forward.Reciprocal()
	createdBack, err := h.Exits.CreateExit(ctx, back)
	if err != nil {
		return xworld.OutcomeError, fmt.Errorf("create exit %s -%s-> %s: %w", to, back.Direction, from, err)
	}

	xworld.Logger(ctx).Debug().
		Str("from", from).
		Str("to", to).
		Str("direction", dir).
		Msg("handlers: exit applied")
	if createdForward || createdBack {
		return xworld.OutcomeSuccess, nil
	}
	return xworld.OutcomeNoop, nil
}

func now(f func() time.Time) time.Time {
	if f != nil {
		return f().UTC()
	}
	return xclock.Default().Now().UTC()
}
