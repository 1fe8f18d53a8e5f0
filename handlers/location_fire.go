package handlers

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trickstertwo/xworld"
	"github.com/trickstertwo/xworld/world"
)

const (
	TypeLocationFire = "World.Location.Fire"

	// FireLayerKey identifies the fire layer among a location's structural layers.
	FireLayerKey = "fire"
)

var fireIntensities = []string{"low", "moderate", "high"}

var fireNarrative = map[string]string{
	"low":      "Thin smoke curls from a smouldering fire.",
	"moderate": "Flames lick at the walls and the air is thick with smoke.",
	"high":     "A roaring blaze consumes the area; the heat is unbearable.",
}

// LocationFireHandler marks a location as burning by adding a structural
// narrative layer. A location that already burns is a noop.
type LocationFireHandler struct {
	Layers     world.LayerRepository
	Quarantine xworld.Quarantine
	Now        func() time.Time
}

var _ xworld.Handler = (*LocationFireHandler)(nil)

func NewLocationFireHandler(layers world.LayerRepository, q xworld.Quarantine) *LocationFireHandler {
	return &LocationFireHandler{Layers: layers, Quarantine: q}
}

func (h *LocationFireHandler) Type() string { return TypeLocationFire }

func (h *LocationFireHandler) Handle(ctx context.Context, env *xworld.WorldEventEnvelope) (xworld.Outcome, error) {
	var issues Issues
	loc := RequireString(env.Payload, "locationId", &issues)
	intensity := RequireEnum(env.Payload, "intensity", fireIntensities, &issues)
	if !issues.Empty() {
		return Reject(ctx, h.Quarantine, env, issues), nil
	}

	existing, err := h.Layers.FindLayer(ctx, loc, world.LayerStructural, FireLayerKey)
	if err != nil {
		return xworld.OutcomeError, fmt.Errorf("find fire layer at %s: %w", loc, err)
	}
	if existing != nil {
		return xworld.OutcomeNoop, nil
	}

	created, err := h.Layers.AddLayer(ctx, world.Layer{
		ID:         uuid.NewString(),
		LocationID: loc,
		Type:       world.LayerStructural,
		Key:        FireLayerKey,
		Content:    fireNarrative[intensity],
		Attributes: map[string]string{"intensity": intensity},
		CreatedUTC: now(h.Now),
		EventID:    env.EventID,
	})
	if err != nil {
		return xworld.OutcomeError, fmt.Errorf("add fire layer at %s: %w", loc, err)
	}
	if !created {
		return xworld.OutcomeNoop, nil
	}
	xworld.Logger(ctx).Debug().Str("location", loc).Str("intensity", intensity).Msg("handlers: fire layer added")
	return xworld.OutcomeSuccess, nil
}
