package handlers

import (
	"context"

	"github.com/trickstertwo/xworld"
)

const TypeNPCTick = "World.NPC.Tick"

// NPCTickHandler validates NPC ticks. NPC behaviour is not simulated yet,
// so a valid tick always succeeds.
type NPCTickHandler struct {
	Quarantine xworld.Quarantine
}

var _ xworld.Handler = (*NPCTickHandler)(nil)

func NewNPCTickHandler(q xworld.Quarantine) *NPCTickHandler {
	return &NPCTickHandler{Quarantine: q}
}

func (h *NPCTickHandler) Type() string { return TypeNPCTick }

func (h *NPCTickHandler) Handle(ctx context.Context, env *xworld.WorldEventEnvelope) (xworld.Outcome, error) {
	var issues Issues
	npc := RequireString(env.Payload, "npcId", &issues)
	loc := RequireString(env.Payload, "locationId", &issues)
	if !issues.Empty() {
		return Reject(ctx, h.Quarantine, env, issues), nil
	}
	xworld.Logger(ctx).Debug().Str("npc", npc).Str("location", loc).Msg("handlers: npc tick")
	return xworld.OutcomeSuccess, nil
}
