package game

// Deferred row types the engine registers.
const (
	DeferredTargetArrived    = "TARGET_ARRIVED"
	DeferredTargetEnRoute    = "TARGET_EN_ROUTE"
	DeferredSpeciesAvailable = "SPECIES_AVAILABLE"
	DeferredMaptileArrive    = "MAPTILE_ARRIVE"
	DeferredMessageDelivery  = "MESSAGE_DELIVERY"
	DeferredEmailDelivery    = "EMAIL_DELIVERY"
)

func (g *Game) registerDeferred() {
	g.handle(DeferredTargetArrived, (*Session).targetArrived)
	g.handle(DeferredTargetEnRoute, (*Session).targetEnRoute)
	g.handle(DeferredSpeciesAvailable, (*Session).speciesAvailable)
	g.handle(DeferredMaptileArrive, (*Session).maptileArrive)
	g.handle(DeferredMessageDelivery, (*Session).messageDelivery)
	g.handle(DeferredEmailDelivery, (*Session).emailDelivery)
}
