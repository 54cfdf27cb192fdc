package events

import (
	"fmt"
	"sync"

	"roverworld.ai/internal/persistence/store"
)

type Scope string

const (
	ScopeTarget  Scope = "TARGET"
	ScopeUser    Scope = "USER"
	ScopeMission Scope = "MISSION"
	ScopeMessage Scope = "MESSAGE"
	ScopeSpecies Scope = "SPECIES"
)

// Event names.
const (
	TargetCreated           = "TARGET_CREATED"
	TargetEnRoute           = "TARGET_EN_ROUTE"
	ArrivedAtTarget         = "ARRIVED_AT_TARGET"
	TargetWillBeDeleted     = "TARGET_WILL_BE_DELETED"
	TargetWasHighlighted    = "TARGET_WAS_HIGHLIGHTED"
	ValidateNewTargetParams = "VALIDATE_NEW_TARGET_PARAMS"
	TargetCanAbortUntil     = "TARGET_CAN_ABORT_UNTIL"
	UserCreated             = "USER_CREATED"
	UserValidated           = "USER_VALIDATED"
	UserCurrentVoucherLevel = "USER_CURRENT_VOUCHER_LEVEL"
	SpeciesIdentified       = "SPECIES_IDENTIFIED"
	MessageDelivered        = "MESSAGE_DELIVERED"
	MissionStarted          = "MISSION_STARTED"
	MissionDone             = "MISSION_DONE"
	MissionTargetArrived    = "MISSION_TARGET_ARRIVED"
)

// Event is one dispatch. Subject is the entity the event is about; Params
// carries event-specific input; callbacks may leave an answer in Result.
type Event struct {
	Scope         Scope
	Discriminator string
	Name          string

	Subject any
	Params  map[string]any
	Result  any
}

// Callback handles one event. It may mutate the player tree bound to c.
type Callback func(c *store.Ctx, ev *Event) error

// Class is a callback set: event name to handler.
type Class map[string]Callback

type key struct {
	scope Scope
	disc  string
}

// Registry resolves (scope, discriminator, event) to the most specific
// handler: the class registered for the discriminator, then the scope's
// default class, then nothing.
type Registry struct {
	mu       sync.RWMutex
	classes  map[key]Class
	defaults map[Scope]Class
}

func NewRegistry() *Registry {
	return &Registry{classes: map[key]Class{}, defaults: map[Scope]Class{}}
}

// Register binds a class to (scope, discriminator). Binding the same pair
// twice is a wiring bug and panics.
func (r *Registry) Register(scope Scope, discriminator string, class Class) {
	if discriminator == "" {
		panic(fmt.Sprintf("events: empty discriminator for %s; use SetDefault", scope))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{scope, discriminator}
	if _, dup := r.classes[k]; dup {
		panic(fmt.Sprintf("events: %s/%s registered twice", scope, discriminator))
	}
	r.classes[k] = class
}

// SetDefault sets the fallback class for scope. Later calls merge into it,
// replacing handlers for the same event.
func (r *Registry) SetDefault(scope Scope, class Class) {
	r.mu.Lock()
	defer r.mu.Unlock()
	base := r.defaults[scope]
	if base == nil {
		base = Class{}
		r.defaults[scope] = base
	}
	for name, cb := range class {
		base[name] = cb
	}
}

// Resolve returns the handler for the event, or nil when only the implicit
// no-op applies.
func (r *Registry) Resolve(scope Scope, discriminator, name string) Callback {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if discriminator != "" {
		if cls, ok := r.classes[key{scope, discriminator}]; ok {
			if cb, ok := cls[name]; ok {
				return cb
			}
		}
	}
	if cls, ok := r.defaults[scope]; ok {
		if cb, ok := cls[name]; ok {
			return cb
		}
	}
	return nil
}

// Has reports whether anything more specific than the no-op handles the event.
func (r *Registry) Has(scope Scope, discriminator, name string) bool {
	return r.Resolve(scope, discriminator, name) != nil
}

func (r *Registry) Dispatch(c *store.Ctx, ev *Event) error {
	cb := r.Resolve(ev.Scope, ev.Discriminator, ev.Name)
	if cb == nil {
		return nil
	}
	if err := cb(c, ev); err != nil {
		return fmt.Errorf("event %s/%s %s: %w", ev.Scope, ev.Discriminator, ev.Name, err)
	}
	return nil
}
