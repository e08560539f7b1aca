package automation

import (
	"context"
	"sync"

	domain "github.com/r3e-network/area-engine/internal/app/domain/automation"
)

// OwnerIdentity is the automation owner's resolved identity handed to a
// Reaction Handler, including a currently-valid token when the Token Broker
// was able to produce one (nil when the service has no credentials or a
// refresh failed).
type OwnerIdentity struct {
	OwnerID string
	Token   *domain.ServiceToken
}

// ReactionHandler performs a reaction's effect. It returns a result mapping
// on success, or one of the §7 sentinel errors (InvalidConfig,
// TransientError, AuthError) on failure.
type ReactionHandler interface {
	Handle(ctx context.Context, reactionConfig, triggerData domain.Config, owner OwnerIdentity) (domain.Config, error)
}

// ReactionHandlerFunc adapts a function to the ReactionHandler interface.
type ReactionHandlerFunc func(ctx context.Context, reactionConfig, triggerData domain.Config, owner OwnerIdentity) (domain.Config, error)

func (f ReactionHandlerFunc) Handle(ctx context.Context, reactionConfig, triggerData domain.Config, owner OwnerIdentity) (domain.Config, error) {
	return f(ctx, reactionConfig, triggerData, owner)
}

// ReactionRegistry looks up a ReactionHandler by reaction name. Handlers are
// registered once at process start.
type ReactionRegistry struct {
	mu       sync.RWMutex
	handlers map[string]ReactionHandler
}

// NewReactionRegistry creates an empty registry.
func NewReactionRegistry() *ReactionRegistry {
	return &ReactionRegistry{handlers: make(map[string]ReactionHandler)}
}

// Register binds a handler to a reaction name, replacing any prior binding.
func (r *ReactionRegistry) Register(name string, handler ReactionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Resolve looks up the handler for a reaction name. Unknown names are
// deliberately lenient at the call site (§4.3.2): they are not an error of
// this registry, the caller decides how to treat a miss.
func (r *ReactionRegistry) Resolve(name string) (ReactionHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Len reports how many reaction handlers are currently registered.
func (r *ReactionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
