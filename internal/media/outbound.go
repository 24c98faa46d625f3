package media

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/openacd/openacd/internal/common/errors"
	"github.com/openacd/openacd/internal/common/logger"
)

// OutboundFactory creates a fresh outbound call for an agent on behalf of a
// client (brand). The returned call is in precall until the agent dials.
type OutboundFactory func(ctx context.Context, clientID, agentLogin string) (*Call, error)

// FactoryRegistry maps media types to outbound call factories.
type FactoryRegistry struct {
	mu        sync.RWMutex
	factories map[Type]OutboundFactory
	logger    *logger.Logger
}

// NewFactoryRegistry creates an empty outbound factory registry.
func NewFactoryRegistry(log *logger.Logger) *FactoryRegistry {
	return &FactoryRegistry{
		factories: make(map[Type]OutboundFactory),
		logger:    log.WithFields(zap.String("component", "media-factories")),
	}
}

// Register installs a factory for a media type, replacing any previous one.
func (r *FactoryRegistry) Register(t Type, f OutboundFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
	r.logger.Info("registered outbound media factory", zap.String("type", string(t)))
}

// New creates an outbound call of the given type.
func (r *FactoryRegistry) New(ctx context.Context, t Type, clientID, agentLogin string) (*Call, error) {
	if !KnownType(t) {
		return nil, errors.MediaNoExists("unrecognized media type: " + string(t))
	}

	r.mu.RLock()
	f, ok := r.factories[t]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.MediaNoExists("no outbound driver for media type: " + string(t))
	}
	return f(ctx, clientID, agentLogin)
}
