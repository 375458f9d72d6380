package interfaces

import (
	"context"

	"tripsync/pkg/types"
)

// AccessChecker answers whether a user may collaborate on a trip. The data
// belongs to the CRUD service; tripsync only reads it.
type AccessChecker interface {
	// CanAccessTrip returns nil when userID owns or collaborates on tripID,
	// ErrTripNotFound for an unknown trip and ErrAccessDenied otherwise
	CanAccessTrip(ctx context.Context, tripID, userID string) error

	// HealthCheck verifies the backing store is reachable
	HealthCheck(ctx context.Context) error

	Close() error
}

// Authenticator verifies credentials issued by the external auth service
type Authenticator interface {
	Verify(token string) (*types.Identity, error)
}

// Bridge forwards locally published frames to other tripsync instances
type Bridge interface {
	Forward(ctx context.Context, envelope *types.ClusterEnvelope) error
}
