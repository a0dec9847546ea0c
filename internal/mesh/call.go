package mesh

import (
	"context"

	"github.com/mikeyg42/meshroom/internal/identity"
	"github.com/mikeyg42/meshroom/internal/media"
)

// Handlers receive the lifecycle of one call. OnStream fires at most once,
// when the first remote track arrives. OnClose fires exactly once with the
// reason the call ended, nil for a local hangup.
type Handlers struct {
	OnStream func(*media.Stream)
	OnClose  func(error)
}

// Call is one media connection to a remote participant.
type Call interface {
	ID() string
	Remote() identity.Participant
	Close() error
}

// IncomingCall is a call offered by a remote participant that has not been
// answered yet.
type IncomingCall interface {
	Call
	Answer(ctx context.Context, local *media.Stream, h Handlers) error
	Reject(ctx context.Context) error
}

// Dialer places outbound calls.
type Dialer interface {
	Dial(ctx context.Context, remote identity.Participant, local *media.Stream, h Handlers) (Call, error)
}
