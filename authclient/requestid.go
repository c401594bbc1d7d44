package authclient

import (
	"context"

	"github.com/google/uuid"

	"github.com/go-authgate/session-cli/transport"
)

// RequestIDHeader correlates client requests with server logs.
const RequestIDHeader = "X-Request-ID"

// RequestIDStage stamps a random request ID on requests that lack one.
// A replayed request keeps the ID it was first sent with.
type RequestIDStage struct{}

// BeforeSend implements transport.RequestHook.
func (RequestIDStage) BeforeSend(_ context.Context, env *transport.Envelope) error {
	if env.Request.Header.Get(RequestIDHeader) == "" {
		env.Request.Header.Set(RequestIDHeader, uuid.NewString())
	}
	return nil
}
