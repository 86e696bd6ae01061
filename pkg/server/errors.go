package server

import (
	"context"
	"net/http"

	"github.com/go-go-golems/agentbridge/pkg/auth"
	"github.com/go-go-golems/agentbridge/pkg/bridge"
	"github.com/go-go-golems/agentbridge/pkg/registry"
	"github.com/go-go-golems/agentbridge/pkg/translate"
	"github.com/go-go-golems/agentbridge/pkg/transport"
	"github.com/pkg/errors"
)

// StatusClientClosedRequest is used when the client went away.
const StatusClientClosedRequest = 499

// Failure is what a client gets to see of an error. Messages are generic,
// details stay in the logs.
type Failure struct {
	Status  int
	Type    string
	Message string
}

func Classify(err error) Failure {
	var te *transport.TransportError
	switch {
	case errors.Is(err, translate.ErrInvalidRequest):
		return Failure{http.StatusBadRequest, "invalid_request_error", err.Error()}
	case errors.Is(err, registry.ErrSessionBusy):
		return Failure{http.StatusConflict, "session_busy", "another request is running for this session"}
	case errors.Is(err, context.Canceled):
		return Failure{StatusClientClosedRequest, "cancelled", "request cancelled"}
	case errors.Is(err, context.DeadlineExceeded):
		return Failure{http.StatusGatewayTimeout, "timeout", "the agent backend did not answer in time"}
	case errors.Is(err, auth.ErrNoToken), errors.Is(err, auth.ErrTokenExpired):
		return Failure{http.StatusBadGateway, "upstream_error", "no valid credentials for the agent backend"}
	case errors.As(err, &te), errors.Is(err, bridge.ErrUpstream):
		return Failure{http.StatusBadGateway, "upstream_error", "the agent backend request failed"}
	default:
		return Failure{http.StatusInternalServerError, "internal_error", "internal error"}
	}
}
