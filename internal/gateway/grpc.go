// ABOUTME: WorkerGateway gRPC service implementation for worker communication
// ABOUTME: Handles the bidirectional channel stream and unary state RPCs

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/oklog/ulid/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/meshgate/mesh-gateway/internal/state"
	"github.com/meshgate/mesh-gateway/internal/worker"
	"github.com/meshgate/mesh-gateway/internal/wire"
)

// channelServer implements the wire.WorkerGatewayServer service.
type channelServer struct {
	gateway *Gateway
	logger  *slog.Logger
}

func registerChannelService(gw *Gateway, srv *grpc.Server, logger *slog.Logger) {
	wire.RegisterWorkerGatewayServer(srv, &channelServer{gateway: gw, logger: logger})
}

// Channel handles one worker's bidirectional stream. Every inbound message
// is classified by its envelope kind; unknown or ambiguous envelopes are
// protocol errors that abort the stream. Each registration and RPC is
// handled on its own goroutine so a slow directory round-trip never stalls
// the receive loop.
func (s *channelServer) Channel(stream wire.WorkerGateway_ChannelServer) error {
	id := "conn-" + ulid.Make().String()
	conn := worker.New(id, stream, s.logger.With("connection_id", id))
	s.gateway.addConnection(conn)

	ctx := stream.Context()
	defer s.gateway.OnWorkerDisconnected(context.WithoutCancel(ctx), conn)

	for {
		msg, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("worker stream closed", "connection_id", conn.ID)
				return nil
			}
			if status.Code(err) == codes.Canceled {
				s.logger.Info("worker stream canceled", "connection_id", conn.ID)
				return nil
			}
			s.logger.Error("receiving from worker", "connection_id", conn.ID, "error", err)
			return status.Errorf(codes.Internal, "receiving message: %v", err)
		}

		kind, err := msg.Kind()
		if err != nil {
			s.logger.Error("protocol error on worker stream", "connection_id", conn.ID, "error", err)
			return status.Errorf(codes.InvalidArgument, "protocol error: %v", err)
		}

		switch kind {
		case wire.KindRegisterAgentType:
			go s.handleRegisterAgentType(ctx, conn, msg.RegisterAgentType)

		case wire.KindAddSubscription:
			go s.handleAddSubscription(ctx, conn, msg.AddSubscription)

		case wire.KindRequest:
			go s.handleRequest(ctx, conn, msg.Request)

		case wire.KindResponse:
			conn.HandleResponse(msg.Response)

		case wire.KindCloudEvent:
			// Validate on the receive path so a malformed event is a
			// stream-fatal protocol error, then fan out asynchronously.
			if err := msg.CloudEvent.Validate(); err != nil {
				s.logger.Error("malformed cloud event", "connection_id", conn.ID, "error", err)
				return status.Errorf(codes.InvalidArgument, "protocol error: %v", err)
			}
			go func(ev *wire.CloudEvent) {
				if err := s.gateway.DispatchEvent(ctx, ev); err != nil {
					s.logger.Error("dispatching event", "event_id", ev.Id, "error", err)
				}
			}(msg.CloudEvent)

		default:
			// Response-direction envelopes from a worker are not expected.
			s.logger.Warn("ignoring unexpected message kind from worker",
				"connection_id", conn.ID,
				"kind", int(kind),
			)
		}
	}
}

func (s *channelServer) handleRegisterAgentType(ctx context.Context, conn *worker.Connection, req *wire.RegisterAgentTypeRequest) {
	resp := s.gateway.RegisterAgentType(ctx, conn, req)
	if err := conn.Send(&wire.Message{RegisterAgentTypeResponse: resp}); err != nil {
		s.logger.Error("sending registration ack", "connection_id", conn.ID, "error", err)
	}
}

func (s *channelServer) handleAddSubscription(ctx context.Context, conn *worker.Connection, req *wire.AddSubscriptionRequest) {
	resp := s.gateway.AddSubscription(ctx, req)
	if err := conn.Send(&wire.Message{AddSubscriptionResponse: resp}); err != nil {
		s.logger.Error("sending subscription ack", "connection_id", conn.ID, "error", err)
	}
}

// handleRequest routes a worker-originated RPC and relays the result back
// on the originating stream. InvokeRequest restores the caller's request
// id, so the worker correlates on the id it sent.
func (s *channelServer) handleRequest(ctx context.Context, conn *worker.Connection, req *wire.Request) {
	resp := s.gateway.InvokeRequest(ctx, req)
	if err := conn.Send(&wire.Message{Response: resp}); err != nil {
		s.logger.Error("relaying response to worker",
			"connection_id", conn.ID,
			"request_id", req.RequestId,
			"error", err,
		)
	}
}

// GetState reads the persisted state blob for an agent.
func (s *channelServer) GetState(ctx context.Context, req *wire.GetStateRequest) (*wire.GetStateResponse, error) {
	if req.AgentId.Type == "" {
		return nil, status.Error(codes.InvalidArgument, "agent_id is required")
	}
	data, etag, err := s.gateway.states.Read(ctx, req.AgentId)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "reading state: %v", err)
	}
	return &wire.GetStateResponse{Data: data, ETag: etag}, nil
}

// SaveState writes agent state; a stale ETag comes back as a structured
// conflict rather than an RPC error so the worker can re-read and retry.
func (s *channelServer) SaveState(ctx context.Context, req *wire.SaveStateRequest) (*wire.SaveStateResponse, error) {
	rec := req.State
	if rec.AgentId.Type == "" {
		return nil, status.Error(codes.InvalidArgument, "agent_id is required")
	}
	newETag, err := s.gateway.states.Write(ctx, rec.AgentId, rec.Data, rec.ETag)
	if err != nil {
		var conflict *state.ConflictError
		if errors.As(err, &conflict) {
			return &wire.SaveStateResponse{
				Conflict:    true,
				CurrentETag: conflict.CurrentETag,
				Error:       conflict.Error(),
			}, nil
		}
		return nil, status.Errorf(codes.Internal, "writing state: %v", err)
	}
	return &wire.SaveStateResponse{ETag: newETag}, nil
}
