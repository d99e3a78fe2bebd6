// ABOUTME: frontdesk.v1.Backend gRPC service carrying structpb payloads
// ABOUTME: Mirrors the HTTP API for adapters that prefer gRPC, plus a server-streaming Events call

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/2389/frontdesk/internal/api"
	"github.com/2389/frontdesk/internal/backend"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "frontdesk.v1.Backend"

// MethodPath returns the full method path for name.
func MethodPath(name string) string { return "/" + ServiceName + "/" + name }

// toStruct converts a JSON-tagged value into a structpb.Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		// Lists and scalars are wrapped so every response is an object.
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, status.Errorf(codes.Internal, "encoding response: %v", err)
		}
		m = map[string]any{"items": raw}
	}
	return structpb.NewStruct(m)
}

// fromStruct decodes a structpb.Struct into a JSON-tagged value.
func fromStruct(s *structpb.Struct, v any) error {
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "decoding request: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return status.Errorf(codes.InvalidArgument, "decoding request: %v", err)
	}
	return nil
}

// rpcService is the handler type registered with grpc.
type rpcService interface {
	backendServer() *rpcServer
}

type rpcServer struct {
	backend *backend.Backend
	ops     *operations
	logger  *slog.Logger
}

func (s *rpcServer) backendServer() *rpcServer { return s }

// unary builds a method whose request decodes into Req.
func unary[Req any](name string, call func(s *rpcServer, ctx context.Context, req *Req) (any, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(rpcService).backendServer()
			handler := func(ctx context.Context, msg any) (any, error) {
				var req Req
				if err := fromStruct(msg.(*structpb.Struct), &req); err != nil {
					return nil, err
				}
				out, err := call(s, ctx, &req)
				if err != nil {
					return nil, rpcError(err)
				}
				return toStruct(out)
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodPath(name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// conversationCall requests carry the conversation ID next to the body.
type conversationCall[T any] struct {
	ConversationID string `json:"conversation_id"`
	Body           T      `json:"body"`
}

// BackendServiceDesc describes frontdesk.v1.Backend.
var BackendServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*rpcService)(nil),
	Methods: []grpc.MethodDesc{
		unary("IdentifyCustomer", func(s *rpcServer, ctx context.Context, req *IdentifyRequest) (any, error) {
			if err := requireService(ctx); err != nil {
				return nil, err
			}
			c, err := s.backend.IdentifyCustomer(ctx, req.identification())
			return api.FromCustomer(c), err
		}),
		unary("IdentifyAgent", func(s *rpcServer, ctx context.Context, req *IdentifyRequest) (any, error) {
			if err := requireService(ctx); err != nil {
				return nil, err
			}
			a, err := s.backend.IdentifyAgent(ctx, req.identification())
			return api.FromAgent(a), err
		}),
		unary("FindAgent", func(s *rpcServer, ctx context.Context, req *IdentifyRequest) (any, error) {
			a, err := s.backend.FindAgent(ctx, req.identification())
			return api.FromAgent(a), err
		}),
		unary("StartConversation", func(s *rpcServer, ctx context.Context, req *StartConversationRequest) (any, error) {
			if err := requireService(ctx); err != nil {
				return nil, err
			}
			conv, err := s.backend.StartConversation(ctx, req.CustomerID)
			return api.FromConversation(conv), err
		}),
		unary("GetConversation", func(s *rpcServer, ctx context.Context, req *ConversationRequest) (any, error) {
			conv, err := s.backend.GetConversation(ctx, req.ConversationID, req.WithMessages)
			return api.FromConversation(conv), err
		}),
		unary("Queue", func(s *rpcServer, ctx context.Context, req *struct {
			Limit int `json:"limit"`
		}) (any, error) {
			convs, err := s.backend.Queue(ctx, req.Limit)
			return api.FromConversations(convs), err
		}),
		unary("Assign", func(s *rpcServer, ctx context.Context, req *conversationCall[AssignRequest]) (any, error) {
			conv, err := s.ops.assign(ctx, req.ConversationID, req.Body)
			return api.FromConversation(conv), err
		}),
		unary("Postpone", func(s *rpcServer, ctx context.Context, req *ConversationRequest) (any, error) {
			if err := requireService(ctx); err != nil {
				return nil, err
			}
			conv, err := s.backend.Postpone(ctx, req.ConversationID)
			return api.FromConversation(conv), err
		}),
		unary("Resolve", func(s *rpcServer, ctx context.Context, req *ConversationRequest) (any, error) {
			if err := requireService(ctx); err != nil {
				return nil, err
			}
			conv, err := s.backend.Resolve(ctx, req.ConversationID)
			return api.FromConversation(conv), err
		}),
		unary("AddMessage", func(s *rpcServer, ctx context.Context, req *conversationCall[AddMessageRequest]) (any, error) {
			return s.ops.addMessage(ctx, req.ConversationID, req.Body)
		}),
		unary("AddTag", func(s *rpcServer, ctx context.Context, req *conversationCall[TagRequest]) (any, error) {
			if err := requireService(ctx); err != nil {
				return nil, err
			}
			conv, err := s.backend.AddTag(ctx, req.ConversationID, req.Body.Tag)
			return api.FromConversation(conv), err
		}),
		unary("RemoveTag", func(s *rpcServer, ctx context.Context, req *conversationCall[TagRequest]) (any, error) {
			if err := requireService(ctx); err != nil {
				return nil, err
			}
			conv, err := s.backend.RemoveTag(ctx, req.ConversationID, req.Body.Tag)
			return api.FromConversation(conv), err
		}),
		unary("Rate", func(s *rpcServer, ctx context.Context, req *conversationCall[RateRequest]) (any, error) {
			if err := requireService(ctx); err != nil {
				return nil, err
			}
			conv, err := s.backend.Rate(ctx, req.ConversationID, req.Body.Rating)
			return api.FromConversation(conv), err
		}),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Events",
			Handler:       eventsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "frontdesk/v1/backend.proto",
}

// eventsHandler streams backend events matching the client's filter.
func eventsHandler(srv any, stream grpc.ServerStream) error {
	s := srv.(rpcService).backendServer()
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	var req EventsRequest
	if err := fromStruct(in, &req); err != nil {
		return err
	}
	filter, err := req.filter()
	if err != nil {
		return rpcError(err)
	}

	ctx := stream.Context()
	events := s.backend.Stream(ctx, filter)
	s.logger.Debug("grpc event stream opened", "kinds", req.Kinds)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			out, err := toStruct(api.FromEvent(ev))
			if err != nil {
				return err
			}
			if err := stream.SendMsg(out); err != nil {
				return err
			}
		}
	}
}
