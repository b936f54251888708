package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"connectrpc.com/connect"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/rollcall/go/internal/attendance/events"
	"github.com/mcdev12/rollcall/go/internal/attendance/hub"
	"github.com/mcdev12/rollcall/go/internal/auth"
	"github.com/mcdev12/rollcall/go/internal/models"
)

const (
	// RoomStateServiceName is the fully-qualified name of the state service.
	RoomStateServiceName = "rollcall.v1.RoomStateService"

	GetRoomSnapshotProcedure = "/" + RoomStateServiceName + "/GetRoomSnapshot"
	ListActiveRoomsProcedure = "/" + RoomStateServiceName + "/ListActiveRooms"
)

// JSONCodec encodes state RPC messages as plain JSON. The messages are Go
// structs, not protobuf types.
type JSONCodec struct{}

func (JSONCodec) Name() string                       { return "json" }
func (JSONCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSONCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type GetRoomSnapshotRequest struct {
	RoomKey models.RoomKey `json:"roomKey"`
}

type GetRoomSnapshotResponse struct {
	Snapshot models.RoomSnapshot `json:"snapshot"`
}

type ListActiveRoomsRequest struct{}

type ListActiveRoomsResponse struct {
	Rooms []hub.RoomInfo `json:"rooms"`
}

// StateService serves read-only room state to dashboards and tools. Every
// call is scoped to the caller's tenant.
type StateService struct {
	engine        *hub.Engine
	authenticator *auth.Authenticator
}

func NewStateService(engine *hub.Engine, authn *auth.Authenticator) *StateService {
	return &StateService{engine: engine, authenticator: authn}
}

func (s *StateService) GetRoomSnapshot(ctx context.Context, req *connect.Request[GetRoomSnapshotRequest]) (*connect.Response[GetRoomSnapshotResponse], error) {
	identity, err := s.authenticate(ctx, req.Header())
	if err != nil {
		return nil, err
	}
	if err := req.Msg.RoomKey.Validate(); err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}

	snap, err := s.engine.Snapshot(ctx, identity.TenantID, req.Msg.RoomKey)
	if err != nil {
		return nil, toConnectError(err)
	}
	return connect.NewResponse(&GetRoomSnapshotResponse{Snapshot: snap}), nil
}

func (s *StateService) ListActiveRooms(ctx context.Context, req *connect.Request[ListActiveRoomsRequest]) (*connect.Response[ListActiveRoomsResponse], error) {
	identity, err := s.authenticate(ctx, req.Header())
	if err != nil {
		return nil, err
	}
	return connect.NewResponse(&ListActiveRoomsResponse{
		Rooms: s.engine.ActiveRooms(identity.TenantID),
	}), nil
}

func (s *StateService) authenticate(ctx context.Context, header http.Header) (models.Identity, error) {
	tokenString, ok := strings.CutPrefix(header.Get("Authorization"), "Bearer ")
	if !ok || tokenString == "" {
		return models.Identity{}, connect.NewError(connect.CodeUnauthenticated, auth.ErrUnauthenticated)
	}
	identity, err := s.authenticator.AuthenticateToken(ctx, tokenString)
	if err != nil {
		log.Warn().Err(err).Msg("state rpc unauthenticated")
		return models.Identity{}, connect.NewError(connect.CodeUnauthenticated, auth.ErrUnauthenticated)
	}
	return identity, nil
}

// toConnectError maps engine errors through their wire code.
func toConnectError(err error) error {
	wire := hub.WireError(err)
	code := connect.CodeInternal
	switch wire.Code {
	case events.CodeValidation:
		code = connect.CodeInvalidArgument
	case events.CodeNotFound:
		code = connect.CodeNotFound
	case events.CodePermissionDenied:
		code = connect.CodePermissionDenied
	case events.CodeUnauthenticated:
		code = connect.CodeUnauthenticated
	}
	if code == connect.CodeInternal {
		log.Error().Err(err).Msg("state rpc failed")
	}
	return connect.NewError(code, errors.New(wire.Message))
}

// RegisterRoutes mounts the state service handlers on mux.
func (s *StateService) RegisterRoutes(mux *http.ServeMux) {
	opts := []connect.HandlerOption{connect.WithCodec(JSONCodec{})}
	mux.Handle(GetRoomSnapshotProcedure, connect.NewUnaryHandler(GetRoomSnapshotProcedure, s.GetRoomSnapshot, opts...))
	mux.Handle(ListActiveRoomsProcedure, connect.NewUnaryHandler(ListActiveRoomsProcedure, s.ListActiveRooms, opts...))
}

// StateClient calls the state service.
type StateClient struct {
	getRoomSnapshot *connect.Client[GetRoomSnapshotRequest, GetRoomSnapshotResponse]
	listActiveRooms *connect.Client[ListActiveRoomsRequest, ListActiveRoomsResponse]
	token           string
}

// NewStateClient creates a client for the gateway at baseURL.
func NewStateClient(httpClient connect.HTTPClient, baseURL, token string) *StateClient {
	baseURL = strings.TrimRight(baseURL, "/")
	return &StateClient{
		getRoomSnapshot: connect.NewClient[GetRoomSnapshotRequest, GetRoomSnapshotResponse](
			httpClient, baseURL+GetRoomSnapshotProcedure, connect.WithCodec(JSONCodec{}),
		),
		listActiveRooms: connect.NewClient[ListActiveRoomsRequest, ListActiveRoomsResponse](
			httpClient, baseURL+ListActiveRoomsProcedure, connect.WithCodec(JSONCodec{}),
		),
		token: token,
	}
}

func (c *StateClient) GetRoomSnapshot(ctx context.Context, key models.RoomKey) (models.RoomSnapshot, error) {
	req := connect.NewRequest(&GetRoomSnapshotRequest{RoomKey: key})
	req.Header().Set("Authorization", "Bearer "+c.token)
	resp, err := c.getRoomSnapshot.CallUnary(ctx, req)
	if err != nil {
		return models.RoomSnapshot{}, err
	}
	return resp.Msg.Snapshot, nil
}

func (c *StateClient) ListActiveRooms(ctx context.Context) ([]hub.RoomInfo, error) {
	req := connect.NewRequest(&ListActiveRoomsRequest{})
	req.Header().Set("Authorization", "Bearer "+c.token)
	resp, err := c.listActiveRooms.CallUnary(ctx, req)
	if err != nil {
		return nil, err
	}
	return resp.Msg.Rooms, nil
}
