package handler

import (
	"context"
	"errors"
	"strconv"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/travel-planner/internal/core/domain"
	"github.com/rl1809/travel-planner/internal/core/service"
)

const (
	plannerServiceName = "planner.v1.Planner"
	errorDomain        = "planner.v1"
)

// PlannerServer is the gRPC surface of the planner core.
type PlannerServer interface {
	CreatePlan(context.Context, *CreatePlanRequest) (*PlanResponse, error)
	GetPlan(context.Context, *IDRequest) (*PlanWithItemsResponse, error)
	UpdatePlan(context.Context, *UpdatePlanRequest) (*PlanResponse, error)
	DeletePlan(context.Context, *IDRequest) (*DeletePlanResponse, error)
	AppendItem(context.Context, *AppendItemRequest) (*ItemResponse, error)
	DeleteItem(context.Context, *IDRequest) (*Empty, error)
}

type GRPCHandler struct {
	plans *service.PlanService
	items *service.ItemService
}

var _ PlannerServer = (*GRPCHandler)(nil)

func NewGRPCHandler(plans *service.PlanService, items *service.ItemService) *GRPCHandler {
	return &GRPCHandler{plans: plans, items: items}
}

// Register attaches the handler to s.
func (h *GRPCHandler) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&plannerServiceDesc, h)
}

func (h *GRPCHandler) CreatePlan(ctx context.Context, req *CreatePlanRequest) (*PlanResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, toStatus(err)
	}
	in, err := req.toInput()
	if err != nil {
		return nil, toStatus(err)
	}
	plan, err := h.plans.CreatePlan(ctx, in)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := newPlanResponse(plan)
	return &resp, nil
}

func (h *GRPCHandler) GetPlan(ctx context.Context, req *IDRequest) (*PlanWithItemsResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, toStatus(err)
	}
	plan, items, err := h.plans.GetPlan(ctx, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PlanWithItemsResponse{Plan: newPlanResponse(plan), Items: newItemResponses(items)}, nil
}

func (h *GRPCHandler) UpdatePlan(ctx context.Context, req *UpdatePlanRequest) (*PlanResponse, error) {
	if req.ID == "" {
		return nil, status.Error(codes.InvalidArgument, "id is required")
	}
	if err := validateRequest(req); err != nil {
		return nil, toStatus(err)
	}
	patch, err := req.toPatch()
	if err != nil {
		return nil, toStatus(err)
	}
	plan, err := h.plans.UpdatePlan(ctx, req.ID, req.Version, patch)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := newPlanResponse(plan)
	return &resp, nil
}

func (h *GRPCHandler) DeletePlan(ctx context.Context, req *IDRequest) (*DeletePlanResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, toStatus(err)
	}
	removed, err := h.plans.DeletePlan(ctx, req.ID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &DeletePlanResponse{ID: req.ID, ItemsRemoved: removed}, nil
}

func (h *GRPCHandler) AppendItem(ctx context.Context, req *AppendItemRequest) (*ItemResponse, error) {
	if req.PlanID == "" {
		return nil, status.Error(codes.InvalidArgument, "plan_id is required")
	}
	if err := validateRequest(req); err != nil {
		return nil, toStatus(err)
	}
	item, err := h.items.AppendItem(ctx, req.PlanID, req.toInput(),
		service.AppendOptions{Position: req.Position, RequestKey: req.RequestKey})
	if err != nil {
		return nil, toStatus(err)
	}
	resp := newItemResponse(item)
	return &resp, nil
}

func (h *GRPCHandler) DeleteItem(ctx context.Context, req *IDRequest) (*Empty, error) {
	if err := validateRequest(req); err != nil {
		return nil, toStatus(err)
	}
	if err := h.items.DeleteItem(ctx, req.ID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

// toStatus maps a service error onto a gRPC status. Version conflicts carry
// the current version in an ErrorInfo detail.
func toStatus(err error) error {
	var conflict *domain.VersionConflictError
	switch {
	case errors.Is(err, domain.ErrInvalidAttributes):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrPlanNotFound), errors.Is(err, domain.ErrItemNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.As(err, &conflict):
		st, detailErr := status.New(codes.Aborted, err.Error()).WithDetails(&errdetails.ErrorInfo{
			Reason: "VERSION_CONFLICT",
			Domain: errorDomain,
			Metadata: map[string]string{
				"plan_id":          conflict.PlanID,
				"expected_version": strconv.Itoa(conflict.Expected),
				"current_version":  strconv.Itoa(conflict.Current),
			},
		})
		if detailErr != nil {
			return status.Error(codes.Aborted, err.Error())
		}
		return st.Err()
	case errors.Is(err, domain.ErrVersionConflict):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, domain.ErrPositionTaken), errors.Is(err, domain.ErrDuplicateRequest):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, domain.ErrCascadeTooLarge):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrOrderingConflict), errors.Is(err, domain.ErrContention):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

// unary builds a MethodDesc that decodes Req, runs the interceptor chain and
// dispatches to call.
func unary[Req any, Resp any](name string, call func(PlannerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(PlannerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{
				Server:     srv,
				FullMethod: "/" + plannerServiceName + "/" + name,
			}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(PlannerServer), ctx, req.(*Req))
			})
		},
	}
}

var plannerServiceDesc = grpc.ServiceDesc{
	ServiceName: plannerServiceName,
	HandlerType: (*PlannerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreatePlan", PlannerServer.CreatePlan),
		unary("GetPlan", PlannerServer.GetPlan),
		unary("UpdatePlan", PlannerServer.UpdatePlan),
		unary("DeletePlan", PlannerServer.DeletePlan),
		unary("AppendItem", PlannerServer.AppendItem),
		unary("DeleteItem", PlannerServer.DeleteItem),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "planner/v1/planner.proto",
}

// PlannerClient calls the planner service over a JSON-codec connection.
type PlannerClient struct {
	cc grpc.ClientConnInterface
}

func NewPlannerClient(cc grpc.ClientConnInterface) *PlannerClient {
	return &PlannerClient{cc: cc}
}

func (c *PlannerClient) invoke(ctx context.Context, method string, in, out any) error {
	return c.cc.Invoke(ctx, "/"+plannerServiceName+"/"+method, in, out, grpc.CallContentSubtype(JSONCodecName))
}

func (c *PlannerClient) CreatePlan(ctx context.Context, in *CreatePlanRequest) (*PlanResponse, error) {
	out := new(PlanResponse)
	return out, c.invoke(ctx, "CreatePlan", in, out)
}

func (c *PlannerClient) GetPlan(ctx context.Context, in *IDRequest) (*PlanWithItemsResponse, error) {
	out := new(PlanWithItemsResponse)
	return out, c.invoke(ctx, "GetPlan", in, out)
}

func (c *PlannerClient) UpdatePlan(ctx context.Context, in *UpdatePlanRequest) (*PlanResponse, error) {
	out := new(PlanResponse)
	return out, c.invoke(ctx, "UpdatePlan", in, out)
}

func (c *PlannerClient) DeletePlan(ctx context.Context, in *IDRequest) (*DeletePlanResponse, error) {
	out := new(DeletePlanResponse)
	return out, c.invoke(ctx, "DeletePlan", in, out)
}

func (c *PlannerClient) AppendItem(ctx context.Context, in *AppendItemRequest) (*ItemResponse, error) {
	out := new(ItemResponse)
	return out, c.invoke(ctx, "AppendItem", in, out)
}

func (c *PlannerClient) DeleteItem(ctx context.Context, in *IDRequest) (*Empty, error) {
	out := new(Empty)
	return out, c.invoke(ctx, "DeleteItem", in, out)
}
