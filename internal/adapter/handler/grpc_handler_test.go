package handler

import (
	"context"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/rl1809/travel-planner/internal/core/domain"
)

func newTestClient(t *testing.T) *PlannerClient {
	t.Helper()
	s := newTestServer(t)

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	NewGRPCHandler(s.plans, s.items).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewPlannerClient(conn)
}

func TestGRPC_PlanLifecycle(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	plan, err := client.CreatePlan(ctx, &CreatePlanRequest{Title: "Norway"})
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Version)

	for _, name := range []string{"Bergen", "Flam"} {
		_, err := client.AppendItem(ctx, &AppendItemRequest{PlanID: plan.ID, Name: name})
		require.NoError(t, err)
	}

	got, err := client.GetPlan(ctx, &IDRequest{ID: plan.ID})
	require.NoError(t, err)
	require.Len(t, got.Items, 2)
	assert.Equal(t, "Flam", got.Items[1].Name)

	deleted, err := client.DeletePlan(ctx, &IDRequest{ID: plan.ID})
	require.NoError(t, err)
	assert.Equal(t, 2, deleted.ItemsRemoved)

	_, err = client.GetPlan(ctx, &IDRequest{ID: plan.ID})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestGRPC_VersionConflictDetail(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	plan, err := client.CreatePlan(ctx, &CreatePlanRequest{Title: "Sicily"})
	require.NoError(t, err)

	title := "Sicily by train"
	_, err = client.UpdatePlan(ctx, &UpdatePlanRequest{ID: plan.ID, Version: 1, Title: &title})
	require.NoError(t, err)

	_, err = client.UpdatePlan(ctx, &UpdatePlanRequest{ID: plan.ID, Version: 1, Title: &title})
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Aborted, st.Code())

	var info *errdetails.ErrorInfo
	for _, d := range st.Details() {
		if ei, ok := d.(*errdetails.ErrorInfo); ok {
			info = ei
		}
	}
	require.NotNil(t, info)
	assert.Equal(t, "VERSION_CONFLICT", info.GetReason())
	assert.Equal(t, "2", info.GetMetadata()["current_version"])
}

func TestGRPC_ErrorCodes(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	_, err := client.CreatePlan(ctx, &CreatePlanRequest{Title: ""})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.AppendItem(ctx, &AppendItemRequest{Name: "orphan"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = client.AppendItem(ctx, &AppendItemRequest{PlanID: "missing", Name: "orphan"})
	assert.Equal(t, codes.NotFound, status.Code(err))

	plan, err := client.CreatePlan(ctx, &CreatePlanRequest{Title: "Dup"})
	require.NoError(t, err)
	_, err = client.AppendItem(ctx, &AppendItemRequest{PlanID: plan.ID, Name: "a", Position: 2})
	require.NoError(t, err)
	_, err = client.AppendItem(ctx, &AppendItemRequest{PlanID: plan.ID, Name: "b", Position: 2})
	assert.Equal(t, codes.AlreadyExists, status.Code(err))

	_, err = client.DeleteItem(ctx, &IDRequest{ID: "missing"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestToStatus_StoreLimits(t *testing.T) {
	assert.Equal(t, codes.FailedPrecondition, status.Code(toStatus(fmt.Errorf("delete: %w", domain.ErrCascadeTooLarge))))
	assert.Equal(t, codes.Unavailable, status.Code(toStatus(fmt.Errorf("read: %w", domain.ErrContention))))
}
