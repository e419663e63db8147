package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestMapGRPCCtxErrPrefersMatchingContextCancellation(t *testing.T) {
	var ctx, cancel = context.WithCancel(context.Background())
	cancel()

	var err = status.Error(codes.Canceled, "cancelled by peer")
	assert.Equal(t, context.Canceled, mapGRPCCtxErr(ctx, err))
}

func TestMapGRPCCtxErrPrefersMatchingDeadlineExceeded(t *testing.T) {
	var ctx, cancel = context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()

	var err = status.Error(codes.DeadlineExceeded, "deadline exceeded")
	assert.Equal(t, context.DeadlineExceeded, mapGRPCCtxErr(ctx, err))
}

func TestMapGRPCCtxErrLeavesUnrelatedErrorsUntouched(t *testing.T) {
	var ctx = context.Background()
	var err = status.Error(codes.Unavailable, "no route")
	assert.Equal(t, err, mapGRPCCtxErr(ctx, err))
}
