package grpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/maxpert/flowmeta/barrier"
	"github.com/maxpert/flowmeta/catalog"
	"github.com/maxpert/flowmeta/cluster"
	"github.com/maxpert/flowmeta/ddl"
	"github.com/maxpert/flowmeta/fragment"
	"github.com/maxpert/flowmeta/hummock"
	"github.com/maxpert/flowmeta/metastore"
	"github.com/maxpert/flowmeta/notify"
	"github.com/maxpert/flowmeta/user"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrNotLeader is returned by every meta call on a node that does not hold
// leadership. Clients should retry against the leader.
var ErrNotLeader = errors.New("meta: not the leader")

var codeTable = []struct {
	code codes.Code
	errs []error
}{
	{codes.Unavailable, []error{
		ErrNotLeader, metastore.ErrUnavailable, metastore.ErrClosed,
		barrier.ErrStopped, barrier.ErrLeadershipLost, notify.ErrHubClosed,
		cluster.ErrNodeUnreachable,
	}},
	{codes.NotFound, []error{
		cluster.ErrUnknownNode, catalog.ErrNotFound, fragment.ErrJobNotFound,
		fragment.ErrFragmentNotFound, hummock.ErrPinNotFound, hummock.ErrTaskNotFound,
		hummock.ErrVersionNotFound, user.ErrUserNotFound,
	}},
	{codes.AlreadyExists, []error{catalog.ErrNameConflict, user.ErrUserExists}},
	{codes.FailedPrecondition, []error{
		cluster.ErrNodeDead, catalog.ErrParentNotFound, catalog.ErrHasDependents,
		catalog.ErrDropInProgress, hummock.ErrTaskNotAssigned, hummock.ErrStaleEpoch,
		metastore.ErrVersionConflict, notify.ErrNoSnapshot, user.ErrHasPrivileges,
		user.ErrDropDefaultUser, user.ErrSuperUser,
	}},
	{codes.ResourceExhausted, []error{fragment.ErrSchedulingFailed, hummock.ErrWorkerBusy, notify.ErrSlowSubscriber}},
	{codes.InvalidArgument, []error{catalog.ErrInvalidObject, fragment.ErrInvalidGraph, hummock.ErrInvalidLevel, ddl.ErrNotStreaming}},
	{codes.Unauthenticated, []error{user.ErrBadPassword}},
	{codes.DeadlineExceeded, []error{context.DeadlineExceeded, barrier.ErrBarrierTimeout, ddl.ErrTimeout}},
	{codes.Canceled, []error{context.Canceled}},
}

// toStatus converts a domain error into a gRPC status error
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(Code(err), err.Error())
}

// Code returns the gRPC code a domain error maps to
func Code(err error) codes.Code {
	for _, row := range codeTable {
		for _, target := range row.errs {
			if errors.Is(err, target) {
				return row.code
			}
		}
	}
	return codes.Internal
}

// fromWorkerStatus turns a failed worker call into a domain error. Transport
// failures become cluster.ErrNodeUnreachable so callers reschedule.
func fromWorkerStatus(nodeID uint64, method string, err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("grpc: %s on node %d: %w", method, nodeID, err)
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled:
		return fmt.Errorf("%w: %s on node %d: %s", cluster.ErrNodeUnreachable, method, nodeID, st.Message())
	default:
		return fmt.Errorf("grpc: %s on node %d: %s: %s", method, nodeID, st.Code(), st.Message())
	}
}
