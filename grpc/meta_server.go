package grpc

import (
	"context"

	"github.com/maxpert/flowmeta/barrier"
	"github.com/maxpert/flowmeta/catalog"
	"github.com/maxpert/flowmeta/cluster"
	"github.com/maxpert/flowmeta/hummock"
	"github.com/maxpert/flowmeta/notify"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
)

// Services are the managers of one leadership term
type Services struct {
	Cluster *cluster.Manager
	Catalog *catalog.Manager
	Barrier *barrier.Manager
	Hummock *hummock.Manager
	// Done is closed when the term ends
	Done <-chan struct{}
}

// ServiceProvider hands out the current term's managers, or ErrNotLeader
type ServiceProvider interface {
	Services() (*Services, error)
}

// MetaServer implements MetaServiceServer on top of the managers
type MetaServer struct {
	provider ServiceProvider
	hub      *notify.Hub
}

// NewMetaServer creates the meta RPC handler
func NewMetaServer(provider ServiceProvider, hub *notify.Hub) *MetaServer {
	return &MetaServer{provider: provider, hub: hub}
}

func (s *MetaServer) services() (*Services, error) {
	svc, err := s.provider.Services()
	if err != nil {
		return nil, toStatus(err)
	}
	return svc, nil
}

func (s *MetaServer) Register(ctx context.Context, req *RegisterRequest) (*NodeResponse, error) {
	svc, err := s.services()
	if err != nil {
		return nil, err
	}
	n, err := svc.Cluster.Register(ctx, cluster.RegisterRequest{
		Address:     req.Address,
		Role:        req.Role,
		Parallelism: req.Parallelism,
		Resources:   req.Resources,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &NodeResponse{Node: n}, nil
}

func (s *MetaServer) Activate(ctx context.Context, req *NodeRequest) (*NodeResponse, error) {
	svc, err := s.services()
	if err != nil {
		return nil, err
	}
	n, err := svc.Cluster.Activate(ctx, req.NodeID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &NodeResponse{Node: n}, nil
}

// Heartbeat never waits on the barrier or the store
func (s *MetaServer) Heartbeat(_ context.Context, req *HeartbeatRequest) (*Empty, error) {
	svc, err := s.services()
	if err != nil {
		return nil, err
	}
	if err := svc.Cluster.Heartbeat(req.NodeID, req.Resources); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *MetaServer) Deregister(ctx context.Context, req *NodeRequest) (*Empty, error) {
	svc, err := s.services()
	if err != nil {
		return nil, err
	}
	if err := svc.Cluster.Deregister(ctx, req.NodeID); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

// CollectBarrier accepts an actor's report. Stale and duplicate reports are
// answered with Accepted=false, not an error, so workers can retry freely.
func (s *MetaServer) CollectBarrier(_ context.Context, req *barrier.Report) (*CollectBarrierResponse, error) {
	svc, err := s.services()
	if err != nil {
		return nil, err
	}
	return &CollectBarrierResponse{Accepted: svc.Barrier.Collect(*req)}, nil
}

func (s *MetaServer) ReportCompaction(ctx context.Context, req *ReportCompactionRequest) (*Empty, error) {
	svc, err := s.services()
	if err != nil {
		return nil, err
	}
	if err := svc.Hummock.ReportCompaction(ctx, req.Worker, req.TaskID, req.Result); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *MetaServer) Pin(ctx context.Context, req *PinRequest) (*PinResponse, error) {
	svc, err := s.services()
	if err != nil {
		return nil, err
	}
	p, err := svc.Hummock.Pin(ctx, req.NodeID, req.Epoch)
	if err != nil {
		return nil, toStatus(err)
	}
	v, err := svc.Hummock.GetVersion(p.VersionID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &PinResponse{Pin: p, Version: v}, nil
}

func (s *MetaServer) Unpin(ctx context.Context, req *UnpinRequest) (*Empty, error) {
	svc, err := s.services()
	if err != nil {
		return nil, err
	}
	if err := svc.Hummock.Unpin(ctx, req.Token); err != nil {
		return nil, toStatus(err)
	}
	return &Empty{}, nil
}

func (s *MetaServer) GetNewSstIDs(ctx context.Context, req *GetNewSstIDsRequest) (*GetNewSstIDsResponse, error) {
	svc, err := s.services()
	if err != nil {
		return nil, err
	}
	start, err := svc.Hummock.GetNewSstIDs(ctx, req.Count)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetNewSstIDsResponse{Start: start, Count: req.Count}, nil
}

func (s *MetaServer) GetCatalog(_ context.Context, req *GetCatalogRequest) (*GetCatalogResponse, error) {
	svc, err := s.services()
	if err != nil {
		return nil, err
	}
	resp := &GetCatalogResponse{Version: svc.Catalog.Version()}
	switch {
	case req.ID != 0:
		obj, err := svc.Catalog.Get(req.ID)
		if err != nil {
			return nil, toStatus(err)
		}
		resp.Objects = []catalog.Object{obj}
	case req.Name != "":
		obj, err := svc.Catalog.GetByName(req.ParentID, req.Name)
		if err != nil {
			return nil, toStatus(err)
		}
		resp.Objects = []catalog.Object{obj}
	default:
		resp.Objects = svc.Catalog.List(req.ParentID)
	}
	return resp, nil
}

// Subscribe streams hub events until the client goes away, the subscriber
// falls behind or the term ends
func (s *MetaServer) Subscribe(req *SubscribeRequest, stream grpc.ServerStreamingServer[notify.Event]) error {
	svc, err := s.services()
	if err != nil {
		return err
	}
	sub, err := s.hub.Subscribe(notify.SubscribeOptions{
		Topics:       req.Topics,
		Kinds:        req.Kinds,
		FromVersions: req.FromVersions,
	})
	if err != nil {
		return toStatus(err)
	}
	defer sub.Close()

	log.Debug().Str("subscription", sub.ID()).Int("topics", len(req.Topics)).Msg("Notification stream opened")
	for {
		select {
		case <-stream.Context().Done():
			return nil
		case <-svc.Done:
			return toStatus(ErrNotLeader)
		case ev, ok := <-sub.C():
			if !ok {
				return toStatus(sub.Err())
			}
			if err := stream.Send(&ev); err != nil {
				return err
			}
		}
	}
}
