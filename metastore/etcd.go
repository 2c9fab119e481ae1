package metastore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// EtcdOptions configures the etcd backend
type EtcdOptions struct {
	Endpoints   []string
	Prefix      string // namespace for every key, e.g. "/flowmeta"
	DialTimeout time.Duration
}

// EtcdStore is the production Store: a thin mapping of the contract onto
// etcd's revisioned key space. A key's version is its ModRevision.
type EtcdStore struct {
	client *clientv3.Client
	prefix string
}

// NewEtcdStore connects to etcd
func NewEtcdStore(opts EtcdOptions) (*EtcdStore, error) {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   opts.Endpoints,
		DialTimeout: opts.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	log.Info().Strs("endpoints", opts.Endpoints).Str("prefix", opts.Prefix).Msg("Connected to etcd metadata store")
	return &EtcdStore{client: client, prefix: strings.TrimSuffix(opts.Prefix, "/")}, nil
}

func (s *EtcdStore) key(k string) string {
	return s.prefix + k
}

func (s *EtcdStore) unkey(k []byte) string {
	return strings.TrimPrefix(string(k), s.prefix)
}

func (s *EtcdStore) wrap(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// Get implements Store
func (s *EtcdStore) Get(ctx context.Context, key string) (*KV, error) {
	resp, err := s.client.Get(ctx, s.key(key))
	if err != nil {
		return nil, s.wrap(err)
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotFound
	}
	kv := resp.Kvs[0]
	return &KV{Key: key, Value: kv.Value, Version: kv.ModRevision}, nil
}

// List implements Store
func (s *EtcdStore) List(ctx context.Context, prefix string) ([]*KV, error) {
	resp, err := s.client.Get(ctx, s.key(prefix), clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, s.wrap(err)
	}
	out := make([]*KV, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		out = append(out, &KV{Key: s.unkey(kv.Key), Value: kv.Value, Version: kv.ModRevision})
	}
	return out, nil
}

// Put implements Store
func (s *EtcdStore) Put(ctx context.Context, key string, value []byte, expected int64) (int64, error) {
	return s.Txn(ctx, []Op{Put(key, value, expected)})
}

// Delete implements Store
func (s *EtcdStore) Delete(ctx context.Context, key string, expected int64) error {
	_, err := s.Txn(ctx, []Op{Delete(key, expected)})
	return err
}

// Txn implements Store
func (s *EtcdStore) Txn(ctx context.Context, ops []Op) (int64, error) {
	if err := validateOps(ops); err != nil {
		return 0, err
	}

	var cmps []clientv3.Cmp
	var thens []clientv3.Op
	for _, op := range ops {
		k := s.key(op.Key)
		if op.Expected != AnyVersion {
			// ModRevision of an absent key is 0, which is NotExists
			cmps = append(cmps, clientv3.Compare(clientv3.ModRevision(k), "=", op.Expected))
		}
		switch op.Type {
		case OpPut:
			thens = append(thens, clientv3.OpPut(k, string(op.Value)))
		case OpDelete:
			thens = append(thens, clientv3.OpDelete(k))
		}
	}

	resp, err := s.client.Txn(ctx).If(cmps...).Then(thens...).Commit()
	if err != nil {
		return 0, s.wrap(err)
	}
	if !resp.Succeeded {
		return 0, ErrVersionConflict
	}
	return resp.Header.Revision, nil
}

// Watch implements Store
func (s *EtcdStore) Watch(ctx context.Context, prefix string, fromRevision int64) (<-chan Event, error) {
	opts := []clientv3.OpOption{clientv3.WithPrefix(), clientv3.WithCreatedNotify()}
	if fromRevision > 0 {
		opts = append(opts, clientv3.WithRev(fromRevision))
	}

	wctx, cancel := context.WithCancel(clientv3.WithRequireLeader(ctx))
	wch := s.client.Watch(wctx, s.key(prefix), opts...)

	// The first response tells whether the start revision was compacted
	out := make(chan Event, defaultWatchBuffer)
	first, ok := <-wch
	if !ok {
		cancel()
		return nil, ErrUnavailable
	}
	if first.CompactRevision != 0 {
		cancel()
		return nil, ErrCompacted
	}
	if err := first.Err(); err != nil {
		cancel()
		return nil, s.wrap(err)
	}

	go func() {
		defer close(out)
		defer cancel()

		if !s.forward(ctx, out, first) {
			return
		}
		for resp := range wch {
			if resp.Canceled || resp.Err() != nil {
				log.Warn().Err(resp.Err()).Str("prefix", prefix).Msg("etcd watch ended")
				return
			}
			if !s.forward(ctx, out, resp) {
				return
			}
		}
	}()
	return out, nil
}

func (s *EtcdStore) forward(ctx context.Context, out chan<- Event, resp clientv3.WatchResponse) bool {
	for _, ev := range resp.Events {
		e := Event{Key: s.unkey(ev.Kv.Key), Revision: ev.Kv.ModRevision, Type: EventPut, Value: ev.Kv.Value}
		if ev.Type == clientv3.EventTypeDelete {
			e.Type = EventDelete
			e.Value = nil
		}
		select {
		case out <- e:
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// NewElector returns an elector backed by etcd's lease-based election
func (s *EtcdStore) NewElector(id string, ttl time.Duration) Elector {
	return &etcdElector{store: s, id: id, ttl: ttl}
}

// Close implements Store
func (s *EtcdStore) Close() error {
	return s.client.Close()
}

type etcdElector struct {
	store *EtcdStore
	id    string
	ttl   time.Duration
}

// Campaign implements Elector
func (e *etcdElector) Campaign(ctx context.Context) (Leadership, error) {
	session, err := concurrency.NewSession(e.store.client, concurrency.WithTTL(int(e.ttl.Seconds())), concurrency.WithContext(ctx))
	if err != nil {
		return nil, e.store.wrap(err)
	}

	election := concurrency.NewElection(session, e.store.key(LeaderKey))
	if err := election.Campaign(ctx, e.id); err != nil {
		session.Close()
		return nil, e.store.wrap(err)
	}

	return &etcdLeadership{
		session:  session,
		election: election,
		fence:    Check(e.store.unkey([]byte(election.Key())), election.Rev()),
	}, nil
}

type etcdLeadership struct {
	session  *concurrency.Session
	election *concurrency.Election
	fence    Op
}

func (l *etcdLeadership) Done() <-chan struct{} { return l.session.Done() }
func (l *etcdLeadership) Fence() Op             { return l.fence }

func (l *etcdLeadership) Resign(ctx context.Context) error {
	err := l.election.Resign(ctx)
	l.session.Close()
	return err
}
