package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gammadia/nimbus/cloud"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const AgentKeyPrefix = "/nimbus/agents/"

type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	Logger      *slog.Logger
}

// Etcd stores every agent as a JSON document under AgentKeyPrefix.
type Etcd struct {
	kv     clientv3.KV
	closer func() error
	log    *slog.Logger
}

// Etcd implements Store
var _ Store = (*Etcd)(nil)

func NewEtcd(config EtcdConfig) (*Etcd, error) {
	if len(config.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one etcd endpoint is required")
	}
	if config.DialTimeout == 0 {
		config.DialTimeout = 5 * time.Second
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: config.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	store := NewEtcdFromKV(client, config.Logger)
	store.closer = client.Close
	return store, nil
}

// NewEtcdFromKV wraps an existing key-value client. Closing the store does
// not close kv.
func NewEtcdFromKV(kv clientv3.KV, logger *slog.Logger) *Etcd {
	if logger == nil {
		logger = slog.Default()
	}
	return &Etcd{
		kv:     kv,
		closer: func() error { return nil },
		log:    logger,
	}
}

func (e *Etcd) PutAgent(ctx context.Context, agent *cloud.Agent) error {
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("failed to encode agent '%s': %w", agent.Name, err)
	}
	if _, err := e.kv.Put(ctx, AgentKeyPrefix+agent.Name, string(data)); err != nil {
		return fmt.Errorf("failed to store agent '%s': %w", agent.Name, classify(err))
	}
	return nil
}

func (e *Etcd) DeleteAgent(ctx context.Context, name string) error {
	if _, err := e.kv.Delete(ctx, AgentKeyPrefix+name); err != nil {
		return fmt.Errorf("failed to delete agent '%s': %w", name, classify(err))
	}
	return nil
}

// ListAgents skips documents that cannot be decoded.
func (e *Etcd) ListAgents(ctx context.Context) ([]*cloud.Agent, error) {
	resp, err := e.kv.Get(ctx, AgentKeyPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", classify(err))
	}

	agents := make([]*cloud.Agent, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var agent cloud.Agent
		if err := json.Unmarshal(kv.Value, &agent); err != nil {
			e.log.Warn("Ignoring unreadable agent record", "key", string(kv.Key), "error", err)
			continue
		}
		agents = append(agents, &agent)
	}
	sortAgents(agents)
	return agents, nil
}

func (e *Etcd) Close() error {
	return e.closer()
}

// classify tags transport level failures of the etcd client with
// ErrUnavailable.
func classify(err error) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	default:
		return err
	}
}
