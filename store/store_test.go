package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gammadia/nimbus/cloud"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// --- Fake etcd KV ---

// fakeKV only implements the calls the store makes. Get always matches by
// prefix.
type fakeKV struct {
	clientv3.KV

	mu   sync.Mutex
	data map[string]string
	err  error
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: make(map[string]string)}
}

func (kv *fakeKV) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.err != nil {
		return nil, kv.err
	}
	kv.data[key] = val
	return &clientv3.PutResponse{}, nil
}

func (kv *fakeKV) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.err != nil {
		return nil, kv.err
	}

	var keys []string
	for k := range kv.data {
		if strings.HasPrefix(k, key) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	resp := &clientv3.GetResponse{}
	for _, k := range keys {
		resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(k), Value: []byte(kv.data[k])})
	}
	return resp, nil
}

func (kv *fakeKV) Delete(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if kv.err != nil {
		return nil, kv.err
	}
	delete(kv.data, key)
	return &clientv3.DeleteResponse{}, nil
}

// --- Helpers ---

var silentLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testAgent(name string) *cloud.Agent {
	return &cloud.Agent{
		Name:        name,
		DisplayName: "display-" + name,
		Cloud:       "openstack",
		TemplateID:  "small",
		ResourceID:  "res-" + name,
		Address:     "10.0.0.1",
		Port:        22,
		Slots:       2,
		Labels:      []string{"linux"},
		Reclaim:     cloud.ReclaimStop,
		CreatedAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func testStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	assert.Empty(t, agents)

	require.NoError(t, s.PutAgent(ctx, testAgent("b")))
	require.NoError(t, s.PutAgent(ctx, testAgent("a")))

	agents, err = s.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, testAgent("a"), agents[0])
	assert.Equal(t, testAgent("b"), agents[1])

	updated := testAgent("a")
	updated.Address = "10.0.0.2"
	require.NoError(t, s.PutAgent(ctx, updated))
	require.NoError(t, s.DeleteAgent(ctx, "b"))
	require.NoError(t, s.DeleteAgent(ctx, "missing"))

	agents, err = s.ListAgents(ctx)
	require.NoError(t, err)
	assert.Equal(t, []*cloud.Agent{updated}, agents)

	assert.NoError(t, s.Close())
}

// --- Tests ---

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemory())
}

func TestMemoryStoreCopiesAgents(t *testing.T) {
	s := NewMemory()
	agent := testAgent("a")
	require.NoError(t, s.PutAgent(context.Background(), agent))
	agent.Address = "changed"

	agents, err := s.ListAgents(context.Background())
	require.NoError(t, err)
	agents[0].Labels[0] = "changed"

	agents, err = s.ListAgents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", agents[0].Address)
	assert.Equal(t, []string{"linux"}, agents[0].Labels)
}

func TestEtcdStore(t *testing.T) {
	testStore(t, NewEtcdFromKV(newFakeKV(), silentLogger))
}

func TestEtcdStoreKeysAndEncoding(t *testing.T) {
	kv := newFakeKV()
	s := NewEtcdFromKV(kv, silentLogger)
	require.NoError(t, s.PutAgent(context.Background(), testAgent("a")))

	value, ok := kv.data["/nimbus/agents/a"]
	require.True(t, ok)
	assert.Contains(t, value, `"resource-id":"res-a"`)
	assert.Contains(t, value, `"reclaim":"stop"`)
}

func TestEtcdStoreSkipsUnreadableRecords(t *testing.T) {
	kv := newFakeKV()
	s := NewEtcdFromKV(kv, silentLogger)
	require.NoError(t, s.PutAgent(context.Background(), testAgent("a")))
	kv.data[AgentKeyPrefix+"broken"] = "{not json"

	agents, err := s.ListAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "a", agents[0].Name)
}

func TestEtcdStoreErrors(t *testing.T) {
	kv := newFakeKV()
	kv.err = errors.New("etcdserver: request timed out")
	s := NewEtcdFromKV(kv, silentLogger)

	err := s.PutAgent(context.Background(), testAgent("a"))
	assert.EqualError(t, err, "failed to store agent 'a': etcdserver: request timed out")

	err = s.DeleteAgent(context.Background(), "a")
	assert.EqualError(t, err, "failed to delete agent 'a': etcdserver: request timed out")

	_, err = s.ListAgents(context.Background())
	assert.ErrorIs(t, err, kv.err)
}

func TestEtcdStoreUnavailable(t *testing.T) {
	kv := newFakeKV()
	kv.err = status.Error(codes.Unavailable, "etcdserver: no leader")
	s := NewEtcdFromKV(kv, silentLogger)

	err := s.PutAgent(context.Background(), testAgent("a"))
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, codes.Unavailable, status.Code(err), "the grpc status stays reachable")

	_, err = s.ListAgents(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)

	kv.err = status.Error(codes.PermissionDenied, "etcdserver: permission denied")
	err = s.DeleteAgent(context.Background(), "a")
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestNewEtcdRequiresEndpoints(t *testing.T) {
	_, err := NewEtcd(EtcdConfig{})
	assert.EqualError(t, err, "at least one etcd endpoint is required")
}
