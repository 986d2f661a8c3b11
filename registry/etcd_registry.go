// etcd-backed Announcer.
//
// etcd is a distributed key-value store with strong consistency (Raft).
// We use it as a "distributed phonebook" for APIs:
//
//	Key:   /lightbus/apis/{apiName}/{instanceID}
//	Value: JSON-encoded Instance
//
// Announcements use TTL-based leases: if the process crashes, the lease
// expires and the entry is removed automatically — no ghost instances.
package registry

import (
	"context"
	"encoding/json"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/lightbus/apis/"

// Etcd implements Announcer using etcd v3.
type Etcd struct {
	client *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
}

// NewEtcd creates an announcer connected to the given etcd endpoints.
func NewEtcd(endpoints []string) (*Etcd, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return &Etcd{client: c}, nil
}

// Announce writes the instance under the API's prefix with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to renew the lease in the background
//
// The lease id stays a local variable: multiple goroutines may share one
// Etcd value and storing it on the struct would race.
func (r *Etcd) Announce(apiName string, inst Instance, ttl int64) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(inst)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, keyPrefix+apiName+"/"+inst.ID, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}

	// Drain KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Withdraw removes the announcement. Called during graceful shutdown,
// before the transport goes away.
func (r *Etcd) Withdraw(apiName string, instanceID string) error {
	ctx := context.TODO()
	_, err := r.client.Delete(ctx, keyPrefix+apiName+"/"+instanceID)
	return err
}

// Discover returns all instances currently announcing apiName.
func (r *Etcd) Discover(apiName string) ([]Instance, error) {
	ctx := context.TODO()
	prefix := keyPrefix + apiName + "/"

	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]Instance, 0)
	for _, kv := range resp.Kvs {
		var inst Instance
		if err := json.Unmarshal(kv.Value, &inst); err != nil {
			continue // skip malformed entries
		}
		instances = append(instances, inst)
	}

	return instances, nil
}

// Watch monitors an API prefix and emits updated instance lists whenever
// announcements change (new instances, withdrawals, lease expirations).
// Uses etcd's Watch API (server-push), which beats polling.
func (r *Etcd) Watch(apiName string) <-chan []Instance {
	ctx := context.TODO()
	ch := make(chan []Instance, 1)
	prefix := keyPrefix + apiName + "/"

	go func() {
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			// On any change, re-fetch the full list — simpler than
			// folding individual watch events into local state.
			instances, _ := r.Discover(apiName)
			ch <- instances
		}
	}()

	return ch
}

// Close releases the etcd client connection.
func (r *Etcd) Close() error {
	return r.client.Close()
}
