package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	dialTimeout = 5 * time.Second
	leaseTTL    = 10 // seconds
)

// Registrar announces this gateway worker in etcd so load balancers and
// peers can discover it. The registration rides a lease kept alive in
// the background; losing the keepalive triggers a re-registration with
// a fresh lease.
type Registrar struct {
	client      *clientv3.Client
	logger      *zap.Logger
	mu          sync.Mutex
	leaseID     clientv3.LeaseID
	keepAliveCh <-chan *clientv3.LeaseKeepAliveResponse
	workerKey   string
	workerValue string
	closed      bool
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewRegistrar connects to etcd.
func NewRegistrar(endpoints []string, logger *zap.Logger) (*Registrar, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("no etcd endpoints configured")
	}

	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	logger.Info("etcd client connected", zap.Strings("endpoints", endpoints))

	return &Registrar{
		client: client,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Register announces the worker under prefix/workerID, pointing peers at
// addr.
func (r *Registrar) Register(prefix, workerID, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return fmt.Errorf("registrar is closed")
	}

	r.workerKey = fmt.Sprintf("%s/%s", prefix, workerID)
	r.workerValue = addr

	if err := r.registerLocked(); err != nil {
		return err
	}

	r.logger.Info("worker registered",
		zap.String("key", r.workerKey),
		zap.String("addr", addr),
	)
	return nil
}

// registerLocked grants a lease, writes the key and starts the
// keepalive watcher. Caller holds r.mu.
func (r *Registrar) registerLocked() error {
	lease, err := r.client.Grant(r.ctx, leaseTTL)
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}
	r.leaseID = lease.ID

	_, err = r.client.Put(r.ctx, r.workerKey, r.workerValue, clientv3.WithLease(lease.ID))
	if err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}

	keepAliveCh, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("failed to keep lease alive: %w", err)
	}
	r.keepAliveCh = keepAliveCh

	go r.watchKeepAlive()
	return nil
}

func (r *Registrar) watchKeepAlive() {
	for {
		select {
		case <-r.ctx.Done():
			return
		case resp, ok := <-r.keepAliveCh:
			if !ok {
				r.logger.Warn("keepalive channel closed, re-registering")
				r.mu.Lock()
				if !r.closed && r.workerKey != "" {
					if err := r.registerLocked(); err != nil {
						r.logger.Error("failed to re-register worker", zap.Error(err))
					}
				}
				r.mu.Unlock()
				return
			}
			if resp != nil {
				r.logger.Debug("lease keepalive", zap.Int64("ttl", resp.TTL))
			}
		}
	}
}

// Workers lists the currently registered workers under prefix, keyed by
// registration key.
func (r *Registrar) Workers(ctx context.Context, prefix string) (map[string]string, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("registrar is closed")
	}

	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}

	workers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		workers[string(kv.Key)] = string(kv.Value)
	}
	return workers, nil
}

// Close deletes the registration, revokes the lease and closes the
// client. Idempotent.
func (r *Registrar) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if r.workerKey != "" {
		_, _ = r.client.Delete(context.Background(), r.workerKey)
	}
	if r.leaseID != 0 {
		_, _ = r.client.Revoke(context.Background(), r.leaseID)
	}

	r.cancel()
	err := r.client.Close()

	r.logger.Info("worker unregistered", zap.String("key", r.workerKey))
	return err
}
