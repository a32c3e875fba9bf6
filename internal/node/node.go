// Package node assembles a meshsync node: membership, transport, the receive
// state machine, the lock manager, the replication trigger and the watcher
// that feeds it.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/tunnelmesh/meshsync/internal/config"
	"github.com/tunnelmesh/meshsync/internal/coord/cluster"
	"github.com/tunnelmesh/meshsync/internal/coord/lock"
	"github.com/tunnelmesh/meshsync/internal/coord/replication"
	"github.com/tunnelmesh/meshsync/internal/coord/transport"
	"github.com/tunnelmesh/meshsync/internal/journal"
	"github.com/tunnelmesh/meshsync/internal/metrics"
	"github.com/tunnelmesh/meshsync/internal/syncpath"
	"github.com/tunnelmesh/meshsync/internal/trigger"
	"github.com/tunnelmesh/meshsync/internal/watcher"
)

const lockFile = "meshsync.lock"

// ErrDataDirLocked is returned when another process runs a node on the same
// data dir.
var ErrDataDirLocked = errors.New("data dir locked by another meshsync process")

// Distributor is the cluster operation surface of a node.
type Distributor = trigger.Distributor

// Options contains everything needed to build a node.
type Options struct {
	Config *config.Config
	Logger zerolog.Logger

	// Hub connects nodes of one process when cluster.bind is empty. A private
	// hub is used when nil.
	Hub *transport.Hub
	// Mutexes backs the memory mutex driver. Nodes sharing a hub must share
	// it too. A private backend is used when nil.
	Mutexes *lock.MemoryBackend
	// S3Client replaces the client built from mutex.s3 settings.
	S3Client lock.S3Client
}

// Node is one running member of a meshsync cluster.
type Node struct {
	config  *config.Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	dataLock *flock.Flock
	journal  journal.Journal
	roots    *syncpath.Roots

	membership replication.Membership
	transport  replication.Transport
	gossip     *cluster.Memberlist
	hubNode    *transport.HubNode
	mesh       *transport.Mesh

	receiver    *replication.Receiver
	dispatcher  *replication.Dispatcher
	distributor *replication.RequestDistributor
	locks       *lock.Manager
	scheduler   *trigger.TimerScheduler
	trigger     *trigger.Trigger
	watcher     *watcher.Watcher

	listener net.Listener
	server   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stopOnce sync.Once
}

// New builds a node and acquires its resources: the data dir lock, the
// journal, the HTTP listener and the cluster membership. Nothing is served
// until Start.
func New(ctx context.Context, opts Options) (_ *Node, err error) {
	cfg := opts.Config
	n := &Node{
		config: cfg,
		logger: opts.Logger.With().Str("node", cfg.Node.Name).Logger(),
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	var cleanups []func()
	defer func() {
		if err == nil {
			return
		}
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
		n.cancel()
	}()

	n.roots, err = syncpath.NewRoots(cfg.Roots())
	if err != nil {
		return nil, fmt.Errorf("sync dirs: %w", err)
	}

	if err := os.MkdirAll(cfg.Node.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	n.dataLock = flock.New(filepath.Join(cfg.Node.DataDir, lockFile))
	locked, err := n.dataLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock data dir: %w", err)
	}
	if !locked {
		return nil, ErrDataDirLocked
	}
	cleanups = append(cleanups, n.releaseDataDir)

	if cfg.Metrics.Enabled {
		n.metrics = metrics.InitMetrics(cfg.Node.Name)
	}

	n.journal, err = journal.Open(journal.Config{
		Driver:    cfg.Journal.Driver,
		Path:      cfg.Journal.Path,
		CacheSize: cfg.Journal.CacheSize,
		Logger:    n.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	cleanups = append(cleanups, func() { _ = n.journal.Close() })

	n.listener, err = net.Listen("tcp", cfg.Transport.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Transport.Listen, err)
	}
	cleanups = append(cleanups, func() { _ = n.listener.Close() })

	if cfg.Cluster.Bind != "" {
		// Seeds are joined in Start, once this node answers requests.
		n.gossip, err = cluster.New(cluster.Config{
			NodeName:      cfg.Node.Name,
			BindAddr:      cfg.Cluster.Bind,
			AdvertiseAddr: cfg.AdvertiseAddr(),
			Logger:        n.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("create cluster membership: %w", err)
		}
		cleanups = append(cleanups, func() { _ = n.gossip.Shutdown() })

		n.mesh = transport.NewMesh(transport.MeshConfig{
			Directory:      n.gossip,
			Compress:       cfg.Transport.Compress,
			MaxMessageSize: int64(cfg.Transport.MaxMessageSize),
			RateLimit:      cfg.Transport.RateLimit,
			RateBurst:      cfg.Transport.RateBurst,
			Logger:         n.logger,
		})
		n.membership, n.transport = n.gossip, n.mesh
	} else {
		hub := opts.Hub
		if hub == nil {
			hub = transport.NewHub()
		}
		n.hubNode = hub.Join(cfg.Node.Name)
		cleanups = append(cleanups, func() { _ = n.hubNode.Close() })
		n.membership, n.transport = n.hubNode, n.hubNode
	}

	mutex, err := n.buildMutex(ctx, opts)
	if err != nil {
		return nil, err
	}

	n.watcher = watcher.New(watcher.Config{
		Dirs:     n.roots.LocalDirs(),
		Ignore:   []string{replication.StagingPattern},
		Debounce: cfg.Sync.Debounce.Std(),
		Logger:   n.logger,
	})
	n.receiver = replication.NewReceiver(replication.ReceiverConfig{
		Roots:      n.roots,
		Suppressor: n.watcher,
		Logger:     n.logger,
		Metrics:    n.metrics,
	})
	n.dispatcher = replication.NewDispatcher(replication.DispatcherConfig{
		Transport:  n.transport,
		Membership: n.membership,
		Receiver:   n.receiver,
		Journal:    n.journal,
		Logger:     n.logger,
		Metrics:    n.metrics,
		Context:    n.ctx,
	})
	n.distributor = replication.NewRequestDistributor(replication.DistributorConfig{
		Transport:       n.transport,
		Membership:      n.membership,
		ResponseTimeout: cfg.Replication.ResponseTimeout.Std(),
		Logger:          n.logger,
		Metrics:         n.metrics,
	})
	n.locks = lock.NewManager(lock.ManagerConfig{
		Mutex:          mutex,
		Broadcaster:    n.distributor,
		AcquireTimeout: cfg.Mutex.AcquireTimeout.Std(),
		Lease:          cfg.Mutex.Lease.Std(),
		Logger:         n.logger,
		Metrics:        n.metrics,
	})
	n.scheduler = trigger.NewTimerScheduler(cfg.Sync.Workers)
	n.trigger = trigger.New(trigger.Config{
		Distributor: n,
		Scheduler:   n.scheduler,
		ChunkSize:   int(cfg.Sync.ChunkSize),
		RetryDelay:  cfg.Sync.RetryDelay.Std(),
		MaxAttempts: cfg.Sync.MaxAttempts,
		Logger:      n.logger,
		Metrics:     n.metrics,
	})
	n.server = &http.Server{
		Handler:           n.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return n, nil
}

func (n *Node) buildMutex(ctx context.Context, opts Options) (lock.Mutex, error) {
	cfg := n.config
	switch cfg.Mutex.Driver {
	case config.MutexS3:
		client := opts.S3Client
		if client == nil {
			c, err := lock.NewS3Client(ctx, lock.S3Options{
				Region:          cfg.Mutex.S3.Region,
				Endpoint:        cfg.Mutex.S3.Endpoint,
				AccessKeyID:     cfg.Mutex.S3.AccessKeyID,
				SecretAccessKey: cfg.Mutex.S3.SecretAccessKey,
				MaxRetries:      cfg.Mutex.S3.MaxRetries,
			})
			if err != nil {
				return nil, fmt.Errorf("create S3 client: %w", err)
			}
			client = c
		}
		return lock.NewS3Mutex(lock.S3MutexConfig{
			Client: client,
			Bucket: cfg.Mutex.S3.Bucket,
			Prefix: cfg.Mutex.S3.Prefix,
			Owner:  cfg.Node.Name,
			Logger: n.logger,
		}), nil
	default:
		backend := opts.Mutexes
		if backend == nil {
			backend = lock.NewMemoryBackend()
		}
		return backend.Mutex(cfg.Node.Name), nil
	}
}

// Start answers cluster requests, serves the HTTP API, joins the gossip
// seeds, starts watching the sync dirs and starts the periodic scans.
func (n *Node) Start() error {
	n.dispatcher.Start()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.server.Serve(n.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	if n.gossip != nil && len(n.config.Cluster.Seeds) > 0 {
		if err := n.gossip.Join(n.config.Cluster.Seeds); err != nil {
			n.logger.Warn().Err(err).Strs("seeds", n.config.Cluster.Seeds).Msg("failed to join some seed nodes (will retry via gossip)")
		}
	}

	if err := n.watcher.Start(n.ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	n.wg.Add(1)
	go n.watchLoop()

	n.wg.Add(1)
	go n.scanLoop(*n.config.Sync.InitialScan, n.config.Sync.RescanInterval.Std())

	n.logger.Info().
		Str("addr", n.Addr()).
		Strs("dirs", n.roots.LocalDirs()).
		Strs("members", n.membership.Members()).
		Msg("node started")
	return nil
}

// Stop shuts the node down: no new changes are picked up, running
// replication tasks finish, the node leaves the cluster, and its resources
// are released. ctx bounds the HTTP server shutdown.
func (n *Node) Stop(ctx context.Context) error {
	var errs []error
	n.stopOnce.Do(func() {
		n.logger.Info().Msg("stopping node")

		n.watcher.Stop()
		n.cancel()
		n.scheduler.Stop()

		if n.gossip != nil {
			if err := n.gossip.Leave(); err != nil {
				errs = append(errs, err)
			}
		}
		if n.hubNode != nil {
			_ = n.hubNode.Close()
		}
		n.dispatcher.Stop()

		if err := n.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown HTTP server: %w", err))
		}
		_ = n.listener.Close()
		n.wg.Wait()

		if n.gossip != nil {
			if err := n.gossip.Shutdown(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := n.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
		n.releaseDataDir()
		n.logger.Info().Msg("node stopped")
	})
	return errors.Join(errs...)
}

func (n *Node) releaseDataDir() {
	if !n.dataLock.Locked() {
		return
	}
	if err := n.dataLock.Unlock(); err != nil {
		n.logger.Warn().Err(err).Msg("failed to unlock data dir")
		return
	}
	_ = os.Remove(n.dataLock.Path())
}

// Name returns the node name.
func (n *Node) Name() string { return n.config.Node.Name }

// Addr returns the address the HTTP API listens on.
func (n *Node) Addr() string { return n.listener.Addr().String() }

// Members returns the current cluster members.
func (n *Node) Members() []string { return n.membership.Members() }

// Roots returns the sync dir mapping of the node.
func (n *Node) Roots() *syncpath.Roots { return n.roots }

// Pending returns the number of paths waiting for replication.
func (n *Node) Pending() int { return n.trigger.Pending() }
