// Package leader elects the single auctioneer replica through a Kubernetes
// Lease. Only the leader runs bidding sessions, transfer timers and the
// calendar; the others stay on standby and campaign again whenever the
// lease frees up.
package leader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/jensholdgaard/gullybot/internal/config"
)

// ErrInvalidConfig is returned for lease timings the election cannot run with.
var ErrInvalidConfig = errors.New("invalid leader election config")

// Callbacks react to election changes. Any of them may be nil.
type Callbacks struct {
	// OnStarted runs when this replica wins the lease. It should block until
	// ctx is done; ctx is cancelled when the lease is lost.
	OnStarted func(ctx context.Context)
	// OnStopped runs after each term of leadership ends.
	OnStopped func()
	// OnNewLeader runs whenever the observed lease holder changes, including
	// when this replica becomes the holder.
	OnNewLeader func(identity string)
}

// Elector campaigns for one lease on behalf of this replica.
type Elector struct {
	cfg      config.LeaderElectionConfig
	client   kubernetes.Interface
	identity string
	logger   *slog.Logger

	mu     sync.RWMutex
	holder string
}

// InClusterClient builds a clientset from the pod's service account.
func InClusterClient() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("building in-cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return client, nil
}

// New returns an elector identified by POD_NAME, falling back to the
// hostname.
func New(client kubernetes.Interface, cfg config.LeaderElectionConfig, logger *slog.Logger) (*Elector, error) {
	if cfg.LeaseName == "" || cfg.LeaseNamespace == "" {
		return nil, fmt.Errorf("%w: lease name and namespace are required", ErrInvalidConfig)
	}
	if cfg.LeaseDuration <= cfg.RenewDeadline {
		return nil, fmt.Errorf("%w: lease duration %s must exceed renew deadline %s",
			ErrInvalidConfig, cfg.LeaseDuration, cfg.RenewDeadline)
	}
	if cfg.RetryPeriod <= 0 || cfg.RenewDeadline <= cfg.RetryPeriod {
		return nil, fmt.Errorf("%w: renew deadline %s must exceed retry period %s",
			ErrInvalidConfig, cfg.RenewDeadline, cfg.RetryPeriod)
	}
	return &Elector{
		cfg:      cfg,
		client:   client,
		identity: identity(),
		logger:   logger,
	}, nil
}

// identity returns a unique identity for this instance.
func identity() string {
	if name := os.Getenv("POD_NAME"); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// Identity is the name this replica campaigns under.
func (e *Elector) Identity() string { return e.identity }

// Leader reports the last observed lease holder, empty before the first
// observation.
func (e *Elector) Leader() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.holder
}

// IsLeader reports whether this replica holds the lease.
func (e *Elector) IsLeader() bool { return e.Leader() == e.identity }

// Run campaigns until ctx is done. After a term ends the replica returns to
// standby and campaigns again.
func (e *Elector) Run(ctx context.Context, cb Callbacks) error {
	e.logger.InfoContext(ctx, "starting leader election",
		slog.String("identity", e.identity),
		slog.String("lease", e.cfg.LeaseName),
		slog.String("namespace", e.cfg.LeaseNamespace),
	)

	le, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock: &resourcelock.LeaseLock{
			LeaseMeta: metav1.ObjectMeta{
				Name:      e.cfg.LeaseName,
				Namespace: e.cfg.LeaseNamespace,
			},
			Client:     e.client.CoordinationV1(),
			LockConfig: resourcelock.ResourceLockConfig{Identity: e.identity},
		},
		LeaseDuration:   e.cfg.LeaseDuration,
		RenewDeadline:   e.cfg.RenewDeadline,
		RetryPeriod:     e.cfg.RetryPeriod,
		ReleaseOnCancel: true,
		Name:            e.cfg.LeaseName,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: func(ctx context.Context) {
				e.logger.InfoContext(ctx, "acquired leadership", slog.String("identity", e.identity))
				if cb.OnStarted != nil {
					cb.OnStarted(ctx)
				}
			},
			OnStoppedLeading: func() {
				e.logger.Info("lost leadership", slog.String("identity", e.identity))
				e.observe("")
				if cb.OnStopped != nil {
					cb.OnStopped()
				}
			},
			OnNewLeader: func(holder string) {
				e.observe(holder)
				if holder != e.identity {
					e.logger.InfoContext(ctx, "new leader elected", slog.String("leader", holder))
				}
				if cb.OnNewLeader != nil {
					cb.OnNewLeader(holder)
				}
			},
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	for {
		le.Run(ctx)
		if ctx.Err() != nil {
			return nil
		}
		e.logger.InfoContext(ctx, "back on standby, campaigning again", slog.String("identity", e.identity))
	}
}

func (e *Elector) observe(holder string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.holder = holder
}
