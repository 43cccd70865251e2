package leader_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/k3s"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/jensholdgaard/gullybot/internal/config"
	"github.com/jensholdgaard/gullybot/internal/leader"
)

func k3sClient(t *testing.T, ctx context.Context) kubernetes.Interface {
	t.Helper()
	ctr, err := k3s.Run(ctx, "rancher/k3s:v1.31.6-k3s1")
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Fatalf("starting k3s container: %v", err)
	}
	kubeConfig, err := ctr.GetKubeConfig(ctx)
	if err != nil {
		t.Fatalf("getting kubeconfig: %v", err)
	}
	restCfg, err := clientcmd.RESTConfigFromKubeConfig(kubeConfig)
	if err != nil {
		t.Fatalf("building rest config: %v", err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		t.Fatalf("creating kubernetes client: %v", err)
	}
	return client
}

// replica runs one elector in the background and reports each term it wins.
type replica struct {
	elector *leader.Elector
	won     chan string
	cancel  context.CancelFunc
	done    chan error
}

func startReplica(t *testing.T, ctx context.Context, client kubernetes.Interface, name string) *replica {
	t.Helper()
	t.Setenv("POD_NAME", name)
	e, err := leader.New(client, config.LeaderElectionConfig{
		Enabled:        true,
		LeaseName:      "gullybot-failover",
		LeaseNamespace: "default",
		LeaseDuration:  5 * time.Second,
		RenewDeadline:  3 * time.Second,
		RetryPeriod:    1 * time.Second,
	}, slog.Default().With(slog.String("replica", name)))
	if err != nil {
		t.Fatalf("New(%s) error = %v", name, err)
	}

	rctx, cancel := context.WithCancel(ctx)
	r := &replica{elector: e, won: make(chan string, 4), cancel: cancel, done: make(chan error, 1)}
	go func() {
		r.done <- e.Run(rctx, leader.Callbacks{
			OnStarted: func(ctx context.Context) {
				r.won <- name
				<-ctx.Done()
			},
		})
	}()
	return r
}

// TestElector_Failover runs two replicas against a real k3s cluster and
// checks the standby takes over once the leader steps down.
func TestElector_Failover(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping k3s integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	client := k3sClient(t, ctx)

	a := startReplica(t, ctx, client, "replica-a")
	select {
	case <-a.won:
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for replica-a to lead")
	}

	b := startReplica(t, ctx, client, "replica-b")
	defer b.cancel()

	deadline := time.Now().Add(10 * time.Second)
	for b.elector.Leader() != "replica-a" {
		if time.Now().After(deadline) {
			t.Fatalf("replica-b observed leader %q, want replica-a", b.elector.Leader())
		}
		time.Sleep(200 * time.Millisecond)
	}
	if b.elector.IsLeader() {
		t.Fatal("replica-b leads while replica-a holds the lease")
	}

	// Releasing on cancel lets the standby take over without waiting for
	// the lease to expire.
	a.cancel()
	select {
	case err := <-a.done:
		if err != nil {
			t.Fatalf("replica-a Run() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for replica-a to stop")
	}

	select {
	case <-b.won:
	case <-time.After(30 * time.Second):
		t.Fatal("timed out waiting for replica-b to take over")
	}
	if !b.elector.IsLeader() {
		t.Errorf("replica-b Leader() = %q after takeover", b.elector.Leader())
	}
}
