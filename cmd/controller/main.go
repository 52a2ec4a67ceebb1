// Command controller runs the storage control plane: the Registry/Node sync
// engine, the Volume Manager, the CSI Controller/Identity services, the CRD
// reconciler bridge and the node-registration message bus adapter, all in
// one process.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	csispec "github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	ctrl "sigs.k8s.io/controller-runtime"

	storagev1 "github.com/blockpool-io/csi-controller/pkg/apis/storage/v1"
	"github.com/blockpool-io/csi-controller/pkg/csi"
	"github.com/blockpool-io/csi-controller/pkg/log"
	"github.com/blockpool-io/csi-controller/pkg/messagebus"
	"github.com/blockpool-io/csi-controller/pkg/metrics"
	"github.com/blockpool-io/csi-controller/pkg/reconciler"
	"github.com/blockpool-io/csi-controller/pkg/registry"
	"github.com/blockpool-io/csi-controller/pkg/rpc"
	"github.com/blockpool-io/csi-controller/pkg/store"
	"github.com/blockpool-io/csi-controller/pkg/volume"
	"google.golang.org/grpc"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "controller",
	Short: "blockpool storage controller",
	RunE:  runController,
}

func init() {
	flags := rootCmd.Flags()
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("log-json", false, "emit structured JSON logs instead of the nested text format")
	flags.String("grpc-bind", ":10125", "bind address for the CSI Controller/Identity gRPC service")
	flags.String("metrics-bind", ":9090", "bind address for the Prometheus metrics endpoint")
	flags.String("data-dir", "/var/lib/blockpool-controller", "directory for the persistent recovery store")
	flags.String("nats-url", "", "node registration message bus URL; the adapter is disabled if empty")
	flags.Bool("enable-reconcilers", true, "watch Node/Volume custom resources and bridge them to the Registry/Volume Manager")
	flags.Duration("node-sync-period", 0, "Node sync interval after a successful sync (0 uses the package default)")
	flags.Duration("node-sync-retry", 0, "Node sync interval after a failed sync (0 uses the package default)")
}

func runController(cmd *cobra.Command, _ []string) error {
	flags := cmd.Flags()
	logLevel, _ := flags.GetString("log-level")
	logJSON, _ := flags.GetBool("log-json")
	grpcBind, _ := flags.GetString("grpc-bind")
	metricsBind, _ := flags.GetString("metrics-bind")
	dataDir, _ := flags.GetString("data-dir")
	natsURL, _ := flags.GetString("nats-url")
	enableReconcilers, _ := flags.GetBool("enable-reconcilers")
	syncPeriod, _ := flags.GetDuration("node-sync-period")
	syncRetry, _ := flags.GetDuration("node-sync-retry")

	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	root := log.Root()

	recoveryStore, err := store.Open(dataDir)
	if err != nil {
		return fmt.Errorf("open recovery store: %w", err)
	}
	defer recoveryStore.Close()

	reg := registry.New(registry.Config{
		SyncPeriod: syncPeriod,
		SyncRetry:  syncRetry,
		Dial: func(ctx context.Context, name, endpoint string) (registry.NodeClient, error) {
			return rpc.Dial(ctx, name, endpoint)
		},
	})

	mgr := volume.NewManager(reg, recoveryStore)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	mgr.Run(ctx)

	server := csi.NewServer()
	server.MakeReady(reg, mgr)

	var adapter *messagebus.Adapter
	if natsURL != "" {
		adapter, err = messagebus.Connect(natsURL, reg)
		if err != nil {
			return fmt.Errorf("connect to message bus: %w", err)
		}
		defer adapter.Close()
	} else {
		root.Info("nats-url not set, message bus adapter disabled")
	}

	if enableReconcilers {
		startReconcilers(ctx, reg, mgr, root)
	} else {
		root.Info("reconcilers disabled")
	}

	grpcSrv := grpc.NewServer()
	csispec.RegisterIdentityServer(grpcSrv, server)
	csispec.RegisterControllerServer(grpcSrv, server)

	lis, err := net.Listen("tcp", grpcBind)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", grpcBind, err)
	}

	grpcErr := make(chan error, 1)
	go func() {
		root.WithField("addr", grpcBind).Info("serving CSI controller plugin")
		grpcErr <- grpcSrv.Serve(lis)
	}()

	metricsSrv := &http.Server{Addr: metricsBind, Handler: metricsMux()}
	go func() {
		root.WithField("addr", metricsBind).Info("serving metrics")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			root.WithError(err).Error("metrics server exited")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sig:
		root.Info("shutdown signal received")
	case err := <-grpcErr:
		if err != nil {
			root.WithError(err).Error("grpc server exited")
		}
	}

	server.UndoReady()
	grpcSrv.GracefulStop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	mgr.Stop()
	cancel()

	root.Info("shutdown complete")
	return nil
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// startReconcilers wires the CRD reconciler bridge if a Kubernetes client
// config is available. A misconfigured cluster (no in-cluster service
// account, no KUBECONFIG) is not fatal: the controller still serves CSI
// directly against the Registry/Volume Manager without the CRD mirror.
func startReconcilers(ctx context.Context, reg *registry.Registry, mgr *volume.Manager, root *logrus.Entry) {
	cfg, err := ctrl.GetConfig()
	if err != nil {
		root.WithError(err).Warn("no kubernetes client config available, CRD reconcilers disabled")
		return
	}
	client, err := storagev1.NewForConfig(cfg)
	if err != nil {
		root.WithError(err).Warn("failed to build storage.blockpool.io client, CRD reconcilers disabled")
		return
	}

	nodeReconciler := reconciler.NewNodeReconciler(client.Nodes(), reg)
	volumeReconciler := reconciler.NewVolumeReconciler(client.Volumes(), mgr)
	nodeReconciler.Run(ctx)
	volumeReconciler.Run(ctx)
	root.Info("CRD reconcilers started")
}
