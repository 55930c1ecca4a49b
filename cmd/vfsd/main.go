// Command vfsd is the merged local/external virtual filesystem daemon
// (spec.md §1): it loads a sync pair configuration, mounts each pair's
// FUSE virtual directory over its Target mountpoint, and serves an
// operator HTTP API for vfsctl. Command registration follows the
// teacher's `init()`-registers-flags idiom with RunE returning
// wrapped errors.
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

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mergefs/vfsd/internal/config"
	"github.com/mergefs/vfsd/internal/control"
	"github.com/mergefs/vfsd/internal/core"
	"github.com/mergefs/vfsd/internal/events"
	"github.com/mergefs/vfsd/internal/fuseadapter"
	"github.com/mergefs/vfsd/internal/helper"
	"github.com/mergefs/vfsd/internal/metrics"
	"github.com/mergefs/vfsd/internal/model"
	"github.com/mergefs/vfsd/internal/vfslog"
)

var (
	configPath string
	listenAddr string
	helperAddr string
	readOnly   bool
	debugFUSE  bool
	jsonLogs   bool
	logLevel   string
)

// Root is the top-level vfsd command, exported so tests can drive it the
// way cmd/version's own tests drive cmd.Root.
var Root = &cobra.Command{
	Use:   "vfsd",
	Short: "Merged local/external virtual filesystem daemon",
	RunE:  run,
}

func init() {
	flags := Root.PersistentFlags()
	flags.StringVar(&configPath, "config", "/etc/vfsd/config.yaml", "path to the YAML sync pair configuration")
	flags.StringVar(&listenAddr, "listen-addr", "127.0.0.1:9847", "address the operator control API listens on")
	flags.StringVar(&helperAddr, "helper-addr", "", "base URL of the privileged helper process, empty disables it")
	flags.BoolVar(&readOnly, "read-only", false, "mount every pair read-only")
	flags.BoolVar(&debugFUSE, "debug-fuse", false, "enable go-fuse debug logging")
	flags.BoolVar(&jsonLogs, "json-logs", false, "emit structured JSON logs instead of text")
	flags.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
}

func main() {
	if err := Root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if jsonLogs {
		vfslog.SetJSON()
	}
	vfslog.SetLevel(logLevel)
	log := vfslog.For("vfsd")

	cfg, err := config.Load(configPath)
	if err != nil {
		return errors.Wrapf(err, "loading config %s", configPath)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating data dir %s", cfg.DataDir)
	}

	var helperClient helper.Client
	if helperAddr != "" {
		roots := make([]string, 0, len(cfg.Pairs)*2)
		for _, p := range cfg.Pairs {
			roots = append(roots, p.LocalRoot, p.ExternalRoot)
		}
		helperClient = helper.NewGuardedClient(helper.NewHTTPClient(helperAddr, nil), helper.NewPathGuard(roots...))
	}

	bus := events.New()
	reg := metrics.New()

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.Subscribe(rootCtx, bus)

	pairs := make(map[string]*core.Pair, len(cfg.Pairs))
	specs := make(map[string]model.SyncPair, len(cfg.Pairs))
	var mounts []*fuse.Server

	for _, spec := range cfg.Pairs {
		pair, err := core.Open(cfg, spec, bus, helperClient)
		if err != nil {
			return errors.Wrapf(err, "opening sync pair %s", spec.ID)
		}
		if err := pair.Start(rootCtx); err != nil {
			return errors.Wrapf(err, "starting background tasks for pair %s", spec.ID)
		}
		pairs[spec.ID] = pair
		specs[spec.ID] = spec

		if spec.Target == "" {
			continue
		}
		srv, err := pair.Mount(spec.Target, fuseadapter.MountOptions{
			FSName:     "vfsd-" + spec.ID,
			ReadOnly:   readOnly,
			Debug:      debugFUSE,
			AllowOther: true,
		})
		if err != nil {
			return errors.Wrapf(err, "mounting pair %s at %s", spec.ID, spec.Target)
		}
		mounts = append(mounts, srv)
		log.Infof("mounted pair %s at %s", spec.ID, spec.Target)
		go func(pairID, target string, srv *fuse.Server) {
			srv.Wait()
			log.Infof("mount for pair %s at %s exited", pairID, target)
		}(spec.ID, spec.Target, srv)
	}

	ctl := control.New(pairs, specs, bus, reg)
	listener, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return errors.Wrapf(err, "listening on %s", listenAddr)
	}
	httpSrv := &http.Server{Handler: ctl.Handler()}
	go func() {
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("control API stopped: %v", err)
		}
	}()
	log.Infof("control API listening on %s", listenAddr)

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warnf("systemd notify failed: %v", err)
	} else if ok {
		log.Infof("notified systemd of readiness")
		stopWatchdog := startWatchdog(rootCtx, log)
		defer stopWatchdog()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Infof("shutting down")

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	_ = httpSrv.Shutdown(context.Background())
	for _, srv := range mounts {
		_ = srv.Unmount()
	}
	cancel()
	for _, pair := range pairs {
		_ = pair.Close()
	}
	return nil
}

// startWatchdog pings systemd's WATCHDOG= socket at half the interval the
// unit file declares, if any (Type=notify + WatchdogSec=). Returns a no-op
// stop func when watchdog support isn't configured.
func startWatchdog(ctx context.Context, log *logrus.Entry) func() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return func() {}
	}
	ticker := time.NewTicker(interval / 2)
	done := make(chan struct{})
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					log.Warnf("watchdog notify failed: %v", err)
				}
			}
		}
	}()
	return func() { close(done) }
}
