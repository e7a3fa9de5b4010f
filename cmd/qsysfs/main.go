// Command qsysfs mounts remote IBM i source members as a local filesystem.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/crisrivlop/qsysfs/internal/config"
	"github.com/crisrivlop/qsysfs/internal/fusefs"
	"github.com/crisrivlop/qsysfs/internal/gateway"
	"github.com/crisrivlop/qsysfs/internal/ident"
	"github.com/crisrivlop/qsysfs/internal/logging"
	"github.com/crisrivlop/qsysfs/internal/metrics"
	"github.com/crisrivlop/qsysfs/internal/provider"
	"github.com/crisrivlop/qsysfs/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.InitDefault()
		logging.Fatal("load config", logging.Err(err))
	}

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		logging.InitDefault()
	}
	defer logging.Sync()

	settings := session.Settings{
		SourceDates: cfg.SourceDates,
		ReadOnly:    cfg.ReadOnly,
	}

	manager := session.NewManager(func(ctx context.Context) (*session.Session, error) {
		gw, err := gateway.DialSSH(gateway.SSHConfig{
			Host:     cfg.Host,
			Port:     cfg.Port,
			User:     cfg.User,
			Password: cfg.Password,
			KeyFile:  cfg.KeyFile,
			Timeout:  cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return &session.Session{
			Gateway:  gw,
			Caps:     session.Capabilities{SupportsSQL: gw.SupportsSQL()},
			CCSID:    gw.CCSID(ctx),
			Settings: settings,
		}, nil
	})

	p := provider.New(provider.Config{Source: manager})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Subscribe before connecting so the initial Connected event cannot
	// be published into an empty bus.
	events := manager.Bus().Subscribe()
	defer manager.Bus().Unsubscribe(events)
	go p.Run(ctx, events)

	if err := manager.Connect(ctx); err != nil {
		logging.Fatal("connect", logging.String("host", cfg.Host), logging.Err(err))
	}

	server, err := fusefs.Mount(&fusefs.Host{Provider: p, Source: manager}, cfg.MountPoint)
	if err != nil {
		logging.Fatal("mount", logging.String("mountpoint", cfg.MountPoint), logging.Err(err))
	}
	logging.Info("mounted",
		logging.String("host", cfg.Host),
		logging.String("mountpoint", cfg.MountPoint),
	)

	go serveAdmin(cfg.AdminAddr, p)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	logging.Info("unmounting")
	manager.Disconnect()
	if err := server.Unmount(); err != nil {
		logging.Error("unmount", logging.Err(err))
	}
	server.Wait()
}

// serveAdmin exposes metrics, provider state, and the cache-clear command.
func serveAdmin(addr string, p *provider.Provider) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"extended_member_support": p.ExtendedMemberSupport(),
		})
	})

	// POST /cache/clear?path=LIB/FILE/MEMBER.EXT clears one entry;
	// without a path it clears everything.
	mux.HandleFunc("/cache/clear", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		path := r.URL.Query().Get("path")
		if path != "" {
			path = ident.CanonicalPath(ident.Encode(path, ident.Options{}))
		}
		p.ClearCachedAttributes(path)
		w.WriteHeader(http.StatusOK)
	})

	// POST /log/level?level=debug adjusts logging at runtime.
	mux.HandleFunc("/log/level", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		logging.SetLevel(r.URL.Query().Get("level"))
		w.WriteHeader(http.StatusOK)
	})

	logging.Info("admin endpoint listening", logging.String("addr", addr))
	if err := http.ListenAndServe(addr, logging.Middleware(mux)); err != nil {
		logging.Error("admin endpoint", logging.Err(err))
	}
}
