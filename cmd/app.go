// SPDX-License-Identifier: AGPL-3.0-or-later

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/edgefleet/edgefleet/internal/configloader"
	"github.com/edgefleet/edgefleet/internal/coredb"
	"github.com/edgefleet/edgefleet/internal/engine"
	"github.com/edgefleet/edgefleet/internal/events"
	"github.com/edgefleet/edgefleet/internal/executor"
	"github.com/edgefleet/edgefleet/internal/executor/container"
	"github.com/edgefleet/edgefleet/internal/inventory"
	"github.com/edgefleet/edgefleet/internal/meshvpn"
	"github.com/edgefleet/edgefleet/internal/paths"
	"github.com/edgefleet/edgefleet/internal/policy"
	"github.com/edgefleet/edgefleet/internal/registry"
	"github.com/edgefleet/edgefleet/internal/types"
	"github.com/edgefleet/edgefleet/internal/validate"
)

// app is the wired orchestrator for one CLI invocation.
type app struct {
	cfg    *types.FleetConfig
	logger *slog.Logger

	db        *coredb.DB
	records   *coredb.RecordStore
	inv       *inventory.Inventory
	engine    *engine.Engine
	validator *validate.Validator

	recorded *executor.Sessions
	probes   *executor.Sessions
	nats     *events.NATSSink
}

// openApp loads the fleet file and wires storage, executors, the engine and
// the validator. Step events go to eventOut.
func openApp(ctx context.Context, opts *globalOptions, eventOut io.Writer) (*app, error) {
	logger := opts.logger(os.Stderr)

	cfg, err := configloader.Load(opts.fleetPath())
	if err != nil {
		return nil, err
	}
	runtime, err := container.ResolveRuntime(cfg.Settings.ContainerRuntime, opts.local)
	if err != nil {
		return nil, err
	}
	cfg.Settings.ContainerRuntime = string(runtime)
	reg, err := registry.New(cfg.Workloads)
	if err != nil {
		return nil, fmt.Errorf("workloads: %w", err)
	}
	pol, err := policy.Resolve(cfg.Policy)
	if err != nil {
		return nil, err
	}
	if err := reg.SetPolicy(pol); err != nil {
		return nil, fmt.Errorf("workloads: %w", err)
	}

	db, err := coredb.Open(ctx, coredb.Options{
		DataDir:        paths.DataDir(),
		OutputMaxBytes: cfg.Settings.RecordOutputMax,
	})
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, db: db, records: coredb.NewRecordStore(db)}

	mesh := meshvpn.Client{Binary: cfg.Mesh.Binary, LoginServer: cfg.Mesh.LoginServer, Interface: cfg.Mesh.Interface}
	a.inv, err = inventory.FromConfig(ctx, cfg,
		inventory.WithStore(coredb.NewNodeStore(db)),
		inventory.WithResolver(meshvpn.NewResolver(mesh, cfg.Mesh.CacheTTL)),
		inventory.WithLogger(logger),
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	authKey := configloader.MeshAuthKey(cfg)
	redact := events.NewLineRedactor([]string{authKey})

	base := a.executorFactory(opts.local)
	a.recorded = executor.NewSessions(func(node inventory.Node) (executor.Executor, error) {
		ex, err := base(node)
		if err != nil {
			return nil, err
		}
		return executor.NewRecorder(ex, a.records, logger, redact), nil
	})
	a.probes = executor.NewSessions(base)

	var sinks []events.Sink
	if eventOut != nil {
		sinks = append(sinks, events.NewEmitter(eventOut, opts.jsonEvents()))
	}
	if url := cfg.Settings.NatsURL; url != "" {
		sink, err := events.ConnectNATS(url, logger)
		if err != nil {
			logger.Warn("event publishing disabled", slog.String("error", err.Error()))
		} else {
			a.nats = sink
			sinks = append(sinks, sink)
		}
	}

	a.engine, err = engine.New(engine.Config{
		Inventory:   a.inv,
		Records:     a.records,
		Sessions:    a.recorded,
		Registry:    reg,
		Settings:    cfg.Settings,
		Phases:      cfg.Phases,
		AllowPorts:  cfg.Exposure.AllowPorts,
		Mesh:        mesh,
		MeshAuthKey: authKey,
		Sink:        events.NewCompositeSink(sinks...),
		Logger:      logger,
		Redact:      redact,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.validator, err = validate.New(validate.Config{
		Inventory:       a.inv,
		Sessions:        a.probes,
		Registry:        reg,
		Runtime:         runtime,
		Mesh:            mesh,
		AllowPorts:      cfg.Exposure.AllowPorts,
		HealthEndpoints: cfg.HealthEndpoints,
		ProbeTimeout:    cfg.Settings.ProbeTimeout,
		Concurrency:     cfg.Settings.Concurrency,
		Logger:          logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// executorFactory picks the local executor for this host and SSH otherwise.
func (a *app) executorFactory(forceLocal bool) executor.Factory {
	hostname, _ := os.Hostname()
	var (
		once     sync.Once
		sshCfg   executor.SSHConfig
		sshErr   error
		settings = a.cfg.Settings
	)
	loadSSH := func() (executor.SSHConfig, error) {
		once.Do(func() {
			if strings.TrimSpace(settings.SSH.KeyPath) == "" {
				sshErr = errors.New("settings.ssh.key_path is required for remote nodes")
				return
			}
			var signer ssh.Signer
			signer, sshErr = executor.LoadSigner(settings.SSH.KeyPath)
			if sshErr != nil {
				return
			}
			var cb ssh.HostKeyCallback
			cb, sshErr = executor.HostKeyCallback(settings.SSH.KnownHosts)
			if sshErr != nil {
				return
			}
			sshCfg = executor.SSHConfig{
				User:            settings.SSH.User,
				Port:            settings.SSH.Port,
				Signer:          signer,
				HostKeyCallback: cb,
				DefaultTimeout:  settings.CommandTimeout,
			}
		})
		return sshCfg, sshErr
	}

	return func(node inventory.Node) (executor.Executor, error) {
		if forceLocal || isLocalNode(node, hostname) {
			local := executor.NewLocal()
			local.DefaultTimeout = settings.CommandTimeout
			return local, nil
		}
		cfg, err := loadSSH()
		if err != nil {
			return nil, err
		}
		if node.User != "" {
			cfg.User = node.User
		}
		if node.Port != 0 {
			cfg.Port = node.Port
		}
		return executor.NewSSH(cfg, a.inv, a.logger.With(slog.String("node", node.ID))), nil
	}
}

func isLocalNode(node inventory.Node, hostname string) bool {
	switch strings.ToLower(node.Host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return hostname != "" && strings.EqualFold(node.ID, hostname)
}

// selectNodes resolves selectors to node IDs in fleet order. A selector is
// a node ID or a role name; no selectors selects every node.
func (a *app) selectNodes(args []string) ([]string, error) {
	if len(args) == 0 {
		nodes := a.inv.List()
		ids := make([]string, 0, len(nodes))
		for _, n := range nodes {
			ids = append(ids, n.ID)
		}
		return ids, nil
	}
	seen := make(map[string]struct{})
	var ids []string
	add := func(id string) {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	for _, sel := range args {
		_, err := a.inv.Get(sel)
		if err == nil {
			add(sel)
			continue
		}
		role, rerr := inventory.ParseRole(sel)
		if rerr != nil {
			return nil, err
		}
		nodes := a.inv.ListByRole(role)
		if len(nodes) == 0 {
			return nil, fmt.Errorf("no nodes with role %s", role)
		}
		for _, n := range nodes {
			add(n.ID)
		}
	}
	return ids, nil
}

// Close releases sessions, the event connection and the DB.
func (a *app) Close() {
	if a.recorded != nil {
		if err := a.recorded.Close(); err != nil {
			a.logger.Warn("close sessions", slog.String("error", err.Error()))
		}
	}
	if a.probes != nil {
		_ = a.probes.Close()
	}
	if a.nats != nil {
		a.nats.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
