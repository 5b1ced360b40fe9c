// Command entityd runs an in-process entity server stripe: one active
// node serving a demo workload plus any number of passives kept current
// through replication and bulk sync.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/therealutkarshpriyadarshi/entityd/pkg/comm"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/config"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/entity"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/kv"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/persistence"
	"github.com/therealutkarshpriyadarshi/entityd/pkg/server"
)

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "entityd",
		Short: "Clustered entity server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configPath != "" {
				loaded, err := config.Load(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML configuration")
	return cmd
}

func newLogger(level string) (logr.Logger, error) {
	zcfg := zap.NewProductionConfig()
	switch level {
	case "debug":
		zcfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "error":
		zcfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	}
	zlog, err := zcfg.Build()
	if err != nil {
		return logr.Logger{}, fmt.Errorf("building logger: %w", err)
	}
	return zapr.NewLogger(zlog), nil
}

// node is one assembled stripe member.
type node struct {
	name     string
	manager  *entity.Manager
	entities persistence.EntityPersistor
	order    persistence.TransactionOrderPersistor
	state    *server.StateManager
	store    *persistence.Store
}

func buildNode(cfg config.Config, name string, logger logr.Logger) (*node, error) {
	registry := entity.MapRegistry{kv.StorageServiceName: kv.NewStorage()}
	pool := entity.NewPool(cfg.Workers)
	services := map[string]entity.Service{kv.ClassName: kv.Service{}}

	manager, err := entity.NewManager(registry, pool, services, entity.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("creating entity manager on %s: %w", name, err)
	}

	n := &node{
		name:    name,
		manager: manager,
		state:   server.NewStateManager(logger),
	}
	if cfg.DataDir != "" {
		store, err := persistence.Open(filepath.Join(cfg.DataDir, name+".db"))
		if err != nil {
			return nil, fmt.Errorf("opening persistence on %s: %w", name, err)
		}
		n.store = store
		n.entities = store.EntityPersistor()
		n.order = store.OrderPersistor()
	} else {
		n.entities = persistence.NewMemoryEntityPersistor()
		n.order = persistence.NewMemoryOrderPersistor()
	}
	return n, nil
}

func run(cfg config.Config) error {
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.Info("starting stripe", "active", cfg.NodeName, "passives", cfg.Passives)

	lb := comm.NewLoopback(comm.WithLoopbackLogger(logger))
	defer lb.Close()

	active, err := buildNode(cfg, cfg.NodeName, logger.WithValues("node", cfg.NodeName))
	if err != nil {
		return err
	}
	defer active.close()
	if err := active.restoreCatalog(); err != nil {
		return err
	}
	if err := active.manager.EnterActiveState(); err != nil {
		return fmt.Errorf("entering active state: %w", err)
	}
	active.state.MoveToActive()

	replicator := server.NewActiveReplicator(lb.Sender(cfg.NodeName), active.manager,
		active.entities, logger.WithValues("node", cfg.NodeName))
	lb.Register(cfg.NodeName, replicator)

	var replicas []*server.ReplicaHandler
	for _, name := range cfg.Passives {
		passive, err := buildNode(cfg, name, logger.WithValues("node", name))
		if err != nil {
			return err
		}
		defer passive.close()
		replica := server.NewReplicaHandler(passive.manager, passive.entities, passive.order,
			passive.state, lb.Sender(name),
			server.WithReplicaLogger(logger.WithValues("node", name)))
		lb.Register(name, replica)
		replicas = append(replicas, replica)
	}

	hub := comm.NewClientHub()
	batcher := server.NewResponseBatcher(hub, server.WithBatcherLogger(logger))
	defer batcher.Close()
	ingress := server.NewTransactionHandler(active.manager, active.entities, active.order,
		batcher, replicator, server.WithIngressLogger(logger))

	// Announce the active; each passive resets and requests a bulk sync.
	sender := lb.Sender(cfg.NodeName)
	for _, name := range cfg.Passives {
		if err := sender.SendReplication(name, &comm.ReplicationMessage{Kind: comm.KindStart}); err != nil {
			return fmt.Errorf("announcing active to %s: %w", name, err)
		}
	}

	if err := demoWorkload(ingress, hub, logger); err != nil {
		return err
	}

	logger.Info("stripe running, press Ctrl+C to stop")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	for _, replica := range replicas {
		replica.Close()
	}
	return nil
}

func (n *node) close() {
	if n.store != nil {
		n.store.Close()
	}
}

// restoreCatalog rebuilds the entity catalog from durable storage.
func (n *node) restoreCatalog() error {
	records, err := n.entities.LoadEntityData()
	if err != nil {
		return fmt.Errorf("loading entity catalog on %s: %w", n.name, err)
	}
	for _, record := range records {
		if record.ID == entity.PlatformID {
			continue
		}
		if _, err := n.manager.LoadExisting(record.ID, record.Version,
			record.ConsumerID, record.CanDelete, record.Configuration); err != nil {
			return fmt.Errorf("reloading entity %s on %s: %w", record.ID, n.name, err)
		}
	}
	return nil
}

// logChannel reports client responses through the node logger.
type logChannel struct {
	logger logr.Logger
}

func (c logChannel) SendResponses(batch *comm.ResponseBatch) error {
	for _, response := range batch.Responses {
		switch response.Kind {
		case comm.ResponseResult:
			c.logger.Info("transaction result",
				"transaction", int64(response.Transaction), "result", string(response.Result))
		case comm.ResponseFailure:
			c.logger.Info("transaction failed",
				"transaction", int64(response.Transaction), "error", response.Error)
		}
	}
	return nil
}

// demoWorkload creates a kv entity and runs a few commands through it.
func demoWorkload(ingress *server.TransactionHandler, hub *comm.ClientHub, logger logr.Logger) error {
	client := entity.ClientID(uuid.NewString())
	hub.Connect(client, logChannel{logger: logger.WithValues("client", string(client))})

	id := entity.EntityID{ClassName: kv.ClassName, EntityName: "demo"}
	transaction := entity.TransactionID(0)
	submit := func(action entity.Action, payload []byte) {
		transaction++
		ingress.Submit(&server.ClientMessage{
			Action:      action,
			Source:      client,
			Transaction: transaction,
			Oldest:      1,
			ID:          id,
			Version:     kv.Version,
			Payload:     payload,
		})
	}

	submit(entity.ActionCreate, nil)
	for i := 0; i < 5; i++ {
		payload, err := kv.EncodeCommand(&kv.Command{
			Type:  kv.CommandPut,
			Key:   fmt.Sprintf("key-%d", i),
			Value: []byte(fmt.Sprintf("value-%d", i)),
		})
		if err != nil {
			return err
		}
		submit(entity.ActionInvoke, payload)
	}
	payload, err := kv.EncodeCommand(&kv.Command{Type: kv.CommandGet, Key: "key-3"})
	if err != nil {
		return err
	}
	submit(entity.ActionInvoke, payload)

	// Give the stripe a moment to settle before reporting.
	time.Sleep(200 * time.Millisecond)
	return nil
}
