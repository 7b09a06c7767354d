// Command rowsyncd runs the server side of a rowsync deployment: the
// authoritative row store other nodes pull from and push to, exposed
// over the HTTP sync wire protocol.
package main

import (
	"context"
	"database/sql"
	"embed"
	"flag"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"

	"rowsync/internal/config"
	"rowsync/internal/idalloc"
	"rowsync/internal/logging"
	"rowsync/internal/noderegistry"
	"rowsync/internal/rowmodel"
	"rowsync/internal/rowstore"
	"rowsync/internal/schema"
	"rowsync/internal/syncengine"
	"rowsync/internal/transport"
)

//go:embed migrations/*.sql
var demoMigrations embed.FS

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional)")
	rollback := flag.Bool("rollback", false, "roll back the most recent schema migration and exit")
	flag.Parse()

	logging.Init(os.Stdout, logging.LevelInfo)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Error("failed to load config", err)
		os.Exit(1)
	}

	db, err := rowstore.Open(cfg.DataDir)
	if err != nil {
		logging.Error("failed to open database", err)
		os.Exit(1)
	}
	defer db.Close()

	alloc, err := idalloc.New(0) // node id 0 is reserved for the server.
	if err != nil {
		logging.Error("failed to build id allocator", err)
		os.Exit(1)
	}
	nextID := func(ctx context.Context) (rowmodel.RowId, error) {
		return idalloc.Next(idalloc.Bind(ctx, alloc))
	}

	store := rowstore.NewStore(db, "0", nextID)
	if err := store.Init(context.Background()); err != nil {
		logging.Error("failed to initialize sync tables", err)
		os.Exit(1)
	}

	migrator, err := demoMigrator(db.DB, cfg.DataDir)
	if err != nil {
		logging.Error("failed to prepare migrations", err)
		os.Exit(1)
	}
	if err := migrator.Initialize(); err != nil {
		logging.Error("failed to initialize migration tracking", err)
		os.Exit(1)
	}

	if *rollback {
		if err := migrator.Down(); err != nil {
			logging.Error("rollback failed", err)
			os.Exit(1)
		}
		version, err := migrator.CurrentVersion()
		if err != nil {
			logging.Error("failed to read schema version", err)
			os.Exit(1)
		}
		logging.Info("rolled back last migration", map[string]interface{}{"schema_version": version})
		return
	}

	if err := migrator.Up(); err != nil {
		logging.Error("failed to migrate entity tables", err)
		os.Exit(1)
	}
	version, err := migrator.CurrentVersion()
	if err != nil {
		logging.Error("failed to read schema version", err)
		os.Exit(1)
	}
	logging.Info("entity schema ready", map[string]interface{}{"schema_version": version})

	sch, err := registerEntities().Build()
	if err != nil {
		logging.Error("failed to build schema", err)
		os.Exit(1)
	}

	registry := noderegistry.New(db.DB)
	if err := registry.Init(context.Background()); err != nil {
		logging.Error("failed to initialize node registry", err)
		os.Exit(1)
	}

	applier := &serverApplier{store: store, schema: sch, policy: cfg.Policy}

	mux := http.NewServeMux()
	transport.NewServer(store, applier, registry).Register(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	logging.Info("rowsyncd listening", map[string]interface{}{"addr": cfg.ListenAddr})
	if err := http.ListenAndServe(cfg.ListenAddr, mux); err != nil {
		logging.Error("server exited", err)
		os.Exit(1)
	}
}

// serverApplier adapts syncengine.ApplyBatch to transport.ChangeApplier,
// so pushed changes go through the same conflict resolution the client
// runs when pulling.
type serverApplier struct {
	store  *rowstore.Store
	schema *schema.Schema
	policy syncengine.Policy
}

func (a *serverApplier) ApplyChanges(ctx context.Context, entries []rowmodel.ChangeEntry) (uint64, error) {
	return syncengine.ApplyBatch(ctx, a.store, a.schema, a.policy, entries)
}

// customer and order are the demo mirrored entity set this deployment
// serves. A real deployment would register its own domain models the
// same way; rowsyncd ships these two so the binary is runnable
// standalone.
type customer struct {
	rowmodel.SyncColumns
	Name string
}

func (c *customer) TableName() string               { return "customers" }
func (c *customer) SyncMeta() *rowmodel.SyncColumns { return &c.SyncColumns }

type order struct {
	rowmodel.SyncColumns
	CustomerID rowmodel.RowId
	TotalCents int64
}

func (o *order) TableName() string               { return "orders" }
func (o *order) SyncMeta() *rowmodel.SyncColumns { return &o.SyncColumns }

func registerEntities() *schema.Registry {
	reg := schema.NewRegistry()
	reg.Register(schema.Describe(&customer{}, []string{"name"}, nil))
	reg.Register(schema.Describe(&order{}, []string{"customer_id", "total_cents"},
		[]schema.ForeignKey{{Column: "customer_id", TargetEntity: "customers"}}))
	return reg
}

// demoMigrator builds a Migrator over the backing tables for the demo
// entity set registerEntities describes, the same schema_migrations-
// tracked Migrator a real deployment would point at its own migrations
// directory. The embedded .sql files are written into
// dataDir/migrations on every start so the binary stays runnable standalone
// without a checkout alongside it.
func demoMigrator(db *sql.DB, dataDir string) (*rowstore.Migrator, error) {
	migrateDir := filepath.Join(dataDir, "migrations")
	if err := os.MkdirAll(migrateDir, 0o755); err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(demoMigrations, "migrations")
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		content, err := fs.ReadFile(demoMigrations, path.Join("migrations", entry.Name()))
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(migrateDir, entry.Name()), content, 0o644); err != nil {
			return nil, err
		}
	}

	return rowstore.NewMigrator(db, migrateDir), nil
}
