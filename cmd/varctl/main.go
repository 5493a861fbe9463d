package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/openvar/varledger/pkg/config"
	"github.com/openvar/varledger/pkg/crypto"
	"github.com/openvar/varledger/pkg/ledger"
	"github.com/openvar/varledger/pkg/observability"
	"github.com/openvar/varledger/pkg/session"
	"github.com/openvar/varledger/pkg/store"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	cfg := config.Load()
	setupLogging(cfg, stderr)

	// Tracing is opt-in for a CLI; spans export only when an OTLP endpoint
	// is configured.
	if endpoint := os.Getenv("VAR_OTLP_ENDPOINT"); endpoint != "" {
		ctx := context.Background()
		obs, err := observability.New(ctx, &observability.Config{
			ServiceName:    "varctl",
			ServiceVersion: "1.0.0",
			Environment:    "cli",
			OTLPEndpoint:   endpoint,
			SampleRate:     1.0,
			Enabled:        true,
			Insecure:       true,
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Warning: tracing disabled: %v\n", err)
		} else {
			defer func() { _ = obs.Shutdown(ctx) }()
		}
	}

	switch args[1] {
	case "append":
		return runAppendCmd(args[2:], stdout, stderr)
	case "validate":
		return runValidateCmd(args[2:], stdout, stderr)
	case "close-session":
		return runCloseSessionCmd(args[2:], stdout, stderr)
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "inspect":
		return runInspectCmd(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `varctl - verifiable alignment record ledger tool

Commands:
  append         Append a signed event to a stream
  validate       Re-validate a stream's hash chain and signatures
  close-session  Close a session window and compute its Merkle root
  export         Export a closed session as an offline verification bundle
  verify         Verify an exported bundle offline
  inspect        List streams, events, and closed sessions

Run 'varctl <command> -h' for command flags.
The database defaults to VAR_SQLITE_PATH when --db is omitted; a deployment
profile is honored via VAR_PROFILE and VAR_PROFILES_DIR.`)
}

func setupLogging(cfg *config.Config, stderr io.Writer) {
	level := slog.LevelInfo
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))
}

// ledgerStore is what every subcommand needs from a backend: the event store,
// the bundle store, and the persisted key registry.
type ledgerStore interface {
	ledger.Store
	session.BundleStore
	RegisterKey(ctx context.Context, keyID, publicKeyHex string) error
	Keys(ctx context.Context) (map[string]string, error)
	Close() error
}

// openLedger opens the configured store and a log over it, preloading the
// ring with every public key persisted by earlier appends. An explicit
// --db path forces SQLite; otherwise the environment decides, including a
// deployment profile when VAR_PROFILE is set.
func openLedger(dbPath string) (ledgerStore, *ledger.Log, error) {
	s, err := openStore(dbPath)
	if err != nil {
		return nil, nil, err
	}

	ring := crypto.NewKeyRing()
	keys, err := s.Keys(context.Background())
	if err != nil {
		_ = s.Close()
		return nil, nil, err
	}
	for id, pub := range keys {
		ring.Add(id, pub)
	}
	return s, ledger.New(s, ring), nil
}

func openStore(dbPath string) (ledgerStore, error) {
	if dbPath != "" {
		return store.OpenSQLite(dbPath)
	}

	if code := os.Getenv("VAR_PROFILE"); code != "" {
		profile, err := config.LoadProfile(os.Getenv("VAR_PROFILES_DIR"), code)
		if err != nil {
			return nil, err
		}
		return storeFromBackend(profile.Store.Backend, profile.Store.SQLitePath, profile.Store.DatabaseURL)
	}

	cfg := config.Load()
	return storeFromBackend(cfg.StoreBackend, cfg.SQLitePath, cfg.DatabaseURL)
}

func storeFromBackend(backend, sqlitePath, databaseURL string) (ledgerStore, error) {
	switch backend {
	case "", "sqlite":
		return store.OpenSQLite(sqlitePath)
	case "postgres":
		return store.OpenPostgres(databaseURL)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", backend)
	}
}

// loadSigner builds an Ed25519 signer from a hex seed file. An empty keyID
// falls back to the configured service key id.
func loadSigner(seedFile, keyID string) (*crypto.Ed25519Signer, error) {
	if seedFile == "" {
		return nil, fmt.Errorf("--key-seed-file is required")
	}
	if keyID == "" {
		keyID = config.Load().ServiceKeyID
	}
	raw, err := os.ReadFile(seedFile)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("seed file must hold a hex-encoded 32-byte seed: %w", err)
	}
	return crypto.NewEd25519SignerFromSeed(seed, keyID)
}
