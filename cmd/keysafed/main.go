package main

import (
	"context"
	"encoding/base64"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/bel-os/keysafe/internal/admin"
	"github.com/bel-os/keysafe/internal/config"
	"github.com/bel-os/keysafe/internal/export"
	"github.com/bel-os/keysafe/internal/homeserver"
	"github.com/bel-os/keysafe/internal/keybackup"
	"github.com/bel-os/keysafe/internal/keysync"
	"github.com/bel-os/keysafe/internal/registry"
	"github.com/bel-os/keysafe/internal/secrets"
	"github.com/bel-os/keysafe/internal/security"
	"github.com/bel-os/keysafe/internal/store"
)

// selfDeviceSource trusts exactly one device: this one. A bridge daemon owns
// its signing key, so backups it created are trusted and anything else needs
// an operator decision through the admin API.
type selfDeviceSource struct {
	userID string
	device *keybackup.Device
}

func (s *selfDeviceSource) UserID() string { return s.userID }

func (s *selfDeviceSource) GetDevice(deviceID string) (*keybackup.Device, error) {
	if deviceID == s.device.DeviceID {
		return s.device, nil
	}
	return nil, nil
}

func main() {
	cfg := config.Load()

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "keysafed").Logger()

	seed, err := base64.RawStdEncoding.DecodeString(cfg.SigningKeySeed)
	if err != nil {
		seed, err = base64.StdEncoding.DecodeString(cfg.SigningKeySeed)
	}
	if err != nil {
		log.Fatalf("FATAL: SIGNING_KEY_SEED is not valid base64: %v", err)
	}
	signer, err := security.NewLocalDeviceFromSeed(cfg.UserID, cfg.DeviceID, seed)
	if err != nil {
		log.Fatalf("FATAL: invalid signing key seed: %v", err)
	}

	backupStore, closeStore := openStore(cfg)
	defer closeStore()

	client := homeserver.NewHTTPClient(cfg.HomeserverURL, cfg.AccessToken, logger)
	if expiry, ok := client.TokenExpiry(); ok && time.Until(expiry) < 24*time.Hour {
		logger.Warn().Time("expiry", expiry).Msg("access token expires soon")
	}

	engine := keybackup.NewEngine(keybackup.Config{
		Store:  backupStore,
		Client: client,
		Devices: &selfDeviceSource{
			userID: cfg.UserID,
			device: &keybackup.Device{
				DeviceID:   cfg.DeviceID,
				SigningKey: signer.Fingerprint(),
				Verified:   true,
			},
		},
		Signer: signer,
		Log:    logger,
	})

	var vault *secrets.VaultClient
	if cfg.VaultAddr != "" && cfg.VaultToken != "" {
		vault, err = secrets.NewVaultClient(cfg.VaultAddr, cfg.VaultToken, cfg.VaultMountPath, cfg.VaultSecretPath)
		if err != nil {
			log.Printf("Warning: Vault unavailable, recovery keys will be returned to callers: %v", err)
			vault = nil
		}
	}

	var archiver *export.Archiver
	if cfg.MinioURL != "" {
		archiver, err = export.NewArchiver(cfg.MinioURL, cfg.MinioKey, cfg.MinioSecret, cfg.MinioBucket, cfg.MinioSecure)
		if err != nil {
			log.Printf("Warning: export archival unavailable: %v", err)
			archiver = nil
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Find and adopt an existing backup before serving traffic.
	engine.CheckAndStartKeysBackup(ctx)
	logger.Info().Stringer("state", engine.State()).Msg("initial backup check finished")

	if cfg.SyncURL != "" {
		listener := keysync.NewListener(cfg.SyncURL, engine, logger)
		go listener.Run(ctx)
	}

	api := admin.New(engine, backupStore, vault, archiver, logger)
	server := &http.Server{
		Addr:         ":" + cfg.AdminPort,
		Handler:      api.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	go func() {
		log.Printf("Admin API listening on :%s", cfg.AdminPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("FATAL: admin server failed: %v", err)
		}
	}()

	if cfg.ConsulURL != "" {
		consul, err := registry.NewConsulRegistry(cfg.ConsulURL, cfg.ServiceID, cfg.AdminPort)
		if err != nil {
			log.Printf("Warning: Consul unavailable: %v", err)
		} else if err := consul.Register(); err != nil {
			log.Printf("Warning: Consul registration failed: %v", err)
		} else {
			defer func() {
				if err := consul.Deregister(); err != nil {
					log.Printf("Warning: Consul deregistration failed: %v", err)
				}
			}()
		}
	}

	<-ctx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Warning: admin server shutdown: %v", err)
	}
}

func openStore(cfg *config.Config) (store.Store, func()) {
	switch cfg.StoreBackend {
	case "postgres":
		s, err := store.NewPostgresStore(cfg.PostgresURL)
		if err != nil {
			log.Fatalf("FATAL: failed to open postgres store: %v", err)
		}
		return s, func() { s.Close() }
	case "redis":
		s, err := store.NewRedisStore(cfg.RedisURL, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			log.Fatalf("FATAL: failed to open redis store: %v", err)
		}
		return s, func() { s.Close() }
	default:
		s, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("FATAL: failed to open sqlite store: %v", err)
		}
		return s, func() { s.Close() }
	}
}
