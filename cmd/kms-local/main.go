// Command kms-local serves the signing emulator for development. It registers
// one RSA key and, when KMS_LOCAL_HMAC_SECRET is set, one HMAC key under the
// same id.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/smedrec/smart-logs-sub000/internal/audit/integrity/kms"
	"github.com/smedrec/smart-logs-sub000/internal/platform/logger"
)

func main() {
	_ = godotenv.Load()
	log := logger.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	addr := envOr("KMS_LOCAL_ADDR", ":9090")
	keyID := envOr("KMS_KEY_ID", "audit-signing")

	svc := kms.NewLocalService(os.Getenv("KMS_ACCESS_TOKEN"))
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		log.Error("generate rsa key", "error", err)
		os.Exit(1)
	}
	svc.AddRSAKey(keyID, key)
	if secret := os.Getenv("KMS_LOCAL_HMAC_SECRET"); secret != "" {
		svc.AddSecretKey(keyID, []byte(secret))
	}

	srv := &http.Server{Addr: addr, Handler: svc.Handler(), ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("local kms listening", "addr", addr, "key_id", keyID)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("local kms stopped", "error", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
