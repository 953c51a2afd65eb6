package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"lorawatch.dev/internal/auth"
	"lorawatch.dev/internal/devices"
	"lorawatch.dev/internal/httpapi"
	"lorawatch.dev/internal/obs"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	// Local development reads .env; production sets real environment.
	_ = godotenv.Load()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	dsn := os.Getenv("LORAWATCH_PG_DSN")
	if dsn == "" {
		log.Fatal("LORAWATCH_PG_DSN is required")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	signer, err := buildSigner()
	if err != nil {
		log.Fatalf("signer: %v", err)
	}

	store := auth.NewPGStore(db)
	sessions, err := auth.NewService(store, signer)
	if err != nil {
		log.Fatalf("session service: %v", err)
	}
	users, err := auth.NewUserService(store.Users())
	if err != nil {
		log.Fatalf("user service: %v", err)
	}
	devStore := devices.NewPGStore(db)

	var opts []httpapi.Option
	if token := os.Getenv("LORAWATCH_WEBHOOK_TOKEN"); token != "" {
		opts = append(opts, httpapi.WithWebhookToken(token))
	}
	if burst, perSec := envInt("LORAWATCH_LOGIN_BURST"), envInt("LORAWATCH_LOGIN_PER_SEC"); burst > 0 || perSec > 0 {
		opts = append(opts, httpapi.WithLoginRate(burst, perSec))
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, sessions, users, devStore, opts...)

	addr := os.Getenv("LORAWATCH_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting lorawatch-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = db.Close()
	log.Println("Stopped")
}

// buildSigner wires key material from the environment. An RSA keypair makes
// RS256 the signing algorithm; the shared secret alone keeps the service on
// HS256. Both together enable verification of tokens from either era.
func buildSigner() (*auth.Signer, error) {
	var opts []auth.SignerOption
	if privPath := os.Getenv("LORAWATCH_JWT_PRIVATE_KEY_FILE"); privPath != "" {
		priv, err := os.ReadFile(privPath)
		if err != nil {
			return nil, err
		}
		pub, err := os.ReadFile(os.Getenv("LORAWATCH_JWT_PUBLIC_KEY_FILE"))
		if err != nil {
			return nil, err
		}
		opts = append(opts, auth.WithRS256Keys(string(priv), string(pub)))
	}
	if secret := os.Getenv("LORAWATCH_JWT_SECRET"); secret != "" {
		opts = append(opts, auth.WithTokenSecret(secret))
	}
	return auth.NewSigner(opts...)
}

func envInt(name string) int {
	v, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return 0
	}
	return v
}
