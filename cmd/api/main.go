package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"qapms.org/internal/auth"
	"qapms.org/internal/auth/oauth"
	"qapms.org/internal/config"
	"qapms.org/internal/httpapi"
	"qapms.org/internal/obs"
	"qapms.org/internal/store/pg"
	rds "qapms.org/internal/store/redis"
)

var version = "0.3.1"

// sharedStateStore swaps the SQL blacklist for a shared one (Redis) while the
// rest of the persistence stays on Postgres.
type sharedStateStore struct {
	auth.Store
	blacklist auth.BlacklistStore
}

func (s sharedStateStore) Blacklist() auth.BlacklistStore { return s.blacklist }

func main() {
	// Инициализация observability (регистрация метрик, JSON-логгер и т.п.)
	obs.Init()
	obs.InitBuildInfo(version, os.Getenv("QAPMS_COMMIT"))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Хранилище: Postgres в проде, in-memory без DSN (только для разработки).
	var (
		store auth.Store
		db    *sql.DB
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
		db = pgStore.DB()
	} else {
		log.Println("QAPMS_PG_DSN is empty, using the in-memory store (single instance, non-persistent)")
		store = auth.NewMemoryStore()
	}

	// Общие blacklist и счётчики лимитов: Redis, если настроен.
	var counters auth.CounterStore = auth.NewMemoryCounterStore()
	blacklist := store.Blacklist()
	if cfg.RedisAddr != "" {
		client, err := rds.Connect(ctx, rds.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			log.Fatalf("connect redis: %v", err)
		}
		defer client.Close()
		blacklist = rds.NewBlacklist(client)
		counters = rds.NewCounterStore(client)
	}
	cached := auth.NewCachedBlacklist(blacklist)
	store = sharedStateStore{Store: store, blacklist: cached}

	var issuerOpts []auth.IssuerOption
	if cfg.AccessTTL > 0 {
		issuerOpts = append(issuerOpts, auth.WithAccessTTL(cfg.AccessTTL))
	}
	if cfg.RefreshTTL > 0 {
		issuerOpts = append(issuerOpts, auth.WithRefreshTTL(cfg.RefreshTTL))
	}
	issuer, err := auth.NewTokenIssuer(cfg.AuthSecret, issuerOpts...)
	if err != nil {
		log.Fatalf("token issuer: %v", err)
	}
	ledger, err := auth.NewTokenLedger(store.RefreshTokens(), store.Blacklist(), issuer)
	if err != nil {
		log.Fatalf("token ledger: %v", err)
	}

	sealer, err := auth.NewSealer(cfg.AuthSecret)
	if err != nil {
		log.Fatalf("sealer: %v", err)
	}
	federator := auth.NewFederator(store, sealer, auth.WithDomainRoleRules(cfg.DomainRoles))

	providers := buildProviders(cfg)
	oauthClient := oauth.NewClient(oauth.NewMemoryStateStore(), providers)

	svc := auth.NewService(store, issuer, ledger, auth.WithOAuth(oauthClient, federator))
	keys, err := auth.NewAPIKeyService(store.APIKeys(), store.ServiceAccounts(), cfg.APIKeyPepper)
	if err != nil {
		log.Fatalf("api keys: %v", err)
	}
	limiter := auth.NewRateLimiter(counters, auth.DefaultLimits())

	var apiOpts []httpapi.Option
	if cfg.InsecureCookies {
		apiOpts = append(apiOpts, httpapi.WithInsecureCookies())
	}
	api := httpapi.New(svc, keys, limiter, httpapi.ReadyProbe{DB: db}, version, apiOpts...)

	auth.StartBlacklistSweeper(ctx, cached, time.Minute)

	handler := httpapi.RequestID(
		httpapi.Logging(
			httpapi.SecurityHeaders(
				httpapi.CORS(
					httpapi.MaxBodyBytes(
						httpapi.Throttle(api.Handler(), 40, 20), 1<<20)))))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting qapms-auth %s on %s", version, srv.Addr)

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = srv.Shutdown(shutdownCtx)
	log.Println("Stopped")
}

func buildProviders(cfg *config.Config) []oauth.Provider {
	var providers []oauth.Provider
	if creds := cfg.OAuth["github"]; creds.Configured() {
		p, err := oauth.NewGitHubProvider(oauth.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURI:  creds.RedirectURI,
		})
		if err != nil {
			log.Fatalf("github provider: %v", err)
		}
		providers = append(providers, p)
	}
	if creds := cfg.OAuth["atlassian"]; creds.Configured() {
		p, err := oauth.NewAtlassianProvider(oauth.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURI:  creds.RedirectURI,
		})
		if err != nil {
			log.Fatalf("atlassian provider: %v", err)
		}
		providers = append(providers, p)
	}
	return providers
}
