package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/domain/cart"
	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/inventory"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/pricing"
	"github.com/xenking/kart-checkout/internal/domain/wallet"
	"github.com/xenking/kart-checkout/internal/gateway"
	"github.com/xenking/kart-checkout/internal/handler"
	"github.com/xenking/kart-checkout/internal/idempotency"
	"github.com/xenking/kart-checkout/internal/janitor"
	"github.com/xenking/kart-checkout/internal/notify"
	"github.com/xenking/kart-checkout/internal/seed"
	"github.com/xenking/kart-checkout/pkg/health"
	"github.com/xenking/kart-checkout/pkg/httpmiddleware"
)

// service is the wired application: the HTTP handler and the workers that
// run next to it.
type service struct {
	handler http.Handler
	health  *health.Health
	relay   *notify.Relay
	janitor *janitor.Janitor
	closers []func()
}

func (s *service) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// Run creates all dependencies, starts the HTTP server and the background
// workers, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage),
	)

	svc, err := newService(ctx, lg, m.TracerProvider(), m.MeterProvider(), cfg)
	if err != nil {
		return err
	}
	defer svc.Close()

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.Checkout.SettleTimeout + 10*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler:           svc.handler,
	}

	svc.health.Start(ctx, 10*time.Second)
	svc.health.SetReady(true)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.relay.Run(gCtx)
	})
	g.Go(func() error {
		return svc.janitor.Run(gCtx)
	})
	g.Go(func() error {
		// Graceful shutdown: wait for cancellation, drain, then stop.
		<-gCtx.Done()
		svc.health.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		svc.health.Stop()
		return nil
	})
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	return g.Wait()
}

func newService(ctx context.Context, lg *zap.Logger, tp trace.TracerProvider, mp metric.MeterProvider, cfg *Config) (_ *service, rerr error) {
	svc := &service{health: health.New()}
	defer func() {
		if rerr != nil {
			svc.Close()
		}
	}()
	svc.health.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Storage.
	var st *stores
	switch cfg.Storage {
	case StoragePostgres:
		var err error
		if st, err = openPostgres(ctx, cfg.DatabaseURL); err != nil {
			return nil, err
		}
		svc.health.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck("postgres", st.Pool))
	default:
		lg.Warn("Using in-memory storage, state is lost on restart")
		st = openMemory()
	}
	svc.closers = append(svc.closers, st.Close)

	// Idempotency keys.
	var (
		keys    checkout.KeyStore
		sweeper janitor.Sweeper
	)
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, errors.Wrap(err, "parse redis url")
		}
		rdb := redis.NewClient(opts)
		svc.closers = append(svc.closers, func() { _ = rdb.Close() })
		svc.health.AddReadinessCheck("redis", 2*time.Second, health.PingCheck("redis", health.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})))
		keys = idempotency.NewRedisStore(rdb, cfg.Checkout.IdempotencyTTL)
	} else {
		mem := idempotency.NewMemoryStore(cfg.Checkout.IdempotencyTTL)
		keys, sweeper = mem, mem
	}

	// Domain services.
	calc := pricing.Flat{
		TaxRate:          amount(cfg.Pricing.TaxRate),
		ShippingPerStore: amount(cfg.Pricing.ShippingPerStore),
		FreeShippingOver: amount(cfg.Pricing.FreeShippingOver),
		ExpressSurcharge: amount(cfg.Pricing.ExpressSurcharge),
	}
	inv := inventory.NewService(st.Inventory)
	validator := coupon.NewValidator(st.Coupons)
	carts := cart.NewService(st.Carts, st.Products, inv, validator, calc)
	ledger := wallet.NewLedger(st.Wallets, wallet.Defaults{
		Currency: cfg.Checkout.Currency,
		HoldTTL:  cfg.Wallet.HoldTTL,
		Limits: wallet.Limits{
			MinTransaction: amount(cfg.Wallet.MinTransaction),
			MaxTransaction: amount(cfg.Wallet.MaxTransaction),
			Daily:          amount(cfg.Wallet.Daily),
			Monthly:        amount(cfg.Wallet.Monthly),
		},
	})
	payments := newPayments(lg, cfg, ledger, tp)
	couponAdmin := coupon.NewAdmin(st.Coupons)

	if cfg.SeedFile != "" {
		f, err := seed.Load(cfg.SeedFile)
		if err != nil {
			return nil, errors.Wrap(err, "load seed")
		}
		res, err := seed.Apply(ctx, f, st.Catalog, couponAdmin, ledger)
		if err != nil {
			return nil, errors.Wrap(err, "apply seed")
		}
		lg.Info("Seeded",
			zap.String("file", cfg.SeedFile),
			zap.Int("products", res.Products),
			zap.Int("stock", res.Stock),
			zap.Int("coupons", res.Coupons),
			zap.Int("wallets", res.Wallets),
		)
	}

	metrics, err := checkout.NewMetrics(mp)
	if err != nil {
		return nil, errors.Wrap(err, "checkout metrics")
	}
	saga := checkout.New(checkout.Deps{
		Carts:    st.Carts,
		Pricer:   carts,
		Stock:    inv,
		Orders:   st.Orders,
		Payments: payments,
		Attempts: st.Checkouts,
		Pricing:  calc,
		Keys:     keys,
		Metrics:  metrics,
		Tracer:   tp,
	}, checkout.Config{Currency: cfg.Checkout.Currency})

	// Background workers.
	var publisher notify.Publisher
	if brokers := notify.ParseBrokers(cfg.Kafka.Brokers); len(brokers) > 0 {
		kp := notify.NewKafkaPublisher(brokers)
		svc.closers = append(svc.closers, func() { _ = kp.Close() })
		publisher = kp
	} else {
		lg.Info("No Kafka brokers configured, logging events")
		publisher = notify.NewLogPublisher(lg.Named("events"))
	}
	if svc.relay, err = notify.NewRelay(st.Outbox, publisher, notify.RelayConfig{
		Interval:  cfg.Outbox.Interval,
		BatchSize: cfg.Outbox.BatchSize,
	}, mp); err != nil {
		return nil, errors.Wrap(err, "create relay")
	}

	jobs := janitor.StandardJobs(cfg.Janitor, janitor.Sources{
		Checkouts: saga,
		Holds:     ledger,
		Carts:     st.Carts,
		Keys:      sweeper,
	}, nil)
	if svc.janitor, err = janitor.New(jobs, mp); err != nil {
		return nil, errors.Wrap(err, "create janitor")
	}

	// HTTP handlers.
	h := handler.New(handler.Config{AdminKey: cfg.AdminKey}, handler.Services{
		Carts:       carts,
		Checkout:    saga,
		Orders:      order.NewService(st.Orders, inv, payments),
		Wallets:     ledger,
		Coupons:     validator,
		CouponAdmin: couponAdmin,
		Inventory:   inv,
	})
	if cfg.AdminKey == "" {
		lg.Warn("No admin key configured, admin routes are disabled")
	}

	r := chi.NewRouter()
	r.Get("/livez", svc.health.LiveEndpoint)
	r.Get("/readyz", svc.health.ReadyEndpoint)
	r.Route("/api", func(r chi.Router) {
		r.Use(
			httpmiddleware.Instrument("kart-api", tp, mp),
			httpmiddleware.LogRequests(),
		)
		h.Mount(r)
	})

	svc.handler = httpmiddleware.Wrap(r,
		httpmiddleware.Recovery(),
		httpmiddleware.CORS(httpmiddleware.CORSConfig{
			Origins: cfg.CORS.Origins,
			Headers: []string{
				"Content-Type",
				handler.HeaderUserID,
				handler.HeaderAdminKey,
				handler.HeaderIdempotencyKey,
				httpmiddleware.HeaderRequestID,
			},
			ExposeHeaders:    []string{httpmiddleware.HeaderRequestID, handler.HeaderReplayed},
			AllowCredentials: cfg.CORS.AllowCredentials,
			MaxAge:           86400,
		}),
		httpmiddleware.RateLimit(ctx, httpmiddleware.RateLimitConfig{
			Max:    cfg.RateLimit.Max,
			Window: cfg.RateLimit.Window,
		}),
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(lg),
	)
	return svc, nil
}

// newPayments registers a settler for every payment method. Card and wallet
// app methods go through the gateway; without a gateway URL they are
// simulated in-process or left unsupported.
func newPayments(lg *zap.Logger, cfg *Config, ledger *wallet.Ledger, tp trace.TracerProvider) *payment.Registry {
	reg := payment.NewRegistry()
	reg.Register(payment.NewWalletSettler(ledger), payment.MethodWallet)
	reg.Register(payment.BankTransferSettler{}, payment.MethodBankTransfer)

	var gw payment.Gateway
	switch {
	case cfg.Gateway.URL != "":
		gw = gateway.NewClient(gateway.ClientOptions{
			BaseURL:        cfg.Gateway.URL,
			APIKey:         cfg.Gateway.APIKey,
			Timeout:        cfg.Gateway.Timeout,
			TracerProvider: tp,
		})
	case cfg.Gateway.Simulate:
		lg.Warn("No payment gateway configured, simulating card payments")
		gw = gateway.NewSimulator(gateway.SimulatorConfig{FeeRate: amount(cfg.Gateway.FeeRate)})
	default:
		lg.Warn("No payment gateway configured, card payments are unavailable")
		return reg
	}
	reg.Register(payment.NewGatewaySettler(gw, cfg.Checkout.SettleTimeout),
		payment.MethodCard,
		payment.MethodDebitCard,
		payment.MethodPayPal,
		payment.MethodApplePay,
		payment.MethodGooglePay,
	)
	return reg
}
