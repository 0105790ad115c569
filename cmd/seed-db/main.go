package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/wallet"
	"github.com/xenking/kart-checkout/internal/repository"
	"github.com/xenking/kart-checkout/internal/seed"
)

func main() {
	var (
		databaseURL string
		fixtureFile string
		currency    string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&fixtureFile, "fixture", "db/seed/fixture.json", "path to the seed fixture")
	flag.StringVar(&currency, "currency", "USD", "currency of seeded wallets")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, databaseURL, fixtureFile, currency); err != nil {
		slog.Error("seed failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("seed completed successfully")
}

func run(ctx context.Context, databaseURL, fixtureFile, currency string) error {
	slog.Info("reading fixture", slog.String("path", fixtureFile))

	f, err := seed.Load(fixtureFile)
	if err != nil {
		return err
	}

	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	slog.Info("running migrations")

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	res, err := seed.Apply(ctx, f,
		repository.NewCatalog(pool),
		coupon.NewAdmin(repository.NewCouponRepository(pool)),
		wallet.NewLedger(repository.NewWalletRepository(pool), wallet.Defaults{Currency: currency}),
	)
	if err != nil {
		return errors.Wrap(err, "apply fixture")
	}

	slog.Info("seeded",
		slog.Int("products", res.Products),
		slog.Int("stock", res.Stock),
		slog.Int("coupons", res.Coupons),
		slog.Int("wallets", res.Wallets),
		slog.Int("existing_coupons", len(f.Coupons)-res.Coupons),
	)

	return nil
}
