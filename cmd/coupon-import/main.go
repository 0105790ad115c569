package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	pgzip "github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/codec"
	"github.com/xenking/kart-checkout/internal/domain/apperr"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/repository"
)

const (
	bloomFPR      = 0.001
	maxLineBytes  = 1 << 20
	progressEvery = 10_000
)

type options struct {
	dataDir       string
	pattern       string
	databaseURL   string
	workers       int
	expectedCodes uint
	upsert        bool
	dryRun        bool
}

// stats counts what happened to every line read.
type stats struct {
	read       atomic.Int64
	invalid    atomic.Int64
	created    atomic.Int64
	updated    atomic.Int64
	duplicates atomic.Int64
	known      atomic.Int64
}

func (s *stats) log(msg string) {
	slog.Info(msg,
		slog.Int64("read", s.read.Load()),
		slog.Int64("invalid", s.invalid.Load()),
		slog.Int64("created", s.created.Load()),
		slog.Int64("updated", s.updated.Load()),
		slog.Int64("duplicates", s.duplicates.Load()),
		slog.Int64("maybe_existing", s.known.Load()),
	)
}

func main() {
	var opts options

	flag.StringVar(&opts.dataDir, "data-dir", "data", "directory containing coupon batches")
	flag.StringVar(&opts.pattern, "pattern", "*.jsonl.gz", "glob of gzip'd JSON lines coupon batches")
	flag.StringVar(&opts.databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&opts.workers, "workers", 8, "concurrent database writers")
	flag.UintVar(&opts.expectedCodes, "expected-codes", 1_000_000, "expected number of stored codes, sizes the bloom filter")
	flag.BoolVar(&opts.upsert, "upsert", false, "update coupons whose code already exists")
	flag.BoolVar(&opts.dryRun, "dry-run", false, "parse and classify without writing")
	flag.Parse()

	if opts.databaseURL == "" {
		opts.databaseURL = os.Getenv("DATABASE_URL")
	}
	if opts.databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, opts); err != nil {
		slog.Error("coupon import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon import completed successfully")
}

func run(ctx context.Context, opts options) error {
	files, err := filepath.Glob(filepath.Join(opts.dataDir, opts.pattern))
	if err != nil {
		return errors.Wrap(err, "list batches")
	}
	if len(files) == 0 {
		return errors.Errorf("no files match %s in %s", opts.pattern, opts.dataDir)
	}

	slog.Info("connecting to database")

	pool, err := repository.NewPool(ctx, opts.databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	repo := repository.NewCouponRepository(pool)

	// Known codes go to a bloom filter so that only likely duplicates pay
	// for the conflict path.
	slog.Info("loading existing codes")

	existing := bloom.NewWithEstimates(max(opts.expectedCodes, 1000), bloomFPR)
	var stored int
	if err := repo.Codes(ctx, func(code string) {
		existing.AddString(code)
		stored++
	}); err != nil {
		return errors.Wrap(err, "load existing codes")
	}

	slog.Info("existing codes loaded",
		slog.Int("codes", stored),
		slog.Uint64("filter_bits", uint64(existing.Cap())),
	)

	imp := &importer{
		admin:    coupon.NewAdmin(repo),
		existing: existing,
		upsert:   opts.upsert,
		dryRun:   opts.dryRun,
	}
	if err := imp.run(ctx, files, opts.workers); err != nil {
		return err
	}

	imp.stats.log("import summary")
	return nil
}

// Admin is the coupon administration the importer writes through.
type Admin interface {
	Create(ctx context.Context, c *coupon.Coupon) error
	Update(ctx context.Context, code string, next *coupon.Coupon) (*coupon.Coupon, error)
}

type importer struct {
	admin    Admin
	existing *bloom.BloomFilter
	upsert   bool
	dryRun   bool
	stats    stats
}

// run reads every file concurrently and writes coupons with workers
// goroutines.
func (imp *importer) run(ctx context.Context, files []string, workers int) error {
	g, ctx := errgroup.WithContext(ctx)
	coupons := make(chan *coupon.Coupon, 1024)

	readers, rctx := errgroup.WithContext(ctx)
	for _, f := range files {
		readers.Go(func() error {
			return imp.readFile(rctx, f, coupons)
		})
	}
	g.Go(func() error {
		defer close(coupons)
		return readers.Wait()
	})

	for range max(workers, 1) {
		g.Go(func() error {
			for c := range coupons {
				if err := imp.write(ctx, c); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// readFile streams one gzip'd JSON lines file into out. Lines that are not
// valid coupons are logged and skipped.
func (imp *importer) readFile(ctx context.Context, path string, out chan<- *coupon.Coupon) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		if n := imp.stats.read.Add(1); n%progressEvery == 0 {
			imp.stats.log("import progress")
		}

		c, err := parseLine(raw)
		if err != nil {
			imp.stats.invalid.Add(1)
			slog.Warn("skipping invalid coupon",
				slog.String("file", filepath.Base(path)),
				slog.Int("line", line),
				slog.String("error", err.Error()),
			)
			continue
		}

		select {
		case out <- c:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}

	slog.Info("file read", slog.String("file", filepath.Base(path)), slog.Int("lines", line))
	return nil
}

func parseLine(raw []byte) (*coupon.Coupon, error) {
	c, err := codec.DecodeCoupon(jx.DecodeBytes(raw))
	if err != nil {
		return nil, err
	}
	c.Code = coupon.NormalizeCode(c.Code)
	return c, nil
}

// write stores one coupon. Codes the bloom filter has never seen are new
// unless the same code appears twice in the batch.
func (imp *importer) write(ctx context.Context, c *coupon.Coupon) error {
	maybeKnown := imp.existing.TestString(c.Code)
	if maybeKnown {
		imp.stats.known.Add(1)
	}
	if imp.dryRun {
		return nil
	}

	if maybeKnown && imp.upsert {
		_, err := imp.admin.Update(ctx, c.Code, c)
		switch {
		case err == nil:
			imp.stats.updated.Add(1)
			return nil
		case !errors.Is(err, coupon.ErrNotFound):
			return imp.reject(c, err)
		}
		// False positive: create it.
	}

	err := imp.admin.Create(ctx, c)
	switch {
	case err == nil:
		imp.stats.created.Add(1)
	case errors.Is(err, coupon.ErrCodeTaken):
		imp.stats.duplicates.Add(1)
	default:
		return imp.reject(c, err)
	}
	return nil
}

// reject skips coupons the domain refuses and fails on anything else.
func (imp *importer) reject(c *coupon.Coupon, err error) error {
	if apperr.KindOf(err) == apperr.Validation {
		imp.stats.invalid.Add(1)
		slog.Warn("skipping rejected coupon", slog.String("code", c.Code), slog.String("error", err.Error()))
		return nil
	}
	return errors.Wrapf(err, "write coupon %s", c.Code)
}
