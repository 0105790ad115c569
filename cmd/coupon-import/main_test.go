package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bits-and-blooms/bloom/v3"
	pgzip "github.com/klauspost/pgzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/coupon"
)

type fakeAdmin struct {
	mu      sync.Mutex
	coupons map[string]*coupon.Coupon
	updates int
}

func newFakeAdmin(codes ...string) *fakeAdmin {
	a := &fakeAdmin{coupons: make(map[string]*coupon.Coupon)}
	for _, code := range codes {
		a.coupons[code] = &coupon.Coupon{Code: code}
	}
	return a
}

func (a *fakeAdmin) Create(_ context.Context, c *coupon.Coupon) error {
	if err := c.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.coupons[c.Code]; ok {
		return coupon.ErrCodeTaken
	}
	a.coupons[c.Code] = c
	return nil
}

func (a *fakeAdmin) Update(_ context.Context, code string, next *coupon.Coupon) (*coupon.Coupon, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.coupons[code]; !ok {
		return nil, coupon.ErrNotFound
	}
	a.coupons[code] = next
	a.updates++
	return next, nil
}

func writeBatch(t *testing.T, dir, name string, lines ...string) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()

	gz := pgzip.NewWriter(f)
	_, err = gz.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
}

func newImporter(admin Admin, known ...string) *importer {
	filter := bloom.NewWithEstimates(1000, bloomFPR)
	for _, code := range known {
		filter.AddString(code)
	}
	return &importer{admin: admin, existing: filter}
}

func batchFiles(t *testing.T) []string {
	t.Helper()
	dir := t.TempDir()
	writeBatch(t, dir, "a.jsonl.gz",
		`{"code": "new1", "type": "percentage", "value": "10"}`,
		`{"code": "OLD1", "type": "fixed_amount", "value": "5", "description": "updated"}`,
		`not json`,
		``,
	)
	writeBatch(t, dir, "b.jsonl.gz",
		`{"code": "NEW2", "type": "free_shipping", "value": 0}`,
		`{"code": "NEW1", "type": "percentage", "value": "20"}`,
		`{"code": "BAD", "type": "percentage", "value": "150"}`,
	)
	files, err := filepath.Glob(filepath.Join(dir, "*.jsonl.gz"))
	require.NoError(t, err)
	require.Len(t, files, 2)
	return files
}

func TestImporter_Run(t *testing.T) {
	admin := newFakeAdmin("OLD1")
	imp := newImporter(admin, "OLD1")

	require.NoError(t, imp.run(context.Background(), batchFiles(t), 3))

	assert.EqualValues(t, 6, imp.stats.read.Load())
	assert.EqualValues(t, 2, imp.stats.invalid.Load(), "bad json and out of range percentage")
	assert.EqualValues(t, 2, imp.stats.created.Load())
	assert.EqualValues(t, 2, imp.stats.duplicates.Load(), "NEW1 twice and OLD1 without upsert")
	assert.EqualValues(t, 1, imp.stats.known.Load())
	assert.Zero(t, imp.stats.updated.Load())

	assert.Contains(t, admin.coupons, "NEW1")
	assert.Contains(t, admin.coupons, "NEW2")
	assert.NotContains(t, admin.coupons, "BAD")
	assert.Empty(t, admin.coupons["OLD1"].Description)
}

func TestImporter_Upsert(t *testing.T) {
	admin := newFakeAdmin("OLD1")
	imp := newImporter(admin, "OLD1")
	imp.upsert = true

	require.NoError(t, imp.run(context.Background(), batchFiles(t), 1))

	assert.EqualValues(t, 1, imp.stats.updated.Load())
	assert.Equal(t, 1, admin.updates)
	assert.Equal(t, "updated", admin.coupons["OLD1"].Description)
}

func TestImporter_FalsePositiveCreates(t *testing.T) {
	admin := newFakeAdmin()
	imp := newImporter(admin, "GHOST")
	imp.upsert = true

	require.NoError(t, imp.write(context.Background(), &coupon.Coupon{
		Code: "GHOST",
		Type: coupon.DiscountFreeShipping,
	}))
	assert.EqualValues(t, 1, imp.stats.known.Load())
	assert.EqualValues(t, 1, imp.stats.created.Load())
	assert.Contains(t, admin.coupons, "GHOST")
}

func TestImporter_DryRun(t *testing.T) {
	admin := newFakeAdmin("OLD1")
	imp := newImporter(admin, "OLD1")
	imp.dryRun = true

	require.NoError(t, imp.run(context.Background(), batchFiles(t), 2))

	assert.EqualValues(t, 1, imp.stats.known.Load())
	assert.Zero(t, imp.stats.created.Load())
	assert.Len(t, admin.coupons, 1)
}

func TestImporter_MissingFile(t *testing.T) {
	imp := newImporter(newFakeAdmin())
	err := imp.run(context.Background(), []string{filepath.Join(t.TempDir(), "missing.jsonl.gz")}, 1)
	require.Error(t, err)
}

func TestParseLine(t *testing.T) {
	c, err := parseLine([]byte(`{"code": " summer-10 ", "type": "percentage", "value": 10}`))
	require.NoError(t, err)
	assert.Equal(t, coupon.NormalizeCode(" summer-10 "), c.Code)

	_, err = parseLine([]byte(`{"code": 1}`))
	assert.Error(t, err)
}
