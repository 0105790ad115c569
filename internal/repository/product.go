package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/product"
)

const (
	productColumns = `id, store_id, name, price, status, variants`

	getProductByIDSQL = `SELECT ` + productColumns + ` FROM products WHERE id = $1`

	getProductsByIDsSQL = `SELECT ` + productColumns + ` FROM products WHERE id = ANY($1)`

	upsertProductSQL = `INSERT INTO products (id, store_id, name, price, status, variants)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET store_id = EXCLUDED.store_id, name = EXCLUDED.name,
			price = EXCLUDED.price, status = EXCLUDED.status, variants = EXCLUDED.variants`
)

var _ product.Repository = (*ProductRepository)(nil)

// ProductRepository implements product.Repository backed by PostgreSQL.
type ProductRepository struct {
	pool *pgxpool.Pool
}

// NewProductRepository returns a ProductRepository that uses the given pool.
func NewProductRepository(pool *pgxpool.Pool) *ProductRepository {
	return &ProductRepository{pool: pool}
}

// GetByID returns a single product by its identifier.
func (r *ProductRepository) GetByID(ctx context.Context, id string) (*product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductByIDSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}

	p, err := pgx.CollectExactlyOneRow(rows, scanProduct)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, product.ErrNotFound
		}
		return nil, fmt.Errorf("getting product %q: %w", id, err)
	}
	return &p, nil
}

// GetByIDs returns products matching any of the given IDs.
func (r *ProductRepository) GetByIDs(ctx context.Context, ids []string) ([]product.Product, error) {
	rows, err := r.pool.Query(ctx, getProductsByIDsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting products by ids: %w", err)
	}
	return pgx.CollectRows(rows, scanProduct)
}

// Upsert stores the catalog snapshot of p.
func (r *ProductRepository) Upsert(ctx context.Context, p product.Product) error {
	variants, err := json.Marshal(toVariantDocs(p.Variants))
	if err != nil {
		return fmt.Errorf("marshaling variants: %w", err)
	}
	_, err = r.pool.Exec(ctx, upsertProductSQL, p.ID, p.StoreID, p.Name, p.Price, string(p.Status), variants)
	if err != nil {
		return fmt.Errorf("upserting product %q: %w", p.ID, err)
	}
	return nil
}

type variantDoc struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

func toVariantDocs(vs []product.Variant) []variantDoc {
	out := make([]variantDoc, 0, len(vs))
	for _, v := range vs {
		out = append(out, variantDoc(v))
	}
	return out
}

func scanProduct(row pgx.CollectableRow) (product.Product, error) {
	var (
		p        product.Product
		status   string
		variants []byte
	)
	if err := row.Scan(&p.ID, &p.StoreID, &p.Name, &p.Price, &status, &variants); err != nil {
		return p, err
	}
	p.Status = product.Status(status)

	var docs []variantDoc
	if err := json.Unmarshal(variants, &docs); err != nil {
		return p, fmt.Errorf("decoding variants of %q: %w", p.ID, err)
	}
	for _, d := range docs {
		p.Variants = append(p.Variants, product.Variant(d))
	}
	return p, nil
}
