// Package seed loads a fixture of products, stock, coupons and wallet
// balances into a storage backend. Applying a fixture twice leaves the
// backend unchanged.
package seed

import (
	"context"
	"io"
	"os"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/codec"
	"github.com/xenking/kart-checkout/internal/domain/coupon"
	"github.com/xenking/kart-checkout/internal/domain/product"
	"github.com/xenking/kart-checkout/internal/domain/wallet"
)

// Stock is the owned quantity of a product or variant.
type Stock struct {
	ProductID string
	VariantID string
	Quantity  int
}

// Wallet is the balance a user's wallet is topped up to.
type Wallet struct {
	UserID  string
	Balance decimal.Decimal
}

// Fixture is the content of a seed file.
type Fixture struct {
	Products []product.Product
	Stock    []Stock
	Coupons  []*coupon.Coupon
	Wallets  []Wallet
}

// Load reads a fixture file.
func Load(path string) (*Fixture, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open fixture")
	}
	defer func() { _ = f.Close() }()
	return Decode(f)
}

// Decode reads a fixture:
//
//	{"products": [...], "stock": [...], "coupons": [...], "wallets": [...]}
func Decode(r io.Reader) (*Fixture, error) {
	var f Fixture
	err := jx.Decode(r, 4096).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "products":
			return d.Arr(func(d *jx.Decoder) error {
				p, err := decodeProduct(d)
				f.Products = append(f.Products, p)
				return err
			})
		case "stock":
			return d.Arr(func(d *jx.Decoder) error {
				s, err := decodeStock(d)
				f.Stock = append(f.Stock, s)
				return err
			})
		case "coupons":
			return d.Arr(func(d *jx.Decoder) error {
				c, err := codec.DecodeCoupon(d)
				f.Coupons = append(f.Coupons, c)
				return err
			})
		case "wallets":
			return d.Arr(func(d *jx.Decoder) error {
				w, err := decodeWallet(d)
				f.Wallets = append(f.Wallets, w)
				return err
			})
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "decode fixture")
	}
	return &f, nil
}

func decodeProduct(d *jx.Decoder) (product.Product, error) {
	p := product.Product{Status: product.StatusActive}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			p.ID, err = d.Str()
		case "store_id":
			p.StoreID, err = d.Str()
		case "name":
			p.Name, err = d.Str()
		case "price":
			p.Price, err = codec.Decimal(d)
		case "status":
			var s string
			s, err = d.Str()
			p.Status = product.Status(s)
		case "variants":
			err = d.Arr(func(d *jx.Decoder) error {
				var v product.Variant
				err := d.Obj(func(d *jx.Decoder, key string) error {
					var err error
					switch key {
					case "id":
						v.ID, err = d.Str()
					case "name":
						v.Name, err = d.Str()
					case "price":
						v.Price, err = codec.Decimal(d)
					default:
						err = d.Skip()
					}
					return err
				})
				p.Variants = append(p.Variants, v)
				return err
			})
		default:
			err = d.Skip()
		}
		return err
	})
	if err == nil && (p.ID == "" || p.StoreID == "") {
		err = errors.New("product needs id and store_id")
	}
	return p, err
}

func decodeStock(d *jx.Decoder) (Stock, error) {
	var s Stock
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "product_id":
			s.ProductID, err = d.Str()
		case "variant_id":
			s.VariantID, err = d.Str()
		case "quantity":
			s.Quantity, err = d.Int()
		default:
			err = d.Skip()
		}
		return err
	})
	if err == nil && s.Quantity < 0 {
		err = errors.Errorf("negative stock for %s", s.ProductID)
	}
	return s, err
}

func decodeWallet(d *jx.Decoder) (Wallet, error) {
	var w Wallet
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "user_id":
			w.UserID, err = d.Str()
		case "balance":
			w.Balance, err = codec.Decimal(d)
		default:
			err = d.Skip()
		}
		return err
	})
	return w, err
}

// Catalog stores products and stock levels.
type Catalog interface {
	Upsert(ctx context.Context, p product.Product) error
	SetStock(ctx context.Context, productID, variantID string, qty int) error
}

// Coupons creates coupons; coupon.Admin satisfies it.
type Coupons interface {
	Create(ctx context.Context, c *coupon.Coupon) error
}

// Wallets credits wallets; wallet.Ledger satisfies it.
type Wallets interface {
	Wallet(ctx context.Context, userID string) (*wallet.Wallet, error)
	Credit(ctx context.Context, userID string, amount decimal.Decimal, e wallet.Entry) (*wallet.Transaction, error)
}

// Result counts what Apply changed.
type Result struct {
	Products int
	Stock    int
	Coupons  int
	Wallets  int
}

// Apply writes f. Existing coupons are left as they are and wallets are only
// credited up to the fixture balance.
func Apply(ctx context.Context, f *Fixture, cat Catalog, coupons Coupons, wallets Wallets) (Result, error) {
	var res Result
	for _, p := range f.Products {
		if err := cat.Upsert(ctx, p); err != nil {
			return res, errors.Wrapf(err, "upsert product %s", p.ID)
		}
		res.Products++
	}
	for _, s := range f.Stock {
		if err := cat.SetStock(ctx, s.ProductID, s.VariantID, s.Quantity); err != nil {
			return res, errors.Wrapf(err, "set stock of %s", s.ProductID)
		}
		res.Stock++
	}
	for _, c := range f.Coupons {
		err := coupons.Create(ctx, c)
		switch {
		case errors.Is(err, coupon.ErrCodeTaken):
			continue
		case err != nil:
			return res, errors.Wrapf(err, "create coupon %s", c.Code)
		}
		res.Coupons++
	}
	for _, w := range f.Wallets {
		current, err := wallets.Wallet(ctx, w.UserID)
		if err != nil {
			return res, errors.Wrapf(err, "get wallet of %s", w.UserID)
		}
		topUp := w.Balance.Sub(current.Balance)
		if !topUp.IsPositive() {
			continue
		}
		if _, err := wallets.Credit(ctx, w.UserID, topUp, wallet.Entry{
			Description: "Seed balance",
			Reference:   "seed",
		}); err != nil {
			return res, errors.Wrapf(err, "credit wallet of %s", w.UserID)
		}
		res.Wallets++
	}
	return res, nil
}
