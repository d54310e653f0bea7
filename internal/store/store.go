package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schema string

// Queries runs ledger statements against either the pool or a transaction
type Queries struct {
	ext sqlx.ExtContext
}

type Store struct {
	*Queries
	db *sqlx.DB
}

var _ Ledger = (*Store)(nil)

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return New(db), nil
}

// New wraps an existing connection
func New(db *sqlx.DB) *Store {
	return &Store{Queries: &Queries{ext: db}, db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the ledger tables if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunInTx executes fn inside a single transaction. The transaction is
// rolled back when fn returns an error or panics.
func (s *Store) RunInTx(ctx context.Context, fn func(repo Repository) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&Queries{ext: tx}); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a Postgres unique_violation
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// UpsertMerchant creates or refreshes the merchant bound to a gateway
func (q *Queries) UpsertMerchant(ctx context.Context, m *models.Merchant) error {
	query := `
		INSERT INTO merchants (name, gateway, external_merchant_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (gateway) DO UPDATE
		SET name = EXCLUDED.name, external_merchant_id = EXCLUDED.external_merchant_id
		RETURNING id, created_at`

	return sqlx.GetContext(ctx, q.ext, m, query, m.Name, m.Gateway, m.ExternalMerchantID)
}

// GetMerchantByID retrieves a merchant by ID
func (q *Queries) GetMerchantByID(ctx context.Context, id int64) (*models.Merchant, error) {
	var m models.Merchant
	err := sqlx.GetContext(ctx, q.ext, &m, "SELECT * FROM merchants WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: merchant %d", apperr.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMerchantByGateway retrieves the merchant configured for a gateway
func (q *Queries) GetMerchantByGateway(ctx context.Context, gateway string) (*models.Merchant, error) {
	var m models.Merchant
	err := sqlx.GetContext(ctx, q.ext, &m, "SELECT * FROM merchants WHERE gateway = $1", gateway)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateProduct inserts a product
func (q *Queries) CreateProduct(ctx context.Context, p *models.Product) error {
	query := `
		INSERT INTO products (code, name, brand, description, price, stock, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, version, created_at, updated_at`

	return sqlx.GetContext(ctx, q.ext, p, query,
		p.Code, p.Name, p.Brand, p.Description, p.Price, p.Stock, p.Active)
}

// GetProductByID retrieves a product by ID
func (q *Queries) GetProductByID(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := sqlx.GetContext(ctx, q.ext, &product, "SELECT * FROM products WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: product %d", apperr.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProductByCode retrieves a product by its SKU
func (q *Queries) GetProductByCode(ctx context.Context, code string) (*models.Product, error) {
	var product models.Product
	err := sqlx.GetContext(ctx, q.ext, &product, "SELECT * FROM products WHERE code = $1", code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetProducts retrieves all products
func (q *Queries) GetProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	err := sqlx.SelectContext(ctx, q.ext, &products, "SELECT * FROM products ORDER BY id")
	return products, err
}

// GetProductsByIDs retrieves multiple products by IDs
func (q *Queries) GetProductsByIDs(ctx context.Context, ids []int64) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT * FROM products WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = q.ext.Rebind(query)

	var products []models.Product
	err = sqlx.SelectContext(ctx, q.ext, &products, query, args...)
	return products, err
}

// UpdateProductDetails rewrites the descriptive fields and price. Stock is
// only ever changed through ApplyStockDelta.
func (q *Queries) UpdateProductDetails(ctx context.Context, p *models.Product) error {
	query := `
		UPDATE products
		SET name = $1, brand = $2, description = $3, price = $4, version = version + 1, updated_at = NOW()
		WHERE id = $5
		RETURNING version, updated_at`

	err := sqlx.GetContext(ctx, q.ext, p, query, p.Name, p.Brand, p.Description, p.Price, p.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: product %d", apperr.ErrNotFound, p.ID)
	}
	return err
}

// SetProductActive soft-activates or deactivates a product
func (q *Queries) SetProductActive(ctx context.Context, id int64, active bool) error {
	res, err := q.ext.ExecContext(ctx,
		"UPDATE products SET active = $1, updated_at = NOW() WHERE id = $2",
		active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: product %d", apperr.ErrNotFound, id)
	}
	return nil
}

// ApplyStockDelta adds delta to the product's stock if its version still
// equals expectedVersion and the result stays non-negative. It reports
// false when either condition fails.
func (q *Queries) ApplyStockDelta(ctx context.Context, productID int64, delta int, expectedVersion int64) (bool, error) {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE products
		SET stock = stock + $1, version = version + 1, updated_at = NOW()
		WHERE id = $2 AND version = $3 AND stock + $1 >= 0`,
		delta, productID, expectedVersion)
	if err != nil {
		return false, fmt.Errorf("failed to apply stock delta: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
