package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrInsufficientStock = errors.New("insufficient stock")

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so stock mutations
// can join whatever transaction the caller opened.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ProductStore is the stock ledger. All stock movement is attributed to
// exactly one order's item quantities, and every multi-item movement happens
// inside a single transaction: partial deduction is never observable.
type ProductStore struct {
	pool *pgxpool.Pool
}

func NewProductStore(pool *pgxpool.Pool) *ProductStore {
	return &ProductStore{pool: pool}
}

func (s *ProductStore) GetByIDs(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Product, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, price, stock, active
		FROM products
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load products: %w", err)
	}
	defer rows.Close()

	products := make(map[uuid.UUID]*Product, len(ids))
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Stock, &p.Active); err != nil {
			return nil, err
		}
		products[p.ID] = &p
	}
	return products, rows.Err()
}

// CheckAvailability validates that every item's quantity is currently in
// stock without deducting anything. Used by the gateway-mediated creation
// path, which defers the deduction to confirmation time.
func (s *ProductStore) CheckAvailability(ctx context.Context, items []OrderItem) error {
	for _, item := range items {
		var stock int
		err := s.pool.QueryRow(ctx, `SELECT stock FROM products WHERE id = $1`, item.ProductID).Scan(&stock)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: product %s not found", ErrInsufficientStock, item.ProductID)
		}
		if err != nil {
			return fmt.Errorf("failed to check stock: %w", err)
		}
		if stock < item.Quantity {
			return fmt.Errorf("%w: product %s has %d, need %d", ErrInsufficientStock, item.ProductID, stock, item.Quantity)
		}
	}
	return nil
}

// reserveStock decrements stock per item on the caller's transaction. The
// conditional WHERE keeps stock non-negative; a zero-row update means the
// required quantity is no longer available and the caller must roll back.
func reserveStock(ctx context.Context, q querier, items []OrderItem) error {
	for _, item := range items {
		tag, err := q.Exec(ctx, `
			UPDATE products
			SET stock = stock - $1
			WHERE id = $2 AND stock >= $1
		`, item.Quantity, item.ProductID)
		if err != nil {
			return fmt.Errorf("failed to reserve stock: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: product %s quantity %d", ErrInsufficientStock, item.ProductID, item.Quantity)
		}
	}
	return nil
}

// restoreStock increments stock back for a cancellation or full refund. The
// caller guarantees it runs at most once per cancellation event by gating it
// behind a conditional status transition in the same transaction.
func restoreStock(ctx context.Context, q querier, items []OrderItem) error {
	for _, item := range items {
		if _, err := q.Exec(ctx, `
			UPDATE products
			SET stock = stock + $1
			WHERE id = $2
		`, item.Quantity, item.ProductID); err != nil {
			return fmt.Errorf("failed to restore stock: %w", err)
		}
	}
	return nil
}
