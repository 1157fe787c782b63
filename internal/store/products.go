package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"order-platform/internal/models"

	"github.com/jmoiron/sqlx"
)

// ErrConflict is returned when an insert collides with a unique key.
var ErrConflict = errors.New("conflict")

// CreateProduct inserts a catalog entry
func (s *Store) CreateProduct(ctx context.Context, p *models.Product) error {
	row := s.conn(ctx).QueryRowxContext(ctx, `
		INSERT INTO products (id, name, description, sku, price, category_id, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.Description, p.SKU, p.Price, p.CategoryID, p.IsActive)
	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("product %s / sku %s: %w", p.ID, p.SKU, ErrConflict)
		}
		return err
	}
	return nil
}

// LockProduct retrieves, and inside a transaction locks, a catalog entry
func (s *Store) LockProduct(ctx context.Context, id string) (*models.Product, error) {
	var p models.Product
	err := sqlx.GetContext(ctx, s.conn(ctx), &p, forUpdate(ctx, "SELECT * FROM products WHERE id = $1"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// UpdateProduct persists the mutable catalog fields
func (s *Store) UpdateProduct(ctx context.Context, p *models.Product) error {
	row := s.conn(ctx).QueryRowxContext(ctx, `
		UPDATE products
		SET name = $1, description = $2, price = $3, category_id = $4, is_active = $5, updated_at = NOW()
		WHERE id = $6
		RETURNING updated_at`,
		p.Name, p.Description, p.Price, p.CategoryID, p.IsActive, p.ID)
	if err := row.Scan(&p.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return nil
}
