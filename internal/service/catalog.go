package service

import (
	"context"
	"fmt"
	"time"

	"order-platform/internal/events"
	"order-platform/internal/models"
	"order-platform/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CreateProductRequest is the catalog entry submitted to CreateProduct
type CreateProductRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	SKU         string `json:"sku" binding:"required"`
	Price       int64  `json:"price" binding:"required"`
	CategoryID  string `json:"categoryId"`
}

// UpdateProductRequest carries the catalog fields to change. Nil fields are
// left as they are.
type UpdateProductRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	Price       *int64  `json:"price"`
	CategoryID  *string `json:"categoryId"`
	IsActive    *bool   `json:"isActive"`
}

// CreateProduct adds a catalog entry and announces it with product.created
func (is *InventoryService) CreateProduct(ctx context.Context, req *CreateProductRequest) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.CreateProduct")
	defer span.End()

	if req.Name == "" || req.SKU == "" {
		return nil, fmt.Errorf("%w: name and sku are required", ErrInvalidRequest)
	}
	if req.Price <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidRequest)
	}

	product := &models.Product{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		SKU:         req.SKU,
		Price:       req.Price,
		CategoryID:  req.CategoryID,
		IsActive:    true,
	}

	var staged events.Envelope
	err := is.repo.InTx(ctx, func(ctx context.Context) error {
		if err := is.repo.CreateProduct(ctx, product); err != nil {
			return fmt.Errorf("failed to create product: %w", err)
		}
		env, err := events.New(events.ProductCreated, events.SourceProducts, events.ProductCreatedData{
			ProductID:  product.ID,
			Name:       product.Name,
			SKU:        product.SKU,
			Price:      product.Price,
			CategoryID: product.CategoryID,
			CreatedAt:  product.CreatedAt.UTC(),
		}, events.Metadata{CorrelationID: product.ID})
		if err != nil {
			return err
		}
		staged = env
		return stage(ctx, is.repo, env)
	})
	if err != nil {
		return nil, err
	}

	deliver(ctx, is.repo, is.publisher, staged, is.logger)
	util.ProductChangesTotal.WithLabelValues(events.ProductCreated).Inc()
	is.logger.Info("Product created", zap.String("product_id", product.ID), zap.String("sku", product.SKU))
	return product, nil
}

// UpdateProduct applies the given changes and publishes product.updated with
// the fields that actually changed. An update that changes nothing publishes
// nothing.
func (is *InventoryService) UpdateProduct(ctx context.Context, productID string, req *UpdateProductRequest) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "InventoryService.UpdateProduct")
	defer span.End()

	if req.Price != nil && *req.Price <= 0 {
		return nil, fmt.Errorf("%w: price must be positive", ErrInvalidRequest)
	}
	if req.Name != nil && *req.Name == "" {
		return nil, fmt.Errorf("%w: name must not be empty", ErrInvalidRequest)
	}

	var (
		result *models.Product
		staged *events.Envelope
	)
	err := is.repo.InTx(ctx, func(ctx context.Context) error {
		product, err := is.repo.LockProduct(ctx, productID)
		if err != nil {
			return err
		}
		result = product

		changes := applyProductChanges(product, req)
		if len(changes) == 0 {
			return nil
		}
		if err := is.repo.UpdateProduct(ctx, product); err != nil {
			return fmt.Errorf("failed to update product: %w", err)
		}

		env, err := events.New(events.ProductUpdated, events.SourceProducts, events.ProductUpdatedData{
			ProductID: product.ID,
			Changes:   changes,
			UpdatedAt: time.Now().UTC(),
		}, events.Metadata{CorrelationID: product.ID})
		if err != nil {
			return err
		}
		staged = &env
		return stage(ctx, is.repo, env)
	})
	if err != nil {
		return nil, err
	}
	if staged == nil {
		return result, nil
	}

	deliver(ctx, is.repo, is.publisher, *staged, is.logger)
	util.ProductChangesTotal.WithLabelValues(events.ProductUpdated).Inc()
	return result, nil
}

// GetProduct retrieves a catalog entry
func (is *InventoryService) GetProduct(ctx context.Context, productID string) (*models.Product, error) {
	return is.repo.LockProduct(ctx, productID)
}

func applyProductChanges(p *models.Product, req *UpdateProductRequest) map[string]interface{} {
	changes := map[string]interface{}{}
	if req.Name != nil && *req.Name != p.Name {
		p.Name = *req.Name
		changes["name"] = p.Name
	}
	if req.Description != nil && *req.Description != p.Description {
		p.Description = *req.Description
		changes["description"] = p.Description
	}
	if req.Price != nil && *req.Price != p.Price {
		p.Price = *req.Price
		changes["price"] = p.Price
	}
	if req.CategoryID != nil && *req.CategoryID != p.CategoryID {
		p.CategoryID = *req.CategoryID
		changes["categoryId"] = p.CategoryID
	}
	if req.IsActive != nil && *req.IsActive != p.IsActive {
		p.IsActive = *req.IsActive
		changes["isActive"] = p.IsActive
	}
	return changes
}
