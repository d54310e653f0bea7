package service

import (
	"context"
	"fmt"
	"strings"

	"checkout-service/internal/apperr"
	"checkout-service/internal/models"
	"checkout-service/internal/store"
	"checkout-service/internal/util"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CatalogService serves products to shoppers and lets operators manage them
type CatalogService struct {
	ledger     store.Ledger
	mirror     StockMirror
	publisher  EventPublisher
	retryLimit int
	logger     *zap.Logger
}

// NewCatalogService creates a catalog service. mirror may be nil.
func NewCatalogService(ledger store.Ledger, mirror StockMirror, publisher EventPublisher, retryLimit int) *CatalogService {
	if retryLimit <= 0 {
		retryLimit = DefaultStockRetryLimit
	}
	return &CatalogService{
		ledger:     ledger,
		mirror:     mirror,
		publisher:  publisherOrNop(publisher),
		retryLimit: retryLimit,
		logger:     util.GetLogger(),
	}
}

// StockLevel is a product's stock as last seen
type StockLevel struct {
	ProductID int64  `json:"product_id"`
	Stock     int    `json:"stock"`
	Version   int64  `json:"version"`
	Source    string `json:"source"`
}

// GetProduct retrieves a product by ID
func (s *CatalogService) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.GetProduct")
	defer span.End()

	return s.ledger.GetProductByID(ctx, id)
}

// ListProducts returns the catalog. Inactive products are only listed for operators.
func (s *CatalogService) ListProducts(ctx context.Context, includeInactive bool) ([]models.Product, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.ListProducts")
	defer span.End()

	products, err := s.ledger.GetProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}

	out := make([]models.Product, 0, len(products))
	for _, p := range products {
		if p.Active || includeInactive {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetStock answers from the stock mirror and falls back to the ledger,
// refreshing the mirror on the way out. The mirror may lag the ledger.
func (s *CatalogService) GetStock(ctx context.Context, productID int64) (*StockLevel, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.GetStock")
	defer span.End()

	if s.mirror != nil {
		stock, version, found, err := s.mirror.GetStock(ctx, productID)
		if err != nil {
			s.logger.Warn("Stock mirror read failed", zap.Int64("product_id", productID), zap.Error(err))
		} else if found {
			return &StockLevel{ProductID: productID, Stock: stock, Version: version, Source: "cache"}, nil
		}
	}

	product, err := s.ledger.GetProductByID(ctx, productID)
	if err != nil {
		return nil, err
	}

	s.mirrorStock(ctx, product.ID, product.Stock, product.Version)
	return &StockLevel{ProductID: product.ID, Stock: product.Stock, Version: product.Version, Source: "ledger"}, nil
}

func (s *CatalogService) mirrorStock(ctx context.Context, productID int64, stock int, version int64) {
	if s.mirror == nil {
		return
	}
	if _, err := s.mirror.SetStock(ctx, productID, stock, version); err != nil {
		s.logger.Warn("Stock mirror write failed", zap.Int64("product_id", productID), zap.Error(err))
	}
}

// ProductRequest carries the operator-editable product fields
type ProductRequest struct {
	Code        string          `json:"code"`
	Name        string          `json:"name" binding:"required"`
	Brand       string          `json:"brand"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
	Active      *bool           `json:"active"`
}

func (r *ProductRequest) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name is required", apperr.ErrValidation)
	}
	if !r.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", apperr.ErrValidation)
	}
	return nil
}

// CreateProduct adds a product to the catalog
func (s *CatalogService) CreateProduct(ctx context.Context, req *ProductRequest) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.CreateProduct")
	defer span.End()

	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" {
		return nil, fmt.Errorf("%w: code is required", apperr.ErrValidation)
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	if req.Stock < 0 {
		return nil, fmt.Errorf("%w: stock cannot be negative", apperr.ErrValidation)
	}

	existing, err := s.ledger.GetProductByCode(ctx, req.Code)
	if err != nil {
		return nil, fmt.Errorf("failed to check product code: %w", err)
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: product code %s already exists", apperr.ErrValidation, req.Code)
	}

	product := &models.Product{
		Code:        req.Code,
		Name:        strings.TrimSpace(req.Name),
		Brand:       req.Brand,
		Description: req.Description,
		Price:       req.Price,
		Stock:       req.Stock,
		Active:      req.Active == nil || *req.Active,
	}
	if err := s.ledger.CreateProduct(ctx, product); err != nil {
		if store.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: product code %s already exists", apperr.ErrValidation, req.Code)
		}
		return nil, fmt.Errorf("failed to create product: %w", err)
	}

	s.logger.Info("Product created", zap.Int64("product_id", product.ID), zap.String("code", product.Code))
	s.mirrorStock(ctx, product.ID, product.Stock, product.Version)
	return product, nil
}

// UpdateProduct rewrites name, brand, description and price. Existing order
// lines keep the price they were created with.
func (s *CatalogService) UpdateProduct(ctx context.Context, id int64, req *ProductRequest) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.UpdateProduct")
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, err
	}

	var product *models.Product
	err := s.ledger.RunInTx(ctx, func(repo store.Repository) error {
		var err error
		product, err = repo.GetProductByID(ctx, id)
		if err != nil {
			return err
		}

		product.Name = strings.TrimSpace(req.Name)
		product.Brand = req.Brand
		product.Description = req.Description
		product.Price = req.Price
		if err := repo.UpdateProductDetails(ctx, product); err != nil {
			return fmt.Errorf("failed to update product: %w", err)
		}

		if req.Active != nil && *req.Active != product.Active {
			if err := repo.SetProductActive(ctx, id, *req.Active); err != nil {
				return err
			}
			product.Active = *req.Active
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Product updated", zap.Int64("product_id", id), zap.String("price", product.Price.StringFixed(2)))
	return product, nil
}

// SetProductActive soft-activates or deactivates a product. Inactive
// products cannot be ordered but stay on existing orders.
func (s *CatalogService) SetProductActive(ctx context.Context, id int64, active bool) error {
	ctx, span := util.StartSpan(ctx, "CatalogService.SetProductActive")
	defer span.End()

	if err := s.ledger.SetProductActive(ctx, id, active); err != nil {
		return err
	}
	s.logger.Info("Product activation changed", zap.Int64("product_id", id), zap.Bool("active", active))
	return nil
}

// AdjustStockRequest is a manual stock correction
type AdjustStockRequest struct {
	Delta int    `json:"delta" binding:"required"`
	Note  string `json:"note"`
}

// AdjustStock records a MANUAL adjustment and moves the product's stock by
// delta in one transaction
func (s *CatalogService) AdjustStock(ctx context.Context, productID int64, req *AdjustStockRequest) (*models.StockAdjustedEvent, error) {
	ctx, span := util.StartSpan(ctx, "CatalogService.AdjustStock")
	defer span.End()

	if req.Delta == 0 {
		return nil, fmt.Errorf("%w: delta must not be zero", apperr.ErrValidation)
	}
	note := strings.TrimSpace(req.Note)
	if note == "" {
		note = "manual adjustment"
	}

	var event *models.StockAdjustedEvent
	err := s.ledger.RunInTx(ctx, func(repo store.Repository) error {
		if _, err := repo.InsertStockAdjustment(ctx, &models.StockAdjustment{
			ProductID:     productID,
			Kind:          models.AdjustmentManual,
			QuantityDelta: req.Delta,
			Note:          note,
		}); err != nil {
			return fmt.Errorf("failed to record stock adjustment: %w", err)
		}

		var err error
		event, err = moveStock(ctx, repo, productID, req.Delta, s.retryLimit, s.logger)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Stock adjusted manually",
		zap.Int64("product_id", productID),
		zap.Int("delta", req.Delta),
		zap.Int("stock", event.Stock))

	if err := s.publisher.PublishStockAdjusted(ctx, event); err != nil {
		s.logger.Error("Failed to publish StockAdjusted event", zap.Error(err))
	}
	return event, nil
}
