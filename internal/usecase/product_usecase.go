package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"app/internal/domain/model"
	"app/internal/infra/cache"
	repo "app/internal/repository"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

type ProductUsecase struct {
	productRepo repo.ProductRepository
	tx          repo.TransactionManager
	cache       *cache.ProductCache // nilなら素通し
	logger      zerolog.Logger
}

// DI
func NewProductUsecase(
	productRepo repo.ProductRepository,
	tx repo.TransactionManager,
	productCache *cache.ProductCache,
	logger zerolog.Logger,
) *ProductUsecase {
	return &ProductUsecase{
		productRepo: productRepo,
		tx:          tx,
		cache:       productCache,
		logger:      logger,
	}
}

type ListProductsInput struct {
	Page     int
	Limit    int
	Q        string
	MinPrice *decimal.Decimal
	MaxPrice *decimal.Decimal
	Sort     string
}

type ProductListOutput struct {
	Items []model.Product `json:"items"`
	Total int64           `json:"total"`
	Page  int             `json:"page"`
	Limit int             `json:"limit"`
}

var ErrInvalidListQuery = errors.New("invalid list query")

func (u *ProductUsecase) ListPublicProducts(ctx context.Context, in ListProductsInput) (ProductListOutput, error) {
	if in.Page < 1 {
		in.Page = 1
	}
	if in.Limit < 1 || in.Limit > 100 {
		in.Limit = 20
	}
	if len(in.Q) > 100 {
		return ProductListOutput{}, ErrInvalidListQuery
	}
	if in.MinPrice != nil && in.MinPrice.IsNegative() {
		return ProductListOutput{}, ErrInvalidListQuery
	}
	if in.MaxPrice != nil && in.MaxPrice.IsNegative() {
		return ProductListOutput{}, ErrInvalidListQuery
	}
	if in.MinPrice != nil && in.MaxPrice != nil && in.MinPrice.GreaterThan(*in.MaxPrice) {
		return ProductListOutput{}, ErrInvalidListQuery
	}
	switch in.Sort {
	case "", "new", "price_asc", "price_desc":
	default:
		return ProductListOutput{}, ErrInvalidListQuery
	}

	items, total, err := u.productRepo.ListPublic(ctx, repo.ProductListQuery{
		Page:     in.Page,
		Limit:    in.Limit,
		Q:        strings.TrimSpace(in.Q),
		MinPrice: in.MinPrice,
		MaxPrice: in.MaxPrice,
		Sort:     in.Sort,
	})
	if err != nil {
		return ProductListOutput{}, err
	}

	return ProductListOutput{
		Items: items,
		Total: total,
		Page:  in.Page,
		Limit: in.Limit,
	}, nil
}

// 商品詳細。キャッシュがあれば先に見る（在庫表示は多少古くてもよい）。
func (u *ProductUsecase) GetProductDetail(ctx context.Context, productID int64) (model.Product, error) {
	if productID <= 0 {
		return model.Product{}, &ProductNotFoundError{ProductID: productID}
	}

	if u.cache != nil {
		if p, ok := u.cache.Get(ctx, productID); ok {
			return p, nil
		}
	}

	p, err := u.productRepo.FindByID(ctx, productID)
	if errors.Is(err, repo.ErrNotFound) {
		return model.Product{}, &ProductNotFoundError{ProductID: productID}
	}
	if err != nil {
		return model.Product{}, err
	}
	if !p.IsActive {
		return model.Product{}, &ProductNotFoundError{ProductID: productID}
	}

	if u.cache != nil {
		if err := u.cache.Set(ctx, p); err != nil {
			u.logger.Warn().Err(err).Int64("product_id", productID).Msg("product cache set failed")
		}
	}
	return p, nil
}

type AdminProductInput struct {
	Name        string
	Description string
	Price       decimal.Decimal
	Stock       int64
	IsActive    bool
}

var ErrInvalidProduct = errors.New("invalid product")

func (u *ProductUsecase) AdminCreateProduct(ctx context.Context, adminUserID int64, in AdminProductInput) (int64, error) {
	if adminUserID <= 0 {
		return 0, ErrInvalidUser
	}
	if strings.TrimSpace(in.Name) == "" {
		return 0, ErrInvalidProduct
	}
	if in.Price.IsNegative() {
		return 0, ErrInvalidProduct
	}
	if in.Stock < 0 {
		return 0, ErrInvalidProduct
	}

	now := time.Now()
	p, err := u.productRepo.Create(ctx, model.Product{
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		Price:       in.Price,
		Stock:       in.Stock,
		IsActive:    in.IsActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return 0, err
	}
	return p.ID, nil
}

func (u *ProductUsecase) AdminUpdateProduct(ctx context.Context, adminUserID int64, productID int64, in AdminProductInput) error {
	if adminUserID <= 0 {
		return ErrInvalidUser
	}
	if productID <= 0 {
		return &ProductNotFoundError{ProductID: productID}
	}
	if strings.TrimSpace(in.Name) == "" {
		return ErrInvalidProduct
	}
	if in.Price.IsNegative() {
		return ErrInvalidProduct
	}

	err := u.productRepo.Update(ctx, model.Product{
		ID:          productID,
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		Price:       in.Price,
		IsActive:    in.IsActive,
		UpdatedAt:   time.Now(),
	})
	if errors.Is(err, repo.ErrNotFound) {
		return &ProductNotFoundError{ProductID: productID}
	}
	if err != nil {
		return err
	}

	u.invalidateCache(ctx, productID)
	return nil
}

func (u *ProductUsecase) AdminDeleteProduct(ctx context.Context, adminUserID int64, productID int64) error {
	if adminUserID <= 0 {
		return ErrInvalidUser
	}
	if productID <= 0 {
		return &ProductNotFoundError{ProductID: productID}
	}

	err := u.productRepo.SoftDelete(ctx, productID)
	if errors.Is(err, repo.ErrNotFound) {
		return &ProductNotFoundError{ProductID: productID}
	}
	if err != nil {
		return err
	}

	u.invalidateCache(ctx, productID)
	return nil
}

var ErrInvalidAdjustment = errors.New("invalid inventory adjustment")

// 在庫を「現在値」に更新し、調整履歴と監査ログを残す。3つの書き込みは1トランザクション。
func (u *ProductUsecase) AdminUpdateInventory(ctx context.Context, adminUserID int64, productID int64, newStock int64, reason string) error {
	if adminUserID <= 0 {
		return ErrInvalidUser
	}
	if productID <= 0 {
		return &ProductNotFoundError{ProductID: productID}
	}
	if newStock < 0 {
		return ErrInvalidAdjustment
	}
	if strings.TrimSpace(reason) == "" {
		return ErrInvalidAdjustment
	}

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		//変更前の在庫（before）
		p, err := r.Products().FindByID(ctx, productID)
		if errors.Is(err, repo.ErrNotFound) {
			return &ProductNotFoundError{ProductID: productID}
		}
		if err != nil {
			return err
		}

		if err := r.Inventory().SetStock(ctx, productID, newStock); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return &ProductNotFoundError{ProductID: productID}
			}
			return err
		}

		if err := r.Inventory().CreateAdjustment(ctx, model.InventoryAdjustment{
			ProductID:   productID,
			AdminUserID: adminUserID,
			Delta:       newStock - p.Stock,
			Reason:      strings.TrimSpace(reason),
		}); err != nil {
			return err
		}

		beforeJSON, _ := json.Marshal(map[string]int64{"stock": p.Stock})
		afterJSON, _ := json.Marshal(map[string]int64{"stock": newStock})
		return r.AuditLogs().Create(ctx, model.AuditLog{
			ActorUserID:  adminUserID,
			Action:       model.AuditActionUpdateStock,
			ResourceType: model.AuditResourceProduct,
			ResourceID:   productID,
			BeforeJSON:   string(beforeJSON),
			AfterJSON:    string(afterJSON),
			CreatedAt:    time.Now(),
		})
	})
	if err != nil {
		return err
	}

	u.invalidateCache(ctx, productID)
	return nil
}

func (u *ProductUsecase) invalidateCache(ctx context.Context, productID int64) {
	if u.cache == nil {
		return
	}
	if err := u.cache.Invalidate(ctx, productID); err != nil {
		u.logger.Warn().Err(err).Int64("product_id", productID).Msg("product cache invalidate failed")
	}
}
