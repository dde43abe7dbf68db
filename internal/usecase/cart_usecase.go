package usecase

import (
	"context"
	"errors"

	repo "app/internal/repository"

	"github.com/shopspring/decimal"
)

// CartUsecase は /cart の業務ロジック。
// ここの検証は通常のバリデーション（数量>0、在庫超過の拒否）。
// 本当の在庫保証はチェックアウトのトランザクションが持つ。
type CartUsecase struct {
	cartItemRepo repo.CartItemRepository
	productRepo  repo.ProductRepository
}

func NewCartUsecase(
	cartItemRepo repo.CartItemRepository,
	productRepo repo.ProductRepository,
) *CartUsecase {
	return &CartUsecase{
		cartItemRepo: cartItemRepo,
		productRepo:  productRepo,
	}
}

// priceは現在の商品価格（カートは価格を持たない）
type CartItemResponse struct {
	ProductID int64           `json:"product_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	Quantity  int64           `json:"quantity"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type CartResponse struct {
	Items []CartItemResponse `json:"items"`
	Total decimal.Decimal    `json:"total"`
}

type AddCartInput struct {
	ProductID int64
	Quantity  int64
}

type UpdateCartItemInput struct {
	Quantity int64
}

func (u *CartUsecase) GetCart(ctx context.Context, userID int64) (CartResponse, error) {
	if userID <= 0 {
		return CartResponse{}, ErrInvalidUser
	}
	return u.buildCartResponse(ctx, userID)
}

// AddToCart はカートに追加（同一商品は数量加算）。
func (u *CartUsecase) AddToCart(ctx context.Context, userID int64, in AddCartInput) (CartResponse, error) {
	if userID <= 0 {
		return CartResponse{}, ErrInvalidUser
	}
	if in.Quantity < 1 {
		return CartResponse{}, ErrInvalidQuantity
	}

	p, err := u.productRepo.FindByID(ctx, in.ProductID)
	if errors.Is(err, repo.ErrNotFound) {
		return CartResponse{}, &ProductNotFoundError{ProductID: in.ProductID}
	}
	if err != nil {
		return CartResponse{}, err
	}
	if !p.IsActive {
		return CartResponse{}, &ProductNotFoundError{ProductID: in.ProductID}
	}

	// 既存数量と合算して在庫を超えないか
	var existingQty int64
	existing, err := u.cartItemRepo.FindByUserAndProduct(ctx, userID, in.ProductID)
	if err == nil {
		existingQty = existing.Quantity
	} else if !errors.Is(err, repo.ErrNotFound) {
		return CartResponse{}, err
	}

	if existingQty+in.Quantity > p.Stock {
		return CartResponse{}, &InsufficientStockError{ProductID: in.ProductID}
	}

	if err := u.cartItemRepo.UpsertByUserAndProduct(ctx, userID, in.ProductID, in.Quantity); err != nil {
		return CartResponse{}, err
	}

	return u.buildCartResponse(ctx, userID)
}

// 数量変更（上書き。在庫チェックあり）
func (u *CartUsecase) UpdateCartItem(ctx context.Context, userID int64, productID int64, in UpdateCartItemInput) (CartResponse, error) {
	if userID <= 0 {
		return CartResponse{}, ErrInvalidUser
	}
	if in.Quantity < 1 {
		return CartResponse{}, ErrInvalidQuantity
	}

	if _, err := u.cartItemRepo.FindByUserAndProduct(ctx, userID, productID); err != nil {
		return CartResponse{}, err
	}

	p, err := u.productRepo.FindByID(ctx, productID)
	if errors.Is(err, repo.ErrNotFound) {
		return CartResponse{}, &ProductNotFoundError{ProductID: productID}
	}
	if err != nil {
		return CartResponse{}, err
	}
	if !p.IsActive {
		return CartResponse{}, &ProductNotFoundError{ProductID: productID}
	}
	if in.Quantity > p.Stock {
		return CartResponse{}, &InsufficientStockError{ProductID: productID}
	}

	if err := u.cartItemRepo.UpdateQuantity(ctx, userID, productID, in.Quantity); err != nil {
		return CartResponse{}, err
	}

	return u.buildCartResponse(ctx, userID)
}

// 明細削除
func (u *CartUsecase) RemoveFromCart(ctx context.Context, userID int64, productID int64) (CartResponse, error) {
	if userID <= 0 {
		return CartResponse{}, ErrInvalidUser
	}

	if err := u.cartItemRepo.DeleteByUserAndProduct(ctx, userID, productID); err != nil {
		return CartResponse{}, err
	}

	return u.buildCartResponse(ctx, userID)
}

// ClearCart は全削除。空カートに対して呼んでもエラーにならない（冪等）。
func (u *CartUsecase) ClearCart(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return ErrInvalidUser
	}
	return u.cartItemRepo.DeleteByUserID(ctx, userID)
}

func (u *CartUsecase) buildCartResponse(ctx context.Context, userID int64) (CartResponse, error) {
	items, err := u.cartItemRepo.ListByUserID(ctx, userID)
	if err != nil {
		return CartResponse{}, err
	}

	respItems := make([]CartItemResponse, 0, len(items))
	total := decimal.Zero

	for _, it := range items {
		p, err := u.productRepo.FindByID(ctx, it.ProductID)
		if err != nil {
			continue
		}
		if !p.IsActive {
			continue
		}

		subtotal := p.Price.Mul(decimal.NewFromInt(it.Quantity))

		respItems = append(respItems, CartItemResponse{
			ProductID: it.ProductID,
			Name:      p.Name,
			Price:     p.Price,
			Quantity:  it.Quantity,
			Subtotal:  subtotal,
		})

		total = total.Add(subtotal)
	}

	return CartResponse{Items: respItems, Total: total}, nil
}
