package usecase

import (
	"errors"
	"fmt"
)

// チェックアウトの失敗はすべて利用者起因で回復可能。
// どれが返ってもDBには何も書かれていない（全ロールバック）。
var (
	ErrEmptyCart       = errors.New("cart is empty")
	ErrOrderNotFound   = errors.New("order not found")
	ErrInvalidStatus   = errors.New("invalid status")
	ErrInvalidQuantity = errors.New("quantity must be greater than 0")
	ErrInvalidUser     = errors.New("invalid user")
)

// 商品が消えたのか在庫が足りないのかは区別して返す。
// 存在チェックが先、在庫チェックが後。

type ProductNotFoundError struct {
	ProductID int64
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %d not found", e.ProductID)
}

// どの商品で足りなかったかを必ず持つ
type InsufficientStockError struct {
	ProductID int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d", e.ProductID)
}
