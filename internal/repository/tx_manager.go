package repository

import (
	"context"
	"errors"
)

// 直列化異常（SQLSTATE 40001など）。トランザクション全体をやり直せば成功しうる。
var ErrTxConflict = errors.New("transaction conflict")

// トランザクション内で使う約束
type TxRepos interface {
	Orders() OrderRepository
	OrderItems() OrderItemRepository
	CartItems() CartItemRepository
	Inventory() InventoryRepository
	Products() ProductRepository
	AuditLogs() AuditLogRepository
}

// UsecaseからTxの開始/commit/rollbackを隠す。
// fnがerrorを返したら全部ロールバック。途中までが見える経路はない。
type TransactionManager interface {
	WithinTx(ctx context.Context, fn func(r TxRepos) error) error
}
