package usecase

import (
	"context"
	"errors"
	"strconv"
	"time"

	"app/internal/domain/event"
	"app/internal/domain/model"
	repo "app/internal/repository"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// 直列化異常でトランザクション全体をやり直す回数
const checkoutMaxAttempts = 3

type OrderUsecase struct {
	tx     repo.TransactionManager
	events event.Publisher
	logger zerolog.Logger
}

func NewOrderUsecase(tx repo.TransactionManager, events event.Publisher, logger zerolog.Logger) *OrderUsecase {
	return &OrderUsecase{tx: tx, events: events, logger: logger}
}

type OrderItemOutput struct {
	ProductID int64           `json:"product_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int64           `json:"quantity"`
	Subtotal  decimal.Decimal `json:"subtotal"`
}

type OrderOutput struct {
	ID          int64             `json:"id"`
	UserID      int64             `json:"user_id"`
	Status      string            `json:"status"`
	TotalAmount decimal.Decimal   `json:"total_amount"`
	OrderDate   time.Time         `json:"order_date"`
	Items       []OrderItemOutput `json:"items"`
}

// Checkout はユーザーのカートを注文に変換する。
//  1トランザクションで、カート読込→全行の存在・在庫チェック→価格スナップショット→
//  注文作成→在庫減算→カート全削除、まで行う。途中で失敗したら何も残らない。
// 在庫チェックは全行が通ってから減算を始める（半分だけ減った状態を作らない）。
func (u *OrderUsecase) Checkout(ctx context.Context, userID int64) (OrderOutput, error) {
	if userID <= 0 {
		return OrderOutput{}, ErrInvalidUser
	}

	var out OrderOutput
	var err error

	for attempt := 1; attempt <= checkoutMaxAttempts; attempt++ {
		out, err = u.checkoutOnce(ctx, userID)
		if !errors.Is(err, repo.ErrTxConflict) {
			break
		}
		u.logger.Warn().
			Int64("user_id", userID).
			Int("attempt", attempt).
			Msg("checkout tx conflict, retrying")
	}
	if err != nil {
		return OrderOutput{}, err
	}

	u.publishOrderPlaced(ctx, out)
	return out, nil
}

func (u *OrderUsecase) checkoutOnce(ctx context.Context, userID int64) (OrderOutput, error) {
	var out OrderOutput

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		lines, err := r.CartItems().ListByUserID(ctx, userID)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return ErrEmptyCart
		}

		// 第1パス：全行を検証して価格を確定する。まだ何も書かない。
		// 最初に引っかかった行で打ち切る（fail fast）。
		orderItems := make([]model.OrderItem, 0, len(lines))
		total := decimal.Zero

		for _, line := range lines {
			p, err := r.Products().FindByID(ctx, line.ProductID)
			if errors.Is(err, repo.ErrNotFound) {
				return &ProductNotFoundError{ProductID: line.ProductID}
			}
			if err != nil {
				return err
			}
			// 非公開になった商品は買えない＝存在しない扱い
			if !p.IsActive {
				return &ProductNotFoundError{ProductID: line.ProductID}
			}
			if p.Stock < line.Quantity {
				return &InsufficientStockError{ProductID: line.ProductID}
			}

			subtotal := p.Price.Mul(decimal.NewFromInt(line.Quantity))
			total = total.Add(subtotal)

			orderItems = append(orderItems, model.OrderItem{
				ProductID:           line.ProductID,
				ProductNameSnapshot: p.Name,
				UnitPrice:           p.Price,
				Quantity:            line.Quantity,
			})
		}

		// 第2パス：書き込み。注文→明細→在庫減算→カート削除。
		now := time.Now()
		order := model.Order{
			UserID:      userID,
			Status:      model.OrderStatusPending,
			TotalAmount: total,
			OrderDate:   now,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		orderID, err := r.Orders().Create(ctx, order)
		if err != nil {
			return err
		}

		if err := r.OrderItems().CreateBulk(ctx, orderID, orderItems); err != nil {
			return err
		}

		// 条件付きUPDATEなのでここで改めて在庫が証明される。
		// 同時実行に負けて0行なら在庫不足としてロールバック。
		for _, line := range lines {
			ok, err := r.Inventory().DecrementStockIfAvailable(ctx, line.ProductID, line.Quantity)
			if err != nil {
				return err
			}
			if !ok {
				return &InsufficientStockError{ProductID: line.ProductID}
			}
		}

		if err := r.CartItems().DeleteByUserID(ctx, userID); err != nil {
			return err
		}

		order.ID = orderID
		out = toOrderOutput(order, orderItems)
		return nil
	})

	if err != nil {
		return OrderOutput{}, err
	}
	return out, nil
}

// commit後のイベント発行。失敗しても注文は成立しているのでログだけ残す。
func (u *OrderUsecase) publishOrderPlaced(ctx context.Context, out OrderOutput) {
	lines := make([]event.OrderLine, 0, len(out.Items))
	for _, it := range out.Items {
		lines = append(lines, event.OrderLine{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice.String(),
		})
	}

	env, err := event.New(event.TypeOrderPlaced, event.OrderPlacedPayload{
		OrderID:     out.ID,
		UserID:      out.UserID,
		TotalAmount: out.TotalAmount.String(),
		Lines:       lines,
	})
	if err == nil {
		err = u.events.Publish(ctx, strconv.FormatInt(out.ID, 10), env)
	}
	if err != nil {
		u.logger.Warn().Err(err).Int64("order_id", out.ID).Msg("order.placed event dropped")
	}
}

func (u *OrderUsecase) ListMyOrders(ctx context.Context, userID int64) ([]OrderOutput, error) {
	if userID <= 0 {
		return []OrderOutput{}, ErrInvalidUser
	}

	var outs []OrderOutput

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		orders, _, err := r.Orders().ListByUserID(ctx, userID, 1, 50)
		if err != nil {
			return err
		}

		outs = make([]OrderOutput, 0, len(orders))
		for _, o := range orders {
			items, err := r.OrderItems().ListByOrderID(ctx, o.ID)
			if err != nil {
				return err
			}
			outs = append(outs, toOrderOutput(o, items))
		}
		return nil
	})

	if err != nil {
		return []OrderOutput{}, err
	}
	return outs, nil
}

func (u *OrderUsecase) GetMyOrderDetail(ctx context.Context, userID int64, orderID int64) (OrderOutput, error) {
	if userID <= 0 {
		return OrderOutput{}, ErrInvalidUser
	}
	if orderID <= 0 {
		return OrderOutput{}, ErrOrderNotFound
	}

	var out OrderOutput

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByID(ctx, orderID)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			return err
		}
		//他人の注文は「存在しない扱い」にする
		if o.UserID != userID {
			return ErrOrderNotFound
		}

		items, err := r.OrderItems().ListByOrderID(ctx, orderID)
		if err != nil {
			return err
		}

		out = toOrderOutput(o, items)
		return nil
	})

	if err != nil {
		return OrderOutput{}, err
	}
	return out, nil
}

func toOrderOutput(o model.Order, items []model.OrderItem) OrderOutput {
	outItems := make([]OrderItemOutput, 0, len(items))
	for _, it := range items {
		outItems = append(outItems, OrderItemOutput{
			ProductID: it.ProductID,
			Name:      it.ProductNameSnapshot,
			UnitPrice: it.UnitPrice,
			Quantity:  it.Quantity,
			Subtotal:  it.UnitPrice.Mul(decimal.NewFromInt(it.Quantity)),
		})
	}

	return OrderOutput{
		ID:          o.ID,
		UserID:      o.UserID,
		Status:      string(o.Status),
		TotalAmount: o.TotalAmount,
		OrderDate:   o.OrderDate,
		Items:       outItems,
	}
}
