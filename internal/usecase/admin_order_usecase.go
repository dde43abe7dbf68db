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
)

type AdminOrderUsecase struct {
	tx     repo.TransactionManager
	events event.Publisher
	logger zerolog.Logger
}

func NewAdminOrderUsecase(tx repo.TransactionManager, events event.Publisher, logger zerolog.Logger) *AdminOrderUsecase {
	return &AdminOrderUsecase{tx: tx, events: events, logger: logger}
}

type AdminUpdateOrderStatusInput struct {
	Status string
}

// 注文一覧
func (u *AdminOrderUsecase) List(ctx context.Context, f repo.AdminOrderListFilter) ([]OrderOutput, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > 100 {
		f.Limit = 50
	}

	var outs []OrderOutput

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		orders, _, err := r.Orders().ListAdmin(ctx, f)
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

// UpdateStatus は注文ステータスを更新する。
// 入力は大文字小文字を区別せず、PENDING/PAID/SHIPPED/DELIVEREDだけ受ける。
// 遷移順の制約は設けない（どのステータスからどのステータスへも可）。
func (u *AdminOrderUsecase) UpdateStatus(ctx context.Context, actorAdminUserID int64, orderID int64, in AdminUpdateOrderStatusInput) error {
	if actorAdminUserID <= 0 {
		return ErrInvalidUser
	}
	if orderID <= 0 {
		return ErrOrderNotFound
	}

	newStatus, ok := model.ParseOrderStatus(in.Status)
	if !ok {
		return ErrInvalidStatus
	}

	var beforeStatus model.OrderStatus

	err := u.tx.WithinTx(ctx, func(r repo.TxRepos) error {
		o, err := r.Orders().FindByID(ctx, orderID)
		if errors.Is(err, repo.ErrNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			return err
		}
		beforeStatus = o.Status

		// すでに同じなら何もしない（冪等）
		if o.Status == newStatus {
			return nil
		}

		if err := r.Orders().UpdateStatus(ctx, orderID, newStatus); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrOrderNotFound
			}
			return err
		}

		//監査ログ（UPDATE_ORDER_STATUS）
		beforeJSON := `{"status":"` + string(o.Status) + `"}`
		afterJSON := `{"status":"` + string(newStatus) + `"}`
		return r.AuditLogs().Create(ctx, model.AuditLog{
			ActorUserID:  actorAdminUserID,
			Action:       model.AuditActionUpdateOrderStatus,
			ResourceType: model.AuditResourceOrder,
			ResourceID:   orderID,
			BeforeJSON:   beforeJSON,
			AfterJSON:    afterJSON,
			CreatedAt:    time.Now(),
		})
	})
	if err != nil {
		return err
	}

	if beforeStatus != newStatus {
		u.publishStatusChanged(ctx, orderID, beforeStatus, newStatus)
	}
	return nil
}

func (u *AdminOrderUsecase) publishStatusChanged(ctx context.Context, orderID int64, from, to model.OrderStatus) {
	env, err := event.New(event.TypeOrderStatusChanged, event.OrderStatusChangedPayload{
		OrderID: orderID,
		From:    string(from),
		To:      string(to),
	})
	if err == nil {
		err = u.events.Publish(ctx, strconv.FormatInt(orderID, 10), env)
	}
	if err != nil {
		u.logger.Warn().Err(err).Int64("order_id", orderID).Msg("order.status_changed event dropped")
	}
}
