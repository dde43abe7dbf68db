package usecase

import (
	"context"
	"testing"

	"app/internal/domain/event"
	"app/internal/domain/model"
	repo "app/internal/repository"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminUpdateStatus_CaseInsensitive(t *testing.T) {
	state := newMemState()
	state.orders[1] = model.Order{ID: 1, UserID: 5, Status: model.OrderStatusPending, TotalAmount: price("10.00")}

	pub := &capturePublisher{}
	uc := NewAdminOrderUsecase(newMemTxManager(state), pub, zerolog.Nop())

	// 小文字でも受ける。保存は正規形（大文字）。
	err := uc.UpdateStatus(context.Background(), 100, 1, AdminUpdateOrderStatusInput{Status: "paid"})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPaid, state.orders[1].Status)

	// 監査ログにbefore/afterが残る
	require.Len(t, state.auditLogs, 1)
	log := state.auditLogs[0]
	assert.Equal(t, int64(100), log.ActorUserID)
	assert.Equal(t, model.AuditActionUpdateOrderStatus, log.Action)
	assert.Equal(t, model.AuditResourceOrder, log.ResourceType)
	assert.Contains(t, log.BeforeJSON, "PENDING")
	assert.Contains(t, log.AfterJSON, "PAID")

	// 変更イベントが1件
	envs := pub.published()
	require.Len(t, envs, 1)
	assert.Equal(t, event.TypeOrderStatusChanged, envs[0].EventType)
}

func TestAdminUpdateStatus_InvalidStatus(t *testing.T) {
	state := newMemState()
	state.orders[1] = model.Order{ID: 1, UserID: 5, Status: model.OrderStatusPending, TotalAmount: price("10.00")}

	uc := NewAdminOrderUsecase(newMemTxManager(state), &capturePublisher{}, zerolog.Nop())

	err := uc.UpdateStatus(context.Background(), 100, 1, AdminUpdateOrderStatusInput{Status: "CANCELLED"})
	assert.ErrorIs(t, err, ErrInvalidStatus)
	assert.Equal(t, model.OrderStatusPending, state.orders[1].Status)
}

func TestAdminUpdateStatus_OrderNotFound(t *testing.T) {
	uc := NewAdminOrderUsecase(newMemTxManager(newMemState()), &capturePublisher{}, zerolog.Nop())

	err := uc.UpdateStatus(context.Background(), 100, 999, AdminUpdateOrderStatusInput{Status: "PAID"})
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestAdminUpdateStatus_SameStatusIsNoop(t *testing.T) {
	state := newMemState()
	state.orders[1] = model.Order{ID: 1, UserID: 5, Status: model.OrderStatusShipped, TotalAmount: price("10.00")}

	pub := &capturePublisher{}
	uc := NewAdminOrderUsecase(newMemTxManager(state), pub, zerolog.Nop())

	err := uc.UpdateStatus(context.Background(), 100, 1, AdminUpdateOrderStatusInput{Status: "shipped"})
	require.NoError(t, err)

	// 監査ログもイベントも出ない
	assert.Empty(t, state.auditLogs)
	assert.Empty(t, pub.published())
}

func TestAdminUpdateStatus_AnyTransitionAllowed(t *testing.T) {
	// 遷移順の制約はない。DELIVEREDからPENDINGへも戻せる。
	state := newMemState()
	state.orders[1] = model.Order{ID: 1, UserID: 5, Status: model.OrderStatusDelivered, TotalAmount: price("10.00")}

	uc := NewAdminOrderUsecase(newMemTxManager(state), &capturePublisher{}, zerolog.Nop())

	err := uc.UpdateStatus(context.Background(), 100, 1, AdminUpdateOrderStatusInput{Status: "PENDING"})
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPending, state.orders[1].Status)
}

func TestAdminList_FilterByStatus(t *testing.T) {
	state := newMemState()
	state.orders[1] = model.Order{ID: 1, UserID: 5, Status: model.OrderStatusPaid, TotalAmount: price("1.00")}
	state.orders[2] = model.Order{ID: 2, UserID: 6, Status: model.OrderStatusPending, TotalAmount: price("2.00")}

	uc := NewAdminOrderUsecase(newMemTxManager(state), &capturePublisher{}, zerolog.Nop())

	outs, err := uc.List(context.Background(), repo.AdminOrderListFilter{Status: "PAID"})
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, int64(1), outs[0].ID)
}
