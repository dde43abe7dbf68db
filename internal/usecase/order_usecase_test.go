package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"app/internal/domain/event"
	"app/internal/domain/model"
	repo "app/internal/repository"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =====================
// インメモリのTxRepos。
// fnがerrorを返したらコピーを捨てる＝ロールバックを再現する。
// =====================

type memState struct {
	products    map[int64]model.Product
	cartItems   []model.CartItem
	orders      map[int64]model.Order
	orderItems  map[int64][]model.OrderItem
	auditLogs   []model.AuditLog
	adjustments []model.InventoryAdjustment
	nextOrderID int64
}

func newMemState() *memState {
	return &memState{
		products:   map[int64]model.Product{},
		orders:     map[int64]model.Order{},
		orderItems: map[int64][]model.OrderItem{},
	}
}

func (s *memState) clone() *memState {
	c := newMemState()
	for id, p := range s.products {
		c.products[id] = p
	}
	c.cartItems = append([]model.CartItem(nil), s.cartItems...)
	for id, o := range s.orders {
		c.orders[id] = o
	}
	for id, items := range s.orderItems {
		c.orderItems[id] = append([]model.OrderItem(nil), items...)
	}
	c.auditLogs = append([]model.AuditLog(nil), s.auditLogs...)
	c.adjustments = append([]model.InventoryAdjustment(nil), s.adjustments...)
	c.nextOrderID = s.nextOrderID
	return c
}

// トランザクションは直列化して実行する（serializable相当）
type memTxManager struct {
	mu    sync.Mutex
	state *memState
}

func newMemTxManager(state *memState) *memTxManager {
	return &memTxManager{state: state}
}

func (m *memTxManager) WithinTx(ctx context.Context, fn func(r repo.TxRepos) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(memTxRepos{s: work}); err != nil {
		return err
	}
	*m.state = *work
	return nil
}

type memTxRepos struct{ s *memState }

func (r memTxRepos) Orders() repo.OrderRepository         { return &memOrderRepo{s: r.s} }
func (r memTxRepos) OrderItems() repo.OrderItemRepository { return &memOrderItemRepo{s: r.s} }
func (r memTxRepos) CartItems() repo.CartItemRepository   { return &memCartItemRepo{s: r.s} }
func (r memTxRepos) Inventory() repo.InventoryRepository  { return &memInventoryRepo{s: r.s} }
func (r memTxRepos) Products() repo.ProductRepository     { return &memProductRepo{s: r.s} }
func (r memTxRepos) AuditLogs() repo.AuditLogRepository   { return &memAuditLogRepo{s: r.s} }

type memOrderRepo struct{ s *memState }

func (m *memOrderRepo) FindByID(ctx context.Context, orderID int64) (model.Order, error) {
	o, ok := m.s.orders[orderID]
	if !ok {
		return model.Order{}, repo.ErrNotFound
	}
	return o, nil
}

func (m *memOrderRepo) ListByUserID(ctx context.Context, userID int64, page int, limit int) ([]model.Order, int64, error) {
	var out []model.Order
	for _, o := range m.s.orders {
		if o.UserID == userID {
			out = append(out, o)
		}
	}
	return out, int64(len(out)), nil
}

func (m *memOrderRepo) Create(ctx context.Context, order model.Order) (int64, error) {
	m.s.nextOrderID++
	order.ID = m.s.nextOrderID
	m.s.orders[order.ID] = order
	return order.ID, nil
}

func (m *memOrderRepo) UpdateStatus(ctx context.Context, orderID int64, status model.OrderStatus) error {
	o, ok := m.s.orders[orderID]
	if !ok {
		return repo.ErrNotFound
	}
	o.Status = status
	o.UpdatedAt = time.Now()
	m.s.orders[orderID] = o
	return nil
}

func (m *memOrderRepo) ListAdmin(ctx context.Context, f repo.AdminOrderListFilter) ([]model.Order, int64, error) {
	var out []model.Order
	for _, o := range m.s.orders {
		if f.Status != "" && string(o.Status) != f.Status {
			continue
		}
		if f.UserID != nil && o.UserID != *f.UserID {
			continue
		}
		out = append(out, o)
	}
	return out, int64(len(out)), nil
}

type memOrderItemRepo struct{ s *memState }

func (m *memOrderItemRepo) CreateBulk(ctx context.Context, orderID int64, items []model.OrderItem) error {
	for _, it := range items {
		it.OrderID = orderID
		m.s.orderItems[orderID] = append(m.s.orderItems[orderID], it)
	}
	return nil
}

func (m *memOrderItemRepo) ListByOrderID(ctx context.Context, orderID int64) ([]model.OrderItem, error) {
	return append([]model.OrderItem(nil), m.s.orderItems[orderID]...), nil
}

type memCartItemRepo struct{ s *memState }

func (m *memCartItemRepo) ListByUserID(ctx context.Context, userID int64) ([]model.CartItem, error) {
	var out []model.CartItem
	for _, it := range m.s.cartItems {
		if it.UserID == userID {
			out = append(out, it)
		}
	}
	return out, nil
}

func (m *memCartItemRepo) FindByUserAndProduct(ctx context.Context, userID int64, productID int64) (model.CartItem, error) {
	for _, it := range m.s.cartItems {
		if it.UserID == userID && it.ProductID == productID {
			return it, nil
		}
	}
	return model.CartItem{}, repo.ErrNotFound
}

func (m *memCartItemRepo) UpsertByUserAndProduct(ctx context.Context, userID int64, productID int64, addQty int64) error {
	for i, it := range m.s.cartItems {
		if it.UserID == userID && it.ProductID == productID {
			m.s.cartItems[i].Quantity += addQty
			return nil
		}
	}
	m.s.cartItems = append(m.s.cartItems, model.CartItem{UserID: userID, ProductID: productID, Quantity: addQty})
	return nil
}

func (m *memCartItemRepo) UpdateQuantity(ctx context.Context, userID int64, productID int64, qty int64) error {
	for i, it := range m.s.cartItems {
		if it.UserID == userID && it.ProductID == productID {
			m.s.cartItems[i].Quantity = qty
			return nil
		}
	}
	return repo.ErrNotFound
}

func (m *memCartItemRepo) DeleteByUserAndProduct(ctx context.Context, userID int64, productID int64) error {
	kept := m.s.cartItems[:0]
	for _, it := range m.s.cartItems {
		if !(it.UserID == userID && it.ProductID == productID) {
			kept = append(kept, it)
		}
	}
	m.s.cartItems = kept
	return nil
}

func (m *memCartItemRepo) DeleteByUserID(ctx context.Context, userID int64) error {
	kept := m.s.cartItems[:0]
	for _, it := range m.s.cartItems {
		if it.UserID != userID {
			kept = append(kept, it)
		}
	}
	m.s.cartItems = kept
	return nil
}

type memInventoryRepo struct{ s *memState }

func (m *memInventoryRepo) SetStock(ctx context.Context, productID int64, newStock int64) error {
	p, ok := m.s.products[productID]
	if !ok {
		return repo.ErrNotFound
	}
	p.Stock = newStock
	m.s.products[productID] = p
	return nil
}

func (m *memInventoryRepo) DecrementStockIfAvailable(ctx context.Context, productID int64, qty int64) (bool, error) {
	p, ok := m.s.products[productID]
	if !ok || p.Stock < qty {
		return false, nil
	}
	p.Stock -= qty
	m.s.products[productID] = p
	return true, nil
}

func (m *memInventoryRepo) IncreaseStock(ctx context.Context, productID int64, qty int64) error {
	p, ok := m.s.products[productID]
	if !ok {
		return repo.ErrNotFound
	}
	p.Stock += qty
	m.s.products[productID] = p
	return nil
}

func (m *memInventoryRepo) CreateAdjustment(ctx context.Context, adjustment model.InventoryAdjustment) error {
	m.s.adjustments = append(m.s.adjustments, adjustment)
	return nil
}

type memProductRepo struct{ s *memState }

func (m *memProductRepo) ListPublic(ctx context.Context, q repo.ProductListQuery) ([]model.Product, int64, error) {
	var out []model.Product
	for _, p := range m.s.products {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out, int64(len(out)), nil
}

func (m *memProductRepo) FindByID(ctx context.Context, id int64) (model.Product, error) {
	p, ok := m.s.products[id]
	if !ok {
		return model.Product{}, repo.ErrNotFound
	}
	return p, nil
}

func (m *memProductRepo) Create(ctx context.Context, p model.Product) (model.Product, error) {
	m.s.products[p.ID] = p
	return p, nil
}

func (m *memProductRepo) Update(ctx context.Context, p model.Product) error {
	if _, ok := m.s.products[p.ID]; !ok {
		return repo.ErrNotFound
	}
	m.s.products[p.ID] = p
	return nil
}

func (m *memProductRepo) SoftDelete(ctx context.Context, id int64) error {
	delete(m.s.products, id)
	return nil
}

type memAuditLogRepo struct{ s *memState }

func (m *memAuditLogRepo) Create(ctx context.Context, log model.AuditLog) error {
	m.s.auditLogs = append(m.s.auditLogs, log)
	return nil
}

func (m *memAuditLogRepo) List(ctx context.Context, filter repo.AuditLogFilter) ([]model.AuditLog, error) {
	return append([]model.AuditLog(nil), m.s.auditLogs...), nil
}

// 発行イベントを記録するだけのPublisher
type capturePublisher struct {
	mu        sync.Mutex
	envelopes []event.Envelope
}

func (p *capturePublisher) Publish(ctx context.Context, key string, env event.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envelopes = append(p.envelopes, env)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) published() []event.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]event.Envelope(nil), p.envelopes...)
}

// 最初のn回だけ直列化異常を返すTxManager
type conflictingTxManager struct {
	mu       sync.Mutex
	inner    repo.TransactionManager
	failures int
}

func (m *conflictingTxManager) WithinTx(ctx context.Context, fn func(r repo.TxRepos) error) error {
	m.mu.Lock()
	if m.failures > 0 {
		m.failures--
		m.mu.Unlock()
		return repo.ErrTxConflict
	}
	m.mu.Unlock()
	return m.inner.WithinTx(ctx, fn)
}

func price(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =====================
// Checkout
// =====================

func TestCheckout_Success(t *testing.T) {
	state := newMemState()
	state.products[1] = model.Product{ID: 1, Name: "コーヒー豆", Price: price("10.00"), Stock: 5, IsActive: true}
	state.cartItems = []model.CartItem{{UserID: 7, ProductID: 1, Quantity: 3}}

	pub := &capturePublisher{}
	uc := NewOrderUsecase(newMemTxManager(state), pub, zerolog.Nop())

	out, err := uc.Checkout(context.Background(), 7)
	require.NoError(t, err)

	assert.Equal(t, string(model.OrderStatusPending), out.Status)
	assert.True(t, out.TotalAmount.Equal(price("30.00")), "total = %s", out.TotalAmount)
	require.Len(t, out.Items, 1)
	assert.True(t, out.Items[0].UnitPrice.Equal(price("10.00")))
	assert.Equal(t, int64(3), out.Items[0].Quantity)

	// 在庫減算・カート全削除・注文保存がすべてcommitされている
	assert.Equal(t, int64(2), state.products[1].Stock)
	assert.Empty(t, state.cartItems)
	assert.Len(t, state.orders, 1)
	assert.Len(t, state.orderItems[out.ID], 1)

	// commit後にorder.placedが1件
	envs := pub.published()
	require.Len(t, envs, 1)
	assert.Equal(t, event.TypeOrderPlaced, envs[0].EventType)
}

func TestCheckout_EmptyCart(t *testing.T) {
	state := newMemState()
	pub := &capturePublisher{}
	uc := NewOrderUsecase(newMemTxManager(state), pub, zerolog.Nop())

	_, err := uc.Checkout(context.Background(), 7)
	assert.ErrorIs(t, err, ErrEmptyCart)
	assert.Empty(t, state.orders)
	assert.Empty(t, pub.published())
}

func TestCheckout_InsufficientStock_NothingChanges(t *testing.T) {
	state := newMemState()
	state.products[1] = model.Product{ID: 1, Name: "紅茶", Price: price("5.50"), Stock: 2, IsActive: true}
	state.cartItems = []model.CartItem{{UserID: 7, ProductID: 1, Quantity: 3}}

	uc := NewOrderUsecase(newMemTxManager(state), &capturePublisher{}, zerolog.Nop())

	_, err := uc.Checkout(context.Background(), 7)

	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(1), insufficient.ProductID)

	// 全ロールバック：在庫もカートも注文も変わらない
	assert.Equal(t, int64(2), state.products[1].Stock)
	assert.Len(t, state.cartItems, 1)
	assert.Empty(t, state.orders)
}

func TestCheckout_ProductVanished(t *testing.T) {
	state := newMemState()
	state.cartItems = []model.CartItem{{UserID: 7, ProductID: 99, Quantity: 1}}

	uc := NewOrderUsecase(newMemTxManager(state), &capturePublisher{}, zerolog.Nop())

	_, err := uc.Checkout(context.Background(), 7)

	var notFound *ProductNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, int64(99), notFound.ProductID)
	assert.Len(t, state.cartItems, 1)
}

func TestCheckout_InactiveProductTreatedAsMissing(t *testing.T) {
	// 非公開商品は在庫が0でも「存在しない」が先に立つ
	state := newMemState()
	state.products[1] = model.Product{ID: 1, Name: "廃番", Price: price("1.00"), Stock: 0, IsActive: false}
	state.cartItems = []model.CartItem{{UserID: 7, ProductID: 1, Quantity: 1}}

	uc := NewOrderUsecase(newMemTxManager(state), &capturePublisher{}, zerolog.Nop())

	_, err := uc.Checkout(context.Background(), 7)

	var notFound *ProductNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, int64(1), notFound.ProductID)
}

func TestCheckout_FailFastOnFirstBadLine(t *testing.T) {
	// 1行目が在庫不足なら2行目（存在しない商品）まで見に行かず、1行目のエラーが返る
	state := newMemState()
	state.products[1] = model.Product{ID: 1, Name: "A", Price: price("3.00"), Stock: 0, IsActive: true}
	state.cartItems = []model.CartItem{
		{UserID: 7, ProductID: 1, Quantity: 1},
		{UserID: 7, ProductID: 99, Quantity: 1},
	}

	uc := NewOrderUsecase(newMemTxManager(state), &capturePublisher{}, zerolog.Nop())

	_, err := uc.Checkout(context.Background(), 7)

	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(1), insufficient.ProductID)
}

func TestCheckout_MultiLine_PartialFailureWritesNothing(t *testing.T) {
	state := newMemState()
	state.products[1] = model.Product{ID: 1, Name: "A", Price: price("3.00"), Stock: 10, IsActive: true}
	state.products[2] = model.Product{ID: 2, Name: "B", Price: price("4.00"), Stock: 1, IsActive: true}
	state.cartItems = []model.CartItem{
		{UserID: 7, ProductID: 1, Quantity: 2},
		{UserID: 7, ProductID: 2, Quantity: 5},
	}

	uc := NewOrderUsecase(newMemTxManager(state), &capturePublisher{}, zerolog.Nop())

	_, err := uc.Checkout(context.Background(), 7)

	var insufficient *InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(2), insufficient.ProductID)

	// 1行目が通っていても何も減っていない
	assert.Equal(t, int64(10), state.products[1].Stock)
	assert.Equal(t, int64(1), state.products[2].Stock)
	assert.Empty(t, state.orders)
	assert.Len(t, state.cartItems, 2)
}

func TestCheckout_ConcurrentLastUnit(t *testing.T) {
	// 残り1個を2人が同時にチェックアウト→成功はちょうど1人、在庫は0で止まる
	state := newMemState()
	state.products[1] = model.Product{ID: 1, Name: "限定品", Price: price("100.00"), Stock: 1, IsActive: true}
	state.cartItems = []model.CartItem{
		{UserID: 1, ProductID: 1, Quantity: 1},
		{UserID: 2, ProductID: 1, Quantity: 1},
	}

	uc := NewOrderUsecase(newMemTxManager(state), &capturePublisher{}, zerolog.Nop())

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, userID := range []int64{1, 2} {
		wg.Add(1)
		go func(i int, userID int64) {
			defer wg.Done()
			_, errs[i] = uc.Checkout(context.Background(), userID)
		}(i, userID)
	}
	wg.Wait()

	var successes, stockFailures int
	for _, err := range errs {
		if err == nil {
			successes++
			continue
		}
		var insufficient *InsufficientStockError
		if errors.As(err, &insufficient) {
			stockFailures++
		}
	}

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, stockFailures)
	assert.Equal(t, int64(0), state.products[1].Stock)
	assert.Len(t, state.orders, 1)
}

func TestCheckout_RetriesOnTxConflict(t *testing.T) {
	state := newMemState()
	state.products[1] = model.Product{ID: 1, Name: "A", Price: price("2.00"), Stock: 4, IsActive: true}
	state.cartItems = []model.CartItem{{UserID: 7, ProductID: 1, Quantity: 1}}

	// 2回失敗→3回目で成功
	tx := &conflictingTxManager{inner: newMemTxManager(state), failures: 2}
	uc := NewOrderUsecase(tx, &capturePublisher{}, zerolog.Nop())

	out, err := uc.Checkout(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, out.TotalAmount.Equal(price("2.00")))
}

func TestCheckout_GivesUpAfterMaxAttempts(t *testing.T) {
	state := newMemState()
	state.products[1] = model.Product{ID: 1, Name: "A", Price: price("2.00"), Stock: 4, IsActive: true}
	state.cartItems = []model.CartItem{{UserID: 7, ProductID: 1, Quantity: 1}}

	tx := &conflictingTxManager{inner: newMemTxManager(state), failures: 3}
	uc := NewOrderUsecase(tx, &capturePublisher{}, zerolog.Nop())

	_, err := uc.Checkout(context.Background(), 7)
	assert.ErrorIs(t, err, repo.ErrTxConflict)
	assert.Equal(t, int64(4), state.products[1].Stock)
}

func TestCheckout_InvalidUser(t *testing.T) {
	uc := NewOrderUsecase(newMemTxManager(newMemState()), &capturePublisher{}, zerolog.Nop())

	_, err := uc.Checkout(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidUser)
}

// =====================
// 注文参照
// =====================

func TestGetMyOrderDetail_ForeignOrderHidden(t *testing.T) {
	state := newMemState()
	state.orders[10] = model.Order{ID: 10, UserID: 1, Status: model.OrderStatusPending, TotalAmount: price("9.99")}

	uc := NewOrderUsecase(newMemTxManager(state), &capturePublisher{}, zerolog.Nop())

	// 他人の注文は存在しない扱い
	_, err := uc.GetMyOrderDetail(context.Background(), 2, 10)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	// 本人は見える
	out, err := uc.GetMyOrderDetail(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), out.ID)
}

func TestListMyOrders(t *testing.T) {
	state := newMemState()
	state.orders[1] = model.Order{ID: 1, UserID: 5, Status: model.OrderStatusPaid, TotalAmount: price("1.00")}
	state.orders[2] = model.Order{ID: 2, UserID: 6, Status: model.OrderStatusPaid, TotalAmount: price("2.00")}

	uc := NewOrderUsecase(newMemTxManager(state), &capturePublisher{}, zerolog.Nop())

	outs, err := uc.ListMyOrders(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, int64(1), outs[0].ID)
}
