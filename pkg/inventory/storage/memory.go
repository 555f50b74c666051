package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLedger/pkg/inventory"
)

// MemoryStorage implements inventory.Storage in process memory. Transactions
// are serialized by one mutex and run against a copy of the state that
// replaces the committed state only when fn succeeds.
// プロセス内メモリによるStorage実装（トランザクションは直列化）
type MemoryStorage struct {
	mu     sync.Mutex
	state  *memState
	logger *zap.Logger
}

var _ inventory.Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory storage
// 空のメモリストレージを作成
func NewMemoryStorage(logger *zap.Logger) *MemoryStorage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStorage{state: newMemState(), logger: logger}
}

type memState struct {
	skus        map[string]inventory.SKU
	layers      map[string]inventory.Layer
	receipts    []inventory.ConsumptionReceipt
	adjustments []inventory.LayerAdjustment
	movements   map[string]inventory.Movement
	movementSeq map[string]int64
	workOrders  map[string]inventory.WorkOrder
	seq         int64
}

func newMemState() *memState {
	return &memState{
		skus:        make(map[string]inventory.SKU),
		layers:      make(map[string]inventory.Layer),
		movements:   make(map[string]inventory.Movement),
		movementSeq: make(map[string]int64),
		workOrders:  make(map[string]inventory.WorkOrder),
	}
}

func (st *memState) clone() *memState {
	c := &memState{
		skus:        make(map[string]inventory.SKU, len(st.skus)),
		layers:      make(map[string]inventory.Layer, len(st.layers)),
		receipts:    append([]inventory.ConsumptionReceipt(nil), st.receipts...),
		adjustments: append([]inventory.LayerAdjustment(nil), st.adjustments...),
		movements:   make(map[string]inventory.Movement, len(st.movements)),
		movementSeq: make(map[string]int64, len(st.movementSeq)),
		workOrders:  make(map[string]inventory.WorkOrder, len(st.workOrders)),
		seq:         st.seq,
	}
	for k, v := range st.skus {
		c.skus[k] = v
	}
	for k, v := range st.layers {
		c.layers[k] = v
	}
	for k, v := range st.movements {
		c.movements[k] = v
	}
	for k, v := range st.movementSeq {
		c.movementSeq[k] = v
	}
	for k, v := range st.workOrders {
		c.workOrders[k] = v
	}
	return c
}

func (st *memState) next() int64 {
	st.seq++
	return st.seq
}

// WithinTx runs fn against a private copy of the state and commits it on success
// 状態のコピーに対してfnを実行し、成功時のみ反映
func (s *MemoryStorage) WithinTx(ctx context.Context, fn func(ctx context.Context, repo inventory.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	work := s.state.clone()
	if err := fn(ctx, &memRepo{st: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

// Ping always succeeds
func (s *MemoryStorage) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op
func (s *MemoryStorage) Close() error {
	return nil
}

func (s *MemoryStorage) do(fn func(r *memRepo) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memRepo{st: s.state})
}

// memRepo implements inventory.Repository over one memState without locking
type memRepo struct {
	st *memState
}

// SKU

func (r *memRepo) CreateSKU(ctx context.Context, sku *inventory.SKU) error {
	if _, ok := r.st.skus[sku.ID]; ok {
		return inventory.ErrDuplicateSKU
	}
	r.st.skus[sku.ID] = *sku
	return nil
}

func (r *memRepo) GetSKU(ctx context.Context, skuID string) (*inventory.SKU, error) {
	sku, ok := r.st.skus[skuID]
	if !ok {
		return nil, inventory.ErrSKUNotFound
	}
	return &sku, nil
}

func (r *memRepo) GetSKUForUpdate(ctx context.Context, skuID string) (*inventory.SKU, error) {
	return r.GetSKU(ctx, skuID)
}

func (r *memRepo) AddSKUOnHand(ctx context.Context, skuID string, delta decimal.Decimal) error {
	sku, ok := r.st.skus[skuID]
	if !ok {
		return inventory.ErrSKUNotFound
	}
	onHand := sku.OnHand.Add(delta)
	if onHand.IsNegative() {
		return inventory.NewStorageError("add_sku_on_hand", "手持ち数量は負にできません", nil)
	}
	sku.OnHand = onHand
	sku.UpdatedAt = time.Now()
	r.st.skus[skuID] = sku
	return nil
}

// レイヤー

func (r *memRepo) CreateLayer(ctx context.Context, layer *inventory.Layer) error {
	if _, ok := r.st.skus[layer.SKUID]; !ok {
		return inventory.ErrSKUNotFound
	}
	layer.Sequence = r.st.next()
	r.st.layers[layer.ID] = *layer
	return nil
}

func (r *memRepo) GetLayer(ctx context.Context, layerID string) (*inventory.Layer, error) {
	l, ok := r.st.layers[layerID]
	if !ok {
		return nil, inventory.ErrLayerNotFound
	}
	return &l, nil
}

func (r *memRepo) GetLayerForUpdate(ctx context.Context, layerID string) (*inventory.Layer, error) {
	return r.GetLayer(ctx, layerID)
}

func (r *memRepo) ListActiveLayers(ctx context.Context, skuID string) ([]inventory.Layer, error) {
	out := []inventory.Layer{}
	for _, l := range r.st.layers {
		if l.SKUID == skuID && l.RemainingQty.IsPositive() {
			out = append(out, l)
		}
	}
	inventory.SortLayersFIFO(out)
	return out, nil
}

func (r *memRepo) ListLayersByOrigin(ctx context.Context, movementID string) ([]inventory.Layer, error) {
	out := []inventory.Layer{}
	for _, l := range r.st.layers {
		if l.OriginMovementID != nil && *l.OriginMovementID == movementID {
			out = append(out, l)
		}
	}
	inventory.SortLayersFIFO(out)
	return out, nil
}

func (r *memRepo) DecrementLayer(ctx context.Context, layerID string, quantity decimal.Decimal) (*inventory.Layer, error) {
	l, ok := r.st.layers[layerID]
	if !ok {
		return nil, inventory.ErrLayerNotFound
	}
	if l.RemainingQty.LessThan(quantity) {
		return nil, inventory.ErrLayerConflict
	}
	return r.setRemaining(l, l.RemainingQty.Sub(quantity)), nil
}

func (r *memRepo) SetLayerRemaining(ctx context.Context, layerID string, remaining decimal.Decimal) (*inventory.Layer, error) {
	l, ok := r.st.layers[layerID]
	if !ok {
		return nil, inventory.ErrLayerNotFound
	}
	if remaining.IsNegative() || remaining.GreaterThan(l.OriginalQty) {
		return nil, inventory.NewStorageError("set_layer_remaining", "残数量が範囲外です", nil)
	}
	return r.setRemaining(l, remaining), nil
}

func (r *memRepo) setRemaining(l inventory.Layer, remaining decimal.Decimal) *inventory.Layer {
	l.RemainingQty = remaining
	l.Status = inventory.LayerStatusActive
	if remaining.IsZero() {
		l.Status = inventory.LayerStatusClosed
	}
	l.UpdatedAt = time.Now()
	r.st.layers[l.ID] = l
	return &l
}

func (r *memRepo) DeleteLayer(ctx context.Context, layerID string) error {
	l, ok := r.st.layers[layerID]
	if !ok {
		return inventory.ErrLayerNotFound
	}
	if !l.RemainingQty.Equal(l.OriginalQty) {
		return inventory.ErrLayerConsumed
	}
	for _, rc := range r.st.receipts {
		if rc.LayerID == layerID {
			return inventory.ErrLayerConsumed
		}
	}
	// 調整記録は監査証跡として残す
	delete(r.st.layers, layerID)
	return nil
}

// 消費記録

func (r *memRepo) CreateReceipt(ctx context.Context, receipt *inventory.ConsumptionReceipt) error {
	if _, ok := r.st.layers[receipt.LayerID]; !ok {
		return inventory.ErrLayerNotFound
	}
	if _, ok := r.st.movements[receipt.MovementID]; !ok {
		return inventory.ErrMovementNotFound
	}
	r.st.receipts = append(r.st.receipts, *receipt)
	return nil
}

func (r *memRepo) ListReceiptsByMovement(ctx context.Context, movementID string) ([]inventory.ConsumptionReceipt, error) {
	out := []inventory.ConsumptionReceipt{}
	for _, rc := range r.st.receipts {
		if rc.MovementID == movementID {
			out = append(out, rc)
		}
	}
	return out, nil
}

func (r *memRepo) ListReceiptsByLayer(ctx context.Context, layerID string) ([]inventory.ConsumptionReceipt, error) {
	out := []inventory.ConsumptionReceipt{}
	for _, rc := range r.st.receipts {
		if rc.LayerID == layerID {
			out = append(out, rc)
		}
	}
	return out, nil
}

func (r *memRepo) DeleteReceiptsByMovement(ctx context.Context, movementID string) error {
	kept := r.st.receipts[:0]
	for _, rc := range r.st.receipts {
		if rc.MovementID != movementID {
			kept = append(kept, rc)
		}
	}
	r.st.receipts = kept
	return nil
}

// 調整監査

func (r *memRepo) CreateLayerAdjustment(ctx context.Context, adj *inventory.LayerAdjustment) error {
	if _, ok := r.st.layers[adj.LayerID]; !ok {
		return inventory.ErrLayerNotFound
	}
	r.st.adjustments = append(r.st.adjustments, *adj)
	return nil
}

func (r *memRepo) ListAdjustmentsByLayer(ctx context.Context, layerID string) ([]inventory.LayerAdjustment, error) {
	out := []inventory.LayerAdjustment{}
	for _, a := range r.st.adjustments {
		if a.LayerID == layerID {
			out = append(out, a)
		}
	}
	return out, nil
}

// 移動

func (r *memRepo) CreateMovement(ctx context.Context, movement *inventory.Movement) error {
	if _, ok := r.st.movements[movement.ID]; ok {
		return inventory.NewStorageError("create_movement", "移動IDが重複しています", nil)
	}
	if movement.Type == inventory.MovementTypeReceive && movement.Reference != "" && movement.SKUID != nil {
		if _, err := r.FindReceiveByReference(ctx, *movement.SKUID, movement.Reference); err == nil {
			return inventory.ErrDuplicateReference
		}
	}
	r.st.movements[movement.ID] = *movement
	r.st.movementSeq[movement.ID] = r.st.next()
	return nil
}

func (r *memRepo) GetMovement(ctx context.Context, movementID string) (*inventory.Movement, error) {
	mv, ok := r.st.movements[movementID]
	if !ok {
		return nil, inventory.ErrMovementNotFound
	}
	return &mv, nil
}

func (r *memRepo) FindReceiveByReference(ctx context.Context, skuID, reference string) (*inventory.Movement, error) {
	for _, mv := range r.st.movements {
		if mv.Type == inventory.MovementTypeReceive && mv.Reference == reference &&
			mv.SKUID != nil && *mv.SKUID == skuID && !mv.IsReversed() {
			return &mv, nil
		}
	}
	return nil, inventory.ErrMovementNotFound
}

func (r *memRepo) ListMovementsBySKU(ctx context.Context, skuID string, limit int) ([]inventory.Movement, error) {
	out := r.filterMovements(func(mv inventory.Movement) bool {
		return mv.SKUID != nil && *mv.SKUID == skuID
	})
	// 新しい順
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) ListMovementsByWorkOrder(ctx context.Context, workOrderID string) ([]inventory.Movement, error) {
	return r.filterMovements(func(mv inventory.Movement) bool {
		return mv.WorkOrderID != nil && *mv.WorkOrderID == workOrderID
	}), nil
}

func (r *memRepo) ListMovementsByLayer(ctx context.Context, layerID string) ([]inventory.Movement, error) {
	return r.filterMovements(func(mv inventory.Movement) bool {
		return mv.LayerID != nil && *mv.LayerID == layerID
	}), nil
}

// filterMovements returns matching movements in creation order
func (r *memRepo) filterMovements(match func(inventory.Movement) bool) []inventory.Movement {
	out := []inventory.Movement{}
	for _, mv := range r.st.movements {
		if match(mv) {
			out = append(out, mv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return r.st.movementSeq[out[i].ID] < r.st.movementSeq[out[j].ID]
	})
	return out
}

func (r *memRepo) MarkMovementReversed(ctx context.Context, movementID string, at time.Time, reason, actor string) error {
	mv, ok := r.st.movements[movementID]
	if !ok {
		return inventory.ErrMovementNotFound
	}
	if mv.IsReversed() {
		return inventory.ErrAlreadyReversed
	}
	mv.ReversedAt = &at
	mv.ReversalReason = &reason
	mv.ReversedBy = &actor
	r.st.movements[movementID] = mv
	return nil
}

// 作業指示

func (r *memRepo) CreateWorkOrder(ctx context.Context, wo *inventory.WorkOrder) error {
	for _, existing := range r.st.workOrders {
		if existing.Reference == wo.Reference {
			return inventory.ErrDuplicateReference
		}
	}
	r.st.workOrders[wo.ID] = *wo
	return nil
}

func (r *memRepo) GetWorkOrder(ctx context.Context, workOrderID string) (*inventory.WorkOrder, error) {
	wo, ok := r.st.workOrders[workOrderID]
	if !ok {
		return nil, inventory.ErrWorkOrderNotFound
	}
	return &wo, nil
}

func (r *memRepo) GetWorkOrderByReference(ctx context.Context, reference string) (*inventory.WorkOrder, error) {
	for _, wo := range r.st.workOrders {
		if wo.Reference == reference {
			return &wo, nil
		}
	}
	return nil, inventory.ErrWorkOrderNotFound
}

func (r *memRepo) UpdateWorkOrderStatus(ctx context.Context, workOrderID string, status inventory.WorkOrderStatus, at time.Time) error {
	wo, ok := r.st.workOrders[workOrderID]
	if !ok {
		return inventory.ErrWorkOrderNotFound
	}
	wo.Status = status
	wo.UpdatedAt = at
	r.st.workOrders[workOrderID] = wo
	return nil
}

// 以下はトランザクション外からの単発操作

func (s *MemoryStorage) CreateSKU(ctx context.Context, sku *inventory.SKU) error {
	return s.do(func(r *memRepo) error { return r.CreateSKU(ctx, sku) })
}

func (s *MemoryStorage) GetSKU(ctx context.Context, skuID string) (sku *inventory.SKU, err error) {
	err = s.do(func(r *memRepo) error { sku, err = r.GetSKU(ctx, skuID); return err })
	return sku, err
}

func (s *MemoryStorage) GetSKUForUpdate(ctx context.Context, skuID string) (sku *inventory.SKU, err error) {
	err = s.do(func(r *memRepo) error { sku, err = r.GetSKUForUpdate(ctx, skuID); return err })
	return sku, err
}

func (s *MemoryStorage) AddSKUOnHand(ctx context.Context, skuID string, delta decimal.Decimal) error {
	return s.do(func(r *memRepo) error { return r.AddSKUOnHand(ctx, skuID, delta) })
}

func (s *MemoryStorage) CreateLayer(ctx context.Context, layer *inventory.Layer) error {
	return s.do(func(r *memRepo) error { return r.CreateLayer(ctx, layer) })
}

func (s *MemoryStorage) GetLayer(ctx context.Context, layerID string) (layer *inventory.Layer, err error) {
	err = s.do(func(r *memRepo) error { layer, err = r.GetLayer(ctx, layerID); return err })
	return layer, err
}

func (s *MemoryStorage) GetLayerForUpdate(ctx context.Context, layerID string) (layer *inventory.Layer, err error) {
	err = s.do(func(r *memRepo) error { layer, err = r.GetLayerForUpdate(ctx, layerID); return err })
	return layer, err
}

func (s *MemoryStorage) ListActiveLayers(ctx context.Context, skuID string) (layers []inventory.Layer, err error) {
	err = s.do(func(r *memRepo) error { layers, err = r.ListActiveLayers(ctx, skuID); return err })
	return layers, err
}

func (s *MemoryStorage) ListLayersByOrigin(ctx context.Context, movementID string) (layers []inventory.Layer, err error) {
	err = s.do(func(r *memRepo) error { layers, err = r.ListLayersByOrigin(ctx, movementID); return err })
	return layers, err
}

func (s *MemoryStorage) DecrementLayer(ctx context.Context, layerID string, quantity decimal.Decimal) (layer *inventory.Layer, err error) {
	err = s.do(func(r *memRepo) error { layer, err = r.DecrementLayer(ctx, layerID, quantity); return err })
	return layer, err
}

func (s *MemoryStorage) SetLayerRemaining(ctx context.Context, layerID string, remaining decimal.Decimal) (layer *inventory.Layer, err error) {
	err = s.do(func(r *memRepo) error { layer, err = r.SetLayerRemaining(ctx, layerID, remaining); return err })
	return layer, err
}

func (s *MemoryStorage) DeleteLayer(ctx context.Context, layerID string) error {
	return s.do(func(r *memRepo) error { return r.DeleteLayer(ctx, layerID) })
}

func (s *MemoryStorage) CreateReceipt(ctx context.Context, receipt *inventory.ConsumptionReceipt) error {
	return s.do(func(r *memRepo) error { return r.CreateReceipt(ctx, receipt) })
}

func (s *MemoryStorage) ListReceiptsByMovement(ctx context.Context, movementID string) (receipts []inventory.ConsumptionReceipt, err error) {
	err = s.do(func(r *memRepo) error { receipts, err = r.ListReceiptsByMovement(ctx, movementID); return err })
	return receipts, err
}

func (s *MemoryStorage) ListReceiptsByLayer(ctx context.Context, layerID string) (receipts []inventory.ConsumptionReceipt, err error) {
	err = s.do(func(r *memRepo) error { receipts, err = r.ListReceiptsByLayer(ctx, layerID); return err })
	return receipts, err
}

func (s *MemoryStorage) DeleteReceiptsByMovement(ctx context.Context, movementID string) error {
	return s.do(func(r *memRepo) error { return r.DeleteReceiptsByMovement(ctx, movementID) })
}

func (s *MemoryStorage) CreateLayerAdjustment(ctx context.Context, adj *inventory.LayerAdjustment) error {
	return s.do(func(r *memRepo) error { return r.CreateLayerAdjustment(ctx, adj) })
}

func (s *MemoryStorage) ListAdjustmentsByLayer(ctx context.Context, layerID string) (adjs []inventory.LayerAdjustment, err error) {
	err = s.do(func(r *memRepo) error { adjs, err = r.ListAdjustmentsByLayer(ctx, layerID); return err })
	return adjs, err
}

func (s *MemoryStorage) CreateMovement(ctx context.Context, movement *inventory.Movement) error {
	return s.do(func(r *memRepo) error { return r.CreateMovement(ctx, movement) })
}

func (s *MemoryStorage) GetMovement(ctx context.Context, movementID string) (mv *inventory.Movement, err error) {
	err = s.do(func(r *memRepo) error { mv, err = r.GetMovement(ctx, movementID); return err })
	return mv, err
}

func (s *MemoryStorage) FindReceiveByReference(ctx context.Context, skuID, reference string) (mv *inventory.Movement, err error) {
	err = s.do(func(r *memRepo) error { mv, err = r.FindReceiveByReference(ctx, skuID, reference); return err })
	return mv, err
}

func (s *MemoryStorage) ListMovementsBySKU(ctx context.Context, skuID string, limit int) (mvs []inventory.Movement, err error) {
	err = s.do(func(r *memRepo) error { mvs, err = r.ListMovementsBySKU(ctx, skuID, limit); return err })
	return mvs, err
}

func (s *MemoryStorage) ListMovementsByWorkOrder(ctx context.Context, workOrderID string) (mvs []inventory.Movement, err error) {
	err = s.do(func(r *memRepo) error { mvs, err = r.ListMovementsByWorkOrder(ctx, workOrderID); return err })
	return mvs, err
}

func (s *MemoryStorage) ListMovementsByLayer(ctx context.Context, layerID string) (mvs []inventory.Movement, err error) {
	err = s.do(func(r *memRepo) error { mvs, err = r.ListMovementsByLayer(ctx, layerID); return err })
	return mvs, err
}

func (s *MemoryStorage) MarkMovementReversed(ctx context.Context, movementID string, at time.Time, reason, actor string) error {
	return s.do(func(r *memRepo) error { return r.MarkMovementReversed(ctx, movementID, at, reason, actor) })
}

func (s *MemoryStorage) CreateWorkOrder(ctx context.Context, wo *inventory.WorkOrder) error {
	return s.do(func(r *memRepo) error { return r.CreateWorkOrder(ctx, wo) })
}

func (s *MemoryStorage) GetWorkOrder(ctx context.Context, workOrderID string) (wo *inventory.WorkOrder, err error) {
	err = s.do(func(r *memRepo) error { wo, err = r.GetWorkOrder(ctx, workOrderID); return err })
	return wo, err
}

func (s *MemoryStorage) GetWorkOrderByReference(ctx context.Context, reference string) (wo *inventory.WorkOrder, err error) {
	err = s.do(func(r *memRepo) error { wo, err = r.GetWorkOrderByReference(ctx, reference); return err })
	return wo, err
}

func (s *MemoryStorage) UpdateWorkOrderStatus(ctx context.Context, workOrderID string, status inventory.WorkOrderStatus, at time.Time) error {
	return s.do(func(r *memRepo) error { return r.UpdateWorkOrderStatus(ctx, workOrderID, status, at) })
}
