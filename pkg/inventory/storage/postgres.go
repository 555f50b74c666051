package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nemonet1337/zaiLedger/pkg/inventory"
)

// PostgresOptions configures the connection pool and transaction isolation
// 接続プールとトランザクション分離レベルの設定
type PostgresOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Serializable    bool
}

// DefaultPostgresOptions returns the default pool settings
func DefaultPostgresOptions() PostgresOptions {
	return PostgresOptions{
		MaxOpenConns:    25,
		MaxIdleConns:    10,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// PostgreSQLStorage implements inventory.Storage using PostgreSQL
// PostgreSQLを使用したStorageインターフェースの実装
type PostgreSQLStorage struct {
	*queries
	db        *sqlx.DB
	isolation sql.IsolationLevel
}

var _ inventory.Storage = (*PostgreSQLStorage)(nil)

// NewPostgreSQLStorage creates a new PostgreSQL storage instance
// 新しいPostgreSQLストレージインスタンスを作成
func NewPostgreSQLStorage(dsn string, logger *zap.Logger, opts PostgresOptions) (*PostgreSQLStorage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗しました: %w", err)
	}

	// 接続テスト
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("データベースpingに失敗しました: %w", err)
	}

	// 接続プール設定
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	return newPostgreSQLStorage(db, logger, opts), nil
}

func newPostgreSQLStorage(db *sqlx.DB, logger *zap.Logger, opts PostgresOptions) *PostgreSQLStorage {
	isolation := sql.LevelReadCommitted
	if opts.Serializable {
		isolation = sql.LevelSerializable
	}
	return &PostgreSQLStorage{
		queries:   &queries{ext: db, logger: logger},
		db:        db,
		isolation: isolation,
	}
}

// WithinTx runs fn in one database transaction
// fnを単一のデータベーストランザクションで実行
func (s *PostgreSQLStorage) WithinTx(ctx context.Context, fn func(ctx context.Context, repo inventory.Repository) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: s.isolation})
	if err != nil {
		return classifyError("begin", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, &queries{ext: tx, logger: s.logger}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("ロールバックに失敗しました", zap.Error(rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return classifyError("commit", err)
	}
	return nil
}

// Ping checks the database connection
func (s *PostgreSQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the connection pool
// 接続プールを閉じる
func (s *PostgreSQLStorage) Close() error {
	return s.db.Close()
}

// classifyError maps driver errors onto ledger errors. Serialization failures,
// deadlocks and lock timeouts are transient.
// ドライバーエラーを台帳エラーに変換
func classifyError(operation string, err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return inventory.NewTransientStorageError(operation, "一時的な競合が発生しました", err)
		case "23505":
			if pqErr.Constraint == "skus_pkey" {
				return inventory.ErrDuplicateSKU
			}
			return inventory.ErrDuplicateReference
		case "23514":
			return inventory.NewStorageError(operation, "制約違反です: "+pqErr.Constraint, err)
		}
	}
	return inventory.NewStorageError(operation, "データベース操作に失敗しました", err)
}

// queries runs statements on either the pool or a transaction
type queries struct {
	ext    sqlx.ExtContext
	logger *zap.Logger
}

const (
	skuColumns = `id, name, class, unit, min_stock, on_hand, is_active, created_at, updated_at`

	layerColumns = `id, sku_id, seq, received_at, original_qty, remaining_qty, unit_cost, status,
		origin_movement_id, vendor_ref, lot_number, created_at, updated_at`

	receiptColumns = `id, layer_id, movement_id, sku_id, quantity, unit_cost, total_cost, created_at`

	adjustmentColumns = `id, layer_id, movement_id, old_remaining, new_remaining, reason, created_at, created_by`

	movementColumns = `id, type, sku_id, quantity, unit_cost, total_value, occurred_at, reference, notes,
		layer_id, work_order_id, paired_movement_id, created_at, created_by,
		reversed_at, reversal_reason, reversed_by`

	workOrderColumns = `id, reference, output_sku_id, output_description, output_qty, unit_cost,
		material_cost, waste_cost, status, produced_at, notes, created_at, created_by, updated_at`
)

func (q *queries) get(ctx context.Context, op string, dest interface{}, notFound error, query string, args ...interface{}) error {
	if err := sqlx.GetContext(ctx, q.ext, dest, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return notFound
		}
		return classifyError(op, err)
	}
	return nil
}

func (q *queries) selectRows(ctx context.Context, op string, dest interface{}, query string, args ...interface{}) error {
	if err := sqlx.SelectContext(ctx, q.ext, dest, query, args...); err != nil {
		return classifyError(op, err)
	}
	return nil
}

func (q *queries) exists(ctx context.Context, table, id string) (bool, error) {
	var found bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id = $1)`, table)
	if err := sqlx.GetContext(ctx, q.ext, &found, query, id); err != nil {
		return false, classifyError("exists_"+table, err)
	}
	return found, nil
}

// SKU

func (q *queries) CreateSKU(ctx context.Context, sku *inventory.SKU) error {
	query := `INSERT INTO skus (` + skuColumns + `)
		VALUES (:id, :name, :class, :unit, :min_stock, :on_hand, :is_active, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, q.ext, query, sku); err != nil {
		return classifyError("create_sku", err)
	}
	return nil
}

func (q *queries) GetSKU(ctx context.Context, skuID string) (*inventory.SKU, error) {
	var sku inventory.SKU
	err := q.get(ctx, "get_sku", &sku, inventory.ErrSKUNotFound,
		`SELECT `+skuColumns+` FROM skus WHERE id = $1`, skuID)
	if err != nil {
		return nil, err
	}
	return &sku, nil
}

func (q *queries) GetSKUForUpdate(ctx context.Context, skuID string) (*inventory.SKU, error) {
	var sku inventory.SKU
	err := q.get(ctx, "get_sku_for_update", &sku, inventory.ErrSKUNotFound,
		`SELECT `+skuColumns+` FROM skus WHERE id = $1 FOR UPDATE`, skuID)
	if err != nil {
		return nil, err
	}
	return &sku, nil
}

func (q *queries) AddSKUOnHand(ctx context.Context, skuID string, delta decimal.Decimal) error {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE skus SET on_hand = on_hand + $2, updated_at = NOW() WHERE id = $1`, skuID, delta)
	if err != nil {
		return classifyError("add_sku_on_hand", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return inventory.ErrSKUNotFound
	}
	return nil
}

// レイヤー

func (q *queries) CreateLayer(ctx context.Context, layer *inventory.Layer) error {
	query := `
		INSERT INTO fifo_layers (id, sku_id, received_at, original_qty, remaining_qty, unit_cost, status,
			origin_movement_id, vendor_ref, lot_number, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING seq`
	err := q.ext.QueryRowxContext(ctx, query,
		layer.ID,
		layer.SKUID,
		layer.ReceivedAt,
		layer.OriginalQty,
		layer.RemainingQty,
		layer.UnitCost,
		layer.Status,
		layer.OriginMovementID,
		layer.VendorRef,
		layer.LotNumber,
		layer.CreatedAt,
		layer.UpdatedAt,
	).Scan(&layer.Sequence)
	if err != nil {
		return classifyError("create_layer", err)
	}
	return nil
}

func (q *queries) GetLayer(ctx context.Context, layerID string) (*inventory.Layer, error) {
	var layer inventory.Layer
	err := q.get(ctx, "get_layer", &layer, inventory.ErrLayerNotFound,
		`SELECT `+layerColumns+` FROM fifo_layers WHERE id = $1`, layerID)
	if err != nil {
		return nil, err
	}
	return &layer, nil
}

func (q *queries) GetLayerForUpdate(ctx context.Context, layerID string) (*inventory.Layer, error) {
	var layer inventory.Layer
	err := q.get(ctx, "get_layer_for_update", &layer, inventory.ErrLayerNotFound,
		`SELECT `+layerColumns+` FROM fifo_layers WHERE id = $1 FOR UPDATE`, layerID)
	if err != nil {
		return nil, err
	}
	return &layer, nil
}

func (q *queries) ListActiveLayers(ctx context.Context, skuID string) ([]inventory.Layer, error) {
	layers := []inventory.Layer{}
	err := q.selectRows(ctx, "list_active_layers", &layers,
		`SELECT `+layerColumns+` FROM fifo_layers
		WHERE sku_id = $1 AND remaining_qty > 0
		ORDER BY (received_at AT TIME ZONE 'UTC')::date ASC, seq ASC`, skuID)
	return layers, err
}

func (q *queries) ListLayersByOrigin(ctx context.Context, movementID string) ([]inventory.Layer, error) {
	layers := []inventory.Layer{}
	err := q.selectRows(ctx, "list_layers_by_origin", &layers,
		`SELECT `+layerColumns+` FROM fifo_layers
		WHERE origin_movement_id = $1
		ORDER BY received_at ASC, seq ASC`, movementID)
	return layers, err
}

// DecrementLayer subtracts quantity only while the layer still holds it
// 残数量が足りる場合のみ減算する条件付き更新
func (q *queries) DecrementLayer(ctx context.Context, layerID string, quantity decimal.Decimal) (*inventory.Layer, error) {
	var layer inventory.Layer
	err := sqlx.GetContext(ctx, q.ext, &layer, `
		UPDATE fifo_layers
		SET remaining_qty = remaining_qty - $2,
			status = CASE WHEN remaining_qty - $2 = 0 THEN 'CLOSED' ELSE 'ACTIVE' END,
			updated_at = NOW()
		WHERE id = $1 AND remaining_qty >= $2
		RETURNING `+layerColumns, layerID, quantity)
	if err == nil {
		return &layer, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, classifyError("decrement_layer", err)
	}

	found, err := q.exists(ctx, "fifo_layers", layerID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, inventory.ErrLayerNotFound
	}
	return nil, inventory.ErrLayerConflict
}

func (q *queries) SetLayerRemaining(ctx context.Context, layerID string, remaining decimal.Decimal) (*inventory.Layer, error) {
	var layer inventory.Layer
	err := q.get(ctx, "set_layer_remaining", &layer, inventory.ErrLayerNotFound, `
		UPDATE fifo_layers
		SET remaining_qty = $2::numeric,
			status = CASE WHEN $2::numeric = 0 THEN 'CLOSED' ELSE 'ACTIVE' END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+layerColumns, layerID, remaining)
	if err != nil {
		return nil, err
	}
	return &layer, nil
}

// DeleteLayer removes a layer that was never drawn from
// 一度も消費されていないレイヤーを削除
func (q *queries) DeleteLayer(ctx context.Context, layerID string) error {
	res, err := q.ext.ExecContext(ctx, `
		DELETE FROM fifo_layers l
		WHERE l.id = $1
			AND l.remaining_qty = l.original_qty
			AND NOT EXISTS (SELECT 1 FROM layer_consumptions c WHERE c.layer_id = l.id)`, layerID)
	if err != nil {
		return classifyError("delete_layer", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	found, err := q.exists(ctx, "fifo_layers", layerID)
	if err != nil {
		return err
	}
	if !found {
		return inventory.ErrLayerNotFound
	}
	return inventory.ErrLayerConsumed
}

// 消費記録

func (q *queries) CreateReceipt(ctx context.Context, receipt *inventory.ConsumptionReceipt) error {
	query := `INSERT INTO layer_consumptions (` + receiptColumns + `)
		VALUES (:id, :layer_id, :movement_id, :sku_id, :quantity, :unit_cost, :total_cost, :created_at)`
	if _, err := sqlx.NamedExecContext(ctx, q.ext, query, receipt); err != nil {
		return classifyError("create_receipt", err)
	}
	return nil
}

func (q *queries) ListReceiptsByMovement(ctx context.Context, movementID string) ([]inventory.ConsumptionReceipt, error) {
	receipts := []inventory.ConsumptionReceipt{}
	err := q.selectRows(ctx, "list_receipts_by_movement", &receipts,
		`SELECT `+receiptColumns+` FROM layer_consumptions WHERE movement_id = $1 ORDER BY created_at, id`, movementID)
	return receipts, err
}

func (q *queries) ListReceiptsByLayer(ctx context.Context, layerID string) ([]inventory.ConsumptionReceipt, error) {
	receipts := []inventory.ConsumptionReceipt{}
	err := q.selectRows(ctx, "list_receipts_by_layer", &receipts,
		`SELECT `+receiptColumns+` FROM layer_consumptions WHERE layer_id = $1 ORDER BY created_at, id`, layerID)
	return receipts, err
}

func (q *queries) DeleteReceiptsByMovement(ctx context.Context, movementID string) error {
	if _, err := q.ext.ExecContext(ctx, `DELETE FROM layer_consumptions WHERE movement_id = $1`, movementID); err != nil {
		return classifyError("delete_receipts", err)
	}
	return nil
}

// 調整監査

func (q *queries) CreateLayerAdjustment(ctx context.Context, adj *inventory.LayerAdjustment) error {
	query := `INSERT INTO layer_adjustments (` + adjustmentColumns + `)
		VALUES (:id, :layer_id, :movement_id, :old_remaining, :new_remaining, :reason, :created_at, :created_by)`
	if _, err := sqlx.NamedExecContext(ctx, q.ext, query, adj); err != nil {
		return classifyError("create_layer_adjustment", err)
	}
	return nil
}

func (q *queries) ListAdjustmentsByLayer(ctx context.Context, layerID string) ([]inventory.LayerAdjustment, error) {
	adjs := []inventory.LayerAdjustment{}
	err := q.selectRows(ctx, "list_adjustments", &adjs,
		`SELECT `+adjustmentColumns+` FROM layer_adjustments WHERE layer_id = $1 ORDER BY created_at, id`, layerID)
	return adjs, err
}

// 移動

func (q *queries) CreateMovement(ctx context.Context, movement *inventory.Movement) error {
	query := `INSERT INTO movements (` + movementColumns + `)
		VALUES (:id, :type, :sku_id, :quantity, :unit_cost, :total_value, :occurred_at, :reference, :notes,
			:layer_id, :work_order_id, :paired_movement_id, :created_at, :created_by,
			:reversed_at, :reversal_reason, :reversed_by)`
	if _, err := sqlx.NamedExecContext(ctx, q.ext, query, movement); err != nil {
		return classifyError("create_movement", err)
	}
	return nil
}

func (q *queries) GetMovement(ctx context.Context, movementID string) (*inventory.Movement, error) {
	var mv inventory.Movement
	err := q.get(ctx, "get_movement", &mv, inventory.ErrMovementNotFound,
		`SELECT `+movementColumns+` FROM movements WHERE id = $1`, movementID)
	if err != nil {
		return nil, err
	}
	return &mv, nil
}

func (q *queries) FindReceiveByReference(ctx context.Context, skuID, reference string) (*inventory.Movement, error) {
	var mv inventory.Movement
	err := q.get(ctx, "find_receive_by_reference", &mv, inventory.ErrMovementNotFound,
		`SELECT `+movementColumns+` FROM movements
		WHERE type = 'RECEIVE' AND sku_id = $1 AND reference = $2 AND reversed_at IS NULL`, skuID, reference)
	if err != nil {
		return nil, err
	}
	return &mv, nil
}

func (q *queries) ListMovementsBySKU(ctx context.Context, skuID string, limit int) ([]inventory.Movement, error) {
	var limitArg interface{}
	if limit > 0 {
		limitArg = limit
	}
	movements := []inventory.Movement{}
	err := q.selectRows(ctx, "list_movements_by_sku", &movements,
		`SELECT `+movementColumns+` FROM movements
		WHERE sku_id = $1
		ORDER BY created_at DESC, occurred_at DESC
		LIMIT $2`, skuID, limitArg)
	return movements, err
}

func (q *queries) ListMovementsByWorkOrder(ctx context.Context, workOrderID string) ([]inventory.Movement, error) {
	movements := []inventory.Movement{}
	err := q.selectRows(ctx, "list_movements_by_work_order", &movements,
		`SELECT `+movementColumns+` FROM movements WHERE work_order_id = $1 ORDER BY created_at, id`, workOrderID)
	return movements, err
}

func (q *queries) ListMovementsByLayer(ctx context.Context, layerID string) ([]inventory.Movement, error) {
	movements := []inventory.Movement{}
	err := q.selectRows(ctx, "list_movements_by_layer", &movements,
		`SELECT `+movementColumns+` FROM movements WHERE layer_id = $1 ORDER BY created_at, id`, layerID)
	return movements, err
}

// MarkMovementReversed sets the reversal columns once
// 取消情報を一度だけ設定
func (q *queries) MarkMovementReversed(ctx context.Context, movementID string, at time.Time, reason, actor string) error {
	res, err := q.ext.ExecContext(ctx, `
		UPDATE movements SET reversed_at = $2, reversal_reason = $3, reversed_by = $4
		WHERE id = $1 AND reversed_at IS NULL`, movementID, at, reason, actor)
	if err != nil {
		return classifyError("mark_movement_reversed", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	found, err := q.exists(ctx, "movements", movementID)
	if err != nil {
		return err
	}
	if !found {
		return inventory.ErrMovementNotFound
	}
	return inventory.ErrAlreadyReversed
}

// 作業指示

func (q *queries) CreateWorkOrder(ctx context.Context, wo *inventory.WorkOrder) error {
	query := `INSERT INTO work_orders (` + workOrderColumns + `)
		VALUES (:id, :reference, :output_sku_id, :output_description, :output_qty, :unit_cost,
			:material_cost, :waste_cost, :status, :produced_at, :notes, :created_at, :created_by, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, q.ext, query, wo); err != nil {
		return classifyError("create_work_order", err)
	}
	return nil
}

func (q *queries) GetWorkOrder(ctx context.Context, workOrderID string) (*inventory.WorkOrder, error) {
	var wo inventory.WorkOrder
	err := q.get(ctx, "get_work_order", &wo, inventory.ErrWorkOrderNotFound,
		`SELECT `+workOrderColumns+` FROM work_orders WHERE id = $1`, workOrderID)
	if err != nil {
		return nil, err
	}
	return &wo, nil
}

func (q *queries) GetWorkOrderByReference(ctx context.Context, reference string) (*inventory.WorkOrder, error) {
	var wo inventory.WorkOrder
	err := q.get(ctx, "get_work_order_by_reference", &wo, inventory.ErrWorkOrderNotFound,
		`SELECT `+workOrderColumns+` FROM work_orders WHERE reference = $1`, reference)
	if err != nil {
		return nil, err
	}
	return &wo, nil
}

func (q *queries) UpdateWorkOrderStatus(ctx context.Context, workOrderID string, status inventory.WorkOrderStatus, at time.Time) error {
	res, err := q.ext.ExecContext(ctx,
		`UPDATE work_orders SET status = $2, updated_at = $3 WHERE id = $1`, workOrderID, status, at)
	if err != nil {
		return classifyError("update_work_order_status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return inventory.ErrWorkOrderNotFound
	}
	return nil
}
