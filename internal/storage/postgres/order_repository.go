package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// orderRepository хранит заказ целиком в JSONB document; колонки рядом с ним
// дублируют поля, по которым фильтруют, сортируют и агрегируют.
type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

const orderColumns = `document, version`

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	doc, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order %s: %w", order.ID, err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, order_number, user_id, status, payment_method, payment_status,
			total, full_name, mobile, document, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`,
		order.ID, order.OrderNumber, order.UserID, string(order.Status),
		string(order.Payment.Method), string(order.Payment.Status), order.Pricing.Total,
		order.ShippingAddress.FullName, order.ShippingAddress.Mobile,
		doc, order.Version, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderVersionConflict
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	return r.getBy(ctx, "id", id)
}

func (r *orderRepository) GetByNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	return r.getBy(ctx, "order_number", orderNumber)
}

func (r *orderRepository) getBy(ctx context.Context, column, value string) (domain.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+column+` = $1`, value)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("select order by %s: %w", column, err)
	}
	return order, nil
}

// Save перезаписывает заказ при совпадении версии и увеличивает её.
func (r *orderRepository) Save(ctx context.Context, order domain.Order) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	expected := order.Version
	order.Version++
	doc, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("marshal order %s: %w", order.ID, err)
	}

	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET status = $1,
			    payment_method = $2,
			    payment_status = $3,
			    total = $4,
			    full_name = $5,
			    mobile = $6,
			    document = $7,
			    version = version + 1,
			    updated_at = $8
			WHERE id = $9
			  AND version = $10
		`,
			string(order.Status), string(order.Payment.Method), string(order.Payment.Status),
			order.Pricing.Total, order.ShippingAddress.FullName, order.ShippingAddress.Mobile,
			doc, order.UpdatedAt, order.ID, expected,
		)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}
		return r.checkAffected(ctx, tx, res, order.ID)
	})
}

func (r *orderRepository) Delete(ctx context.Context, id string, version int64) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return inTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE id = $1 AND version = $2`, id, version)
		if err != nil {
			return fmt.Errorf("delete order: %w", err)
		}
		return r.checkAffected(ctx, tx, res, id)
	})
}

// checkAffected различает отсутствующий заказ и конфликт версий.
func (r *orderRepository) checkAffected(ctx context.Context, tx *sql.Tx, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check order exists: %w", err)
	}
	if !exists {
		return domain.ErrOrderNotFound
	}
	return domain.ErrOrderVersionConflict
}

var sortColumns = map[domain.SortField]string{
	domain.SortByCreatedAt:   "created_at",
	domain.SortByTotal:       "total",
	domain.SortByStatus:      "status",
	domain.SortByOrderNumber: "order_number",
	domain.SortByUpdatedAt:   "updated_at",
}

func (r *orderRepository) List(ctx context.Context, q domain.OrderQuery) (domain.OrderPage, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	where, args := orderFilter(q)

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`+where, args...).Scan(&total); err != nil {
		return domain.OrderPage{}, fmt.Errorf("count orders: %w", err)
	}

	column, ok := sortColumns[q.SortBy]
	if !ok {
		column = sortColumns[domain.SortByCreatedAt]
	}
	direction := "ASC"
	if q.Desc {
		direction = "DESC"
	}
	query := fmt.Sprintf(`SELECT %s FROM orders%s ORDER BY %s %s, id %s`, orderColumns, where, column, direction, direction)
	if q.Limit > 0 {
		args = append(args, q.Limit, q.Offset())
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return domain.OrderPage{}, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return domain.OrderPage{}, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return domain.OrderPage{}, fmt.Errorf("iterate order rows: %w", err)
	}
	return domain.NewOrderPage(orders, total, q), nil
}

// orderFilter строит WHERE с позиционными параметрами.
func orderFilter(q domain.OrderQuery) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if q.UserID != "" {
		add("user_id = $%d", q.UserID)
	}
	if q.Status != "" {
		add("status = $%d", string(q.Status))
	}
	if q.PaymentStatus != "" {
		add("payment_status = $%d", string(q.PaymentStatus))
	}
	if q.PaymentMethod != "" {
		add("payment_method = $%d", string(q.PaymentMethod))
	}
	if !q.Created.From.IsZero() {
		add("created_at >= $%d", q.Created.From)
	}
	if !q.Created.To.IsZero() {
		add("created_at < $%d", q.Created.To)
	}
	if q.MinAmount.Valid {
		add("total >= $%d", q.MinAmount.Decimal)
	}
	if q.MaxAmount.Valid {
		add("total <= $%d", q.MaxAmount.Decimal)
	}
	if q.Search != "" {
		args = append(args, "%"+escapeLike(q.Search)+"%")
		n := len(args)
		conds = append(conds, fmt.Sprintf("(order_number ILIKE $%d OR full_name ILIKE $%d OR mobile LIKE $%d)", n, n, n))
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (r *orderRepository) Summarize(ctx context.Context, rng domain.DateRange, todayFrom time.Time) (domain.OrderSummary, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	where, args := orderFilter(domain.OrderQuery{Created: rng})
	summary := domain.OrderSummary{
		ByStatus:        make(map[domain.OrderStatus]int),
		ByPaymentMethod: make(map[domain.PaymentMethod]int),
		ByPaymentStatus: make(map[domain.PaymentStatus]int),
	}

	todayArg := len(args) + 1
	err := r.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE payment_status = 'Completed'),
			COALESCE(SUM(total) FILTER (WHERE payment_status = 'Completed'), 0),
			COUNT(*) FILTER (WHERE created_at >= $%[1]d),
			COALESCE(SUM(total) FILTER (WHERE created_at >= $%[1]d AND payment_status = 'Completed'), 0)
		FROM orders%[2]s
	`, todayArg, where), append(args, todayFrom)...).Scan(
		&summary.TotalOrders, &summary.CompletedOrders, &summary.TotalRevenue,
		&summary.TodayOrders, &summary.TodayRevenue,
	)
	if err != nil {
		return domain.OrderSummary{}, fmt.Errorf("summarize orders: %w", err)
	}

	facets := []struct {
		column string
		put    func(key string, n int)
	}{
		{"status", func(k string, n int) { summary.ByStatus[domain.OrderStatus(k)] = n }},
		{"payment_method", func(k string, n int) { summary.ByPaymentMethod[domain.PaymentMethod(k)] = n }},
		{"payment_status", func(k string, n int) { summary.ByPaymentStatus[domain.PaymentStatus(k)] = n }},
	}
	for _, f := range facets {
		if err := r.facet(ctx, f.column, where, args, f.put); err != nil {
			return domain.OrderSummary{}, err
		}
	}
	return summary, nil
}

func (r *orderRepository) facet(ctx context.Context, column, where string, args []any, put func(string, int)) error {
	rows, err := r.db.QueryContext(ctx, `SELECT `+column+`, COUNT(*) FROM orders`+where+` GROUP BY `+column, args...)
	if err != nil {
		return fmt.Errorf("count orders by %s: %w", column, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan %s facet: %w", column, err)
		}
		put(key, n)
	}
	return rows.Err()
}

func (r *orderRepository) DailyRevenue(ctx context.Context, rng domain.DateRange) ([]domain.DailyRevenue, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	where, args := orderFilter(domain.OrderQuery{Created: rng, PaymentStatus: domain.PaymentStatusCompleted})
	rows, err := r.db.QueryContext(ctx, `
		SELECT date_trunc('day', created_at AT TIME ZONE 'UTC') AS day, SUM(total), COUNT(*)
		FROM orders`+where+`
		GROUP BY day
		ORDER BY day
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("daily revenue: %w", err)
	}
	defer rows.Close()

	result := make([]domain.DailyRevenue, 0)
	for rows.Next() {
		var (
			day     time.Time
			revenue decimal.Decimal
			n       int
		)
		if err := rows.Scan(&day, &revenue, &n); err != nil {
			return nil, fmt.Errorf("scan daily revenue: %w", err)
		}
		day = time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
		result = append(result, domain.DailyRevenue{Day: day, Revenue: revenue, Orders: n})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate daily revenue: %w", err)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		doc     []byte
		version int64
	)
	if err := row.Scan(&doc, &version); err != nil {
		return domain.Order{}, err
	}
	var order domain.Order
	if err := json.Unmarshal(doc, &order); err != nil {
		return domain.Order{}, fmt.Errorf("decode order document: %w", err)
	}
	order.Version = version
	return order, nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)
