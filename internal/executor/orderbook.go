package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/ggonzalez94/dustpan/internal/model"
)

const (
	orderRetention = 7 * 24 * time.Hour
	orderCap       = 50
)

// OrderBook persists order intents and notifies an observer on every
// mutation. Status updates are validated against the order state machine;
// an illegal transition is rejected rather than stored.
type OrderBook struct {
	db   *sql.DB
	lock *flock.Flock

	mu       sync.Mutex
	listener func(model.OrderIntent)
}

func OpenOrderBook(path, lockPath string) (*OrderBook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create order directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open order book: %w", err)
	}

	queries := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"CREATE TABLE IF NOT EXISTS orders (id TEXT PRIMARY KEY, chain_id INTEGER NOT NULL, token_address TEXT NOT NULL, status TEXT NOT NULL, payload BLOB NOT NULL, created_at INTEGER NOT NULL);",
		"CREATE INDEX IF NOT EXISTS orders_by_token ON orders (chain_id, token_address);",
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init order schema: %w", err)
		}
	}

	book := &OrderBook{db: db, lock: flock.New(lockPath)}
	_ = book.Prune()
	return book, nil
}

func (b *OrderBook) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// SetListener registers an observer invoked after every create/update.
func (b *OrderBook) SetListener(fn func(model.OrderIntent)) {
	b.mu.Lock()
	b.listener = fn
	b.mu.Unlock()
}

func (b *OrderBook) notify(order model.OrderIntent) {
	b.mu.Lock()
	fn := b.listener
	b.mu.Unlock()
	if fn != nil {
		fn(order)
	}
}

func (b *OrderBook) Create(order model.OrderIntent) error {
	if order.Status != model.StatusPending {
		return fmt.Errorf("new order must start pending, got %s", order.Status)
	}
	if err := b.write(order, true); err != nil {
		return err
	}
	b.notify(order)
	return nil
}

// Update persists a status transition. The previous stored status must
// legally precede the new one.
func (b *OrderBook) Update(order model.OrderIntent) error {
	current, ok, err := b.Get(order.ID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("order %s not found", order.ID)
	}
	if current.Status != order.Status && !model.CanTransition(current.Status, order.Status) {
		return fmt.Errorf("illegal order transition %s -> %s", current.Status, order.Status)
	}
	if err := b.write(order, false); err != nil {
		return err
	}
	b.notify(order)
	return nil
}

func (b *OrderBook) write(order model.OrderIntent, create bool) error {
	locked, err := b.lock.TryLockContext(context.Background(), 5*time.Second)
	if err != nil {
		return fmt.Errorf("lock order book: %w", err)
	}
	if !locked {
		return fmt.Errorf("lock order book: timeout acquiring lock")
	}
	defer func() { _ = b.lock.Unlock() }()

	payload, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("encode order: %w", err)
	}
	if create {
		_, err = b.db.Exec(
			"INSERT INTO orders (id, chain_id, token_address, status, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)",
			order.ID, order.ChainID, order.TokenAddress, string(order.Status), payload, order.Timestamp.UTC().Unix())
	} else {
		_, err = b.db.Exec(
			"UPDATE orders SET status = ?, payload = ? WHERE id = ?",
			string(order.Status), payload, order.ID)
	}
	if err != nil {
		return fmt.Errorf("write order: %w", err)
	}
	return nil
}

func (b *OrderBook) Get(id string) (model.OrderIntent, bool, error) {
	var payload []byte
	err := b.db.QueryRow("SELECT payload FROM orders WHERE id = ?", id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.OrderIntent{}, false, nil
		}
		return model.OrderIntent{}, false, fmt.Errorf("read order: %w", err)
	}
	var order model.OrderIntent
	if err := json.Unmarshal(payload, &order); err != nil {
		return model.OrderIntent{}, false, fmt.Errorf("decode order: %w", err)
	}
	return order, true, nil
}

// GetByHash finds an order by its aggregator order hash.
func (b *OrderBook) GetByHash(orderHash string) (model.OrderIntent, bool, error) {
	orders, err := b.List()
	if err != nil {
		return model.OrderIntent{}, false, err
	}
	for _, order := range orders {
		if order.OrderHash == orderHash {
			return order, true, nil
		}
	}
	return model.OrderIntent{}, false, nil
}

// List returns all orders, newest first.
func (b *OrderBook) List() ([]model.OrderIntent, error) {
	rows, err := b.db.Query("SELECT payload FROM orders ORDER BY created_at DESC, id DESC")
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var out []model.OrderIntent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		var order model.OrderIntent
		if err := json.Unmarshal(payload, &order); err != nil {
			return nil, fmt.Errorf("decode order: %w", err)
		}
		out = append(out, order)
	}
	return out, rows.Err()
}

// Prune drops orders older than seven days, then trims to the most recent
// fifty. Called on open.
func (b *OrderBook) Prune() error {
	if b == nil || b.db == nil {
		return nil
	}
	cutoff := time.Now().Add(-orderRetention).UTC().Unix()
	if _, err := b.db.Exec("DELETE FROM orders WHERE created_at < ?", cutoff); err != nil {
		return fmt.Errorf("prune orders: %w", err)
	}
	_, err := b.db.Exec(`
		DELETE FROM orders WHERE id NOT IN (
			SELECT id FROM orders ORDER BY created_at DESC, id DESC LIMIT ?
		)
	`, orderCap)
	if err != nil {
		return fmt.Errorf("cap orders: %w", err)
	}
	return nil
}

// TotalEarned sums estimatedUSDC over executed orders, formatted in dollars.
func (b *OrderBook) TotalEarned() (string, error) {
	orders, err := b.List()
	if err != nil {
		return "", err
	}
	totalCents := int64(0)
	for _, order := range orders {
		if order.Status != model.StatusExecuted || order.EstimatedUSDC == "" {
			continue
		}
		totalCents += usdToCents(order.EstimatedUSDC)
	}
	return fmt.Sprintf("%d.%02d", totalCents/100, totalCents%100), nil
}

func usdToCents(usd string) int64 {
	var dollars, cents int64
	if n, _ := fmt.Sscanf(usd, "%d.%02d", &dollars, &cents); n >= 1 {
		return dollars*100 + cents
	}
	return 0
}

// StatusCounts summarizes the order list for display.
func StatusCounts(orders []model.OrderIntent) map[model.OrderStatus]int {
	out := map[model.OrderStatus]int{}
	for _, order := range orders {
		out[order.Status]++
	}
	return out
}

// SortByTimestamp orders intents oldest first with a stable id tie-break.
func SortByTimestamp(orders []model.OrderIntent) {
	sort.SliceStable(orders, func(i, j int) bool {
		if !orders[i].Timestamp.Equal(orders[j].Timestamp) {
			return orders[i].Timestamp.Before(orders[j].Timestamp)
		}
		return orders[i].ID < orders[j].ID
	})
}
