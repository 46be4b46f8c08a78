// Command checkout-storm гонит параллельные оформления заказов на один товар
// и проверяет, что склад не продал больше, чем у него было.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/orders"
)

const (
	envToken       = "STOREFRONT_STORM_TOKEN"
	methodScenario = "scenario"
	methodCreate   = "CreateOrder"
	methodCancel   = "CancelOrder"
	cancelReason   = "checkout storm releases the reservation"
)

type config struct {
	baseURL     string
	token       string
	product     string
	sku         string
	qty         int
	total       int
	concurrency int
	timeout     time.Duration
	stock       int
	cancelRate  int
	outputPath  string
}

func parseConfig(args []string, envTokenValue string, output io.Writer) (config, error) {
	var cfg config

	fs := flag.NewFlagSet("checkout-storm", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&cfg.baseURL, "base-url", "http://localhost:8080", "storefront HTTP API base URL")
	fs.StringVar(&cfg.token, "token", "", "bearer token of the customer (fallback: "+envToken+")")
	fs.StringVar(&cfg.product, "product", "demo-mug", "product id to order")
	fs.StringVar(&cfg.sku, "sku", "", "variant SKU; empty orders the product without variant")
	fs.IntVar(&cfg.qty, "qty", 1, "quantity per order (1..10)")
	fs.IntVar(&cfg.total, "total", 200, "number of checkout attempts")
	fs.IntVar(&cfg.concurrency, "concurrency", 20, "number of concurrent workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.IntVar(&cfg.stock, "stock", 0, "available stock before the run; 0 disables the oversell check")
	fs.IntVar(&cfg.cancelRate, "cancel-rate", 0, "percent of accepted orders to cancel right away (0..100)")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if strings.TrimSpace(cfg.token) == "" {
		cfg.token = strings.TrimSpace(envTokenValue)
	}
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")

	switch {
	case cfg.baseURL == "":
		return cfg, errors.New("base-url is required")
	case cfg.token == "":
		return cfg, fmt.Errorf("token is required (-token or %s)", envToken)
	case strings.TrimSpace(cfg.product) == "":
		return cfg, errors.New("product is required")
	case cfg.qty < 1 || cfg.qty > 10:
		return cfg, errors.New("qty must be between 1 and 10")
	case cfg.total <= 0:
		return cfg, errors.New("total must be > 0")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.stock < 0:
		return cfg, errors.New("stock must be >= 0")
	case cfg.cancelRate < 0 || cfg.cancelRate > 100:
		return cfg, errors.New("cancel-rate must be between 0 and 100")
	}
	return cfg, nil
}

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Getenv(envToken), os.Stderr)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	client := newHTTPClient(cfg.baseURL, cfg.token, cfg.timeout)
	result := runStorm(context.Background(), client, cfg)

	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}

	if err := verify(result, cfg); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "storm verification failed: %v\n", err)
		os.Exit(1)
	}
}

// runStorm раздаёт попытки оформления пулу воркеров и собирает отчёт.
func runStorm(ctx context.Context, client stormClient, cfg config) report {
	startedAt := time.Now()
	runID := uuid.NewString()
	col := newCollector()

	jobs := make(chan int, cfg.concurrency*2)
	var wg sync.WaitGroup
	for i := 0; i < cfg.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				runScenario(ctx, client, cfg, runID, index, col)
			}
		}()
	}

	for i := 0; i < cfg.total; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return col.buildReport(startedAt, time.Since(startedAt))
}

func runScenario(ctx context.Context, client stormClient, cfg config, runID string, index int, col *collector) {
	start := time.Now()
	state := outcomeFailed
	defer func() { col.finish(state, time.Since(start)) }()

	key := fmt.Sprintf("storm-%s-%d", runID, index)
	callStart := time.Now()
	res, err := client.CreateOrder(ctx, key, checkoutInput(cfg))
	col.record(methodCreate, time.Since(callStart), res.label(err))
	if err != nil {
		return
	}

	switch {
	case res.status == http.StatusCreated && res.orderID != "":
		state = outcomeAccepted
	case res.code == domain.CodeInsufficientStock:
		state = outcomeSoldOut
		return
	default:
		return
	}

	if !shouldCancel(index, cfg.cancelRate) {
		return
	}
	callStart = time.Now()
	res, err = client.CancelOrder(ctx, res.orderID, cancelReason)
	col.record(methodCancel, time.Since(callStart), res.label(err))
	if err == nil && res.status == http.StatusOK {
		state = outcomeCancelled
	}
}

func checkoutInput(cfg config) orders.CreateOrderInput {
	item := orders.ItemInput{ProductID: cfg.product, Quantity: cfg.qty}
	if cfg.sku != "" {
		item.Variant = &orders.VariantInput{SKU: cfg.sku}
	}
	return orders.CreateOrderInput{
		Items: []orders.ItemInput{item},
		ShippingAddress: orders.AddressInput{
			FullName:     "Storm Customer",
			Mobile:       "9876543210",
			AddressLine1: "42 Load Test Lane",
			City:         "Bengaluru",
			State:        "Karnataka",
			Pincode:      "560001",
		},
		Payment: orders.PaymentInput{Method: domain.PaymentMethodCOD},
	}
}

func shouldCancel(index, cancelRate int) bool {
	if cancelRate <= 0 {
		return false
	}
	if cancelRate >= 100 {
		return true
	}
	return index%100 < cancelRate
}

// verify проверяет итог прогона: без оверселла и без неожиданных ошибок.
func verify(result report, cfg config) error {
	if result.Failed > 0 {
		return fmt.Errorf("%d checkouts failed with unexpected responses", result.Failed)
	}
	if cfg.stock == 0 {
		return nil
	}
	reserved := (result.Accepted - result.Cancelled) * int64(cfg.qty)
	if reserved > int64(cfg.stock) {
		return fmt.Errorf("oversold: reserved %d units with only %d in stock", reserved, cfg.stock)
	}
	if result.SoldOut > 0 && int64(cfg.stock)-reserved >= int64(cfg.qty) && result.Cancelled == 0 {
		return fmt.Errorf("rejected %d checkouts while %d units were still available", result.SoldOut, int64(cfg.stock)-reserved)
	}
	return nil
}

func writeJSONReport(path string, result report) error {
	cleanPath := filepath.Clean(path)
	if cleanPath == "." || cleanPath == string(filepath.Separator) {
		return errors.New("output path must point to a file")
	}
	if cleanPath == ".." || strings.HasPrefix(cleanPath, ".."+string(filepath.Separator)) {
		return fmt.Errorf("output path must be inside current directory: %s", path)
	}

	// #nosec G304 -- путь к отчёту задаёт оператор.
	file, err := os.Create(cleanPath)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}

func printReport(w io.Writer, result report, cfg config) {
	_, _ = fmt.Fprintln(w, "Checkout storm summary")
	_, _ = fmt.Fprintf(w, "product=%s qty=%d total=%d accepted=%d sold_out=%d cancelled=%d failed=%d\n",
		cfg.product,
		cfg.qty,
		result.Total,
		result.Accepted,
		result.SoldOut,
		result.Cancelled,
		result.Failed,
	)
	_, _ = fmt.Fprintf(w, "duration=%.2fs rps=%.2f p95=%.2fms\n",
		result.DurationSeconds, result.RPS, result.ScenarioLatencyMs.P95)

	names := make([]string, 0, len(result.Methods))
	for name := range result.Methods {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		stats := result.Methods[name]
		_, _ = fmt.Fprintf(w, "%s: calls=%d codes=%v p95=%.2fms\n", name, stats.Calls, stats.Codes, stats.LatencyMs.P95)
	}
}
