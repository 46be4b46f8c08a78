package stats_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/stats"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

var (
	admin = domain.Actor{UserID: "admin-1", Role: domain.RoleAdmin}
	now   = time.Date(2026, 3, 12, 15, 0, 0, 0, time.UTC)
)

func seed(t *testing.T, repo domain.OrderRepository, n int, created time.Time, total int64, method domain.PaymentMethod, status domain.PaymentStatus) {
	t.Helper()
	err := repo.Create(context.Background(), domain.Order{
		ID:            fmt.Sprintf("order-%d", n),
		OrderNumber:   fmt.Sprintf("ORD2603%04d", n),
		UserID:        "user-1",
		Status:        domain.OrderStatusPending,
		Pricing:       domain.Pricing{Subtotal: decimal.NewFromInt(total), Total: decimal.NewFromInt(total)},
		Payment:       domain.Payment{Method: method, Status: status},
		StatusHistory: []domain.StatusEntry{{Status: domain.OrderStatusPending}},
		CreatedAt:     created,
		UpdatedAt:     created,
	})
	require.NoError(t, err)
}

func newService(t *testing.T) (*stats.Service, domain.OrderRepository) {
	t.Helper()
	repo := memory.NewOrderRepository()
	return stats.NewService(repo, stats.WithClock(func() time.Time { return now })), repo
}

func TestStatistics_EmptyRepositoryReturnsZeros(t *testing.T) {
	svc, _ := newService(t)

	got, err := svc.Statistics(context.Background(), admin, stats.Query{})
	require.NoError(t, err)
	require.Zero(t, got.TotalOrders)
	require.True(t, got.TotalRevenue.IsZero())
	require.True(t, got.AverageOrderValue.IsZero())
	require.NotNil(t, got.StatusCounts)
	require.Empty(t, got.StatusCounts)
}

func TestStatistics_Aggregates(t *testing.T) {
	svc, repo := newService(t)

	seed(t, repo, 1, now.AddDate(0, 0, -2), 1000, domain.PaymentMethodUPI, domain.PaymentStatusCompleted)
	seed(t, repo, 2, now.AddDate(0, 0, -1), 501, domain.PaymentMethodCard, domain.PaymentStatusCompleted)
	seed(t, repo, 3, now.Add(-time.Hour), 300, domain.PaymentMethodCOD, domain.PaymentStatusPending)
	seed(t, repo, 4, now.Add(-2*time.Hour), 200, domain.PaymentMethodUPI, domain.PaymentStatusCompleted)

	got, err := svc.Statistics(context.Background(), admin, stats.Query{})
	require.NoError(t, err)
	require.Equal(t, 4, got.TotalOrders)
	require.True(t, got.TotalRevenue.Equal(decimal.NewFromInt(1701)))
	require.Equal(t, 2, got.TodayOrders)
	require.True(t, got.TodayRevenue.Equal(decimal.NewFromInt(200)))
	// 1701 / 3 = 567
	require.True(t, got.AverageOrderValue.Equal(decimal.NewFromInt(567)), got.AverageOrderValue.String())

	require.Equal(t, []stats.Count{{Key: "COD", Count: 1}, {Key: "Card", Count: 1}, {Key: "UPI", Count: 2}}, got.PaymentMethodCounts)
	require.Equal(t, []stats.Count{{Key: "Pending", Count: 4}}, got.StatusCounts)

	start := now.AddDate(0, 0, -1)
	ranged, err := svc.Statistics(context.Background(), admin, stats.Query{StartDate: &start})
	require.NoError(t, err)
	require.Equal(t, 3, ranged.TotalOrders)
}

func TestStatistics_RejectsBadInput(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.Statistics(context.Background(), domain.Actor{UserID: "u", Role: domain.RoleUser}, stats.Query{})
	require.True(t, errors.Is(err, domain.ErrUnauthorized))

	start, end := now, now.AddDate(0, 0, -3)
	_, err = svc.Statistics(context.Background(), admin, stats.Query{StartDate: &start, EndDate: &end})
	require.True(t, errors.Is(err, domain.ErrValidation))

	_, err = svc.RevenueAnalytics(context.Background(), admin, stats.Query{GroupBy: "hour"})
	require.True(t, errors.Is(err, domain.ErrValidation))
}

func TestQueryRangeIncludesWholeEndDay(t *testing.T) {
	end := time.Date(2026, 3, 12, 9, 30, 0, 0, time.UTC)
	rng := stats.Query{EndDate: &end}.Range()

	if !rng.Contains(time.Date(2026, 3, 12, 23, 59, 59, 999_000_000, time.UTC)) {
		t.Fatal("end date must be inclusive")
	}
	if rng.Contains(time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC)) {
		t.Fatal("next day must be excluded")
	}
}

func TestRevenueAnalytics_GroupBy(t *testing.T) {
	svc, repo := newService(t)

	// 2026-01-03 суббота (неделя 00), 2026-01-04 воскресенье (неделя 01).
	seed(t, repo, 1, time.Date(2026, 1, 3, 10, 0, 0, 0, time.UTC), 100, domain.PaymentMethodUPI, domain.PaymentStatusCompleted)
	seed(t, repo, 2, time.Date(2026, 1, 4, 10, 0, 0, 0, time.UTC), 300, domain.PaymentMethodUPI, domain.PaymentStatusCompleted)
	seed(t, repo, 3, time.Date(2026, 1, 4, 18, 0, 0, 0, time.UTC), 200, domain.PaymentMethodCard, domain.PaymentStatusCompleted)
	seed(t, repo, 4, time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC), 50, domain.PaymentMethodCOD, domain.PaymentStatusPending)
	seed(t, repo, 5, time.Date(2027, 2, 1, 10, 0, 0, 0, time.UTC), 400, domain.PaymentMethodUPI, domain.PaymentStatusCompleted)

	tests := []struct {
		group stats.GroupBy
		want  []string
	}{
		{stats.GroupByDay, []string{"2026-01-03", "2026-01-04", "2027-02-01"}},
		{stats.GroupByWeek, []string{"2026-W00", "2026-W01", "2027-W05"}},
		{stats.GroupByMonth, []string{"2026-01", "2027-02"}},
		{stats.GroupByYear, []string{"2026", "2027"}},
	}
	for _, tc := range tests {
		t.Run(string(tc.group), func(t *testing.T) {
			points, err := svc.RevenueAnalytics(context.Background(), admin, stats.Query{GroupBy: tc.group})
			require.NoError(t, err)

			periods := make([]string, 0, len(points))
			for _, p := range points {
				periods = append(periods, p.Period)
			}
			require.Equal(t, tc.want, periods)
		})
	}

	points, err := svc.RevenueAnalytics(context.Background(), admin, stats.Query{})
	require.NoError(t, err)
	require.Equal(t, "2026-01-04", points[1].Period)
	require.Equal(t, 2, points[1].Orders)
	require.True(t, points[1].Revenue.Equal(decimal.NewFromInt(500)))
	require.True(t, points[1].AverageOrderValue.Equal(decimal.NewFromInt(250)))
}
