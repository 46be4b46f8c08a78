package httpapi

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/stats"
)

const dateLayout = "2006-01-02"

// queryParser копит ошибки разбора, чтобы вернуть их одним ответом.
type queryParser struct {
	values url.Values
	verr   *domain.ValidationError
}

func newQueryParser(values url.Values) *queryParser {
	return &queryParser{values: values, verr: &domain.ValidationError{}}
}

func (p *queryParser) str(name string) string {
	return strings.TrimSpace(p.values.Get(name))
}

func (p *queryParser) positive(name string) int {
	raw := p.str(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.verr.Add(name, "must be an integer")
		return 0
	}
	if n < 1 {
		p.verr.Add(name, "must be at least 1")
	}
	return n
}

func (p *queryParser) amount(name string) decimal.NullDecimal {
	raw := p.str(name)
	if raw == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		p.verr.Add(name, "must be a number")
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

// date принимает YYYY-MM-DD или RFC 3339.
func (p *queryParser) date(name string) *time.Time {
	raw := p.str(name)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{dateLayout, time.RFC3339Nano} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	p.verr.Add(name, "must be a date (YYYY-MM-DD) or RFC 3339 timestamp")
	return nil
}

func (p *queryParser) err() error {
	return p.verr.OrNil()
}

// parseOrderQuery разбирает фильтры списка заказов. userId учитывается только для админа.
func parseOrderQuery(values url.Values, admin bool) (domain.OrderQuery, error) {
	p := newQueryParser(values)

	q := domain.OrderQuery{
		Status:        domain.OrderStatus(p.str("status")),
		PaymentStatus: domain.PaymentStatus(p.str("paymentStatus")),
		PaymentMethod: domain.PaymentMethod(p.str("paymentMethod")),
		MinAmount:     p.amount("minAmount"),
		MaxAmount:     p.amount("maxAmount"),
		Search:        p.str("search"),
		SortBy:        domain.SortField(p.str("sortBy")),
		Desc:          true,
		Page:          p.positive("page"),
		Limit:         p.positive("limit"),
	}
	if admin {
		q.UserID = p.str("userId")
	}

	switch strings.ToLower(p.str("sortOrder")) {
	case "", "desc":
	case "asc":
		q.Desc = false
	default:
		p.verr.Add("sortOrder", "must be asc or desc")
	}

	if start := p.date("startDate"); start != nil {
		q.Created.From = *start
	}
	if end := p.date("endDate"); end != nil {
		q.Created.To = endOfDayExclusive(*end)
	}
	return q, p.err()
}

// parseStatsQuery разбирает диапазон и шаг группировки для отчётов.
func parseStatsQuery(values url.Values) (stats.Query, error) {
	p := newQueryParser(values)
	q := stats.Query{
		StartDate: p.date("startDate"),
		EndDate:   p.date("endDate"),
		GroupBy:   stats.GroupBy(p.str("groupBy")),
	}
	if q.GroupBy == "" {
		q.GroupBy = stats.GroupByDay
	}
	return q, p.err()
}

// endOfDayExclusive — начало следующих суток: конец диапазона включает весь день.
func endOfDayExclusive(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
