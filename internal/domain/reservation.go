package domain

import (
	"errors"
	"time"
)

var (
	ErrReservationProductRequired = errors.New("reservation product id is required")
	ErrReservationQtyInvalid      = errors.New("reservation quantity must be positive")
)

// ReservationStatus отражает статус резервирования строки заказа.
type ReservationStatus string

const (
	ReservationStatusReserved ReservationStatus = "reserved"
	// Остаток возвращён отменой или компенсацией.
	ReservationStatusReleased ReservationStatus = "released"
	ReservationStatusFailed   ReservationStatus = "failed"
)

// StockLine — одна строка резервирования: товар, вариант, количество.
type StockLine struct {
	ProductID string
	SKU       string
	Qty       int
}

// Validate проверяет ключевые поля строки.
func (l StockLine) Validate() []error {
	var errs []error
	if l.ProductID == "" {
		errs = append(errs, ErrReservationProductRequired)
	}
	if l.Qty <= 0 {
		errs = append(errs, ErrReservationQtyInvalid)
	}
	return errs
}

// StockLinesFromItems строит строки резервирования по позициям заказа.
func StockLinesFromItems(items []OrderItem) []StockLine {
	lines := make([]StockLine, 0, len(items))
	for _, item := range items {
		lines = append(lines, StockLine{ProductID: item.ProductID, SKU: item.SKU(), Qty: item.Quantity})
	}
	return lines
}

// Reservation — результат резервирования одной строки.
type Reservation struct {
	Line      StockLine
	Status    ReservationStatus
	UpdatedAt time.Time
}
