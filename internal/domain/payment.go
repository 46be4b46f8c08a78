package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentMethod — способ оплаты, выбранный при оформлении.
type PaymentMethod string

const (
	PaymentMethodCOD        PaymentMethod = "COD"
	PaymentMethodOnline     PaymentMethod = "Online"
	PaymentMethodUPI        PaymentMethod = "UPI"
	PaymentMethodCard       PaymentMethod = "Card"
	PaymentMethodWallet     PaymentMethod = "Wallet"
	PaymentMethodNetBanking PaymentMethod = "Net Banking"
)

// Valid проверяет способ оплаты.
func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentMethodCOD, PaymentMethodOnline, PaymentMethodUPI, PaymentMethodCard,
		PaymentMethodWallet, PaymentMethodNetBanking:
		return true
	default:
		return false
	}
}

// Prepaid возвращает true для всех способов, кроме оплаты при получении.
func (m PaymentMethod) Prepaid() bool {
	return m.Valid() && m != PaymentMethodCOD
}

// PaymentStatus описывает состояние платежа по заказу.
type PaymentStatus string

const (
	// PaymentStatusPending: деньги ещё не получены (COD до доставки).
	PaymentStatusPending   PaymentStatus = "Pending"
	PaymentStatusCompleted PaymentStatus = "Completed"
	PaymentStatusFailed    PaymentStatus = "Failed"
	PaymentStatusRefunded  PaymentStatus = "Refunded"
	// Возвращена часть суммы.
	PaymentStatusPartiallyRefunded PaymentStatus = "Partially Refunded"
)

// Valid проверяет статус платежа.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusCompleted, PaymentStatusFailed,
		PaymentStatusRefunded, PaymentStatusPartiallyRefunded:
		return true
	default:
		return false
	}
}

// Payment — платёжная часть заказа.
type Payment struct {
	Method        PaymentMethod `json:"method"`
	Status        PaymentStatus `json:"status"`
	TransactionID string        `json:"transactionId,omitempty"`
	PaidAt        *time.Time    `json:"paidAt,omitempty"`
	Gateway       string        `json:"paymentGateway,omitempty"`
}

type RefundSource string

const (
	RefundSourceCancellation RefundSource = "Cancellation"
	RefundSourceReturn       RefundSource = "Return"
)

type RefundStatus string

const (
	RefundStatusPending   RefundStatus = "Pending"
	RefundStatusCompleted RefundStatus = "Completed"
	RefundStatusFailed    RefundStatus = "Failed"
)

// Refund — единая запись о возврате денег для отмены и возврата товара.
type Refund struct {
	Source        RefundSource    `json:"source"`
	Status        RefundStatus    `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	RequestedAt   time.Time       `json:"requestedAt"`
	RefundedAt    *time.Time      `json:"refundedAt,omitempty"`
	TransactionID string          `json:"transactionId,omitempty"`
}

// RefundReceipt возвращает платёжный шлюз на запрос возврата.
type RefundReceipt struct {
	TransactionID string
	Status        RefundStatus
}
