package orders

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type VariantInput struct {
	Size  string `json:"size,omitempty" validate:"max=20"`
	Color string `json:"color,omitempty" validate:"max=50"`
	SKU   string `json:"sku" validate:"required,max=100"`
}

// ItemInput описывает позицию из запроса на оформление.
type ItemInput struct {
	ProductID string              `json:"product" validate:"required,max=64"`
	Variant   *VariantInput       `json:"variant,omitempty"`
	Quantity  int                 `json:"quantity" validate:"min=1,max=10"`
	Price     decimal.NullDecimal `json:"price"`
}

type AddressInput struct {
	FullName        string             `json:"fullName" validate:"required,min=3,max=100"`
	Mobile          string             `json:"mobile" validate:"required,mobile"`
	AlternateMobile string             `json:"alternateMobile,omitempty" validate:"omitempty,mobile"`
	AddressLine1    string             `json:"addressLine1" validate:"required,min=5,max=200"`
	AddressLine2    string             `json:"addressLine2,omitempty" validate:"max=200"`
	Landmark        string             `json:"landmark,omitempty" validate:"max=100"`
	City            string             `json:"city" validate:"required,min=2,max=100"`
	State           string             `json:"state" validate:"required,min=2,max=100"`
	Pincode         string             `json:"pincode" validate:"required,pincode"`
	Country         string             `json:"country,omitempty" validate:"max=100"`
	AddressType     domain.AddressType `json:"addressType,omitempty" validate:"omitempty,known"`
}

type PaymentInput struct {
	Method         domain.PaymentMethod `json:"method" validate:"required,known"`
	TransactionID  string               `json:"transactionId,omitempty" validate:"max=100"`
	PaymentGateway string               `json:"paymentGateway,omitempty" validate:"max=50"`
}

type CouponInput struct {
	Code string `json:"code,omitempty" validate:"max=50"`
}

// CreateOrderInput содержит всё, что покупатель присылает при оформлении.
type CreateOrderInput struct {
	Items           []ItemInput   `json:"items" validate:"required,min=1,max=20,dive"`
	ShippingAddress AddressInput  `json:"shippingAddress"`
	BillingAddress  *AddressInput `json:"billingAddress,omitempty"`
	Payment         PaymentInput  `json:"payment"`
	Coupon          *CouponInput  `json:"coupon,omitempty"`
	CustomerNotes   string        `json:"customerNotes,omitempty" validate:"max=500"`
}

// ShippingInput обязателен при переводе в Shipped.
type ShippingInput struct {
	Courier           string     `json:"courier" validate:"required,min=2,max=100"`
	TrackingNumber    string     `json:"trackingNumber" validate:"required,min=5,max=100"`
	TrackingURL       string     `json:"trackingUrl,omitempty" validate:"omitempty,url,max=500"`
	EstimatedDelivery *time.Time `json:"estimatedDelivery,omitempty"`
}

func (in *ShippingInput) details() *domain.ShippingDetails {
	if in == nil {
		return nil
	}
	return &domain.ShippingDetails{
		Courier:           in.Courier,
		TrackingNumber:    in.TrackingNumber,
		TrackingURL:       in.TrackingURL,
		EstimatedDelivery: in.EstimatedDelivery,
	}
}

type StatusUpdateInput struct {
	Status   domain.OrderStatus `json:"status" validate:"required,known"`
	Comment  string             `json:"comment,omitempty" validate:"max=500"`
	Shipping *ShippingInput     `json:"shipping,omitempty"`
}

type CancelInput struct {
	Reason string `json:"reason" validate:"required,min=10,max=500"`
}

type ReturnInput struct {
	Reason     string            `json:"reason" validate:"required,min=10,max=500"`
	ReturnType domain.ReturnType `json:"returnType,omitempty" validate:"omitempty,known"`
}

type ReturnStatusInput struct {
	Status       domain.ReturnStatus `json:"status" validate:"required,oneof=Approved Rejected 'Picked Up' Completed"`
	Comment      string              `json:"comment,omitempty" validate:"max=500"`
	RefundAmount decimal.NullDecimal `json:"refundAmount"`
}

// PaymentUpdateInput: PaidAt по умолчанию равен текущему времени при переходе в Completed.
type PaymentUpdateInput struct {
	Status        domain.PaymentStatus `json:"status" validate:"required,known"`
	TransactionID string               `json:"transactionId,omitempty" validate:"max=100"`
	PaidAt        *time.Time           `json:"paidAt,omitempty"`
}

type NotesInput struct {
	Notes string `json:"notes" validate:"required,min=5,max=1000"`
}

type BulkUpdateInput struct {
	OrderIDs []string           `json:"orderIds" validate:"required,min=1,unique,dive,required"`
	Status   domain.OrderStatus `json:"status" validate:"required,oneof=Confirmed Processing Shipped Cancelled"`
	Comment  string             `json:"comment,omitempty" validate:"max=500"`
}

// BulkFailure описывает заказ, который не удалось обновить.
type BulkFailure struct {
	OrderID string `json:"orderId"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type BulkResult struct {
	Matched  int           `json:"matched"`
	Modified int           `json:"modified"`
	Failures []BulkFailure `json:"failures"`
}

// TrackingEntry повторяет запись журнала без идентификатора исполнителя.
type TrackingEntry struct {
	Status    domain.OrderStatus `json:"status"`
	Comment   string             `json:"comment,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Tracking отдаётся публичному трекингу по номеру заказа.
type Tracking struct {
	OrderNumber   string             `json:"orderNumber"`
	Status        domain.OrderStatus `json:"status"`
	Shipping      domain.Shipping    `json:"shipping"`
	StatusHistory []TrackingEntry    `json:"statusHistory"`
	OrderedAt     time.Time          `json:"orderedAt"`
}

func (a AddressInput) toDomain() domain.Address {
	addr := domain.Address{
		FullName:        a.FullName,
		Mobile:          a.Mobile,
		AlternateMobile: a.AlternateMobile,
		AddressLine1:    a.AddressLine1,
		AddressLine2:    a.AddressLine2,
		Landmark:        a.Landmark,
		City:            a.City,
		State:           a.State,
		Pincode:         a.Pincode,
		Country:         a.Country,
		AddressType:     a.AddressType,
	}
	if addr.Country == "" {
		addr.Country = "India"
	}
	if addr.AddressType == "" {
		addr.AddressType = domain.AddressTypeHome
	}
	return addr
}
