package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUserRequired       = errors.New("order user is required")
	ErrItemsRequired      = errors.New("order must contain at least one item")
	ErrItemQtyInvalid     = errors.New("item quantity must be positive")
	ErrItemPriceInvalid   = errors.New("item price must be non-negative")
	ErrPricingNegative    = errors.New("pricing components must be non-negative")
	ErrPricingMismatch    = errors.New("pricing total does not match its components")
	ErrHistoryMismatch    = errors.New("last status history entry does not match order status")
	ErrOrderNumberMissing = errors.New("order number is required")
)

// VariantRef хранит снимок выбранного варианта в позиции заказа.
type VariantRef struct {
	Size  string `json:"size,omitempty"`
	Color string `json:"color,omitempty"`
	SKU   string `json:"sku"`
}

// OrderItem — неизменяемый снимок позиции на момент оформления.
type OrderItem struct {
	ProductID    string          `json:"product"`
	ProductName  string          `json:"productName"`
	ProductImage string          `json:"productImage,omitempty"`
	Variant      *VariantRef     `json:"variant,omitempty"`
	Quantity     int             `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Discount     decimal.Decimal `json:"discount"`
	Subtotal     decimal.Decimal `json:"subtotal"`
}

// SKU возвращает SKU варианта или пустую строку.
func (i OrderItem) SKU() string {
	if i.Variant == nil {
		return ""
	}
	return i.Variant.SKU
}

type Pricing struct {
	Subtotal        decimal.Decimal `json:"subtotal"`
	Discount        decimal.Decimal `json:"discount"`
	ShippingCharges decimal.Decimal `json:"shippingCharges"`
	Tax             decimal.Decimal `json:"tax"`
	Total           decimal.Decimal `json:"total"`
}

// Consistent проверяет total = subtotal + shipping + tax - discount.
func (p Pricing) Consistent() bool {
	return p.Total.Equal(p.Subtotal.Add(p.ShippingCharges).Add(p.Tax).Sub(p.Discount))
}

type AddressType string

const (
	AddressTypeHome  AddressType = "Home"
	AddressTypeWork  AddressType = "Work"
	AddressTypeOther AddressType = "Other"
)

// Valid проверяет тип адреса.
func (t AddressType) Valid() bool {
	return t == AddressTypeHome || t == AddressTypeWork || t == AddressTypeOther
}

type Address struct {
	FullName        string      `json:"fullName"`
	Mobile          string      `json:"mobile"`
	AlternateMobile string      `json:"alternateMobile,omitempty"`
	AddressLine1    string      `json:"addressLine1"`
	AddressLine2    string      `json:"addressLine2,omitempty"`
	Landmark        string      `json:"landmark,omitempty"`
	City            string      `json:"city"`
	State           string      `json:"state"`
	Pincode         string      `json:"pincode"`
	Country         string      `json:"country"`
	AddressType     AddressType `json:"addressType"`
}

// StatusEntry — запись журнала смены статусов.
type StatusEntry struct {
	ID        string      `json:"id"`
	Status    OrderStatus `json:"status"`
	Comment   string      `json:"comment,omitempty"`
	UpdatedBy string      `json:"updatedBy,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Shipping — данные доставки, заполняются по мере продвижения заказа.
type Shipping struct {
	Courier           string     `json:"courier,omitempty"`
	TrackingNumber    string     `json:"trackingNumber,omitempty"`
	TrackingURL       string     `json:"trackingUrl,omitempty"`
	ShippedAt         *time.Time `json:"shippedAt,omitempty"`
	EstimatedDelivery *time.Time `json:"estimatedDelivery,omitempty"`
	DeliveredAt       *time.Time `json:"deliveredAt,omitempty"`
}

// ShippingDetails: пустые поля не меняют сохранённые значения.
type ShippingDetails struct {
	Courier           string
	TrackingNumber    string
	TrackingURL       string
	EstimatedDelivery *time.Time
}

// Apply переносит непустые поля в Shipping.
func (d ShippingDetails) Apply(s Shipping) Shipping {
	if d.Courier != "" {
		s.Courier = d.Courier
	}
	if d.TrackingNumber != "" {
		s.TrackingNumber = d.TrackingNumber
	}
	if d.TrackingURL != "" {
		s.TrackingURL = d.TrackingURL
	}
	if d.EstimatedDelivery != nil {
		at := *d.EstimatedDelivery
		s.EstimatedDelivery = &at
	}
	return s
}

type Cancellation struct {
	Reason       string          `json:"reason"`
	CancelledBy  CancelledBy     `json:"cancelledBy"`
	CancelledAt  time.Time       `json:"cancelledAt"`
	RefundStatus RefundStatus    `json:"refundStatus,omitempty"`
	RefundAmount decimal.Decimal `json:"refundAmount"`
	RefundedAt   *time.Time      `json:"refundedAt,omitempty"`
}

// ReturnRequest — заявка на возврат товара.
type ReturnRequest struct {
	Reason       string          `json:"reason"`
	ReturnType   ReturnType      `json:"returnType"`
	Status       ReturnStatus    `json:"status"`
	RequestedAt  time.Time       `json:"requestedAt"`
	ApprovedAt   *time.Time      `json:"approvedAt,omitempty"`
	RefundAmount decimal.Decimal `json:"refundAmount"`
	AdminComment string          `json:"adminComment,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

type Coupon struct {
	Code           string          `json:"code,omitempty"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
}

// Order — агрегат заказа.
type Order struct {
	ID              string         `json:"id"`
	OrderNumber     string         `json:"orderNumber"`
	UserID          string         `json:"user"`
	Items           []OrderItem    `json:"items"`
	Pricing         Pricing        `json:"pricing"`
	ShippingAddress Address        `json:"shippingAddress"`
	BillingAddress  Address        `json:"billingAddress"`
	Payment         Payment        `json:"payment"`
	Status          OrderStatus    `json:"status"`
	StatusHistory   []StatusEntry  `json:"statusHistory"`
	Shipping        Shipping       `json:"shipping"`
	Cancellation    *Cancellation  `json:"cancellation,omitempty"`
	Return          *ReturnRequest `json:"return,omitempty"`
	Refund          *Refund        `json:"refund,omitempty"`
	Coupon          Coupon         `json:"coupon"`
	CustomerNotes   string         `json:"customerNotes,omitempty"`
	AdminNotes      string         `json:"adminNotes,omitempty"`
	Version         int64          `json:"version"`
	CreatedAt       time.Time      `json:"orderedAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// orderJSON повторяет Order без методов, чтобы не зациклить кодирование.
type orderJSON Order

// MarshalJSON пишет момент оформления под двумя ключами: orderedAt (имя
// витрины) и createdAt (имя, по которому сортируют и фильтруют список).
func (o Order) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		orderJSON
		CreatedAt time.Time `json:"createdAt"`
	}{orderJSON: orderJSON(o), CreatedAt: o.CreatedAt})
}

// UnmarshalJSON принимает любой из двух ключей, orderedAt приоритетнее.
func (o *Order) UnmarshalJSON(data []byte) error {
	var doc struct {
		orderJSON
		CreatedAt *time.Time `json:"createdAt"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	*o = Order(doc.orderJSON)
	if o.CreatedAt.IsZero() && doc.CreatedAt != nil {
		o.CreatedAt = *doc.CreatedAt
	}
	return nil
}

// StatusChange описывает контекст перехода статуса.
type StatusChange struct {
	Comment   string
	UpdatedBy string
	At        time.Time
	// EntryID новой записи журнала.
	EntryID  string
	Shipping *ShippingDetails
}

// TransitionTo переводит заказ в новый статус и дописывает журнал.
// При ошибке заказ не изменяется.
func (o *Order) TransitionTo(to OrderStatus, change StatusChange) error {
	if !o.Status.CanTransitionTo(to) {
		return &TransitionError{From: o.Status, To: to}
	}

	at := change.At.UTC()
	shipping := o.Shipping
	if change.Shipping != nil {
		shipping = change.Shipping.Apply(shipping)
	}

	switch to {
	case OrderStatusShipped:
		if shipping.Courier == "" || shipping.TrackingNumber == "" {
			verr := &ValidationError{}
			if shipping.Courier == "" {
				verr.Add("shippingDetails.courier", "courier is required for Shipped status")
			}
			if shipping.TrackingNumber == "" {
				verr.Add("shippingDetails.trackingNumber", "tracking number is required for Shipped status")
			}
			return verr
		}
		shipping.ShippedAt = &at
	case OrderStatusDelivered:
		shipping.DeliveredAt = &at
	}

	o.Shipping = shipping
	o.Status = to
	o.StatusHistory = append(o.StatusHistory, StatusEntry{
		ID:        change.EntryID,
		Status:    to,
		Comment:   change.Comment,
		UpdatedBy: change.UpdatedBy,
		Timestamp: at,
	})
	o.UpdatedAt = at
	return nil
}

// ReturnDeadline возвращает момент закрытия окна возврата.
func (o *Order) ReturnDeadline(window time.Duration) time.Time {
	from := o.CreatedAt
	if o.Shipping.DeliveredAt != nil {
		from = *o.Shipping.DeliveredAt
	}
	return from.Add(window)
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.UserID == "" {
		errs = append(errs, ErrUserRequired)
	}
	if o.OrderNumber == "" {
		errs = append(errs, ErrOrderNumberMissing)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	for _, item := range o.Items {
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.Price.IsNegative() {
			errs = append(errs, ErrItemPriceInvalid)
		}
	}

	p := o.Pricing
	if p.Subtotal.IsNegative() || p.Discount.IsNegative() || p.ShippingCharges.IsNegative() ||
		p.Tax.IsNegative() || p.Total.IsNegative() {
		errs = append(errs, ErrPricingNegative)
	}
	if !p.Consistent() {
		errs = append(errs, ErrPricingMismatch)
	}

	if n := len(o.StatusHistory); n == 0 || o.StatusHistory[n-1].Status != o.Status {
		errs = append(errs, ErrHistoryMismatch)
	}

	return errs
}

// Clone возвращает глубокую копию заказа.
func (o Order) Clone() Order {
	out := o
	out.Items = make([]OrderItem, len(o.Items))
	for i, item := range o.Items {
		if item.Variant != nil {
			v := *item.Variant
			item.Variant = &v
		}
		out.Items[i] = item
	}
	out.StatusHistory = append([]StatusEntry(nil), o.StatusHistory...)
	out.Payment.PaidAt = cloneTime(o.Payment.PaidAt)
	out.Shipping.ShippedAt = cloneTime(o.Shipping.ShippedAt)
	out.Shipping.EstimatedDelivery = cloneTime(o.Shipping.EstimatedDelivery)
	out.Shipping.DeliveredAt = cloneTime(o.Shipping.DeliveredAt)
	if o.Cancellation != nil {
		c := *o.Cancellation
		c.RefundedAt = cloneTime(c.RefundedAt)
		out.Cancellation = &c
	}
	if o.Return != nil {
		r := *o.Return
		r.ApprovedAt = cloneTime(r.ApprovedAt)
		out.Return = &r
	}
	if o.Refund != nil {
		r := *o.Refund
		r.RefundedAt = cloneTime(r.RefundedAt)
		out.Refund = &r
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
