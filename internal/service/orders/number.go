package orders

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// NewOrderNumber генерирует номер вида ORD + YY + MM + четыре случайные цифры.
func NewOrderNumber(at time.Time) string {
	return fmt.Sprintf("ORD%s%04d", at.UTC().Format("0601"), rand.IntN(10000))
}
