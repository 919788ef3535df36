package model

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestOrderActive(t *testing.T) {
	tests := []struct {
		name      string
		status    string
		remaining int64
		want      bool
	}{
		{"pending with remaining", OrderStatusPending, 100, true},
		{"active with remaining", OrderStatusActive, 100, true},
		{"partial with remaining", OrderStatusPartial, 40, true},
		{"pending fully drained", OrderStatusPending, 0, false},
		{"filled", OrderStatusFilled, 0, false},
		{"cancelled with remaining", OrderStatusCancelled, 100, false},
		{"expired with remaining", OrderStatusExpired, 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := Order{
				Status:        tt.status,
				RemainingSize: decimal.NewFromInt(tt.remaining),
			}
			if got := o.Active(); got != tt.want {
				t.Errorf("Active() = %v, want %v", got, tt.want)
			}
		})
	}
}
