package application

import (
	"encoding/json"
	"testing"

	"github.com/autosalon/purchase-system/orchestrator-service/domain"
	"github.com/autosalon/purchase-system/shared/contracts"
	"github.com/autosalon/purchase-system/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwardPayload_FinancingLoanAmount(t *testing.T) {
	t.Run("no down payment finances the full price", func(t *testing.T) {
		saga := runningSaga(t)

		raw, err := forwardPayload(saga, contracts.StepFinancing)
		require.NoError(t, err)

		var payload contracts.FinancingDecisionPayload
		require.NoError(t, json.Unmarshal(raw, &payload))
		assert.Equal(t, saga.Order.TotalPrice.Amount, payload.LoanAmount.Amount)
		assert.Equal(t, saga.Order.TotalPrice.Currency, payload.LoanAmount.Currency)
	})

	t.Run("down payment reduces the loan", func(t *testing.T) {
		order, err := domain.NewOrder("", models.GenerateUUID(), models.NewMoney(2_000_000_00, "RUB"), domain.PurchaseDetails{
			PaymentMethod: "credit",
			InsuranceType: "kasko",
			DownPayment:   models.NewMoney(500_000_00, "RUB"),
			TermMonths:    36,
		})
		require.NoError(t, err)
		saga, err := domain.NewSaga(order, domain.PurchaseStepNames())
		require.NoError(t, err)

		raw, err := forwardPayload(saga, contracts.StepFinancing)
		require.NoError(t, err)

		var payload contracts.FinancingDecisionPayload
		require.NoError(t, json.Unmarshal(raw, &payload))
		assert.Equal(t, order.TotalPrice.Amount-order.Details.DownPayment.Amount, payload.LoanAmount.Amount)
		assert.Equal(t, 36, payload.TermMonths)
	})
}
