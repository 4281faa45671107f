package application

import (
	"encoding/json"

	"github.com/autosalon/purchase-system/orchestrator-service/domain"
	"github.com/autosalon/purchase-system/shared/contracts"
	"github.com/pkg/errors"
)

// forwardPayload builds the request payload for a step's forward operation
// from the order the saga coordinates.
func forwardPayload(saga *domain.Saga, stepName string) (json.RawMessage, error) {
	order := saga.Order

	var payload interface{}
	switch stepName {
	case contracts.StepPayment:
		payload = contracts.PaymentReservePayload{
			OrderID:     order.ID,
			ClientID:    order.ClientID,
			Amount:      order.TotalPrice,
			Method:      order.Details.PaymentMethod,
			Description: "vehicle purchase " + order.ID.String(),
		}
	case contracts.StepFinancing:
		loan, err := order.TotalPrice.Subtract(order.Details.DownPayment)
		if err != nil {
			return nil, errors.Wrap(err, "failed to compute loan amount")
		}
		payload = contracts.FinancingDecisionPayload{
			OrderID:      order.ID,
			ClientID:     order.ClientID,
			VehiclePrice: order.TotalPrice,
			DownPayment:  order.Details.DownPayment,
			LoanAmount:   loan,
			TermMonths:   order.Details.TermMonths,
		}
	case contracts.StepInsurance:
		payload = contracts.InsuranceBindPayload{
			OrderID:        order.ID,
			ClientID:       order.ClientID,
			InsuranceType:  order.Details.InsuranceType,
			CoverageAmount: order.TotalPrice,
			VehicleVIN:     order.Details.VehicleVIN,
		}
	default:
		return nil, errors.Errorf("unknown step %q", stepName)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal %s payload", stepName)
	}
	return raw, nil
}

// compensationPayload builds the request payload for a step's compensating
// operation.
func compensationPayload(saga *domain.Saga, stepName string) (json.RawMessage, error) {
	order := saga.Order
	reason := saga.FailureReason

	var payload interface{}
	switch stepName {
	case contracts.StepPayment:
		payload = contracts.PaymentRefundPayload{
			OrderID: order.ID,
			Amount:  order.TotalPrice,
			Reason:  reason,
		}
	case contracts.StepFinancing:
		payload = contracts.FinancingReleasePayload{
			OrderID: order.ID,
			Reason:  reason,
		}
	case contracts.StepInsurance:
		payload = contracts.InsuranceCancelPayload{
			OrderID: order.ID,
			Reason:  reason,
		}
	default:
		return nil, errors.Errorf("unknown step %q", stepName)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to marshal %s compensation payload", stepName)
	}
	return raw, nil
}
