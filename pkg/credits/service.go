package credits

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

// Service contains the paymaster ledger logic over a Store.
//
// Every mutating operation runs inside a single store transaction with the
// organization's account row locked for its duration; the account row is the
// per-organization serialization point. No lock is held across external calls:
// gas numbers and the oracle rate arrive as already-resolved inputs.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// TopUpResult reports the issue transaction and the balance after it.
type TopUpResult struct {
	Transaction     Transaction
	NewBalanceCents AmountCents
	Replayed        bool
}

// SettleResult reports the outcome of capturing a hold.
type SettleResult struct {
	OrgID           string
	TransactionID   string
	DebitedCents    AmountCents
	ActualCostCents AmountCents
	NewBalanceCents AmountCents
}

// TopUp credits an organization, creating its zero-balance account on first use.
// When provider and providerRef are both set and an issue transaction with that
// pair already exists, the existing transaction is returned unchanged; this is
// the provider-level dedupe for webhook redelivery, independent of the generic
// idempotency layer.
func (service *Service) TopUp(ctx context.Context, orgID OrgID, amount PositiveAmountCents, provider string, providerRef string, metadata MetadataJSON) (TopUpResult, error) {
	var result TopUpResult
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetOrCreateAccount(ctx, orgID)
		if err != nil {
			return err
		}
		if provider != "" && providerRef != "" {
			existing, found, err := transactionStore.FindTransactionByProviderRef(ctx, orgID, provider, providerRef)
			if err != nil {
				return err
			}
			if found {
				result = TopUpResult{Transaction: existing, NewBalanceCents: account.BalanceCents, Replayed: true}
				return nil
			}
		}
		nowUnixUTC := service.nowFn()
		newBalance, err := transactionStore.AddToBalance(ctx, orgID, amount.ToAmountCents(), nowUnixUTC)
		if err != nil {
			return err
		}
		transaction, err := transactionStore.InsertTransaction(ctx, Transaction{
			OrgID:          orgID.String(),
			Type:           TransactionIssue,
			AmountCents:    amount.ToAmountCents(),
			Provider:       provider,
			ProviderRef:    providerRef,
			Reason:         reasonTopUp,
			MetadataJSON:   metadata.String(),
			CreatedUnixUTC: nowUnixUTC,
		})
		if err != nil {
			return err
		}
		result = TopUpResult{Transaction: transaction, NewBalanceCents: newBalance}
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationTopUp,
		OrgID:     orgID,
		Amount:    amount.ToAmountCents(),
		RefID:     providerRef,
		Error:     operationError,
	})
	if operationError != nil {
		return TopUpResult{}, operationError
	}
	return result, nil
}

// Preauth reserves amount against the organization's available balance and
// records an active hold under approvalID. The reserved amount stays available
// to a later Settle or Release until the hold expires.
func (service *Service) Preauth(ctx context.Context, orgID OrgID, approvalID ApprovalID, amount PositiveAmountCents, expiresAtUnixUTC int64) (Hold, error) {
	var hold Hold
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		account, err := transactionStore.GetOrCreateAccount(ctx, orgID)
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		hold = Hold{
			ApprovalID:       approvalID.String(),
			OrgID:            orgID.String(),
			AmountCents:      amount,
			Status:           HoldStatusActive,
			ExpiresAtUnixUTC: expiresAtUnixUTC,
			CreatedUnixUTC:   nowUnixUTC,
		}
		// Insert before the balance check so a replayed approval id surfaces
		// as ErrDuplicateApproval even when the balance has since drained.
		if err := transactionStore.CreateHold(ctx, hold); err != nil {
			return err
		}
		if account.BalanceCents < amount.ToAmountCents() {
			return ErrInsufficientCredits
		}
		if _, err := transactionStore.AddToBalance(ctx, orgID, amount.Negated(), nowUnixUTC); err != nil {
			return err
		}
		_, err = transactionStore.InsertTransaction(ctx, Transaction{
			OrgID:          orgID.String(),
			Type:           TransactionHold,
			AmountCents:    amount.Negated(),
			Reason:         reasonPreauth,
			RefID:          approvalID.String(),
			CreatedUnixUTC: nowUnixUTC,
		})
		return err
	})
	approvalRef := approvalID
	service.logOperation(ctx, OperationLog{
		Operation:  operationPreauth,
		OrgID:      orgID,
		ApprovalID: &approvalRef,
		Amount:     amount.ToAmountCents(),
		Error:      operationError,
	})
	if operationError != nil {
		return Hold{}, operationError
	}
	return hold, nil
}

// Release cancels an active hold, crediting the reserved amount back to the
// available balance with a compensating hold transaction.
func (service *Service) Release(ctx context.Context, approvalID ApprovalID) error {
	var orgID OrgID
	var releasedAmount AmountCents
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		hold, err := transactionStore.GetHold(ctx, approvalID)
		if err != nil {
			return err
		}
		if hold.Status != HoldStatusActive {
			return ErrHoldInvalid
		}
		orgID, err = NewOrgID(hold.OrgID)
		if err != nil {
			return err
		}
		if _, err := transactionStore.GetOrCreateAccount(ctx, orgID); err != nil {
			return err
		}
		if err := transactionStore.UpdateHoldStatus(ctx, approvalID, HoldStatusActive, HoldStatusReleased); err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		releasedAmount = hold.AmountCents.ToAmountCents()
		if _, err := transactionStore.AddToBalance(ctx, orgID, releasedAmount, nowUnixUTC); err != nil {
			return err
		}
		_, err = transactionStore.InsertTransaction(ctx, Transaction{
			OrgID:          hold.OrgID,
			Type:           TransactionHold,
			AmountCents:    releasedAmount,
			Reason:         reasonRelease,
			RefID:          approvalID.String(),
			CreatedUnixUTC: nowUnixUTC,
		})
		return err
	})
	approvalRef := approvalID
	service.logOperation(ctx, OperationLog{
		Operation:  operationRelease,
		OrgID:      orgID,
		ApprovalID: &approvalRef,
		Amount:     releasedAmount,
		Error:      operationError,
	})
	return operationError
}

// Settle captures an active hold against the transaction's actual on-chain
// cost. The debit is capped at the hold amount, the unused remainder is
// credited back to the available balance atomically with the debit, and the
// hold transaction written at preauth time is reversed so that replaying the
// ledger reconstructs the balance exactly. Capturing is exactly-once: a second
// Settle for the same approval id fails with ErrHoldInvalid.
func (service *Service) Settle(ctx context.Context, approvalID ApprovalID, txRef string, gasUsed uint64, effectiveGasPriceWei *big.Int, oracleCentsPerEth int64) (SettleResult, error) {
	actualCost, err := SettlementCost(gasUsed, effectiveGasPriceWei, oracleCentsPerEth)
	if err != nil {
		return SettleResult{}, err
	}
	var result SettleResult
	var orgID OrgID
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		hold, err := transactionStore.GetHold(ctx, approvalID)
		if err != nil {
			return err
		}
		if hold.Status != HoldStatusActive {
			return ErrHoldInvalid
		}
		nowUnixUTC := service.nowFn()
		// The reclaimer may not have swept yet; a past expiry is terminal here
		// regardless of the nominal status.
		if hold.Expired(nowUnixUTC) {
			return ErrHoldExpired
		}
		orgID, err = NewOrgID(hold.OrgID)
		if err != nil {
			return err
		}
		if _, err := transactionStore.GetOrCreateAccount(ctx, orgID); err != nil {
			return err
		}
		if err := transactionStore.UpdateHoldStatus(ctx, approvalID, HoldStatusActive, HoldStatusCaptured); err != nil {
			return err
		}
		holdAmount := hold.AmountCents.ToAmountCents()
		debited := actualCost
		if debited > holdAmount {
			debited = holdAmount
		}
		if _, err := transactionStore.InsertTransaction(ctx, Transaction{
			OrgID:          hold.OrgID,
			Type:           TransactionHold,
			AmountCents:    holdAmount,
			Reason:         reasonCaptureReverse,
			RefID:          approvalID.String(),
			CreatedUnixUTC: nowUnixUTC,
		}); err != nil {
			return err
		}
		debitTransaction, err := transactionStore.InsertTransaction(ctx, Transaction{
			OrgID:          hold.OrgID,
			Type:           TransactionDebit,
			AmountCents:    -debited,
			Reason:         reasonSettlement,
			RefID:          txRef,
			CreatedUnixUTC: nowUnixUTC,
		})
		if err != nil {
			return err
		}
		newBalance, err := transactionStore.AddToBalance(ctx, orgID, holdAmount-debited, nowUnixUTC)
		if err != nil {
			return err
		}
		result = SettleResult{
			OrgID:           hold.OrgID,
			TransactionID:   debitTransaction.TransactionID,
			DebitedCents:    debited,
			ActualCostCents: actualCost,
			NewBalanceCents: newBalance,
		}
		return nil
	})
	approvalRef := approvalID
	service.logOperation(ctx, OperationLog{
		Operation:  operationSettle,
		OrgID:      orgID,
		ApprovalID: &approvalRef,
		Amount:     result.DebitedCents,
		RefID:      txRef,
		Error:      operationError,
	})
	if operationError != nil {
		return SettleResult{}, operationError
	}
	return result, nil
}

// Balance returns the available balance. Unknown organizations read as a
// zero-balance account; the row itself is only created by the first top-up.
func (service *Service) Balance(ctx context.Context, orgID OrgID) (Account, error) {
	account, err := service.store.GetAccount(ctx, orgID)
	if err == nil {
		return account, nil
	}
	if errors.Is(err, ErrAccountNotFound) {
		return Account{OrgID: orgID.String(), BalanceCents: 0, Currency: defaultCurrency}, nil
	}
	return Account{}, err
}

// History lists ledger transactions for an organization, newest first.
func (service *Service) History(ctx context.Context, orgID OrgID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	return service.store.ListTransactions(ctx, orgID, beforeUnixUTC, limit)
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
