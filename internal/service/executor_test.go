package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"agrifinance/internal/chain"
	"agrifinance/internal/model"

	"github.com/google/uuid"
)

func withdrawalPayloadOf(t *testing.T, resp *ApprovalRequestResponse) WithdrawalPayload {
	t.Helper()
	var p WithdrawalPayload
	if err := json.Unmarshal(resp.Payload, &p); err != nil {
		t.Fatalf("withdrawal payload: %v", err)
	}
	return p
}

func TestGenericRequestRejectsPurchaseAndWithdrawal(t *testing.T) {
	f := newPurchaseFixture(t, false)
	h := f.h
	ctx := context.Background()

	tests := []struct {
		name    string
		payload Payload
	}{
		{"withdrawal", &WithdrawalPayload{WalletTxID: uuid.NewString(), ToAddress: externalAddr, Amount: "50"}},
		{"purchase", &NFTPurchasePayload{NFTID: f.nft.ID.String(), TokenID: 42, Price: "0.0001", SellerID: f.seller.ID.String()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.approvalSvc.RequestApproval(ctx, sessionOf(f.buyer), tt.payload); !errors.Is(err, ErrValidation) {
				t.Fatalf("RequestApproval() error = %v, want ErrValidation", err)
			}
		})
	}
	if pending, _ := h.approvalSvc.ListPending(ctx); len(pending) != 0 {
		t.Errorf("stored %d requests, want 0", len(pending))
	}
}

func TestWithdrawalMustMatchItsWalletTransaction(t *testing.T) {
	tests := []struct {
		name  string
		forge func(owner, other model.User, p WithdrawalPayload) (Session, *WithdrawalPayload)
	}{
		{"larger amount", func(owner, _ model.User, p WithdrawalPayload) (Session, *WithdrawalPayload) {
			p.Amount = "50"
			return sessionOf(owner), &p
		}},
		{"other destination", func(owner, _ model.User, p WithdrawalPayload) (Session, *WithdrawalPayload) {
			p.ToAddress = sellerAddr
			return sessionOf(owner), &p
		}},
		{"someone else's wallet transaction", func(_, other model.User, p WithdrawalPayload) (Session, *WithdrawalPayload) {
			p.ToAddress = farmerAddr
			return sessionOf(other), &p
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true, false)
			owner := h.addUser(t, model.RoleLender, buyerAddr, ether(100))
			other := h.addUser(t, model.RoleLender, farmerAddr, ether(100))
			ctx := context.Background()

			resp, err := h.walletSvc.RequestWithdrawal(ctx, sessionOf(owner), WithdrawalRequest{ToAddress: externalAddr, Amount: "1"})
			if err != nil {
				t.Fatalf("RequestWithdrawal() error = %v", err)
			}
			genuine := withdrawalPayloadOf(t, resp)

			// Submit is the path services use; it does not cross-check rows itself.
			session, forged := tt.forge(owner, other, genuine)
			req, err := h.approvalSvc.Submit(ctx, session, forged)
			if err != nil {
				t.Fatalf("Submit() error = %v", err)
			}

			_, err = h.approvalSvc.Approve(ctx, h.admin, req.ID, "")
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("Approve() error = %v, want ErrValidation", err)
			}
			if _, _, transfer := h.chain.calls(); transfer != 0 {
				t.Errorf("TransferToken calls = %d, want 0", transfer)
			}
			for _, u := range []model.User{owner, other} {
				if got := h.wallets.balance(u.ID); got != ether(100) {
					t.Errorf("balance of %s = %s, want %s", u.Username, got, ether(100))
				}
			}
			walletTx, _ := h.wallets.FindTransaction(ctx, uuid.MustParse(genuine.WalletTxID))
			if walletTx.Status != model.WalletTxPending {
				t.Errorf("wallet transaction = %s, want pending", walletTx.Status)
			}

			stored, _ := h.approvals.FindByID(ctx, req.ID)
			if stored.Status != model.ApprovalApproved || stored.ExecutionStartedAt != nil {
				t.Errorf("forged request = %s lease=%v, want approved with lease released", stored.Status, stored.ExecutionStartedAt)
			}

			// The genuine request still executes the stored amount.
			result, err := h.approvalSvc.Approve(ctx, h.admin, uuid.MustParse(resp.ID), "")
			if err != nil {
				t.Fatalf("Approve() genuine error = %v", err)
			}
			if h.chain.lastValue.String() != ether(1) || h.chain.lastTo != externalAddr {
				t.Errorf("transfer = %s to %s, want %s to %s", h.chain.lastValue, h.chain.lastTo, ether(1), externalAddr)
			}
			if got := h.wallets.balance(owner.ID); got != ether(99) {
				t.Errorf("owner balance = %s, want %s", got, ether(99))
			}
			if result.Request.Status != model.ApprovalExecuted {
				t.Errorf("genuine request = %s, want executed", result.Request.Status)
			}
		})
	}
}

func TestPurchaseRefusesPriceOtherThanListed(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, f *purchaseFixture) uuid.UUID
	}{
		{"price raised after request", func(t *testing.T, f *purchaseFixture) uuid.UUID {
			id := f.request(t)
			if _, err := f.h.nftSvc.SetPrice(context.Background(), sessionOf(f.seller), f.nft.ID, SetPriceRequest{Price: "190", Listed: true}); err != nil {
				t.Fatalf("SetPrice() error = %v", err)
			}
			return id
		}},
		{"payload below listed price", func(t *testing.T, f *purchaseFixture) uuid.UUID {
			req, err := f.h.approvalSvc.Submit(context.Background(), sessionOf(f.buyer), &NFTPurchasePayload{
				NFTID:    f.nft.ID.String(),
				TokenID:  42,
				Price:    "0.0001",
				SellerID: f.seller.ID.String(),
			})
			if err != nil {
				t.Fatalf("Submit() error = %v", err)
			}
			return req.ID
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPurchaseFixture(t, false)
			h := f.h
			ctx := context.Background()
			id := tt.setup(t, f)

			if _, err := h.approvalSvc.Approve(ctx, h.admin, id, ""); !errors.Is(err, ErrValidation) {
				t.Fatalf("Approve() error = %v, want ErrValidation", err)
			}
			if buy, _, _ := h.chain.calls(); buy != 0 {
				t.Errorf("BuyToken calls = %d, want 0", buy)
			}
			nft, _ := h.nfts.FindByID(ctx, f.nft.ID)
			if nft.OwnerID != f.seller.ID {
				t.Errorf("nft owner moved to %s", nft.OwnerID)
			}
			if got := h.wallets.balance(f.buyer.ID); got != ether(200) {
				t.Errorf("buyer balance = %s, want %s", got, ether(200))
			}
			if got := h.wallets.balance(f.seller.ID); got != "0" {
				t.Errorf("seller balance = %s, want 0", got)
			}
			if held := h.wallets.byStatus(f.buyer.ID, model.WalletTxHeld); len(held) != 0 {
				t.Errorf("held lines = %d, want 0", len(held))
			}
		})
	}
}

func TestExecutionIgnoresClientRecordedHash(t *testing.T) {
	h := newHarness(t, true, false)
	user := h.addUser(t, model.RoleLender, buyerAddr, ether(100))
	ctx := context.Background()

	resp, err := h.walletSvc.RequestWithdrawal(ctx, sessionOf(user), WithdrawalRequest{ToAddress: externalAddr, Amount: "10"})
	if err != nil {
		t.Fatalf("RequestWithdrawal() error = %v", err)
	}

	if _, err := h.syncSvc.RecordTransaction(ctx, sessionOf(user), RecordTransactionRequest{
		TxHash: hashOf(77), Direction: model.DirectionOut, Amount: "10",
		EntityType: model.EntityApprovalRequest, EntityID: resp.ID,
	}); !errors.Is(err, ErrValidation) {
		t.Fatalf("RecordTransaction() linked to the request error = %v, want ErrValidation", err)
	}

	// Even a confirmed record that names the request is not an executor broadcast.
	_ = h.chainTxs.Create(ctx, &model.BlockchainTransaction{
		TxHash: hashOf(78), Direction: model.DirectionOut, AmountWei: ether(10), Status: model.ChainTxConfirmed,
		EntityType: model.EntityApprovalRequest, EntityID: resp.ID, Source: model.ChainTxSourceClient,
	})
	h.chain.receipts[hashOf(78)] = &chain.Receipt{TxHash: hashOf(78), Success: true, BlockNumber: 5, GasUsed: 1}

	result, err := h.approvalSvc.Approve(ctx, h.admin, uuid.MustParse(resp.ID), "")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if result.TxHash == hashOf(78) {
		t.Fatalf("execution reused the client hash %s", result.TxHash)
	}
	if _, _, transfer := h.chain.calls(); transfer != 1 {
		t.Errorf("TransferToken calls = %d, want 1", transfer)
	}
	if got := h.wallets.balance(user.ID); got != ether(90) {
		t.Errorf("balance = %s, want %s", got, ether(90))
	}
	if rec := h.chainTxs.byHash(result.TxHash); rec.Source != model.ChainTxSourceExecutor {
		t.Errorf("executor record source = %q, want %q", rec.Source, model.ChainTxSourceExecutor)
	}
}

func TestConcurrentApprovalsCannotOverdraw(t *testing.T) {
	h := newHarness(t, true, false)
	user := h.addUser(t, model.RoleLender, buyerAddr, ether(100))
	h.chain.delay = 20 * time.Millisecond
	ctx := context.Background()

	ids := make([]uuid.UUID, 2)
	for i := range ids {
		resp, err := h.walletSvc.RequestWithdrawal(ctx, sessionOf(user), WithdrawalRequest{ToAddress: externalAddr, Amount: "100"})
		if err != nil {
			t.Fatalf("RequestWithdrawal() error = %v", err)
		}
		ids[i] = uuid.MustParse(resp.ID)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			_, errs[i] = h.approvalSvc.Approve(ctx, h.admin, id, "")
		}(i, id)
	}
	wg.Wait()

	var succeeded, refused int
	var loser uuid.UUID
	for i, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrValidation):
			refused++
			loser = ids[i]
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || refused != 1 {
		t.Fatalf("succeeded=%d refused=%d, want 1 and 1", succeeded, refused)
	}
	if _, _, transfer := h.chain.calls(); transfer != 1 {
		t.Fatalf("TransferToken calls = %d, want 1", transfer)
	}
	if got := h.wallets.balance(user.ID); got != "0" {
		t.Errorf("balance = %s, want 0", got)
	}

	stored, _ := h.approvals.FindByID(ctx, loser)
	if stored.Status != model.ApprovalApproved || stored.ExecutionStartedAt != nil {
		t.Fatalf("refused request = %s lease=%v, want approved with lease released", stored.Status, stored.ExecutionStartedAt)
	}
	if pending := h.wallets.byStatus(user.ID, model.WalletTxPending); len(pending) != 1 {
		t.Errorf("pending wallet transactions = %d, want the refused one", len(pending))
	}

	// Once funded again the refused request goes through on retry.
	wallet, _ := h.wallets.FindByUserID(ctx, user.ID)
	if err := h.wallets.Credit(ctx, wallet.ID, ether(100)); err != nil {
		t.Fatalf("Credit() error = %v", err)
	}
	if _, err := h.approvalSvc.RetryExecution(ctx, h.admin, loser); err != nil {
		t.Fatalf("RetryExecution() error = %v", err)
	}
	if _, _, transfer := h.chain.calls(); transfer != 2 {
		t.Errorf("TransferToken calls = %d, want 2", transfer)
	}
	if got := h.wallets.balance(user.ID); got != "0" {
		t.Errorf("balance after retry = %s, want 0", got)
	}
}

func TestRevertedTransferReleasesHeldFunds(t *testing.T) {
	h := newHarness(t, true, true)
	user := h.addUser(t, model.RoleLender, buyerAddr, ether(100))
	ctx := context.Background()

	resp, err := h.walletSvc.RequestWithdrawal(ctx, sessionOf(user), WithdrawalRequest{ToAddress: externalAddr, Amount: "40"})
	if err != nil {
		t.Fatalf("RequestWithdrawal() error = %v", err)
	}
	first := fmt.Sprintf("0x%064x", 1)
	h.chain.receipts[first] = &chain.Receipt{TxHash: first, Success: false, BlockNumber: 4, GasUsed: 90000}

	if _, err := h.approvalSvc.Approve(ctx, h.admin, uuid.MustParse(resp.ID), ""); !errors.Is(err, ErrExecution) {
		t.Fatalf("Approve() error = %v, want ErrExecution", err)
	}
	if got := h.wallets.balance(user.ID); got != ether(100) {
		t.Errorf("balance after revert = %s, want %s", got, ether(100))
	}
	if rec := h.chainTxs.byHash(first); rec.Status != model.ChainTxFailed {
		t.Errorf("reverted record = %s, want failed", rec.Status)
	}

	result, err := h.approvalSvc.RetryExecution(ctx, h.admin, uuid.MustParse(resp.ID))
	if err != nil {
		t.Fatalf("RetryExecution() error = %v", err)
	}
	if result.TxHash == first {
		t.Errorf("retry reused the reverted hash")
	}
	if got := h.wallets.balance(user.ID); got != ether(60) {
		t.Errorf("balance after retry = %s, want %s", got, ether(60))
	}
}

func TestCancelledCallerStillReleasesLease(t *testing.T) {
	f := newPurchaseFixture(t, false)
	h := f.h
	id := f.request(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.chain.onSend = cancel
	h.chain.sendErr = errors.New("connection reset by peer")

	if _, err := h.approvalSvc.Approve(ctx, h.admin, id, ""); !errors.Is(err, ErrExecution) {
		t.Fatalf("Approve() error = %v, want ErrExecution", err)
	}

	stored, _ := h.approvals.FindByID(context.Background(), id)
	if stored.ExecutionStartedAt != nil {
		t.Fatal("execution lease is still held after the caller went away")
	}
	if h.audit.count(model.ActionExecutionFailed) != 1 {
		t.Errorf("EXECUTION_FAILED audit rows = %d, want 1", h.audit.count(model.ActionExecutionFailed))
	}
	if got := h.wallets.balance(f.buyer.ID); got != ether(200) {
		t.Errorf("buyer balance = %s, want held funds returned", got)
	}

	h.chain.onSend = nil
	h.chain.sendErr = nil
	if _, err := h.approvalSvc.RetryExecution(context.Background(), h.admin, id); err != nil {
		t.Fatalf("RetryExecution() error = %v", err)
	}
}

func TestCancelledCallerStillSettlesBroadcast(t *testing.T) {
	f := newPurchaseFixture(t, true)
	h := f.h
	id := f.request(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.chain.onSend = cancel

	result, err := h.approvalSvc.Approve(ctx, h.admin, id, "")
	if err != nil {
		t.Fatalf("Approve() error = %v", err)
	}
	if result.Request.Status != model.ApprovalExecuted {
		t.Fatalf("status = %s, want executed", result.Request.Status)
	}
	if h.audit.count(model.ActionExecuteRequest) != 1 {
		t.Errorf("EXECUTE_REQUEST audit rows = %d, want 1", h.audit.count(model.ActionExecuteRequest))
	}
	if got := h.wallets.balance(f.seller.ID); got != "150500000000000000000" {
		t.Errorf("seller balance = %s, want 150500000000000000000", got)
	}
}

func TestSettlementFailureAfterBroadcastIsExecutionError(t *testing.T) {
	f := newPurchaseFixture(t, false)
	h := f.h
	ctx := context.Background()
	id := f.request(t)

	// The listing disappears while the purchase is in flight.
	h.chain.onSend = func() {
		_ = h.nfts.Update(ctx, f.nft.ID, map[string]interface{}{"is_listed": false})
	}

	_, err := h.approvalSvc.Approve(ctx, h.admin, id, "")
	if !errors.Is(err, ErrExecution) {
		t.Fatalf("Approve() error = %v, want ErrExecution", err)
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Approve() error = %v, must not read as a client error", err)
	}

	stored, _ := h.approvals.FindByID(ctx, id)
	if stored.Status != model.ApprovalApproved || stored.ExecutionStartedAt != nil {
		t.Errorf("request = %s lease=%v, want approved with lease released", stored.Status, stored.ExecutionStartedAt)
	}
	// The chain took the payment, so the buyer's funds stay held.
	if held := h.wallets.byStatus(f.buyer.ID, model.WalletTxHeld); len(held) != 1 || held[0].AmountWei != "150500000000000000000" {
		t.Errorf("held lines = %+v, want the purchase price", held)
	}
	if got := h.wallets.balance(f.buyer.ID); got != "49500000000000000000" {
		t.Errorf("buyer balance = %s, want 49500000000000000000", got)
	}
}
