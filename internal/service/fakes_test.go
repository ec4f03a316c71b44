package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"agrifinance/internal/chain"
	"agrifinance/internal/events"
	"agrifinance/internal/model"
	"agrifinance/internal/repository"
	"agrifinance/pkg/amount"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	sellerAddr   = "0x1111111111111111111111111111111111111111"
	buyerAddr    = "0x2222222222222222222222222222222222222222"
	farmerAddr   = "0x3333333333333333333333333333333333333333"
	externalAddr = "0x9999999999999999999999999999999999999999"
	custodyAddr  = "0xCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCCC"
)

// ether returns n whole tokens in base units.
func ether(n int64) string {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)).String()
}

// --- transaction manager ---

type fakeTxManager struct{}

func (fakeTxManager) RunInTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	return fn(ctx)
}

// --- approvals ---

type fakeApprovalRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*model.ApprovalRequest
	seq  int
}

func newFakeApprovalRepo() *fakeApprovalRepo {
	return &fakeApprovalRepo{rows: map[uuid.UUID]*model.ApprovalRequest{}}
}

func (r *fakeApprovalRepo) Create(_ context.Context, req *model.ApprovalRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if req.ID == uuid.Nil {
		req.ID = uuid.New()
	}
	r.seq++
	req.CreatedAt = time.Date(2026, 1, 1, 0, 0, r.seq, 0, time.UTC)
	cp := *req
	r.rows[req.ID] = &cp
	return nil
}

func (r *fakeApprovalRepo) FindByID(_ context.Context, id uuid.UUID) (*model.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (r *fakeApprovalRepo) FindByIDWithRelations(ctx context.Context, id uuid.UUID) (*model.ApprovalRequest, error) {
	return r.FindByID(ctx, id)
}

func (r *fakeApprovalRepo) ListPending(_ context.Context) ([]model.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ApprovalRequest
	for _, row := range r.rows {
		if row.Status == model.ApprovalPending {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *fakeApprovalRepo) List(_ context.Context, status string, _, _ int) ([]model.ApprovalRequest, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ApprovalRequest
	for _, row := range r.rows {
		if status == "" || row.Status == status {
			out = append(out, *row)
		}
	}
	return out, int64(len(out)), nil
}

func (r *fakeApprovalRepo) ListByRequester(_ context.Context, userID uuid.UUID) ([]model.ApprovalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ApprovalRequest
	for _, row := range r.rows {
		if row.RequestedBy == userID {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (r *fakeApprovalRepo) CountByStatus(_ context.Context) (map[string]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[string]int64{}
	for _, row := range r.rows {
		counts[row.Status]++
	}
	return counts, nil
}

func (r *fakeApprovalRepo) Transition(_ context.Context, id uuid.UUID, from, to string, updates map[string]interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status != from {
		return false, nil
	}
	row.Status = to
	for k, v := range updates {
		switch k {
		case "reviewed_by":
			reviewer := v.(uuid.UUID)
			row.ReviewedBy = &reviewer
		case "reviewed_at":
			at := v.(time.Time)
			row.ReviewedAt = &at
		case "admin_notes":
			row.AdminNotes = v.(string)
		}
	}
	return true, nil
}

func (r *fakeApprovalRepo) ClaimExecution(_ context.Context, id uuid.UUID, now time.Time, leaseTTL time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status != model.ApprovalApproved || row.ChainTxHash != nil {
		return false, nil
	}
	if row.ExecutionStartedAt != nil && !row.ExecutionStartedAt.Before(now.Add(-leaseTTL)) {
		return false, nil
	}
	started := now
	row.ExecutionStartedAt = &started
	row.ExecutionAttempts++
	return true, nil
}

func (r *fakeApprovalRepo) ReleaseExecution(ctx context.Context, id uuid.UUID, execErr string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[id]; ok && row.Status == model.ApprovalApproved {
		row.ExecutionStartedAt = nil
		row.LastExecutionError = execErr
	}
	return nil
}

func (r *fakeApprovalRepo) MarkExecuted(_ context.Context, id uuid.UUID, txHash string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status != model.ApprovalApproved || row.ChainTxHash != nil {
		return false, nil
	}
	hash := txHash
	row.Status = model.ApprovalExecuted
	row.ChainTxHash = &hash
	row.ExecutedAt = &at
	row.ExecutionStartedAt = nil
	row.LastExecutionError = ""
	return true, nil
}

// --- audit ---

type fakeAuditRepo struct {
	mu      sync.Mutex
	entries []model.AuditLog
}

func (r *fakeAuditRepo) Log(ctx context.Context, entry *model.AuditLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.ID = uuid.New()
	entry.CreatedAt = time.Now()
	r.entries = append(r.entries, *entry)
	return nil
}

func (r *fakeAuditRepo) List(_ context.Context, action string, _, _ int) ([]model.AuditLog, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.AuditLog
	for _, e := range r.entries {
		if action == "" || e.Action == action {
			out = append(out, e)
		}
	}
	return out, int64(len(out)), nil
}

func (r *fakeAuditRepo) count(action string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.entries {
		if e.Action == action {
			n++
		}
	}
	return n
}

// --- chain transactions ---

type fakeChainTxRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*model.BlockchainTransaction
	seq  int
}

func newFakeChainTxRepo() *fakeChainTxRepo {
	return &fakeChainTxRepo{rows: map[uuid.UUID]*model.BlockchainTransaction{}}
}

func (r *fakeChainTxRepo) Create(_ context.Context, tx *model.BlockchainTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.TxHash == tx.TxHash {
			return errors.New("duplicate key value violates unique constraint")
		}
	}
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.Status == "" {
		tx.Status = model.ChainTxPending
	}
	r.seq++
	tx.CreatedAt = time.Date(2026, 1, 1, 0, 0, r.seq, 0, time.UTC)
	cp := *tx
	r.rows[tx.ID] = &cp
	return nil
}

func (r *fakeChainTxRepo) FindByHash(_ context.Context, hash string) (*model.BlockchainTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, row := range r.rows {
		if row.TxHash == hash {
			cp := *row
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeChainTxRepo) FindLatestBySource(_ context.Context, source, entityType, entityID string) (*model.BlockchainTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var latest *model.BlockchainTransaction
	for _, row := range r.rows {
		if row.Source == source && row.EntityType == entityType && row.EntityID == entityID {
			if latest == nil || row.CreatedAt.After(latest.CreatedAt) {
				latest = row
			}
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *fakeChainTxRepo) ListPending(_ context.Context, limit int) ([]model.BlockchainTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.BlockchainTransaction
	for _, row := range r.rows {
		if row.Status == model.ChainTxPending {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeChainTxRepo) List(_ context.Context, filter repository.ChainTxFilter) ([]model.BlockchainTransaction, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.BlockchainTransaction
	for _, row := range r.rows {
		if filter.UserID != nil && (row.UserID == nil || *row.UserID != *filter.UserID) {
			continue
		}
		if filter.Status != "" && row.Status != filter.Status {
			continue
		}
		out = append(out, *row)
	}
	return out, int64(len(out)), nil
}

func (r *fakeChainTxRepo) ApplyVerification(_ context.Context, id uuid.UUID, v repository.Verification) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status != model.ChainTxPending {
		return false, nil
	}
	at := v.VerifiedAt
	row.Status = v.Status
	row.BlockNumber = v.BlockNumber
	row.GasUsed = v.GasUsed
	row.VerifiedAt = &at
	row.LastError = ""
	return true, nil
}

func (r *fakeChainTxRepo) RecordError(_ context.Context, id uuid.UUID, msg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[id]; ok {
		row.LastError = msg
	}
	return nil
}

func (r *fakeChainTxRepo) byHash(hash string) model.BlockchainTransaction {
	rec, _ := r.FindByHash(context.Background(), hash)
	if rec == nil {
		return model.BlockchainTransaction{}
	}
	return *rec
}

// --- users ---

type fakeUserRepo struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*model.User
}

func newFakeUserRepo() *fakeUserRepo {
	return &fakeUserRepo{rows: map[uuid.UUID]*model.User{}}
}

func (r *fakeUserRepo) Create(_ context.Context, user *model.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	user.CreatedAt = time.Now()
	cp := *user
	r.rows[user.ID] = &cp
	return nil
}

func (r *fakeUserRepo) GetByID(_ context.Context, id uuid.UUID) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.rows[id]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, repository.ErrNotFound
}

func (r *fakeUserRepo) find(match func(*model.User) bool) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.rows {
		if match(u) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeUserRepo) GetByEmail(_ context.Context, email string) (*model.User, error) {
	return r.find(func(u *model.User) bool { return strings.EqualFold(u.Email, email) })
}

func (r *fakeUserRepo) GetByUsername(_ context.Context, username string) (*model.User, error) {
	return r.find(func(u *model.User) bool { return u.Username == username })
}

func (r *fakeUserRepo) GetByWalletAddress(_ context.Context, address string) (*model.User, error) {
	return r.find(func(u *model.User) bool { return u.WalletAddress != "" && strings.EqualFold(u.WalletAddress, address) })
}

func (r *fakeUserRepo) List(_ context.Context, role string, _, _ int) ([]model.User, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.User
	for _, u := range r.rows {
		if role == "" || u.Role == role {
			out = append(out, *u)
		}
	}
	return out, int64(len(out)), nil
}

// --- nfts ---

type fakeNFTRepo struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]*model.NFT
	users *fakeUserRepo
}

func newFakeNFTRepo(users *fakeUserRepo) *fakeNFTRepo {
	return &fakeNFTRepo{rows: map[uuid.UUID]*model.NFT{}, users: users}
}

// hydrate mirrors the Owner preload of the gorm repository.
func (r *fakeNFTRepo) hydrate(n model.NFT) model.NFT {
	if owner, err := r.users.GetByID(context.Background(), n.OwnerID); err == nil {
		n.Owner = owner
	}
	return n
}

func (r *fakeNFTRepo) Create(_ context.Context, nft *model.NFT) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if nft.ID == uuid.Nil {
		nft.ID = uuid.New()
	}
	nft.CreatedAt = time.Now()
	cp := *nft
	cp.Owner = nil
	r.rows[nft.ID] = &cp
	return nil
}

func (r *fakeNFTRepo) FindByID(_ context.Context, id uuid.UUID) (*model.NFT, error) {
	r.mu.Lock()
	row, ok := r.rows[id]
	var cp model.NFT
	if ok {
		cp = *row
	}
	r.mu.Unlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp = r.hydrate(cp)
	return &cp, nil
}

func (r *fakeNFTRepo) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*model.NFT, error) {
	return r.FindByID(ctx, id)
}

func (r *fakeNFTRepo) collect(match func(*model.NFT) bool) []model.NFT {
	r.mu.Lock()
	var out []model.NFT
	for _, n := range r.rows {
		if match(n) {
			out = append(out, *n)
		}
	}
	r.mu.Unlock()
	for i := range out {
		out[i] = r.hydrate(out[i])
	}
	return out
}

func (r *fakeNFTRepo) ListListed(_ context.Context, _, _ int) ([]model.NFT, int64, error) {
	out := r.collect(func(n *model.NFT) bool { return n.IsListed && n.IsApproved })
	return out, int64(len(out)), nil
}

func (r *fakeNFTRepo) ListByOwner(_ context.Context, ownerID uuid.UUID) ([]model.NFT, error) {
	return r.collect(func(n *model.NFT) bool { return n.OwnerID == ownerID }), nil
}

func (r *fakeNFTRepo) ListMinted(_ context.Context) ([]model.NFT, error) {
	return r.collect(func(n *model.NFT) bool { return n.IsApproved && n.TokenID != nil }), nil
}

func (r *fakeNFTRepo) NextTokenID(_ context.Context) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var max uint64
	for _, n := range r.rows {
		if n.TokenID != nil && *n.TokenID > max {
			max = *n.TokenID
		}
	}
	return max + 1, nil
}

func (r *fakeNFTRepo) Update(_ context.Context, id uuid.UUID, updates map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	for k, v := range updates {
		switch k {
		case "token_id":
			tokenID := v.(uint64)
			row.TokenID = &tokenID
		case "is_approved":
			row.IsApproved = v.(bool)
		case "is_listed":
			row.IsListed = v.(bool)
		case "price_wei":
			row.PriceWei = v.(string)
		case "owner_id":
			row.OwnerID = v.(uuid.UUID)
		case "mint_tx_hash":
			hash := v.(string)
			row.MintTxHash = &hash
		case "last_tx_hash":
			hash := v.(string)
			row.LastTxHash = &hash
		case "minted_at":
			at := v.(time.Time)
			row.MintedAt = &at
		default:
			return fmt.Errorf("unexpected nft column %q", k)
		}
	}
	return nil
}

func (r *fakeNFTRepo) TransferOwnership(_ context.Context, id, from, to uuid.UUID, txHash string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.OwnerID != from || !row.IsListed {
		return false, nil
	}
	hash := txHash
	row.OwnerID = to
	row.IsListed = false
	row.LastTxHash = &hash
	return true, nil
}

// --- wallets ---

type fakeWalletRepo struct {
	mu      sync.Mutex
	wallets map[uuid.UUID]*model.WalletAccount
	txs     map[uuid.UUID]*model.WalletTransaction
}

func newFakeWalletRepo() *fakeWalletRepo {
	return &fakeWalletRepo{
		wallets: map[uuid.UUID]*model.WalletAccount{},
		txs:     map[uuid.UUID]*model.WalletTransaction{},
	}
}

func (r *fakeWalletRepo) Create(_ context.Context, wallet *model.WalletAccount) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if wallet.ID == uuid.Nil {
		wallet.ID = uuid.New()
	}
	if wallet.BalanceWei == "" {
		wallet.BalanceWei = "0"
	}
	cp := *wallet
	r.wallets[wallet.ID] = &cp
	return nil
}

func (r *fakeWalletRepo) FindByUserID(_ context.Context, userID uuid.UUID) (*model.WalletAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.wallets {
		if w.UserID == userID {
			cp := *w
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeWalletRepo) FindByUserIDForUpdate(ctx context.Context, userID uuid.UUID) (*model.WalletAccount, error) {
	return r.FindByUserID(ctx, userID)
}

func (r *fakeWalletRepo) ListWithAddress(_ context.Context) ([]model.WalletAccount, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.WalletAccount
	for _, w := range r.wallets {
		if w.Address != "" {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (r *fakeWalletRepo) Debit(_ context.Context, walletID uuid.UUID, amountWei string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wallets[walletID]
	if !ok {
		return false, nil
	}
	next, err := amount.Subtract(w.BalanceWei, amountWei, true)
	if err != nil {
		return false, nil
	}
	w.BalanceWei = next
	return true, nil
}

func (r *fakeWalletRepo) Credit(_ context.Context, walletID uuid.UUID, amountWei string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.wallets[walletID]
	if !ok {
		return repository.ErrNotFound
	}
	next, err := amount.Add(w.BalanceWei, amountWei, true)
	if err != nil {
		return err
	}
	w.BalanceWei = next
	return nil
}

func (r *fakeWalletRepo) SetBalance(_ context.Context, walletID uuid.UUID, balanceWei string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.wallets[walletID]; ok {
		w.BalanceWei = balanceWei
	}
	return nil
}

func (r *fakeWalletRepo) CreateTransaction(_ context.Context, tx *model.WalletTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	tx.CreatedAt = time.Now()
	cp := *tx
	r.txs[tx.ID] = &cp
	return nil
}

func (r *fakeWalletRepo) FindTransaction(_ context.Context, id uuid.UUID) (*model.WalletTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tx, ok := r.txs[id]; ok {
		cp := *tx
		return &cp, nil
	}
	return nil, repository.ErrNotFound
}

func (r *fakeWalletRepo) FindHeldByRequest(_ context.Context, requestID uuid.UUID) (*model.WalletTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tx := range r.txs {
		if tx.Status == model.WalletTxHeld && tx.ApprovalRequestID != nil && *tx.ApprovalRequestID == requestID {
			cp := *tx
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *fakeWalletRepo) TransitionTransaction(_ context.Context, id uuid.UUID, from, to string, updates map[string]interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[id]
	if !ok || tx.Status != from {
		return false, nil
	}
	tx.Status = to
	for k, v := range updates {
		switch k {
		case "blockchain_tx_hash":
			hash := v.(string)
			tx.BlockchainTxHash = &hash
		case "approval_request_id":
			requestID := v.(uuid.UUID)
			tx.ApprovalRequestID = &requestID
		default:
			return false, fmt.Errorf("unexpected wallet transaction column %q", k)
		}
	}
	return true, nil
}

// byStatus returns the wallet transactions of userID in status.
func (r *fakeWalletRepo) byStatus(userID uuid.UUID, status string) []model.WalletTransaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.WalletTransaction
	for _, tx := range r.txs {
		if tx.UserID == userID && tx.Status == status {
			out = append(out, *tx)
		}
	}
	return out
}

func (r *fakeWalletRepo) ListTransactions(_ context.Context, userID uuid.UUID, _, _ int) ([]model.WalletTransaction, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.WalletTransaction
	for _, tx := range r.txs {
		if tx.UserID == userID {
			out = append(out, *tx)
		}
	}
	return out, int64(len(out)), nil
}

func (r *fakeWalletRepo) balance(userID uuid.UUID) string {
	w, err := r.FindByUserID(context.Background(), userID)
	if err != nil {
		return ""
	}
	return w.BalanceWei
}

// --- alerts ---

type fakeAlertRepo struct {
	mu     sync.Mutex
	alerts []model.ReconciliationAlert
}

func (r *fakeAlertRepo) Create(_ context.Context, alert *model.ReconciliationAlert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert.ID = uuid.New()
	alert.CreatedAt = time.Now()
	r.alerts = append(r.alerts, *alert)
	return nil
}

func (r *fakeAlertRepo) List(_ context.Context, alertType string, _, _ int) ([]model.ReconciliationAlert, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ReconciliationAlert
	for _, a := range r.alerts {
		if alertType == "" || a.Type == alertType {
			out = append(out, a)
		}
	}
	return out, int64(len(out)), nil
}

func (r *fakeAlertRepo) CountByTypeSince(_ context.Context, since time.Time) (map[string]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[string]int64{}
	for _, a := range r.alerts {
		if !a.CreatedAt.Before(since) {
			counts[a.Type]++
		}
	}
	return counts, nil
}

// --- chain ---

type fakeChain struct {
	mu      sync.Mutex
	enabled bool
	seq     int
	delay   time.Duration

	buyCalls      int
	mintCalls     int
	transferCalls int
	lastTokenID   *big.Int
	lastValue     *big.Int
	lastTo        string

	sendErr     error
	waitErr     error
	onSend      func()
	receipts    map[string]*chain.Receipt
	receiptErrs map[string]error
	balances    map[string]*big.Int
	balanceErrs map[string]error
	owners      map[uint64]string
}

func newFakeChain(enabled bool) *fakeChain {
	return &fakeChain{
		enabled:     enabled,
		receipts:    map[string]*chain.Receipt{},
		receiptErrs: map[string]error{},
		balances:    map[string]*big.Int{},
		balanceErrs: map[string]error{},
		owners:      map[uint64]string{},
	}
}

func (c *fakeChain) Enabled() bool            { return c.enabled }
func (c *fakeChain) CustodianAddress() string { return custodyAddr }

func (c *fakeChain) TransactionReceipt(_ context.Context, txHash string) (*chain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err, ok := c.receiptErrs[txHash]; ok {
		return nil, err
	}
	if r, ok := c.receipts[txHash]; ok {
		return r, nil
	}
	return nil, chain.ErrReceiptNotFound
}

func (c *fakeChain) WaitMined(_ context.Context, txHash string) (*chain.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.waitErr != nil {
		return nil, c.waitErr
	}
	if r, ok := c.receipts[txHash]; ok {
		return r, nil
	}
	return &chain.Receipt{TxHash: txHash, Success: true, BlockNumber: 1, GasUsed: 21000}, nil
}

func (c *fakeChain) send(tokenID, value *big.Int, to string, counter *int) (string, error) {
	if c.onSend != nil {
		c.onSend()
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	*counter++
	if c.sendErr != nil {
		return "", c.sendErr
	}
	c.seq++
	c.lastTokenID, c.lastValue, c.lastTo = tokenID, value, to
	return fmt.Sprintf("0x%064x", c.seq), nil
}

func (c *fakeChain) BuyToken(_ context.Context, tokenID, priceWei *big.Int) (string, error) {
	return c.send(tokenID, priceWei, "", &c.buyCalls)
}

func (c *fakeChain) MintNFT(_ context.Context, to string, tokenID *big.Int, _ string) (string, error) {
	return c.send(tokenID, nil, to, &c.mintCalls)
}

func (c *fakeChain) TransferToken(_ context.Context, to string, amountWei *big.Int) (string, error) {
	return c.send(nil, amountWei, to, &c.transferCalls)
}

func (c *fakeChain) TokenBalance(_ context.Context, owner string) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := strings.ToLower(owner)
	if err, ok := c.balanceErrs[key]; ok {
		return nil, err
	}
	if b, ok := c.balances[key]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (c *fakeChain) OwnerOf(_ context.Context, tokenID *big.Int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if owner, ok := c.owners[tokenID.Uint64()]; ok {
		return owner, nil
	}
	return "", errors.New("execution reverted: invalid token id")
}

func (c *fakeChain) calls() (buy, mint, transfer int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buyCalls, c.mintCalls, c.transferCalls
}

// --- events ---

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}

// --- harness ---

type harness struct {
	users     *fakeUserRepo
	approvals *fakeApprovalRepo
	audit     *fakeAuditRepo
	chainTxs  *fakeChainTxRepo
	nfts      *fakeNFTRepo
	wallets   *fakeWalletRepo
	alerts    *fakeAlertRepo
	chain     *fakeChain
	publisher *recordingPublisher

	approvalSvc ApprovalService
	nftSvc      NFTService
	walletSvc   WalletService
	syncSvc     SyncService
	reconcile   ReconciliationService

	admin Session
}

func newHarness(t *testing.T, chainEnabled, waitForReceipt bool) *harness {
	t.Helper()
	logger := zap.NewNop()
	users := newFakeUserRepo()

	h := &harness{
		users:     users,
		approvals: newFakeApprovalRepo(),
		audit:     &fakeAuditRepo{},
		chainTxs:  newFakeChainTxRepo(),
		nfts:      newFakeNFTRepo(users),
		wallets:   newFakeWalletRepo(),
		alerts:    &fakeAlertRepo{},
		chain:     newFakeChain(chainEnabled),
		publisher: &recordingPublisher{},
	}
	tx := fakeTxManager{}

	executor := NewExecutor(h.chain, h.chainTxs, h.nfts, h.wallets, tx, waitForReceipt, logger)
	h.approvalSvc = NewApprovalService(h.approvals, h.audit, tx, executor, h.publisher, time.Minute, logger)
	h.nftSvc = NewNFTService(h.nfts, h.wallets, h.users, h.audit, tx, h.approvalSvc, logger)
	h.walletSvc = NewWalletService(h.wallets, tx, h.approvalSvc, logger)
	h.syncSvc = NewSyncService(h.chain, h.chainTxs, h.audit, tx, h.publisher, 50, logger)
	h.reconcile = NewReconciliationService(h.chain, h.wallets, h.nfts, h.users, h.alerts, h.audit, tx, h.publisher, 100, logger)

	admin := h.addUser(t, model.RoleAdmin, "", "0")
	h.admin = Session{UserID: admin.ID, Role: model.RoleAdmin}
	return h
}

// addUser creates a user with a custodial wallet holding balanceWei.
func (h *harness) addUser(t *testing.T, role, address, balanceWei string) model.User {
	t.Helper()
	ctx := context.Background()
	u := &model.User{
		Username:      role + "-" + uuid.NewString()[:8],
		Email:         uuid.NewString()[:8] + "@example.com",
		Role:          role,
		WalletAddress: address,
	}
	if err := h.users.Create(ctx, u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := h.wallets.Create(ctx, &model.WalletAccount{UserID: u.ID, Address: address, WalletType: "custodial", BalanceWei: balanceWei}); err != nil {
		t.Fatalf("create wallet: %v", err)
	}
	return *u
}

// addListedNFT creates a minted NFT listed for sale by owner.
func (h *harness) addListedNFT(t *testing.T, owner model.User, tokenID uint64, priceWei string) model.NFT {
	t.Helper()
	id := tokenID
	n := &model.NFT{
		TokenID:    &id,
		Name:       fmt.Sprintf("Parcel #%d", tokenID),
		PriceWei:   priceWei,
		OwnerID:    owner.ID,
		IsListed:   true,
		IsApproved: true,
	}
	if err := h.nfts.Create(context.Background(), n); err != nil {
		t.Fatalf("create nft: %v", err)
	}
	return *n
}

func sessionOf(u model.User) Session {
	return Session{UserID: u.ID, Role: u.Role}
}
