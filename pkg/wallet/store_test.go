package wallet

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// memoryStore is a serializing in-memory Store. WithTx holds one mutex for the
// whole callback and restores a snapshot when the callback fails.
type memoryStore struct {
	mutex *sync.Mutex
	state *memoryState
	inTx  bool
}

type memoryState struct {
	wallets      map[WalletID]Wallet
	transactions []Transaction
	sequence     int64
	failInsert   error
}

func newMemoryStore(test *testing.T) *memoryStore {
	test.Helper()
	return &memoryStore{
		mutex: &sync.Mutex{},
		state: &memoryState{wallets: make(map[WalletID]Wallet)},
	}
}

func (state *memoryState) clone() memoryState {
	wallets := make(map[WalletID]Wallet, len(state.wallets))
	for walletID, wallet := range state.wallets {
		wallets[walletID] = wallet
	}
	transactions := make([]Transaction, len(state.transactions))
	copy(transactions, state.transactions)
	return memoryState{
		wallets:      wallets,
		transactions: transactions,
		sequence:     state.sequence,
		failInsert:   state.failInsert,
	}
}

func (store *memoryStore) guard() func() {
	if store.inTx {
		return func() {}
	}
	store.mutex.Lock()
	return store.mutex.Unlock
}

func (store *memoryStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	if store.inTx {
		return fn(ctx, store)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	snapshot := store.state.clone()
	txStore := &memoryStore{mutex: store.mutex, state: store.state, inTx: true}
	if err := fn(ctx, txStore); err != nil {
		*store.state = snapshot
		return err
	}
	return nil
}

func (store *memoryStore) CreateWallet(_ context.Context, wallet Wallet) error {
	defer store.guard()()
	if _, exists := store.state.wallets[wallet.ID]; exists {
		return ErrWalletExists
	}
	store.state.wallets[wallet.ID] = wallet
	return nil
}

func (store *memoryStore) GetWallet(_ context.Context, walletID WalletID) (Wallet, error) {
	defer store.guard()()
	wallet, exists := store.state.wallets[walletID]
	if !exists {
		return Wallet{}, ErrUnknownWallet
	}
	return wallet, nil
}

func (store *memoryStore) LockWallet(ctx context.Context, walletID WalletID) (Wallet, error) {
	return store.GetWallet(ctx, walletID)
}

func (store *memoryStore) SaveWallet(_ context.Context, wallet Wallet) error {
	defer store.guard()()
	if _, exists := store.state.wallets[wallet.ID]; !exists {
		return ErrUnknownWallet
	}
	store.state.wallets[wallet.ID] = wallet
	return nil
}

func (store *memoryStore) ListWallets(_ context.Context, filter WalletFilter) ([]Wallet, error) {
	defer store.guard()()
	var wallets []Wallet
	for _, wallet := range store.state.wallets {
		if filter.Kind != "" && wallet.Kind != filter.Kind {
			continue
		}
		if filter.Status != "" && wallet.Status != filter.Status {
			continue
		}
		if !filter.ParentID.IsZero() && wallet.ParentID != filter.ParentID {
			continue
		}
		wallets = append(wallets, wallet)
	}
	sort.Slice(wallets, func(left, right int) bool {
		return wallets[left].ID.String() < wallets[right].ID.String()
	})
	return wallets, nil
}

func (store *memoryStore) ListChildWallets(ctx context.Context, parentID WalletID) ([]Wallet, error) {
	return store.ListWallets(ctx, WalletFilter{ParentID: parentID})
}

func (store *memoryStore) ListResetCandidates(_ context.Context, fromDay int, toDay int) ([]Wallet, error) {
	defer store.guard()()
	var wallets []Wallet
	for _, wallet := range store.state.wallets {
		if wallet.AutoReset && wallet.Status == StatusActive && wallet.ResetDay >= fromDay && wallet.ResetDay <= toDay {
			wallets = append(wallets, wallet)
		}
	}
	sort.Slice(wallets, func(left, right int) bool {
		return wallets[left].ID.String() < wallets[right].ID.String()
	})
	return wallets, nil
}

func (store *memoryStore) InsertTransaction(_ context.Context, transaction Transaction) (Transaction, error) {
	defer store.guard()()
	if store.state.failInsert != nil {
		return Transaction{}, store.state.failInsert
	}
	for _, existing := range store.state.transactions {
		if transaction.IdempotencyKey != "" && existing.IdempotencyKey == transaction.IdempotencyKey {
			return Transaction{}, ErrDuplicateIdempotencyKey
		}
		if transaction.ReservationID != "" && existing.ReservationID == transaction.ReservationID {
			return Transaction{}, ErrReservationClosed
		}
	}
	store.state.sequence++
	transaction.Sequence = store.state.sequence
	store.state.transactions = append(store.state.transactions, transaction)
	return transaction, nil
}

func (store *memoryStore) GetTransaction(_ context.Context, transactionID TransactionID) (Transaction, error) {
	defer store.guard()()
	for _, transaction := range store.state.transactions {
		if transaction.ID == transactionID {
			return transaction, nil
		}
	}
	return Transaction{}, ErrUnknownTransaction
}

func (store *memoryStore) FindTransactionByIdempotencyKey(_ context.Context, key IdempotencyKey) (Transaction, bool, error) {
	defer store.guard()()
	for _, transaction := range store.state.transactions {
		if transaction.IdempotencyKey == key.String() {
			return transaction, true, nil
		}
	}
	return Transaction{}, false, nil
}

func (store *memoryStore) FindReservationClosure(_ context.Context, reservationID TransactionID) (Transaction, bool, error) {
	defer store.guard()()
	for _, transaction := range store.state.transactions {
		if transaction.ReservationID == reservationID.String() {
			return transaction, true, nil
		}
	}
	return Transaction{}, false, nil
}

func (store *memoryStore) ListTransactions(_ context.Context, walletID WalletID, filter TransactionFilter) ([]Transaction, error) {
	defer store.guard()()
	var transactions []Transaction
	for _, transaction := range store.state.transactions {
		if transaction.WalletID != walletID || !matchesTypes(transaction.Type, filter.Types) {
			continue
		}
		if !filter.From.IsZero() && transaction.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !transaction.CreatedAt.Before(filter.To) {
			continue
		}
		if filter.AfterSequence > 0 && transaction.Sequence <= filter.AfterSequence {
			continue
		}
		transactions = append(transactions, transaction)
		if filter.Limit > 0 && len(transactions) == filter.Limit {
			break
		}
	}
	return transactions, nil
}

func (store *memoryStore) ListExpiredReservations(_ context.Context, expiredAt time.Time, limit int) ([]Transaction, error) {
	defer store.guard()()
	closed := make(map[string]struct{})
	for _, transaction := range store.state.transactions {
		if transaction.ReservationID != "" {
			closed[transaction.ReservationID] = struct{}{}
		}
	}
	var expired []Transaction
	for _, transaction := range store.state.transactions {
		if transaction.Type != TransactionReservation || transaction.ExpiresAt == nil || transaction.ExpiresAt.After(expiredAt) {
			continue
		}
		if _, done := closed[transaction.ID.String()]; done {
			continue
		}
		expired = append(expired, transaction)
		if limit > 0 && len(expired) == limit {
			break
		}
	}
	return expired, nil
}

func (store *memoryStore) ListTransactionsBetween(_ context.Context, from time.Time, to time.Time, types []TransactionType) ([]Transaction, error) {
	defer store.guard()()
	var transactions []Transaction
	for _, transaction := range store.state.transactions {
		if !matchesTypes(transaction.Type, types) {
			continue
		}
		if transaction.CreatedAt.Before(from) || !transaction.CreatedAt.Before(to) {
			continue
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func matchesTypes(transactionType TransactionType, types []TransactionType) bool {
	if len(types) == 0 {
		return true
	}
	for _, candidate := range types {
		if candidate == transactionType {
			return true
		}
	}
	return false
}

func (store *memoryStore) mustWallet(test *testing.T, walletID WalletID) Wallet {
	test.Helper()
	wallet, err := store.GetWallet(context.Background(), walletID)
	if err != nil {
		test.Fatalf("get wallet %s: %v", walletID.String(), err)
	}
	return wallet
}

func (store *memoryStore) transactionCount() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.state.transactions)
}

// failingStore fails every call with err.
type failingStore struct {
	err error
}

func (store failingStore) WithTx(context.Context, func(context.Context, Store) error) error {
	return store.err
}
func (store failingStore) CreateWallet(context.Context, Wallet) error { return store.err }
func (store failingStore) GetWallet(context.Context, WalletID) (Wallet, error) {
	return Wallet{}, store.err
}
func (store failingStore) LockWallet(context.Context, WalletID) (Wallet, error) {
	return Wallet{}, store.err
}
func (store failingStore) SaveWallet(context.Context, Wallet) error { return store.err }
func (store failingStore) ListWallets(context.Context, WalletFilter) ([]Wallet, error) {
	return nil, store.err
}
func (store failingStore) ListChildWallets(context.Context, WalletID) ([]Wallet, error) {
	return nil, store.err
}
func (store failingStore) ListResetCandidates(context.Context, int, int) ([]Wallet, error) {
	return nil, store.err
}
func (store failingStore) InsertTransaction(context.Context, Transaction) (Transaction, error) {
	return Transaction{}, store.err
}
func (store failingStore) GetTransaction(context.Context, TransactionID) (Transaction, error) {
	return Transaction{}, store.err
}
func (store failingStore) FindTransactionByIdempotencyKey(context.Context, IdempotencyKey) (Transaction, bool, error) {
	return Transaction{}, false, store.err
}
func (store failingStore) FindReservationClosure(context.Context, TransactionID) (Transaction, bool, error) {
	return Transaction{}, false, store.err
}
func (store failingStore) ListTransactions(context.Context, WalletID, TransactionFilter) ([]Transaction, error) {
	return nil, store.err
}
func (store failingStore) ListExpiredReservations(context.Context, time.Time, int) ([]Transaction, error) {
	return nil, store.err
}
func (store failingStore) ListTransactionsBetween(context.Context, time.Time, time.Time, []TransactionType) ([]Transaction, error) {
	return nil, store.err
}

// testClock is a settable clock shared by a test.
type testClock struct {
	mutex sync.Mutex
	now   time.Time
}

func newTestClock(now time.Time) *testClock {
	return &testClock{now: now}
}

func (clock *testClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.now
}

func (clock *testClock) Set(now time.Time) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = now
}

func (clock *testClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.now = clock.now.Add(duration)
}

var baseTime = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func mustNewService(test *testing.T, store Store, clock *testClock, options ...ServiceOption) *Service {
	test.Helper()
	service, err := NewService(store, clock.Now, options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustDecimal(test *testing.T, raw string) decimal.Decimal {
	test.Helper()
	value, err := decimal.NewFromString(raw)
	if err != nil {
		test.Fatalf("decimal %q: %v", raw, err)
	}
	return value
}

func mustWalletID(test *testing.T, raw string) WalletID {
	test.Helper()
	walletID, err := NewWalletID(raw)
	if err != nil {
		test.Fatalf("wallet id %q: %v", raw, err)
	}
	return walletID
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	key, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key %q: %v", raw, err)
	}
	return key
}

func mustRequestID(test *testing.T, raw string) RequestID {
	test.Helper()
	requestID, err := NewRequestID(raw)
	if err != nil {
		test.Fatalf("request id %q: %v", raw, err)
	}
	return requestID
}

func mustCreateWallet(test *testing.T, service *Service, spec WalletSpec) Wallet {
	test.Helper()
	if spec.Kind == "" {
		spec.Kind = KindUser
	}
	wallet, err := service.CreateWallet(context.Background(), spec)
	if err != nil {
		test.Fatalf("create wallet %s: %v", spec.ID, err)
	}
	return wallet
}

func mustDeduct(test *testing.T, service *Service, walletID WalletID, amount string) Receipt {
	test.Helper()
	receipt, err := service.Deduct(context.Background(), DeductRequest{WalletID: walletID, Amount: mustDecimal(test, amount)})
	if err != nil {
		test.Fatalf("deduct %s from %s: %v", amount, walletID.String(), err)
	}
	return receipt
}

func mustReserve(test *testing.T, service *Service, walletID WalletID, amount string) Receipt {
	test.Helper()
	receipt, err := service.Reserve(context.Background(), ReserveRequest{WalletID: walletID, Amount: mustDecimal(test, amount)})
	if err != nil {
		test.Fatalf("reserve %s on %s: %v", amount, walletID.String(), err)
	}
	return receipt
}

func assertBalances(test *testing.T, wallet Wallet, used string, reserved string) {
	test.Helper()
	if !wallet.Used.Equal(mustDecimal(test, used)) {
		test.Fatalf("expected used %s, got %s", used, wallet.Used.String())
	}
	if !wallet.Reserved.Equal(mustDecimal(test, reserved)) {
		test.Fatalf("expected reserved %s, got %s", reserved, wallet.Reserved.String())
	}
}

func assertReplayMatches(test *testing.T, service *Service, walletID WalletID) {
	test.Helper()
	result, err := service.Verify(context.Background(), walletID)
	if err != nil {
		test.Fatalf("verify %s: %v", walletID.String(), err)
	}
	if !result.Consistent {
		test.Fatalf("replay mismatch for %s: stored %+v replayed %+v", walletID.String(), result.Stored, result.Replayed)
	}
}

var errStoreUnavailable = errors.New("store unavailable")
