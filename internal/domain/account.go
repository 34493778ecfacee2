package domain

import "time"

// ============================================================
// Accounts
// ============================================================

// AccountType classifies an account. Only credit accounts carry a limit and accrue interest.
type AccountType string

const (
	AccountChecking   AccountType = "checking"
	AccountSavings    AccountType = "savings"
	AccountCredit     AccountType = "credit"
	AccountCash       AccountType = "cash"
	AccountInvestment AccountType = "investment"
)

// Valid reports whether t is a known account type.
func (t AccountType) Valid() bool {
	switch t {
	case AccountChecking, AccountSavings, AccountCredit, AccountCash, AccountInvestment:
		return true
	}
	return false
}

// Account is a single ledger account. Balance is kept in minor units and is
// always the sum of the amounts of the transactions posted against it.
// A negative balance on a credit account is outstanding debt.
type Account struct {
	ID       string      `json:"id"`
	OwnerID  string      `json:"owner_id"`
	Name     string      `json:"name"`
	Type     AccountType `json:"type"`
	Currency string      `json:"currency"`
	Balance  int64       `json:"balance"`

	// Credit accounts only.
	CreditLimit         int64      `json:"credit_limit,omitempty"`
	InterestRateBps     int64      `json:"interest_rate_bps,omitempty"`
	BillingCycleDay     int        `json:"billing_cycle_day,omitempty"`
	LastInterestAccrual *time.Time `json:"last_interest_accrual,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// IsCredit reports whether the account is a credit account.
func (a *Account) IsCredit() bool {
	return a.Type == AccountCredit
}

// Debt returns the outstanding debt of the account (0 when the balance is not negative).
func (a *Account) Debt() int64 {
	if a.Balance >= 0 {
		return 0
	}
	return -a.Balance
}

// CreateAccountInput is the payload for opening a new account.
type CreateAccountInput struct {
	OwnerID         string
	Name            string
	Type            AccountType
	Currency        string
	OpeningBalance  int64
	OpeningDate     time.Time
	CreditLimit     int64
	InterestRateBps int64
	BillingCycleDay int
}

// ============================================================
// Transactions
// ============================================================

// Transaction categories written by the ledger itself.
const (
	CategoryOpeningBalance = "opening_balance"
	CategoryTransfer       = "transfer"
	CategoryInterest       = "interest"
)

// Transaction is a signed movement against a single account.
// Positive amounts credit the account, negative amounts debit it.
type Transaction struct {
	ID              string    `json:"id"`
	AccountID       string    `json:"account_id"`
	Amount          int64     `json:"amount"`
	Date            time.Time `json:"date"`
	Category        string    `json:"category,omitempty"`
	Description     string    `json:"description,omitempty"`
	TransferGroupID string    `json:"transfer_group_id,omitempty"`
	InterestAccrual bool      `json:"interest_accrual,omitempty"`
	AccrualPeriod   string    `json:"accrual_period,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// IsTransferLeg reports whether the transaction belongs to a transfer.
func (t *Transaction) IsTransferLeg() bool {
	return t.TransferGroupID != ""
}

// Protected reports whether the transaction may only be changed by the
// transfer engine or the interest engine.
func (t *Transaction) Protected() bool {
	return t.IsTransferLeg() || t.InterestAccrual
}

// CreateTransactionInput is the payload for recording an income or expense.
type CreateTransactionInput struct {
	AccountID   string
	Amount      int64
	Date        time.Time
	Category    string
	Description string
}

// TransactionUpdate carries the new values of an edited transaction.
// Nil fields keep their current value (PATCH); PUT callers set all of them.
// AccountID, when set, must match the owning account.
type TransactionUpdate struct {
	AccountID   string
	Amount      *int64
	Date        *time.Time
	Category    *string
	Description *string
}

// Reconciliation compares an account's stored balance with the sum of its transactions.
type Reconciliation struct {
	AccountID        string `json:"account_id"`
	Balance          int64  `json:"balance"`
	TransactionSum   int64  `json:"transaction_sum"`
	TransactionCount int    `json:"transaction_count"`
	Consistent       bool   `json:"consistent"`
}
