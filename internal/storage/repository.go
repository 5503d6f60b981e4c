package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"bilancio/internal/core"
)

// SQLiteRepository is the ledger store. Every multi-row unit of work the
// engine needs (transaction insert + cursor advance, transaction insert +
// goal update, decision flip + monetary mutation) is exposed as a single
// method that runs in one database transaction.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// SQLite allows a single writer; funnel everything through one
	// connection so concurrent callers queue instead of hitting SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// Run migrations
	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

// Ping reports whether the database is reachable, for readiness checks.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func (r *SQLiteRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			slog.ErrorContext(ctx, "Rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func parseAmountColumn(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse stored amount %q: %w", s, err)
	}
	return d, nil
}

func parseDateColumn(s string) (core.Date, error) {
	d, err := core.ParseDate(s)
	if err != nil {
		return core.Date{}, fmt.Errorf("parse stored date %q: %w", s, err)
	}
	return d, nil
}

// ----- users -----

func (r *SQLiteRepository) CreateUser(ctx context.Context, u core.User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, display_name) VALUES (?, ?)`,
		u.ID, u.DisplayName)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ----- incomes -----

func (r *SQLiteRepository) CreateIncome(ctx context.Context, in core.Income) (int64, error) {
	var paymentDate sql.NullString
	if !in.PaymentDate.IsEmpty() {
		paymentDate = sql.NullString{String: in.PaymentDate.ISO(), Valid: true}
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO incomes (user_id, source_name, amount, frequency, is_recurring, payment_date)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		in.UserID, in.SourceName, core.FormatAmount(in.Amount), string(in.Frequency), in.IsRecurring, paymentDate)
	if err != nil {
		return 0, fmt.Errorf("create income: %w", err)
	}
	return res.LastInsertId()
}

func (r *SQLiteRepository) ListIncomes(ctx context.Context, userID string) ([]core.Income, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, source_name, amount, frequency, is_recurring, payment_date
		 FROM incomes WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list incomes: %w", err)
	}
	defer rows.Close()

	var incomes []core.Income
	for rows.Next() {
		var (
			in          core.Income
			amount      string
			frequency   string
			paymentDate sql.NullString
		)
		if err := rows.Scan(&in.ID, &in.UserID, &in.SourceName, &amount, &frequency, &in.IsRecurring, &paymentDate); err != nil {
			return nil, fmt.Errorf("scan income: %w", err)
		}
		if in.Amount, err = parseAmountColumn(amount); err != nil {
			return nil, err
		}
		in.Frequency = core.Frequency(frequency)
		if paymentDate.Valid {
			if in.PaymentDate, err = parseDateColumn(paymentDate.String); err != nil {
				return nil, err
			}
		}
		incomes = append(incomes, in)
	}
	return incomes, rows.Err()
}

// ----- subscriptions -----

func (r *SQLiteRepository) CreateSubscription(ctx context.Context, s core.Subscription) (int64, error) {
	var (
		amount   sql.NullString
		loan     sql.NullString
		months   sql.NullInt64
		category sql.NullInt64
	)
	if s.Amount.IsPositive() {
		amount = sql.NullString{String: core.FormatAmount(s.Amount), Valid: true}
	}
	if s.TotalLoanAmount.IsPositive() {
		loan = sql.NullString{String: core.FormatAmount(s.TotalLoanAmount), Valid: true}
	}
	if s.PayoffPeriodMonths > 0 {
		months = sql.NullInt64{Int64: s.PayoffPeriodMonths, Valid: true}
	}
	if s.CategoryID > 0 {
		category = sql.NullInt64{Int64: s.CategoryID, Valid: true}
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO subscriptions
		 (user_id, name, payment_type, amount, total_loan_amount, payoff_period_months, next_due_date, billing_cycle, category_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.UserID, s.Name, string(s.PaymentType), amount, loan, months, s.NextDueDate.ISO(), string(s.BillingCycle), category)
	if err != nil {
		return 0, fmt.Errorf("create subscription: %w", err)
	}
	return res.LastInsertId()
}

const subscriptionColumns = `id, user_id, name, payment_type, amount, total_loan_amount, payoff_period_months, next_due_date, billing_cycle, category_id`

func scanSubscription(scan func(dest ...any) error) (core.Subscription, error) {
	var (
		s        core.Subscription
		amount   sql.NullString
		loan     sql.NullString
		months   sql.NullInt64
		category sql.NullInt64
		dueDate  string
	)
	err := scan(&s.ID, &s.UserID, &s.Name, (*string)(&s.PaymentType), &amount, &loan, &months, &dueDate, (*string)(&s.BillingCycle), &category)
	if err != nil {
		return s, fmt.Errorf("scan subscription: %w", err)
	}
	if amount.Valid {
		if s.Amount, err = parseAmountColumn(amount.String); err != nil {
			return s, err
		}
	}
	if loan.Valid {
		if s.TotalLoanAmount, err = parseAmountColumn(loan.String); err != nil {
			return s, err
		}
	}
	s.PayoffPeriodMonths = months.Int64
	s.CategoryID = category.Int64
	if s.NextDueDate, err = parseDateColumn(dueDate); err != nil {
		return s, err
	}
	return s, nil
}

func (r *SQLiteRepository) GetSubscription(ctx context.Context, id int64) (*core.Subscription, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = ?`, id)
	s, err := scanSubscription(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

// ListDueSubscriptions returns every subscription whose next_due_date is on
// or before asOf, across all users.
func (r *SQLiteRepository) ListDueSubscriptions(ctx context.Context, asOf core.Date) ([]core.Subscription, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE next_due_date <= ? ORDER BY id`,
		asOf.ISO())
	if err != nil {
		return nil, fmt.Errorf("list due subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []core.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows.Scan)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// ----- goals -----

func (r *SQLiteRepository) CreateGoal(ctx context.Context, g core.Goal) (int64, error) {
	var targetDate sql.NullString
	if !g.TargetDate.IsEmpty() {
		targetDate = sql.NullString{String: g.TargetDate.ISO(), Valid: true}
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO goals (user_id, goal_name, target_amount, current_amount, is_completed, target_date)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		g.UserID, g.GoalName, core.FormatAmount(g.TargetAmount), core.FormatAmount(g.CurrentAmount), g.IsCompleted, targetDate)
	if err != nil {
		return 0, fmt.Errorf("create goal: %w", err)
	}
	return res.LastInsertId()
}

// GetGoal fetches a goal scoped to its owner; a goal belonging to another
// user is reported as not found.
func (r *SQLiteRepository) GetGoal(ctx context.Context, userID string, id int64) (*core.Goal, error) {
	var (
		g          core.Goal
		target     string
		current    string
		targetDate sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, goal_name, target_amount, current_amount, is_completed, target_date
		 FROM goals WHERE id = ? AND user_id = ?`, id, userID).
		Scan(&g.ID, &g.UserID, &g.GoalName, &target, &current, &g.IsCompleted, &targetDate)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("get goal: %w", err)
	}
	if g.TargetAmount, err = parseAmountColumn(target); err != nil {
		return nil, err
	}
	if g.CurrentAmount, err = parseAmountColumn(current); err != nil {
		return nil, err
	}
	if targetDate.Valid {
		if g.TargetDate, err = parseDateColumn(targetDate.String); err != nil {
			return nil, err
		}
	}
	return &g, nil
}

func updateGoalTx(ctx context.Context, tx *sql.Tx, g *core.Goal) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE goals SET current_amount = ?, is_completed = ? WHERE id = ? AND user_id = ?`,
		core.FormatAmount(g.CurrentAmount), g.IsCompleted, g.ID, g.UserID)
	if err != nil {
		return fmt.Errorf("update goal: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update goal rows affected: %w", err)
	}
	if n == 0 {
		return core.ErrNotFound
	}
	return nil
}

// ----- goal schedules -----

func (r *SQLiteRepository) CreateGoalSchedule(ctx context.Context, gs core.GoalSchedule) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO goal_schedules (user_id, goal_id, amount, day_of_month) VALUES (?, ?, ?, ?)`,
		gs.UserID, gs.GoalID, core.FormatAmount(gs.Amount), gs.DayOfMonth)
	if err != nil {
		return 0, fmt.Errorf("create goal schedule: %w", err)
	}
	return res.LastInsertId()
}

// ListDueGoalSchedules returns schedules whose day-of-month matches asOf and
// that have not already posted on asOf (the last_posted cursor guards
// same-day re-runs).
func (r *SQLiteRepository) ListDueGoalSchedules(ctx context.Context, asOf core.Date) ([]core.GoalSchedule, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, goal_id, amount, day_of_month, last_posted
		 FROM goal_schedules
		 WHERE day_of_month = ? AND (last_posted IS NULL OR last_posted < ?)
		 ORDER BY id`,
		asOf.Day(), asOf.ISO())
	if err != nil {
		return nil, fmt.Errorf("list due goal schedules: %w", err)
	}
	defer rows.Close()

	var schedules []core.GoalSchedule
	for rows.Next() {
		var (
			gs         core.GoalSchedule
			amount     string
			lastPosted sql.NullString
		)
		if err := rows.Scan(&gs.ID, &gs.UserID, &gs.GoalID, &amount, &gs.DayOfMonth, &lastPosted); err != nil {
			return nil, fmt.Errorf("scan goal schedule: %w", err)
		}
		if gs.Amount, err = parseAmountColumn(amount); err != nil {
			return nil, err
		}
		if lastPosted.Valid {
			if gs.LastPosted, err = parseDateColumn(lastPosted.String); err != nil {
				return nil, err
			}
		}
		schedules = append(schedules, gs)
	}
	return schedules, rows.Err()
}

// ----- transactions -----

func insertTransactionTx(ctx context.Context, tx *sql.Tx, t core.Transaction) (int64, error) {
	var category sql.NullInt64
	if t.CategoryID > 0 {
		category = sql.NullInt64{Int64: t.CategoryID, Valid: true}
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO transactions (user_id, name, amount, date, category_id, type, note)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.UserID, t.Name, core.FormatAmount(t.Amount), t.Date.ISO(), category, string(t.Type), t.Note)
	if err != nil {
		return 0, fmt.Errorf("insert transaction: %w", err)
	}
	return res.LastInsertId()
}

func (r *SQLiteRepository) CreateTransaction(ctx context.Context, t core.Transaction) (int64, error) {
	var id int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = insertTransactionTx(ctx, tx, t)
		return err
	})
	return id, err
}

func (r *SQLiteRepository) ListTransactionsInRange(ctx context.Context, userID string, from, to core.Date) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, name, amount, date, category_id, type, note
		 FROM transactions WHERE user_id = ? AND date >= ? AND date <= ? ORDER BY date, id`,
		userID, from.ISO(), to.ISO())
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txns []core.Transaction
	for rows.Next() {
		var (
			t        core.Transaction
			amount   string
			date     string
			category sql.NullInt64
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Name, &amount, &date, &category, (*string)(&t.Type), &t.Note); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		if t.Amount, err = parseAmountColumn(amount); err != nil {
			return nil, err
		}
		if t.Date, err = parseDateColumn(date); err != nil {
			return nil, err
		}
		t.CategoryID = category.Int64
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func advanceSubscriptionTx(ctx context.Context, tx *sql.Tx, subscriptionID int64, prevDue, nextDue core.Date) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE subscriptions SET next_due_date = ? WHERE id = ? AND next_due_date = ?`,
		nextDue.ISO(), subscriptionID, prevDue.ISO())
	if err != nil {
		return fmt.Errorf("advance subscription cursor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("advance subscription rows affected: %w", err)
	}
	if n == 0 {
		// Cursor already moved: an overlapping run handled this occurrence.
		return core.ErrAlreadyPosted
	}
	return nil
}

// PostSubscriptionCharge writes the ledger transaction for a due
// subscription and advances its next_due_date in the same database
// transaction. The advance is conditional on the cursor still being at
// prevDue, so an overlapping run observes ErrAlreadyPosted instead of
// double-posting.
func (r *SQLiteRepository) PostSubscriptionCharge(ctx context.Context, t core.Transaction, subscriptionID int64, prevDue, nextDue core.Date) (int64, error) {
	var id int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if err := advanceSubscriptionTx(ctx, tx, subscriptionID, prevDue, nextDue); err != nil {
			return err
		}
		var err error
		id, err = insertTransactionTx(ctx, tx, t)
		return err
	})
	return id, err
}

// PostGoalContribution writes the contribution transaction, applies the goal
// balance/completion update, and advances the schedule's last_posted cursor,
// all in one database transaction. The cursor advance is conditional so an
// overlapping run observes ErrAlreadyPosted instead of contributing twice.
// scheduleID may be 0 for contributions not driven by a schedule.
func (r *SQLiteRepository) PostGoalContribution(ctx context.Context, t core.Transaction, g *core.Goal, scheduleID int64, postedOn core.Date) (int64, error) {
	var id int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if scheduleID > 0 {
			res, err := tx.ExecContext(ctx,
				`UPDATE goal_schedules SET last_posted = ?
				 WHERE id = ? AND (last_posted IS NULL OR last_posted < ?)`,
				postedOn.ISO(), scheduleID, postedOn.ISO())
			if err != nil {
				return fmt.Errorf("advance goal schedule cursor: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("advance goal schedule rows affected: %w", err)
			}
			if n == 0 {
				return core.ErrAlreadyPosted
			}
		}
		var err error
		if id, err = insertTransactionTx(ctx, tx, t); err != nil {
			return err
		}
		return updateGoalTx(ctx, tx, g)
	})
	return id, err
}

// ----- pending actions -----

func encodePayload(a core.PendingAction) (string, error) {
	switch a.Kind {
	case core.KindVariableBill:
		if a.VariableBill == nil {
			return "", fmt.Errorf("pending action kind %s without payload", a.Kind)
		}
		b, err := json.Marshal(a.VariableBill)
		if err != nil {
			return "", fmt.Errorf("marshal payload: %w", err)
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("unknown pending action kind: %s", a.Kind)
	}
}

func decodePayload(a *core.PendingAction, payload string) error {
	switch a.Kind {
	case core.KindVariableBill:
		var p core.VariableBillPayload
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			return fmt.Errorf("unmarshal payload: %w", err)
		}
		a.VariableBill = &p
		return nil
	default:
		return fmt.Errorf("unknown pending action kind: %s", a.Kind)
	}
}

// HasUnresolvedVariableBill reports whether an unresolved variable-bill
// action already exists for this subscription and due occurrence. Guards
// duplicate creation under duplicate due-date scans.
func (r *SQLiteRepository) HasUnresolvedVariableBill(ctx context.Context, subscriptionID int64, dueDate core.Date) (bool, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM pending_actions
		 WHERE kind = ? AND resolved = 0 AND due_date = ?
		   AND json_extract(payload, '$.subscription_id') = ?`,
		string(core.KindVariableBill), dueDate.ISO(), subscriptionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check unresolved variable bill: %w", err)
	}
	return n > 0, nil
}

// CreateVariableBillAction records the pending action and advances the
// subscription's next_due_date in the same database transaction. The cursor
// advance regardless of payment type is what keeps a due subscription from
// being scanned again tomorrow.
func (r *SQLiteRepository) CreateVariableBillAction(ctx context.Context, a core.PendingAction, prevDue, nextDue core.Date) (int64, error) {
	payload, err := encodePayload(a)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		if err := advanceSubscriptionTx(ctx, tx, a.VariableBill.SubscriptionID, prevDue, nextDue); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO pending_actions (user_id, kind, payload, due_date, resolved) VALUES (?, ?, ?, ?, 0)`,
			a.UserID, string(a.Kind), payload, a.DueDate.ISO())
		if err != nil {
			return fmt.Errorf("create pending action: %w", err)
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, err
	}
	slog.InfoContext(ctx, "Pending action created",
		"id", id,
		"user_id", a.UserID,
		"kind", a.Kind,
		"subscription_id", a.VariableBill.SubscriptionID)
	return id, nil
}

func (r *SQLiteRepository) GetPendingAction(ctx context.Context, userID string, id int64) (*core.PendingAction, error) {
	var (
		a       core.PendingAction
		payload string
		dueDate string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, kind, payload, due_date, resolved FROM pending_actions WHERE id = ? AND user_id = ?`,
		id, userID).
		Scan(&a.ID, &a.UserID, (*string)(&a.Kind), &payload, &dueDate, &a.Resolved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("get pending action: %w", err)
	}
	if a.DueDate, err = parseDateColumn(dueDate); err != nil {
		return nil, err
	}
	if err := decodePayload(&a, payload); err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *SQLiteRepository) ListUnresolvedPendingActions(ctx context.Context, userID string) ([]core.PendingAction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, kind, payload, due_date, resolved
		 FROM pending_actions WHERE user_id = ? AND resolved = 0 ORDER BY due_date, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list pending actions: %w", err)
	}
	defer rows.Close()

	var actions []core.PendingAction
	for rows.Next() {
		var (
			a       core.PendingAction
			payload string
			dueDate string
		)
		if err := rows.Scan(&a.ID, &a.UserID, (*string)(&a.Kind), &payload, &dueDate, &a.Resolved); err != nil {
			return nil, fmt.Errorf("scan pending action: %w", err)
		}
		if a.DueDate, err = parseDateColumn(dueDate); err != nil {
			return nil, err
		}
		if err := decodePayload(&a, payload); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// ResolvePendingAction flips the action to resolved and posts the
// user-supplied transaction in one database transaction. The resolved = 0
// guard makes a repeated completion observe ErrAlreadyResolved instead of
// posting twice.
func (r *SQLiteRepository) ResolvePendingAction(ctx context.Context, actionID int64, t core.Transaction) (int64, error) {
	var id int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE pending_actions SET resolved = 1 WHERE id = ? AND resolved = 0`, actionID)
		if err != nil {
			return fmt.Errorf("resolve pending action: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("resolve pending action rows affected: %w", err)
		}
		if n == 0 {
			return core.ErrAlreadyResolved
		}
		id, err = insertTransactionTx(ctx, tx, t)
		return err
	})
	return id, err
}

// ----- reconciliation decisions -----

// DecisionExists reports whether a reconciliation decision already exists
// for (user, month). Cheap pre-check; the schema UNIQUE constraint remains
// the authoritative guard.
func (r *SQLiteRepository) DecisionExists(ctx context.Context, userID string, monthStart core.Date) (bool, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM reconciliation_decisions WHERE user_id = ? AND month_start = ?`,
		userID, monthStart.ISO()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check decision exists: %w", err)
	}
	return n > 0, nil
}

// CreateReconciliationDecision inserts the pending decision. Returns
// created = false when a row for (user, month) already exists; concurrent
// duplicate triggers race on the UNIQUE constraint and exactly one wins.
func (r *SQLiteRepository) CreateReconciliationDecision(ctx context.Context, d core.ReconciliationDecision) (int64, bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO reconciliation_decisions (user_id, month_start, surplus_amount, processed) VALUES (?, ?, ?, 0)`,
		d.UserID, d.MonthStart.ISO(), core.FormatAmount(d.SurplusAmount))
	if err != nil {
		if isUniqueViolation(err) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("create reconciliation decision: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, false, err
	}
	slog.InfoContext(ctx, "Reconciliation decision created",
		"id", id,
		"user_id", d.UserID,
		"month_start", d.MonthStart.ISO(),
		"surplus", core.FormatAmount(d.SurplusAmount))
	return id, true, nil
}

func (r *SQLiteRepository) GetDecision(ctx context.Context, userID string, id int64) (*core.ReconciliationDecision, error) {
	var (
		d          core.ReconciliationDecision
		monthStart string
		surplus    string
		decision   sql.NullString
		targetGoal sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, month_start, surplus_amount, decision, target_goal_id, processed
		 FROM reconciliation_decisions WHERE id = ? AND user_id = ?`, id, userID).
		Scan(&d.ID, &d.UserID, &monthStart, &surplus, &decision, &targetGoal, &d.Processed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("get decision: %w", err)
	}
	if d.MonthStart, err = parseDateColumn(monthStart); err != nil {
		return nil, err
	}
	if d.SurplusAmount, err = parseAmountColumn(surplus); err != nil {
		return nil, err
	}
	d.Decision = core.Decision(decision.String)
	d.TargetGoalID = targetGoal.Int64
	return &d, nil
}

func (r *SQLiteRepository) ListPendingDecisions(ctx context.Context, userID string) ([]core.ReconciliationDecision, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, month_start, surplus_amount, decision, target_goal_id, processed
		 FROM reconciliation_decisions WHERE user_id = ? AND processed = 0 ORDER BY month_start`, userID)
	if err != nil {
		return nil, fmt.Errorf("list pending decisions: %w", err)
	}
	defer rows.Close()

	var decisions []core.ReconciliationDecision
	for rows.Next() {
		var (
			d          core.ReconciliationDecision
			monthStart string
			surplus    string
			decision   sql.NullString
			targetGoal sql.NullInt64
		)
		if err := rows.Scan(&d.ID, &d.UserID, &monthStart, &surplus, &decision, &targetGoal, &d.Processed); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		if d.MonthStart, err = parseDateColumn(monthStart); err != nil {
			return nil, err
		}
		if d.SurplusAmount, err = parseAmountColumn(surplus); err != nil {
			return nil, err
		}
		d.Decision = core.Decision(decision.String)
		d.TargetGoalID = targetGoal.Int64
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

// markDecisionProcessedTx is the optimistic lock shared by both decision
// branches: of two concurrent appliers, exactly one flips processed and the
// other sees ErrAlreadyProcessed.
func markDecisionProcessedTx(ctx context.Context, tx *sql.Tx, decisionID int64, decision core.Decision, targetGoalID int64) error {
	var target sql.NullInt64
	if targetGoalID > 0 {
		target = sql.NullInt64{Int64: targetGoalID, Valid: true}
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE reconciliation_decisions SET decision = ?, target_goal_id = ?, processed = 1
		 WHERE id = ? AND processed = 0`,
		string(decision), target, decisionID)
	if err != nil {
		return fmt.Errorf("mark decision processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark decision rows affected: %w", err)
	}
	if n == 0 {
		return core.ErrAlreadyProcessed
	}
	return nil
}

// ApplyRolloverDecision upserts the current month's rollover (a repeated
// rollover for the same month replaces the amount, never accumulates) and
// marks the decision processed, atomically.
func (r *SQLiteRepository) ApplyRolloverDecision(ctx context.Context, decisionID int64, ro core.Rollover) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := markDecisionProcessedTx(ctx, tx, decisionID, core.DecisionRollover, 0); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO rollovers (user_id, month_start, amount) VALUES (?, ?, ?)
			 ON CONFLICT (user_id, month_start) DO UPDATE SET amount = excluded.amount`,
			ro.UserID, ro.MonthStart.ISO(), core.FormatAmount(ro.Amount))
		if err != nil {
			return fmt.Errorf("upsert rollover: %w", err)
		}
		return nil
	})
}

// ApplyGoalContributionDecision posts the surplus contribution transaction,
// updates the goal, and marks the decision processed, atomically.
func (r *SQLiteRepository) ApplyGoalContributionDecision(ctx context.Context, decisionID int64, t core.Transaction, g *core.Goal) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if err := markDecisionProcessedTx(ctx, tx, decisionID, core.DecisionGoalContribution, g.ID); err != nil {
			return err
		}
		if _, err := insertTransactionTx(ctx, tx, t); err != nil {
			return err
		}
		return updateGoalTx(ctx, tx, g)
	})
}

func (r *SQLiteRepository) GetRollover(ctx context.Context, userID string, monthStart core.Date) (*core.Rollover, error) {
	var (
		ro     core.Rollover
		month  string
		amount string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, month_start, amount FROM rollovers WHERE user_id = ? AND month_start = ?`,
		userID, monthStart.ISO()).
		Scan(&ro.ID, &ro.UserID, &month, &amount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("get rollover: %w", err)
	}
	if ro.MonthStart, err = parseDateColumn(month); err != nil {
		return nil, err
	}
	if ro.Amount, err = parseAmountColumn(amount); err != nil {
		return nil, err
	}
	return &ro, nil
}
