package wallet

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pokercore/tablecore/internal/kvstore"
	"github.com/pokercore/tablecore/internal/metrics"
	"github.com/pokercore/tablecore/internal/pokerlog"
)

// DLQ is the pluggable sink for refunds that could not be applied to the
// ledger, matching the optional dlq_handler constructor argument of
// wallet_service.py. KVDLQ is the built-in adapter backed by the KV
// store's lpush primitive; tests may substitute any implementation.
type DLQ interface {
	Push(ctx context.Context, entry DLQEntry) error
}

// DLQEntry is the record pushed onto the dead-letter list, field-for-field
// matching wallet_service.py's _send_to_dlq payload.
type DLQEntry struct {
	ReservationID string `json:"reservation_id"`
	UserID        int64  `json:"user_id"`
	ChatID        int64  `json:"chat_id"`
	Amount        int64  `json:"amount"`
	Error         string `json:"error"`
	Reason        string `json:"reason"`
	Timestamp     int64  `json:"timestamp"`
}

// KVDLQ pushes DLQ entries onto a configured list key in the durable KV
// store via lpush, the default adapter when no external DLQ is wired.
type KVDLQ struct {
	kv  *kvstore.Store
	key string
}

// NewKVDLQ returns a DLQ backed by kv's lpush primitive under key (default
// "poker:wallet:dlq" when key is empty).
func NewKVDLQ(kv *kvstore.Store, key string) *KVDLQ {
	if key == "" {
		key = "poker:wallet:dlq"
	}
	return &KVDLQ{kv: kv, key: key}
}

func (d *KVDLQ) Push(ctx context.Context, entry DLQEntry) error {
	payload := fmt.Sprintf(
		`{"reservation_id":%q,"user_id":%d,"chat_id":%d,"amount":%d,"error":%q,"reason":%q,"timestamp":%d}`,
		entry.ReservationID, entry.UserID, entry.ChatID, entry.Amount, entry.Error, entry.Reason, entry.Timestamp,
	)
	_, err := d.kv.LPush(ctx, d.key, payload)
	return err
}

// Service implements spec.md §4.C's reserve/commit/rollback over a durable
// KV-backed reservation record and a LedgerRepository, grounded on
// wallet_service.py's WalletService.
type Service struct {
	ledger LedgerRepository
	kv     *kvstore.Store
	dlq    DLQ
	log    pokerlog.Logger

	reservationTTL time.Duration
	gracePeriod    time.Duration

	timersMu sync.Mutex
	timers   map[string]*time.Timer

	now func() time.Time
}

// Option configures a Service at construction time.
type Option func(*Service)

// WithReservationTTL overrides the default 300s reservation TTL.
func WithReservationTTL(d time.Duration) Option {
	return func(s *Service) { s.reservationTTL = d }
}

// WithGracePeriod overrides the default auto-expire grace buffer.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Service) { s.gracePeriod = d }
}

// WithClock substitutes the wall clock, used by tests to pin epoch-ms
// reservation ids.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New builds a Service. dlq may be nil, in which case a failed refund is
// only logged at critical severity, matching wallet_service.py's "NO DLQ
// CONFIGURED" branch.
func New(ledger LedgerRepository, kv *kvstore.Store, dlq DLQ, log pokerlog.Logger, opts ...Option) *Service {
	s := &Service{
		ledger:         ledger,
		kv:             kv,
		dlq:            dlq,
		log:            log,
		reservationTTL: 300 * time.Second,
		gracePeriod:    5 * time.Second,
		timers:         map[string]*time.Timer{},
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reserve implements spec.md §4.C's reserve operation.
func (s *Service) Reserve(ctx context.Context, userID, chatID, amount int64, metadata map[string]string) (ok bool, reservationID string, message string) {
	start := time.Now()
	defer func() {
		metrics.WalletOperationDuration.WithLabelValues("reserve").Observe(time.Since(start).Seconds())
	}()

	balance, err := s.ledger.GetBalance(ctx, userID, chatID)
	if err != nil {
		metrics.WalletReserveTotal.WithLabelValues("error").Inc()
		return false, "", fmt.Sprintf("Reservation error: %v", err)
	}
	if balance < amount {
		metrics.WalletReserveTotal.WithLabelValues("insufficient_funds").Inc()
		s.log.Warn("insufficient funds for reservation", "user_id", userID, "chat_id", chatID, "need", amount, "have", balance)
		return false, "", fmt.Sprintf("Insufficient chips: need %d, have %d", amount, balance)
	}

	reservationID = fmt.Sprintf("res_%d_%d_%d", userID, chatID, s.now().UnixMilli())
	key := kvstore.ReservationKey(reservationID)

	if err := s.ledger.Debit(ctx, userID, chatID, amount, metadata); err != nil {
		metrics.WalletReserveTotal.WithLabelValues("error").Inc()
		return false, "", fmt.Sprintf("Reservation error: %v", err)
	}

	created, err := s.kv.ReservationCreate(ctx, key, userID, chatID, amount, kvstore.StatusPending, metadata, s.now().Unix())
	if err != nil || !created {
		// The debit already landed; a reservation id collision or KV
		// failure means we must return the chips immediately rather than
		// leave the reservation un-tracked.
		if creditErr := s.ledger.Credit(ctx, userID, chatID, amount, metadata); creditErr != nil {
			s.log.Crit("reservation bookkeeping failed and compensating credit also failed", "reservation_id", reservationID, "error", err, "credit_error", creditErr)
		}
		metrics.WalletReserveTotal.WithLabelValues("error").Inc()
		return false, "", fmt.Sprintf("Reservation error: %v", err)
	}

	s.scheduleAutoExpire(reservationID)

	metrics.WalletReserveTotal.WithLabelValues("success").Inc()
	s.log.Info("reserved chips", "amount", amount, "user_id", userID, "reservation_id", reservationID)
	return true, reservationID, "Reservation successful"
}

// Commit implements spec.md §4.C's commit operation: idempotent once a
// reservation reaches committed, a protocol-kind failure for any other
// terminal status, and "not found" if the reservation never existed or has
// already been reaped.
func (s *Service) Commit(ctx context.Context, reservationID string) (bool, string) {
	start := time.Now()
	defer func() {
		metrics.WalletOperationDuration.WithLabelValues("commit").Observe(time.Since(start).Seconds())
	}()

	key := kvstore.ReservationKey(reservationID)
	record, err := s.kv.HGetAll(ctx, key)
	if err != nil {
		metrics.WalletCommitTotal.WithLabelValues("error").Inc()
		return false, fmt.Sprintf("Commit error: %v", err)
	}
	priorStatus, found := record["status"]
	if !found || priorStatus == "" {
		metrics.WalletCommitTotal.WithLabelValues("not_found").Inc()
		return false, "Reservation not found or expired"
	}
	if kvstore.ReservationStatus(priorStatus) == kvstore.StatusCommitted {
		metrics.WalletCommitTotal.WithLabelValues("success").Inc()
		return true, "Reservation already committed"
	}
	if kvstore.ReservationStatus(priorStatus) != kvstore.StatusPending {
		metrics.WalletCommitTotal.WithLabelValues("error").Inc()
		return false, fmt.Sprintf("Reservation already %s", priorStatus)
	}

	status, err := s.kv.ReservationCommit(ctx, key)
	if err != nil {
		metrics.WalletCommitTotal.WithLabelValues("error").Inc()
		return false, fmt.Sprintf("Commit error: %v", err)
	}
	switch status {
	case "ok":
		s.cancelAutoExpire(reservationID)
		metrics.WalletCommitTotal.WithLabelValues("success").Inc()
		s.log.Info("committed reservation", "reservation_id", reservationID)
		return true, "Reservation committed"
	case "committed":
		metrics.WalletCommitTotal.WithLabelValues("success").Inc()
		return true, "Reservation already committed"
	case "missing":
		metrics.WalletCommitTotal.WithLabelValues("not_found").Inc()
		return false, "Reservation not found or expired"
	default:
		metrics.WalletCommitTotal.WithLabelValues("error").Inc()
		return false, fmt.Sprintf("Reservation already %s", status)
	}
}

// Rollback implements spec.md §4.C's rollback/compensation operation.
func (s *Service) Rollback(ctx context.Context, reservationID string, reason string, allowCommitted bool) (bool, string) {
	start := time.Now()
	defer func() {
		metrics.WalletOperationDuration.WithLabelValues("rollback").Observe(time.Since(start).Seconds())
	}()

	key := kvstore.ReservationKey(reservationID)
	record, err := s.kv.HGetAll(ctx, key)
	if err != nil {
		metrics.WalletRollbackTotal.WithLabelValues("error").Inc()
		return false, fmt.Sprintf("Rollback error: %v", err)
	}
	priorStatus, found := record["status"]
	if !found || priorStatus == "" {
		metrics.WalletRollbackTotal.WithLabelValues("not_found").Inc()
		return false, "Reservation not found"
	}

	userID, _ := strconv.ParseInt(record["user_id"], 10, 64)
	chatID, _ := strconv.ParseInt(record["chat_id"], 10, 64)
	amount, _ := strconv.ParseInt(record["amount"], 10, 64)

	switch kvstore.ReservationStatus(priorStatus) {
	case kvstore.StatusRolledBack:
		metrics.WalletRollbackTotal.WithLabelValues("success").Inc()
		return true, "Reservation rolled back"

	case kvstore.StatusCommitted:
		if !allowCommitted {
			metrics.WalletRollbackTotal.WithLabelValues("error").Inc()
			return false, "Reservation is committed"
		}
		ok, dlqErr := s.creditOrDLQ(ctx, reservationID, userID, chatID, amount, reason)
		if !ok {
			metrics.WalletRollbackTotal.WithLabelValues("error").Inc()
			return false, "Refund failed - queued for manual resolution"
		}
		if dlqErr != nil {
			s.log.Warn("dlq push failed for successful compensation", "reservation_id", reservationID, "error", dlqErr)
		}
		if _, err := s.kv.ReservationRollback(ctx, key, true, reason); err != nil {
			s.log.Error("compensating credit applied but kv status transition failed", "reservation_id", reservationID, "error", err)
		}
		s.cancelAutoExpire(reservationID)
		metrics.WalletRollbackTotal.WithLabelValues("success").Inc()
		s.log.Info("compensated committed reservation", "reservation_id", reservationID, "reason", reason)
		return true, "Reservation rolled back"

	case kvstore.StatusPending:
		ok, dlqErr := s.creditOrDLQ(ctx, reservationID, userID, chatID, amount, reason)
		if !ok {
			metrics.WalletRollbackTotal.WithLabelValues("error").Inc()
			return false, "Refund failed - queued for manual resolution"
		}
		if dlqErr != nil {
			s.log.Warn("dlq push failed for successful rollback", "reservation_id", reservationID, "error", dlqErr)
		}
		if _, err := s.kv.ReservationRollback(ctx, key, false, reason); err != nil {
			s.log.Error("credit applied but kv status transition failed", "reservation_id", reservationID, "error", err)
		}
		s.cancelAutoExpire(reservationID)
		metrics.WalletRollbackTotal.WithLabelValues("success").Inc()
		s.log.Info("rolled back reservation", "reservation_id", reservationID, "reason", reason)
		return true, "Reservation rolled back"

	default:
		metrics.WalletRollbackTotal.WithLabelValues("error").Inc()
		return false, fmt.Sprintf("Reservation is %s", priorStatus)
	}
}

// DirectRefund credits the ledger directly for an already-committed amount
// whose state save failed its CAS (betting orchestrator phase 7), routing
// a failed credit to the DLQ exactly like the rollback path does instead of
// silently swallowing the error per the Open Question resolution recorded
// in SPEC_FULL.md/DESIGN.md.
func (s *Service) DirectRefund(ctx context.Context, reservationID string, userID, chatID, amount int64, reason string) bool {
	ok, dlqErr := s.creditOrDLQ(ctx, reservationID, userID, chatID, amount, reason)
	if dlqErr != nil {
		s.log.Warn("dlq push failed for direct refund", "reservation_id", reservationID, "error", dlqErr)
	}
	return ok
}

// creditOrDLQ credits the ledger and, on failure, routes the refund to the
// DLQ (or logs at critical severity if none is configured), matching
// wallet_service.py's _send_to_dlq fallback. Returns (creditSucceeded,
// dlqPushError) so callers can distinguish "credit failed, DLQ push also
// failed" from "credit failed, DLQ push succeeded".
func (s *Service) creditOrDLQ(ctx context.Context, reservationID string, userID, chatID, amount int64, reason string) (bool, error) {
	err := s.ledger.Credit(ctx, userID, chatID, amount, nil)
	if err == nil {
		return true, nil
	}

	metrics.WalletDLQTotal.Inc()
	if s.dlq == nil {
		s.log.Crit("no DLQ configured - manual refund required", "reservation_id", reservationID, "user_id", userID, "amount", amount, "error", err)
		return false, nil
	}
	entry := DLQEntry{
		ReservationID: reservationID,
		UserID:        userID,
		ChatID:        chatID,
		Amount:        amount,
		Error:         err.Error(),
		Reason:        reason,
		Timestamp:     s.now().Unix(),
	}
	pushErr := s.dlq.Push(ctx, entry)
	s.log.Crit("refund failed, sent to DLQ", "reservation_id", reservationID, "error", err)
	return false, pushErr
}

// scheduleAutoExpire arranges a single-shot rollback attempt TTL+grace
// after a reservation is created, matching
// wallet_service.py::_auto_expire_reservation. The timer re-checks status
// at firing time via Rollback's own prior-status read, so a reservation
// already committed or rolled back by then is a safe no-op.
func (s *Service) scheduleAutoExpire(reservationID string) {
	delay := s.reservationTTL + s.gracePeriod
	timer := time.AfterFunc(delay, func() {
		ctx := context.Background()
		ok, msg := s.Rollback(ctx, reservationID, "timeout", false)
		s.timersMu.Lock()
		delete(s.timers, reservationID)
		s.timersMu.Unlock()
		if !ok {
			s.log.Debug("auto-expire no-op (reservation already terminal)", "reservation_id", reservationID, "message", msg)
		} else {
			s.log.Warn("auto-expired reservation", "reservation_id", reservationID)
		}
	})
	s.timersMu.Lock()
	s.timers[reservationID] = timer
	s.timersMu.Unlock()
}

func (s *Service) cancelAutoExpire(reservationID string) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if timer, ok := s.timers[reservationID]; ok {
		timer.Stop()
		delete(s.timers, reservationID)
	}
}
