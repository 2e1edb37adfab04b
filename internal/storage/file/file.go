// Package file — хранилище в каталоге на диске. Каждый объект — отдельный
// JSON-документ, запись идёт через временный файл и rename.
//
// Лимиты расходов хранятся по одному файлу на контрагента (имя — scope
// ключа). Резервирование выполняется под мьютексом процесса и flock на
// lock-файле контрагента, поэтому несколько процессов могут делить каталог.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/amount"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/errs"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/lib/identity"
	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

const (
	dirSubscriptions = "subscriptions"
	dirSigned        = "signed"
	dirModifications = "modifications"
	dirAutoPay       = "autopay"
	dirLimits        = "limits"
	dirReservations  = "reservations"
	dirFallback      = "fallback"

	filePerm = 0o600
	dirPerm  = 0o700
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Storage — хранилище в каталоге dir.
type Storage struct {
	dir string
	now func() time.Time

	// docs защищает документы, которые обновляются чтением-записью
	// (журнал изменений); остальные документы пишутся атомарно целиком.
	docs sync.Mutex

	peersMu sync.Mutex
	peers   map[string]*sync.Mutex
}

// New создаёт каталоги хранилища в dir.
func New(dir string) (*Storage, error) {
	return NewWithClock(dir, time.Now)
}

// NewWithClock создаёт хранилище с заданным источником времени для лимитов.
func NewWithClock(dir string, now func() time.Time) (*Storage, error) {
	const op = "storage.file.New"

	for _, sub := range []string{dirSubscriptions, dirSigned, dirModifications, dirAutoPay, dirLimits, dirReservations, dirFallback} {
		if err := os.MkdirAll(filepath.Join(dir, sub), dirPerm); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	return &Storage{
		dir:   dir,
		now:   now,
		peers: make(map[string]*sync.Mutex),
	}, nil
}

func checkCtx(ctx context.Context, op string) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
		return nil
	}
}

func checkID(id string) error {
	if !idPattern.MatchString(id) {
		return errs.InvalidArgument("invalid identifier %q", id)
	}
	return nil
}

func (s *Storage) path(parts ...string) string {
	return filepath.Join(append([]string{s.dir}, parts...)...)
}

func versionFile(version uint32) string {
	return fmt.Sprintf("v%010d.json", version)
}

// writeJSON атомарно заменяет файл path содержимым v.
func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrSerialization, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), filePerm); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// readJSON читает документ; отсутствующий файл возвращает fs.ErrNotExist.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", errs.ErrSerialization, filepath.Base(path), err)
	}
	return nil
}

func notFound(err error, entity, key string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return errs.NotFound(entity, key)
	}
	return err
}

// listJSON возвращает имена .json файлов каталога по возрастанию.
func listJSON(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

// SaveSubscription сохраняет версию подписки.
func (s *Storage) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	const op = "storage.file.SaveSubscription"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	if err := sub.Validate(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := checkID(sub.SubscriptionID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := writeJSON(s.path(dirSubscriptions, sub.SubscriptionID, versionFile(sub.Version)), sub); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetSubscription возвращает последнюю версию подписки.
func (s *Storage) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	const op = "storage.file.GetSubscription"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	if err := checkID(id); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	sub, err := s.latest(id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return sub, nil
}

func (s *Storage) latest(id string) (*models.Subscription, error) {
	names, err := listJSON(s.path(dirSubscriptions, id))
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, errs.NotFound("subscription", id)
	}
	var sub models.Subscription
	if err := readJSON(s.path(dirSubscriptions, id, names[len(names)-1]), &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

// GetSubscriptionVersion возвращает конкретную версию подписки.
func (s *Storage) GetSubscriptionVersion(ctx context.Context, id string, version uint32) (*models.Subscription, error) {
	const op = "storage.file.GetSubscriptionVersion"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	if err := checkID(id); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var sub models.Subscription
	if err := readJSON(s.path(dirSubscriptions, id, versionFile(version)), &sub); err != nil {
		return nil, fmt.Errorf("%s: %w", op, notFound(err, "subscription version", fmt.Sprintf("%s@%d", id, version)))
	}
	return &sub, nil
}

// ListSubscriptionVersions возвращает все версии подписки.
func (s *Storage) ListSubscriptionVersions(ctx context.Context, id string) ([]*models.Subscription, error) {
	const op = "storage.file.ListSubscriptionVersions"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	if err := checkID(id); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	names, err := listJSON(s.path(dirSubscriptions, id))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	out := make([]*models.Subscription, 0, len(names))
	for _, name := range names {
		var sub models.Subscription
		if err := readJSON(s.path(dirSubscriptions, id, name), &sub); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, &sub)
	}
	return out, nil
}

// ListSubscriptionsWithPeer возвращает последние версии подписок с участием peer.
func (s *Storage) ListSubscriptionsWithPeer(ctx context.Context, peer identity.PublicKey) ([]*models.Subscription, error) {
	const op = "storage.file.ListSubscriptionsWithPeer"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.path(dirSubscriptions))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var out []*models.Subscription
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub, err := s.latest(e.Name())
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if sub.Subscriber == peer || sub.Provider == peer {
			out = append(out, sub)
		}
	}
	return out, nil
}

// SaveSignedSubscription сохраняет соглашение и его версию.
func (s *Storage) SaveSignedSubscription(ctx context.Context, signed *models.SignedSubscription) error {
	const op = "storage.file.SaveSignedSubscription"
	if err := s.SaveSubscription(ctx, signed.Subscription); err != nil {
		return err
	}
	if err := writeJSON(s.path(dirSigned, signed.Subscription.SubscriptionID+".json"), signed); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetSignedSubscription возвращает соглашение.
func (s *Storage) GetSignedSubscription(ctx context.Context, id string) (*models.SignedSubscription, error) {
	const op = "storage.file.GetSignedSubscription"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	if err := checkID(id); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var signed models.SignedSubscription
	if err := readJSON(s.path(dirSigned, id+".json"), &signed); err != nil {
		return nil, fmt.Errorf("%s: %w", op, notFound(err, "signed subscription", id))
	}
	return &signed, nil
}

// ListActiveSubscriptions возвращает соглашения, активные в момент now.
func (s *Storage) ListActiveSubscriptions(ctx context.Context, now int64) ([]*models.SignedSubscription, error) {
	const op = "storage.file.ListActiveSubscriptions"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	names, err := listJSON(s.path(dirSigned))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var out []*models.SignedSubscription
	for _, name := range names {
		var signed models.SignedSubscription
		if err := readJSON(s.path(dirSigned, name), &signed); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		latest, err := s.latest(signed.Subscription.SubscriptionID)
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if signed.ActiveAt(latest, now) {
			out = append(out, &signed)
		}
	}
	return out, nil
}

// SaveModificationRecord добавляет запись в журнал изменений.
func (s *Storage) SaveModificationRecord(ctx context.Context, rec models.ModificationRecord) error {
	const op = "storage.file.SaveModificationRecord"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	id := rec.Request.SubscriptionID
	if err := checkID(id); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.docs.Lock()
	defer s.docs.Unlock()

	path := s.path(dirModifications, id+".json")
	var records []models.ModificationRecord
	if err := readJSON(path, &records); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", op, err)
	}
	records = append(records, rec)
	if err := writeJSON(path, records); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ListModificationRecords возвращает журнал изменений.
func (s *Storage) ListModificationRecords(ctx context.Context, subscriptionID string) ([]models.ModificationRecord, error) {
	const op = "storage.file.ListModificationRecords"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	if err := checkID(subscriptionID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	s.docs.Lock()
	defer s.docs.Unlock()

	var records []models.ModificationRecord
	err := readJSON(s.path(dirModifications, subscriptionID+".json"), &records)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return records, nil
}

// SaveAutoPayRule сохраняет правило автоплатежа.
func (s *Storage) SaveAutoPayRule(ctx context.Context, rule models.AutoPayRule) error {
	const op = "storage.file.SaveAutoPayRule"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	if err := rule.Validate(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := checkID(rule.SubscriptionID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := writeJSON(s.path(dirAutoPay, rule.SubscriptionID+".json"), rule); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetAutoPayRule возвращает правило автоплатежа.
func (s *Storage) GetAutoPayRule(ctx context.Context, subscriptionID string) (*models.AutoPayRule, error) {
	const op = "storage.file.GetAutoPayRule"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	if err := checkID(subscriptionID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var rule models.AutoPayRule
	if err := readJSON(s.path(dirAutoPay, subscriptionID+".json"), &rule); err != nil {
		return nil, fmt.Errorf("%s: %w", op, notFound(err, "auto-pay rule", subscriptionID))
	}
	return &rule, nil
}

// DeleteAutoPayRule удаляет правило автоплатежа.
func (s *Storage) DeleteAutoPayRule(ctx context.Context, subscriptionID string) error {
	const op = "storage.file.DeleteAutoPayRule"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	if err := checkID(subscriptionID); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := os.Remove(s.path(dirAutoPay, subscriptionID+".json")); err != nil {
		return fmt.Errorf("%s: %w", op, notFound(err, "auto-pay rule", subscriptionID))
	}
	return nil
}

func (s *Storage) peerMutex(scope string) *sync.Mutex {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	mu, ok := s.peers[scope]
	if !ok {
		mu = &sync.Mutex{}
		s.peers[scope] = mu
	}
	return mu
}

// withPeer выполняет fn под блокировкой контрагента внутри процесса и между процессами.
func (s *Storage) withPeer(peer identity.PublicKey, fn func(scope string) error) error {
	scope, err := peer.Scope()
	if err != nil {
		return err
	}
	return s.withLock(scope, s.path(dirLimits, scope+".lock"), func() error {
		return fn(scope)
	})
}

// withLock выполняет fn под мьютексом name и flock файла lockPath.
func (s *Storage) withLock(name, lockPath string, fn func() error) error {
	mu := s.peerMutex(name)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(lockPath), dirPerm); err != nil {
		return err
	}
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, filePerm)
	if err != nil {
		return err
	}
	defer lock.Close()
	if err := lockFile(lock); err != nil {
		return fmt.Errorf("lock %s: %w", name, err)
	}
	defer unlockFile(lock)

	return fn()
}

func (s *Storage) readLimit(scope string, peer identity.PublicKey) (models.PeerSpendingLimit, error) {
	var limit models.PeerSpendingLimit
	if err := readJSON(s.path(dirLimits, scope+".json"), &limit); err != nil {
		return limit, notFound(err, "peer spending limit", peer.String())
	}
	return limit, nil
}

// SavePeerSpendingLimit задаёт лимит контрагента.
func (s *Storage) SavePeerSpendingLimit(ctx context.Context, limit models.PeerSpendingLimit) error {
	const op = "storage.file.SavePeerSpendingLimit"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	err := s.withPeer(limit.Peer, func(scope string) error {
		return writeJSON(s.path(dirLimits, scope+".json"), limit)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// GetPeerSpendingLimit возвращает лимит с учётом наступившего сброса периода.
func (s *Storage) GetPeerSpendingLimit(ctx context.Context, peer identity.PublicKey) (*models.PeerSpendingLimit, error) {
	const op = "storage.file.GetPeerSpendingLimit"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	var limit models.PeerSpendingLimit
	err := s.withPeer(peer, func(scope string) error {
		var err error
		limit, err = s.readLimit(scope, peer)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	now := s.now()
	if limit.ShouldReset(now) {
		limit.Reset(now)
	}
	return &limit, nil
}

// ReserveSpending резервирует amt в лимите peer.
func (s *Storage) ReserveSpending(ctx context.Context, peer identity.PublicKey, amt amount.Amount) (models.ReservationToken, error) {
	const op = "storage.file.ReserveSpending"
	if err := checkCtx(ctx, op); err != nil {
		return models.ReservationToken{}, err
	}
	if !amt.IsPositive() {
		return models.ReservationToken{}, fmt.Errorf("%s: %w", op, errs.InvalidArgument("reservation amount must be positive"))
	}

	var token models.ReservationToken
	err := s.withPeer(peer, func(scope string) error {
		limit, err := s.readLimit(scope, peer)
		if err != nil {
			return err
		}
		now := s.now()
		if limit.ShouldReset(now) {
			limit.Reset(now)
		}
		if limit.WouldExceedLimit(amt) {
			return fmt.Errorf("%w: %s would exceed remaining %s", errs.ErrLimitExceeded, amt, limit.RemainingLimit())
		}
		if err := limit.AddSpent(amt); err != nil {
			return err
		}
		token = models.ReservationToken{
			TokenID:    uuid.NewString(),
			Peer:       peer,
			Amount:     amt,
			ReservedAt: now.Unix(),
			Epoch:      limit.LastReset,
		}
		// Лимит пишется первым: при сбое между записями сумма остаётся
		// учтённой, а откат без токена невозможен.
		if err := writeJSON(s.path(dirLimits, scope+".json"), limit); err != nil {
			return err
		}
		if err := writeJSON(s.path(dirReservations, scope, token.TokenID+".json"), token); err != nil {
			limit.CurrentSpent = limit.CurrentSpent.Sub(amt)
			if rerr := writeJSON(s.path(dirLimits, scope+".json"), limit); rerr != nil {
				return errors.Join(err, rerr)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return models.ReservationToken{}, fmt.Errorf("%s: %w", op, err)
	}
	return token, nil
}

func (s *Storage) takeToken(scope, tokenID string) (models.ReservationToken, error) {
	if _, err := uuid.Parse(tokenID); err != nil {
		return models.ReservationToken{}, errs.InvalidArgument("invalid reservation token %q", tokenID)
	}
	path := s.path(dirReservations, scope, tokenID+".json")
	var stored models.ReservationToken
	if err := readJSON(path, &stored); err != nil {
		return stored, notFound(err, "reservation", tokenID)
	}
	if err := os.Remove(path); err != nil {
		return stored, err
	}
	return stored, nil
}

// CommitSpending завершает резервирование.
func (s *Storage) CommitSpending(ctx context.Context, token models.ReservationToken) error {
	const op = "storage.file.CommitSpending"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	err := s.withPeer(token.Peer, func(scope string) error {
		_, err := s.takeToken(scope, token.TokenID)
		return err
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RollbackSpending откатывает резервирование.
func (s *Storage) RollbackSpending(ctx context.Context, token models.ReservationToken) error {
	const op = "storage.file.RollbackSpending"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	err := s.withPeer(token.Peer, func(scope string) error {
		limit, err := s.readLimit(scope, token.Peer)
		if err != nil {
			return err
		}
		stored, err := s.takeToken(scope, token.TokenID)
		if err != nil {
			return err
		}
		if stored.Epoch != limit.LastReset {
			return nil
		}
		limit.CurrentSpent = limit.CurrentSpent.Sub(stored.Amount)
		return writeJSON(s.path(dirLimits, scope+".json"), limit)
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) fallbackPath(subscriptionID string, periodStart int64) string {
	return s.path(dirFallback, subscriptionID, strconv.FormatInt(periodStart, 10)+".json")
}

// withFallback выполняет fn под блокировкой записей подписки и передаёт ей
// сохранённую запись периода или nil.
func (s *Storage) withFallback(rec *models.FallbackRecord, fn func(stored *models.FallbackRecord) error) error {
	if err := checkID(rec.SubscriptionID); err != nil {
		return err
	}
	name := dirFallback + "/" + rec.SubscriptionID
	return s.withLock(name, s.path(dirFallback, rec.SubscriptionID, ".lock"), func() error {
		var stored models.FallbackRecord
		err := readJSON(s.fallbackPath(rec.SubscriptionID, rec.PeriodStart), &stored)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return fn(nil)
		case err != nil:
			return err
		}
		return fn(&stored)
	})
}

// SaveFallbackRecord сохраняет запись о попытках оплаты периода.
func (s *Storage) SaveFallbackRecord(ctx context.Context, rec *models.FallbackRecord) error {
	const op = "storage.file.SaveFallbackRecord"
	if err := checkCtx(ctx, op); err != nil {
		return err
	}
	err := s.withFallback(rec, func(stored *models.FallbackRecord) error {
		next := *rec
		next.Revision = 1
		if stored != nil {
			next.Revision = stored.Revision + 1
		}
		if err := writeJSON(s.fallbackPath(rec.SubscriptionID, rec.PeriodStart), next); err != nil {
			return err
		}
		rec.Revision = next.Revision
		return nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// ClaimFallbackRecord сохраняет запись, если её не изменили с момента чтения.
func (s *Storage) ClaimFallbackRecord(ctx context.Context, rec *models.FallbackRecord) (bool, error) {
	const op = "storage.file.ClaimFallbackRecord"
	if err := checkCtx(ctx, op); err != nil {
		return false, err
	}
	var claimed bool
	err := s.withFallback(rec, func(stored *models.FallbackRecord) error {
		if (stored == nil) != (rec.Revision == 0) || (stored != nil && stored.Revision != rec.Revision) {
			return nil
		}
		next := *rec
		next.Revision = rec.Revision + 1
		if err := writeJSON(s.fallbackPath(rec.SubscriptionID, rec.PeriodStart), next); err != nil {
			return err
		}
		rec.Revision = next.Revision
		claimed = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return claimed, nil
}

// GetFallbackRecord возвращает запись о попытках оплаты периода.
func (s *Storage) GetFallbackRecord(ctx context.Context, subscriptionID string, periodStart int64) (*models.FallbackRecord, error) {
	const op = "storage.file.GetFallbackRecord"
	if err := checkCtx(ctx, op); err != nil {
		return nil, err
	}
	if err := checkID(subscriptionID); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	var rec models.FallbackRecord
	if err := readJSON(s.fallbackPath(subscriptionID, periodStart), &rec); err != nil {
		return nil, fmt.Errorf("%s: %w", op, notFound(err, "fallback record", fmt.Sprintf("%s@%d", subscriptionID, periodStart)))
	}
	return &rec, nil
}

// Close ничего не делает: файлы не держатся открытыми между вызовами.
func (s *Storage) Close() error {
	return nil
}
