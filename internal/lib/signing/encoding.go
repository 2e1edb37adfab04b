package signing

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/magabrotheeeer/paykit-subscriptions/internal/models"
)

// encoder пишет детерминированное бинарное представление:
// строки и байты с префиксом длины (uint32 BE), целые в big-endian.
type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.buf.Write(b)
}

func (e *encoder) str(s string) {
	e.bytes([]byte(s))
}

func (e *encoder) u8(v uint8) {
	e.buf.WriteByte(v)
}

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) i64(v int64) {
	e.u64(uint64(v))
}

func (e *encoder) optional(present bool) bool {
	if present {
		e.u8(1)
	} else {
		e.u8(0)
	}
	return present
}

// EncodeSubscription возвращает каноническую кодировку подписки.
//
// Поля пишутся в фиксированном порядке, ключи метаданных сортируются,
// суммы кодируются канонической десятичной строкой.
func EncodeSubscription(sub *models.Subscription) []byte {
	var e encoder
	encodeSubscription(&e, sub)
	return e.buf.Bytes()
}

func encodeSubscription(e *encoder, sub *models.Subscription) {
	e.str(sub.SubscriptionID)
	e.u32(sub.Version)
	e.str(sub.Subscriber.String())
	e.str(sub.Provider.String())
	encodeTerms(e, &sub.Terms)

	keys := make([]string, 0, len(sub.Metadata))
	for k := range sub.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	e.u32(uint32(len(keys)))
	for _, k := range keys {
		e.str(k)
		e.str(sub.Metadata[k])
	}

	e.i64(sub.CreatedAt)
	e.i64(sub.StartsAt)
	if e.optional(sub.EndsAt != nil) {
		e.i64(*sub.EndsAt)
	}
}

func encodeTerms(e *encoder, t *models.SubscriptionTerms) {
	e.str(t.Amount.String())
	e.str(t.Currency)

	f := t.Frequency
	e.str(string(f.Kind))
	switch f.Kind {
	case models.FrequencyMonthly:
		e.u8(f.DayOfMonth)
	case models.FrequencyYearly:
		e.u8(f.Month)
		e.u8(f.Day)
	case models.FrequencyCustom:
		e.u64(f.IntervalSeconds)
	}

	e.str(t.Method)
	if e.optional(t.MaxAmountPerPeriod != nil) {
		e.str(t.MaxAmountPerPeriod.String())
	}
	e.str(t.Description)
}

// signingPayload собирает байты, хэш которых подписывается.
func signingPayload(sub *models.Subscription, nonce models.Nonce, timestamp, expiresAt int64) []byte {
	var e encoder
	e.str(DomainSeparator)
	encodeSubscription(&e, sub)
	e.buf.Write(nonce[:])
	e.i64(timestamp)
	e.i64(expiresAt)
	return e.buf.Bytes()
}
