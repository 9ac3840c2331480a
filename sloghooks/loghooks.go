// Package sloghooks logs optisync hook events through log/slog, with
// sampling for the noisy ones and redacted storage keys.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/optisync"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery   uint64
	StaleWriteEvery uint64
	// Optional storage key redactor. Defaults to SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr   atomic.Uint64
	staleWriteCtr atomic.Uint64
}

var _ optisync.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHeal(storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("optisync.self_heal",
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) ProviderSetRejected(storageKey string) {
	if h.l == nil {
		return
	}
	h.l.Warn("optisync.provider_set_rejected", "key", h.redact(storageKey))
}

func (h *Hooks) VersionError(storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("optisync.version_error",
		"key", h.redact(storageKey),
		"err", err)
}

func (h *Hooks) StaleWriteDiscarded(key optisync.Key, observed, current uint64) {
	if h.l == nil || !sample(h.opts.StaleWriteEvery, &h.staleWriteCtr) {
		return
	}
	h.l.Debug("optisync.stale_write_discarded",
		"key", key.String(),
		"observed", observed,
		"current", current)
}

func (h *Hooks) RefetchFailed(key optisync.Key, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("optisync.refetch_failed", "key", key.String(), "err", err)
}

func (h *Hooks) OperationBusy(op string, keys []optisync.Key) {
	if h.l == nil {
		return
	}
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	h.l.Info("optisync.operation_busy", "op", op, "keys", names)
}

func (h *Hooks) LegFailed(op string, leg int, key optisync.Key, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("optisync.leg_failed",
		"op", op,
		"leg", leg,
		"key", key.String(),
		"retryable", optisync.Retryable(err),
		"err", err)
}

func (h *Hooks) CompensationFailed(op string, key optisync.Key, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("optisync.compensation_failed",
		"op", op,
		"key", key.String(),
		"err", err,
		"note", "client and server may disagree until the next refetch")
}

func (h *Hooks) Settled(op string, final optisync.State, elapsed time.Duration) {
	if h.l == nil {
		return
	}
	h.l.Debug("optisync.settled",
		"op", op,
		"final", final.String(),
		"elapsed", elapsed)
}
