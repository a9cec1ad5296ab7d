package mnemos

import (
	"context"
	"log/slog"

	"github.com/rendis/mnemos/internal/tuning"
	"github.com/rendis/mnemos/pkg/schema"
)

var _ Tuner = (*tuning.Engine)(nil)

// Tuner is the tuning capability the bus forwards to.
// Satisfied by *tuning.Engine.
type Tuner interface {
	FlushMemory(ctx context.Context, aggressive bool) tuning.FlushReport
	Launch(ctx context.Context, opts tuning.LaunchOptions) (tuning.LaunchReport, error)
}

// ProFeatures is the licensed capability the bus forwards to.
// Satisfied by *pro.Features.
type ProFeatures interface {
	AggressiveClear(ctx context.Context) (tuning.FlushReport, error)
	ApplyProfile(ctx context.Context, name string) error
	StartDaemon(ctx context.Context) error
}

// SoftClean runs an in-process reclamation pass. It reports false when no
// tuner is attached.
func (b *Bus) SoftClean(ctx context.Context) bool {
	if b.tuner == nil {
		b.logger.InfoContext(ctx, "tuning engine unavailable; soft clean skipped")
		return false
	}
	b.tuner.FlushMemory(ctx, false)
	return true
}

// AggressiveClean additionally drops OS caches. It reports false when no
// tuner is attached.
func (b *Bus) AggressiveClean(ctx context.Context) bool {
	if b.tuner == nil {
		b.logger.InfoContext(ctx, "tuning engine unavailable; aggressive clean skipped")
		return false
	}
	b.tuner.FlushMemory(ctx, true)
	return true
}

// Ignite forwards a launch to the tuner. Prefetch errors are returned since
// they are actionable; a missing tuner is a logged no-op.
func (b *Bus) Ignite(ctx context.Context, opts tuning.LaunchOptions) (bool, error) {
	if b.tuner == nil {
		b.logger.InfoContext(ctx, "tuning engine unavailable; ignite skipped")
		return false, nil
	}
	if _, err := b.tuner.Launch(ctx, opts); err != nil {
		return false, err
	}
	return true, nil
}

// AggressiveClear forwards to the licensed aggressive clear.
func (b *Bus) AggressiveClear(ctx context.Context) (bool, error) {
	return b.forwardPro(ctx, "aggressive clear", func(p ProFeatures) error {
		_, err := p.AggressiveClear(ctx)
		return err
	})
}

// ApplyProfile forwards to the licensed profile application.
func (b *Bus) ApplyProfile(ctx context.Context, name string) (bool, error) {
	return b.forwardPro(ctx, "apply profile", func(p ProFeatures) error {
		return p.ApplyProfile(ctx, name)
	})
}

// StartDaemon forwards to the licensed background daemon.
func (b *Bus) StartDaemon(ctx context.Context) (bool, error) {
	return b.forwardPro(ctx, "start daemon", func(p ProFeatures) error {
		return p.StartDaemon(ctx)
	})
}

// forwardPro treats an absent collaborator and a license denial alike: a
// logged notice and no effect. Other errors are returned.
func (b *Bus) forwardPro(ctx context.Context, op string, call func(ProFeatures) error) (bool, error) {
	if b.pro == nil {
		b.logger.InfoContext(ctx, "pro features unavailable; operation skipped", slog.String("op", op))
		return false, nil
	}
	if err := call(b.pro); err != nil {
		if schema.IsCode(err, schema.ErrCodePermissionDenied) {
			b.logger.InfoContext(ctx, "pro feature denied; operation skipped",
				slog.String("op", op),
				slog.String("error", err.Error()))
			return false, nil
		}
		return false, err
	}
	return true, nil
}
