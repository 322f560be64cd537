package sweeper

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"

	"github.com/covenant-markets/callvault/internal/domain"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type fakeEngine struct {
	open    []domain.CallOption
	settled []domain.OptionID
	burned  []domain.OptionID
	failOn  domain.OptionID
}

func (f *fakeEngine) OpenOptions() []domain.CallOption { return f.open }

func (f *fakeEngine) SettleOption(_ context.Context, id domain.OptionID, _ domain.Address) error {
	if id == f.failOn {
		return domain.E("engine.settle", domain.ErrNoWinningBid)
	}
	f.settled = append(f.settled, id)
	return nil
}

func (f *fakeEngine) BurnExpiredOption(_ context.Context, id domain.OptionID, _ domain.Address) error {
	if id == f.failOn {
		return domain.E("engine.burn", domain.ErrHasWinningBid)
	}
	f.burned = append(f.burned, id)
	return nil
}

type fakeArchiver struct {
	optionCutoffs []time.Time
	auditCutoffs  []time.Time
}

func (f *fakeArchiver) ArchiveOptions(_ context.Context, before time.Time) (int64, error) {
	f.optionCutoffs = append(f.optionCutoffs, before)
	return 3, nil
}

func (f *fakeArchiver) ArchiveAudit(_ context.Context, before time.Time) (int64, error) {
	f.auditCutoffs = append(f.auditCutoffs, before)
	return 5, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func option(id domain.OptionID, expiration int64, highBid int64) domain.CallOption {
	o := domain.CallOption{
		ID:          id,
		Writer:      common.HexToAddress("0x1111111111111111111111111111111111111111"),
		AssetID:     domain.AssetID(id),
		StrikePrice: big.NewInt(1000),
		Expiration:  expiration,
		State:       domain.OptionStateWritten,
	}
	if highBid > 0 {
		o.HighBid = big.NewInt(highBid)
		o.HighBidder = common.HexToAddress("0x2222222222222222222222222222222222222222")
	}
	return o
}

func TestSweepOnceSettlesAndBurns(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	eng := &fakeEngine{
		open: []domain.CallOption{
			option(1, now.Unix()-10, 1500), // expired with bid -> settle
			option(2, now.Unix()-10, 0),    // expired no bid -> burn
			option(3, now.Unix()+600, 0),   // still live -> untouched
			option(4, now.Unix(), 2000),    // expires exactly now -> settle
		},
	}

	s := New(Config{
		Engine:   eng,
		Clock:    &fakeClock{now: now},
		Operator: common.HexToAddress("0x3333333333333333333333333333333333333333"),
		Interval: time.Minute,
		Logger:   testLogger(),
	})

	s.SweepOnce(context.Background())

	assert.Equal(t, []domain.OptionID{1, 4}, eng.settled)
	assert.Equal(t, []domain.OptionID{2}, eng.burned)
}

func TestSweepOnceContinuesPastFailures(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	eng := &fakeEngine{
		open: []domain.CallOption{
			option(1, now.Unix()-10, 1500),
			option(2, now.Unix()-10, 1500),
		},
		failOn: 1,
	}

	s := New(Config{
		Engine:   eng,
		Clock:    &fakeClock{now: now},
		Interval: time.Minute,
		Logger:   testLogger(),
	})

	s.SweepOnce(context.Background())

	assert.Equal(t, []domain.OptionID{2}, eng.settled)
}

func TestSweepSkipsWhenLockHeld(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	eng := &fakeEngine{
		open: []domain.CallOption{option(1, now.Unix()-10, 1500)},
	}

	s := New(Config{
		Engine:   eng,
		Clock:    &fakeClock{now: now},
		Locks:    heldLock{},
		Interval: time.Minute,
		Logger:   testLogger(),
	})

	s.SweepOnce(context.Background())

	assert.Empty(t, eng.settled)
	assert.Empty(t, eng.burned)
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.E("lock.acquire", domain.ErrNotFound)
}

func TestArchiveOnceUsesRetentionCutoff(t *testing.T) {
	now := time.Unix(1_700_000_000, 0).UTC()
	arch := &fakeArchiver{}

	s := New(Config{
		Engine:    &fakeEngine{},
		Archiver:  arch,
		Clock:     &fakeClock{now: now},
		Interval:  time.Minute,
		Retention: 90 * 24 * time.Hour,
		Logger:    testLogger(),
	})

	s.archiveOnce(context.Background())

	want := now.Add(-90 * 24 * time.Hour)
	assert.Equal(t, []time.Time{want}, arch.optionCutoffs)
	assert.Equal(t, []time.Time{want}, arch.auditCutoffs)
}
