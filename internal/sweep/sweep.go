// Package sweep removes expired entries from address tables. It shares no
// state with the writer; the table store is the only coordination point.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/charmbracelet/log"

	"banhammer/internal/codec"
	"banhammer/internal/domain"
	"banhammer/internal/tablestore"
)

// Failure is an entry (or a whole table, when Address is invalid) that could
// not be processed during a cycle.
type Failure struct {
	Table   domain.TableID
	Address netip.Addr
	Err     error
}

func (f Failure) String() string {
	if !f.Address.IsValid() {
		return fmt.Sprintf("table %s: %v", f.Table, f.Err)
	}
	return fmt.Sprintf("%s@%s: %v", f.Address, f.Table, f.Err)
}

// Report is the outcome of one sweep cycle.
type Report struct {
	Removed  []domain.Entry
	Retained []domain.Entry
	Failed   []Failure
}

type Counts struct {
	Removed  int
	Retained int
	Failed   int
}

func (r Report) Counts() Counts {
	return Counts{Removed: len(r.Removed), Retained: len(r.Retained), Failed: len(r.Failed)}
}

// Sweeper holds everything a sweep cycle needs. The zero Logger and Now fall
// back to log.Default and time.Now.
type Sweeper struct {
	Store  tablestore.Store
	Tables []domain.TableID
	Logger *log.Logger
	Now    func() time.Time
}

func (s *Sweeper) logger() *log.Logger {
	if s.Logger == nil {
		return log.Default()
	}
	return s.Logger
}

func (s *Sweeper) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// Sweep enumerates every configured table and removes entries that expired
// strictly before now. Entries that never expire are always kept.
//
// PermissionDenied and TableNotFound end the cycle and are returned together
// with the partial report. Any other failure is recorded in Report.Failed and
// the cycle continues.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Report, error) {
	var report Report
	for _, table := range s.Tables {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.sweepTable(ctx, table, now, &report); err != nil {
			return report, err
		}
	}
	return report, nil
}

func (s *Sweeper) sweepTable(ctx context.Context, table domain.TableID, now time.Time, report *Report) error {
	records, err := s.Store.Enumerate(ctx, table)
	if err != nil {
		if tablestore.IsFatal(err) {
			return err
		}
		report.Failed = append(report.Failed, Failure{Table: table, Err: err})
		s.logger().Warn("cannot enumerate table", "table", table, "error", err)
		return nil
	}

	for _, record := range records {
		entry := record.Entry(table)
		if !codec.Decode(record.Value).Expired(now) {
			report.Retained = append(report.Retained, entry)
			continue
		}

		err := s.Store.Remove(ctx, table, record.Address)
		switch {
		case err == nil:
			report.Removed = append(report.Removed, entry)
			s.logger().Debug("removed expired entry", "table", table, "address", record.Address, "expired", entry.ExpiresAt)
		case tablestore.IsFatal(err):
			return err
		default:
			report.Failed = append(report.Failed, Failure{Table: table, Address: record.Address, Err: err})
			s.logger().Warn("cannot remove expired entry", "table", table, "address", record.Address, "error", err)
		}
	}
	return nil
}

// PurgeOnce runs a single cycle at the current time and logs its counts.
func (s *Sweeper) PurgeOnce(ctx context.Context) (Report, error) {
	report, err := s.Sweep(ctx, s.now())
	s.logReport(report, err)
	return report, err
}

// RunDaemon sweeps, sleeps for interval and repeats until ctx ends. A failed
// cycle is logged and the next one is attempted on schedule.
func (s *Sweeper) RunDaemon(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", interval)
	}

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		if _, err := s.PurgeOnce(ctx); err != nil && ctx.Err() != nil {
			return nil
		}
		timer.Reset(interval)
	}
}

func (s *Sweeper) logReport(report Report, err error) {
	counts := report.Counts()
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		s.logger().Debug("sweep interrupted", "removed", counts.Removed)
	case err != nil:
		s.logger().Error("sweep aborted", "removed", counts.Removed, "retained", counts.Retained, "failed", counts.Failed, "error", err)
	case counts.Failed > 0:
		s.logger().Warn("sweep finished with failures", "removed", counts.Removed, "retained", counts.Retained, "failed", counts.Failed)
	default:
		s.logger().Info("sweep finished", "removed", counts.Removed, "retained", counts.Retained)
	}
}
