// Package statefile saves table contents when the sweeper stops and restores
// them when it starts again.
package statefile

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"banhammer/internal/domain"
	"banhammer/internal/tablestore"
)

const fileMode = 0o644

// ErrUnsafe is returned by Load for files that others could have written.
var ErrUnsafe = errors.New("state file must be a regular file writable only by its owner")

// Save writes every entry of tables to path as "table<TAB>value<TAB>address"
// lines. The file is replaced atomically. Tables that cannot be enumerated
// are skipped and reported in the returned error.
func Save(ctx context.Context, store tablestore.Store, tables []domain.TableID, path string, now time.Time) (int, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*")
	if err != nil {
		return 0, fmt.Errorf("create state file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	w := bufio.NewWriter(tmp)
	fmt.Fprintf(w, "# banhammerd table state %s\n# table\tvalue\taddress\n", now.UTC().Format(time.RFC3339))

	var (
		written int
		errs    []error
	)
	for _, table := range tables {
		records, err := store.Enumerate(ctx, table)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, r := range records {
			fmt.Fprintf(w, "%d\t%d\t%s\n", table, r.Value, r.Address)
			written++
		}
	}

	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("chmod state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("replace state file: %w", err)
	}
	return written, errors.Join(errs...)
}

// Load upserts every valid line of path into store. Malformed lines are
// logged and skipped. A missing file restores nothing and is not an error.
func Load(ctx context.Context, store tablestore.Store, path string, logger *log.Logger) (int, error) {
	if logger == nil {
		logger = log.Default()
	}

	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("examine state file: %w", err)
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0o022 != 0 {
		return 0, fmt.Errorf("%s: %w", path, ErrUnsafe)
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open state file: %w", err)
	}
	defer f.Close()

	restored := 0
	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		table, value, addr, err := parseLine(line)
		if err != nil {
			logger.Info("skipping invalid state file entry", "path", path, "line", lineNo, "error", err)
			continue
		}
		if err := store.Upsert(ctx, table, addr, value); err != nil {
			if tablestore.IsFatal(err) {
				return restored, err
			}
			logger.Warn("cannot restore entry", "table", table, "address", addr, "error", err)
			continue
		}
		restored++
	}
	if err := scanner.Err(); err != nil {
		return restored, fmt.Errorf("read state file: %w", err)
	}
	return restored, nil
}

func parseLine(line string) (domain.TableID, uint32, netip.Addr, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return 0, 0, netip.Addr{}, fmt.Errorf("want 3 fields, got %d", len(fields))
	}
	table, err := domain.ParseTableID(fields[0])
	if err != nil {
		return 0, 0, netip.Addr{}, err
	}
	value, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return 0, 0, netip.Addr{}, fmt.Errorf("value %q: %w", fields[1], err)
	}
	addr, err := netip.ParseAddr(fields[2])
	if err != nil {
		return 0, 0, netip.Addr{}, err
	}
	if addr.Zone() != "" {
		return 0, 0, netip.Addr{}, fmt.Errorf("address %q has a zone", fields[2])
	}
	return table, uint32(value), addr.Unmap(), nil
}
