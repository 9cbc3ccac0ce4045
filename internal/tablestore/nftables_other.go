//go:build !linux

package tablestore

import (
	"context"
	"errors"
	"net/netip"
	"runtime"

	"github.com/charmbracelet/log"

	"banhammer/internal/domain"
)

type NftConfig struct {
	Table  string
	Create bool
}

// NftStore is only available on Linux.
type NftStore struct{}

var errNoNftables = errors.New("nftables requires linux, running on " + runtime.GOOS)

func NewNftStore(NftConfig, *log.Logger) (*NftStore, error) {
	return nil, newError(Unsupported, 0, "connect", errNoNftables)
}

func (*NftStore) Upsert(context.Context, domain.TableID, netip.Addr, uint32) error {
	return newError(Unsupported, 0, "upsert", errNoNftables)
}

func (*NftStore) Remove(context.Context, domain.TableID, netip.Addr) error {
	return newError(Unsupported, 0, "remove", errNoNftables)
}

func (*NftStore) Enumerate(context.Context, domain.TableID) ([]Record, error) {
	return nil, newError(Unsupported, 0, "enumerate", errNoNftables)
}

func (*NftStore) Close() error {
	return nil
}
