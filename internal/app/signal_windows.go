//go:build windows

package app

import "os"

func statsSignal() (<-chan os.Signal, func()) {
	return nil, func() {}
}
