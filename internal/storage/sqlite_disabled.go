//go:build !sqlite

package storage

import (
	"fmt"

	logx "coalesce/pkg/logx"
)

// openSQLite fails fast so a journal configured for sqlite never falls back
// to running without one.
func openSQLite(cfg Config, _ logx.Logger) (Store, error) {
	return nil, fmt.Errorf("%w (journal %s); rebuild with -tags sqlite or use driver file", ErrSQLiteNotBuilt, cfg.Path)
}
