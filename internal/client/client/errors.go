package client

import (
	"fmt"

	"github.com/dmitrijs2005/draftsync/internal/common"
)

var (
	// ErrUnavailable matches common.ErrTransientNetwork.
	ErrUnavailable = fmt.Errorf("server unavailable: %w", common.ErrTransientNetwork)
	// ErrUnauthorized is common.ErrUnauthorized.
	ErrUnauthorized = common.ErrUnauthorized
)
