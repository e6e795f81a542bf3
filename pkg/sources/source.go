// Package sources defines where incoming datasets come from.
package sources

import (
	"context"

	"github.com/TFMV/m2sync/pkg/core"
)

// Source fetches the records changed within a window.
type Source interface {
	// Name is the data type, used for table and log naming.
	Name() string

	// Identity is the identity field of the fetched dataset.
	Identity() string

	// Fetch returns every record of the window as one Dataset.
	Fetch(ctx context.Context, window core.Window) (*core.Dataset, error)
}
