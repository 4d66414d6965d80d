package tunnel

import (
	"context"
	"errors"
	"time"

	"github.com/mobileatlas/simtunnel/internal/directory"
	"github.com/mobileatlas/simtunnel/internal/metrics"
	"github.com/mobileatlas/simtunnel/internal/protocol"
)

// instrumentedDirectory records latency and outcome of directory lookups.
type instrumentedDirectory struct {
	inner   directory.Directory
	metrics *metrics.Metrics
}

func instrument(d directory.Directory, m *metrics.Metrics) directory.Directory {
	if d == nil || m == nil {
		return d
	}
	return &instrumentedDirectory{inner: d, metrics: m}
}

func (d *instrumentedDirectory) ValidateSessionToken(ctx context.Context, token protocol.Token) (*directory.Session, error) {
	start := time.Now()
	s, err := d.inner.ValidateSessionToken(ctx, token)
	d.metrics.RecordDirectory("validate", lookupResult(err), time.Since(start).Seconds())
	return s, err
}

func (d *instrumentedDirectory) ResolveProvider(ctx context.Context, id protocol.Identifier) (string, error) {
	start := time.Now()
	p, err := d.inner.ResolveProvider(ctx, id)
	d.metrics.RecordDirectory("resolve", lookupResult(err), time.Since(start).Seconds())
	return p, err
}

func lookupResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, directory.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
