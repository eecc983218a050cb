package remote

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"
)

// previewSize is how much of a probe response is kept for display.
const previewSize = 200

// Probe is the outcome of one diagnostic fetch.
type Probe struct {
	Mirror    string        `json:"mirror"`
	URL       string        `json:"url"`
	Transport string        `json:"transport"`
	Success   bool          `json:"success"`
	Status    int           `json:"status,omitempty"`
	Error     string        `json:"error,omitempty"`
	Preview   string        `json:"preview,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
}

// Diagnose fetches the manifest from every mirror with every transport,
// independently and concurrently. Probes are returned in mirror-major order
// regardless of completion order. Failures are reported, never returned.
func (f *Fetcher) Diagnose(ctx context.Context) ([]Probe, error) {
	if len(f.mirrors) == 0 {
		return nil, ErrNoMirrors
	}

	probes := make([]Probe, len(f.mirrors)*len(f.diagTransports))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, m := range f.mirrors {
		for j, t := range f.diagTransports {
			idx := i*len(f.diagTransports) + j
			g.Go(func() error {
				probes[idx] = probe(gctx, m, t)
				return nil
			})
		}
	}

	err := g.Wait()
	closeIdle(f.diagTransports)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return probes, err
	}

	for _, p := range probes {
		f.logger.Debug("probe",
			"mirror", p.Mirror,
			"transport", p.Transport,
			"success", p.Success,
			"elapsed", p.Elapsed)
	}
	return probes, nil
}

// closeIdle drops pooled connections of transports that keep any; probe
// connections are not reused by installs.
func closeIdle(ts []Transport) {
	for _, t := range ts {
		if c, ok := t.(interface{ CloseIdleConnections() }); ok {
			c.CloseIdleConnections()
		}
	}
}

func probe(ctx context.Context, m Mirror, t Transport) Probe {
	p := Probe{
		Mirror:    m.Name,
		URL:       joinURL(m.URL, ManifestFile),
		Transport: t.Name(),
	}

	start := time.Now()
	body, err := t.Get(ctx, p.URL)
	p.Elapsed = time.Since(start)

	if err == nil && len(body) == 0 {
		err = ErrEmptyBody
		p.Status = 200
	}
	if err != nil {
		p.Error = err.Error()
		var se *StatusError
		if errors.As(err, &se) {
			p.Status = se.Code
		}
		return p
	}

	p.Success = true
	p.Status = 200
	if len(body) > previewSize {
		body = body[:previewSize]
	}
	p.Preview = string(body)
	return p
}
