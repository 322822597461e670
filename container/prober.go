package container

import (
	"context"
	"fmt"
	"net/http"

	"github.com/zhubert/plural-sandbox/taskapi"
)

// HTTPProber probes GET /health on the container's Task API.
type HTTPProber struct {
	Client *http.Client
}

var _ Prober = (*HTTPProber)(nil)

// Probe returns nil when the runner answers with status "ok".
func (p *HTTPProber) Probe(ctx context.Context, address string) error {
	h, err := taskapi.NewClient(address, p.Client).Health(ctx)
	if err != nil {
		return err
	}
	if h.Status != "ok" {
		return fmt.Errorf("runner reported status %q", h.Status)
	}
	return nil
}
