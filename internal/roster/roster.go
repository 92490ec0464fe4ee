package roster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"coteacher/internal/config"
	"coteacher/pkg/types"
)

// Provider resolves the student roster for a class. The roster is owned by an
// external collaborator; this package only fetches and caches snapshots.
type Provider interface {
	Students(ctx context.Context, classID string) (types.Roster, error)
}

// HTTPProvider fetches rosters from the external roster endpoint.
type HTTPProvider struct {
	endpoint string
	client   *http.Client
}

// NewHTTPProvider creates a roster provider from configuration.
func NewHTTPProvider(cfg config.RosterConfig) *HTTPProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProvider{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type rosterRequest struct {
	ClassID string `json:"classId"`
}

// Students fetches the roster snapshot for a class.
func (p *HTTPProvider) Students(ctx context.Context, classID string) (types.Roster, error) {
	body, err := json.Marshal(rosterRequest{ClassID: classID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal roster request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build roster request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("roster fetch failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("roster fetch failed: status %d", resp.StatusCode)
	}

	var roster types.Roster
	if err := json.NewDecoder(resp.Body).Decode(&roster); err != nil {
		return nil, fmt.Errorf("failed to decode roster: %w", err)
	}
	return roster, nil
}

var _ Provider = (*HTTPProvider)(nil)
