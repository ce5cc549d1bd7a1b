package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/farmgate/eligibility/internal/domain"
)

// HTTPSource fetches features from an external collaborator over HTTP.
// The collaborator serves GET {base}/tenants/{tenantID}/farmers/{farmerID}
// with a flat JSON object of feature values.
type HTTPSource struct {
	name     string
	baseURL  string
	required bool
	client   *http.Client
}

// NewHTTPSource creates a collaborator-backed feature source. The client
// carries no timeout of its own; the builder bounds each fetch.
func NewHTTPSource(name, baseURL string, required bool, client *http.Client) *HTTPSource {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPSource{
		name:     name,
		baseURL:  baseURL,
		required: required,
		client:   client,
	}
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) Required() bool { return s.required }

func (s *HTTPSource) Fetch(ctx context.Context, tenantID, farmerID string) (map[string]any, error) {
	endpoint := fmt.Sprintf("%s/tenants/%s/farmers/%s",
		s.baseURL, url.PathEscape(tenantID), url.PathEscape(farmerID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrExternalService, s.name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrExternalService, s.name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s has no data for farmer %s", domain.ErrDataUnavailable, s.name, farmerID)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: %s returned status %d", domain.ErrExternalService, s.name, resp.StatusCode)
	}

	var features map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&features); err != nil {
		return nil, fmt.Errorf("%w: %s: invalid response: %v", domain.ErrExternalService, s.name, err)
	}
	return features, nil
}
