// Package opensearch ships engine history events to an OpenSearch or
// Elasticsearch-compatible cluster over its document REST API.
package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/caprun/caprun/internal/history"
)

// Sink indexes one document per event at <baseURL>/<index>/_doc.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string
}

// New builds a sink for the cluster at baseURL. The opensearch:// and
// elasticsearch:// DSN schemes are accepted as aliases for plain HTTP, so
// config DSNs can be handed over without rewriting the scheme first.
func New(baseURL, index string) *Sink {
	baseURL = strings.TrimRight(baseURL, "/")
	for _, alias := range []string{"opensearch://", "elasticsearch://"} {
		if rest, ok := strings.CutPrefix(baseURL, alias); ok {
			baseURL = "http://" + rest
			break
		}
	}
	return &Sink{
		client:  &http.Client{Timeout: 5 * time.Second},
		baseURL: baseURL,
		index:   index,
	}
}

// Send posts one event. Anything but a 2xx from the cluster is an error.
func (s *Sink) Send(ctx context.Context, e history.Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode history event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/"+s.index+"/_doc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}
