package roster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mikeyg42/meshroom/internal/identity"
)

// RendezvousStore reads room membership from the rendezvous server's
// /rooms/:room/peers endpoint. Presence there follows the signaling
// registration, so Join and Leave have nothing to record.
type RendezvousStore struct {
	base   *url.URL
	client *http.Client
}

// NewRendezvousStore accepts either the server's HTTP base or the
// ws(s)://host/signal URL clients register with.
func NewRendezvousStore(serverURL string, client *http.Client) (*RendezvousStore, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid rendezvous URL %q: %w", serverURL, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return nil, fmt.Errorf("invalid rendezvous URL %q: unsupported scheme", serverURL)
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/signal")
	if u.Path == "" {
		u.Path = "/"
	}
	u.RawQuery = ""
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &RendezvousStore{base: u, client: client}, nil
}

// HealthCheck asks the server's /health endpoint.
func (s *RendezvousStore) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base.JoinPath("health").String(), nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("rendezvous server unreachable: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rendezvous server unhealthy: %s", resp.Status)
	}
	return nil
}

func (s *RendezvousStore) FetchRoster(ctx context.Context, roomID string) ([]identity.Participant, error) {
	endpoint := s.base.JoinPath("rooms", roomID, "peers")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch roster: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch roster: %s", resp.Status)
	}

	var body struct {
		Room  string                 `json:"room"`
		Peers []identity.Participant `json:"peers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode roster: %w", err)
	}
	return body.Peers, nil
}

func (s *RendezvousStore) Join(context.Context, identity.Participant) error  { return nil }
func (s *RendezvousStore) Leave(context.Context, identity.Participant) error { return nil }
