package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"e2e_groupchat/internal/group"
	"e2e_groupchat/internal/model"

	"golang.org/x/sync/errgroup"
)

// maxConcurrentLookups bounds the card requests FindCards runs at once.
const maxConcurrentLookups = 8

type (
	// Client talks to the card directory of the relay server.
	Client struct {
		host       string
		httpClient *http.Client
	}
)

func NewClient(host string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		host:       host,
		httpClient: httpClient,
	}
}

// FindCards resolves every identity to its current card. The result keeps
// the order of identities.
func (c *Client) FindCards(ctx context.Context, identities []string) ([]*model.Card, error) {
	cards := make([]*model.Card, len(identities))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentLookups)
	for i, identity := range identities {
		i, identity := i, identity
		g.Go(func() error {
			card, err := c.GetCard(ctx, identity)
			if err != nil {
				return err
			}
			cards[i] = card
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return cards, nil
}

func (c *Client) GetCard(ctx context.Context, identity string) (*model.Card, error) {
	u := url.URL{
		Scheme: "http",
		Host:   c.host,
		Path:   "/cards/" + url.PathEscape(identity),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", group.ErrCardNotFound, identity)
	default:
		return nil, fmt.Errorf("get card of %s: unexpected status %s", identity, resp.Status)
	}

	var card model.Card
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, err
	}
	// the directory is not trusted with keys
	if card.Identity != identity {
		return nil, fmt.Errorf("get card of %s: directory answered with %q", identity, card.Identity)
	}
	if err := model.VerifyChain(&card); err != nil {
		return nil, fmt.Errorf("get card of %s: %w", identity, err)
	}
	return &card, nil
}

// PublishCard publishes card as the current card of its identity and
// returns it as stored by the directory.
func (c *Client) PublishCard(ctx context.Context, card *model.Card) (*model.Card, error) {
	data, err := json.Marshal(card)
	if err != nil {
		return nil, err
	}

	u := url.URL{
		Scheme: "http",
		Host:   c.host,
		Path:   "/cards",
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("publish card of %s: unexpected status %s", card.Identity, resp.Status)
	}

	var published model.Card
	if err := json.NewDecoder(resp.Body).Decode(&published); err != nil {
		return nil, err
	}
	return &published, nil
}
