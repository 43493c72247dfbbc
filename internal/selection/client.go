// Package selection is the HTTP client for the external dish-selection service.
package selection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/spinparty/internal/spin"
	"github.com/DoyleJ11/spinparty/pkg/types"
)

const selectPath = "/select"

type request struct {
	Categories []string      `json:"categories"`
	Tags       []string      `json:"tags"`
	Allergens  []string      `json:"allergens"`
	Locks      []bool        `json:"locks"`
	Current    []*types.Dish `json:"current"`
	Powerups   []string      `json:"powerups"`
}

type response struct {
	Selection []*types.Dish `json:"selection"`
	Summary   types.Summary `json:"summary"`
}

// Client implements spin.Selector against POST {baseURL}/select.
type Client struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func NewClient(baseURL string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		log:     log,
	}
}

var _ spin.Selector = (*Client)(nil)

func (c *Client) Select(ctx context.Context, req spin.Request) (spin.Selection, error) {
	body := request{
		Categories: req.Categories[:],
		Tags:       nonNil(req.Tags),
		Allergens:  nonNil(req.Allergens),
		Locks:      req.Locks[:],
		Current:    req.Current[:],
		Powerups:   nonNil(req.Powerups),
	}
	var out response
	if err := c.postJSON(ctx, c.baseURL+selectPath, body, &out); err != nil {
		return spin.Selection{}, err
	}
	if len(out.Selection) > types.SlotCount {
		return spin.Selection{}, fmt.Errorf("selection returned %d dishes", len(out.Selection))
	}

	sel := spin.Selection{Summary: out.Summary}
	copy(sel.Slots[:], out.Selection)
	for i := range sel.Slots {
		// the service may echo locked slots; the caller's board stays authoritative
		if req.Locks[i] {
			sel.Slots[i] = req.Current[i]
		}
	}
	c.log.Debug("selection received", zap.Int("dishes", len(out.Selection)))
	return sel, nil
}

func (c *Client) postJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("http %s: %d %s", url, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
