// Package dispatch posts matched trigger events to the external automation
// endpoint and probes it for connectivity.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rapidvoice/voicetrigger/internal/observability"
)

// Character is an automation action target: an action ID/name pair the
// endpoint resolves to user-visible behavior.
type Character struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// DefaultCharacters returns the built-in action targets
func DefaultCharacters() []Character {
	return []Character{
		{Name: "GPT Character 1", ID: "fc638620-0d7e-4a75-a750-6d113087b226"},
		{Name: "GPT Character 2", ID: "2bb4de05-fa57-4ee3-a435-9ff72dd3f580"},
		{Name: "GPT Character 3", ID: "f25756db-2727-435d-b486-20864afa60cb"},
		{Name: "GPT Character 4", ID: "a0a9433d-7ad1-49e8-85b9-af313a0b78f1"},
		{Name: "GPT Character 5", ID: "b959e0c7-c751-46bc-a43e-2787682e65fe"},
	}
}

// Resolve finds a character by ID. An empty ID selects the first character.
func Resolve(characters []Character, id string) (Character, bool) {
	if len(characters) == 0 {
		return Character{}, false
	}
	if id == "" {
		return characters[0], true
	}
	for _, c := range characters {
		if c.ID == id {
			return c, true
		}
	}
	return Character{}, false
}

// Metadata carries the static argument fields merged into every dispatch
type Metadata struct {
	UserName        string
	BroadcastUserID string
	CurrentGame     string
	CurrentTitle    string
}

type actionRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type actionArgs struct {
	UserName        string `json:"userName"`
	BroadcastUserID string `json:"broadcastUserId"`
	Broadcaster     string `json:"broadcaster"`
	BroadcasterID   string `json:"broadcasterId"`
	CurrentGame     string `json:"currentGame"`
	CurrentTitle    string `json:"currentTitle"`
	RawInput        string `json:"rawInput"`
}

type actionRequest struct {
	Action actionRef  `json:"action"`
	Args   actionArgs `json:"args"`
}

// Client posts matched trigger events to the automation endpoint.
// Failures are logged and reported to the caller for per-message status
// bookkeeping; they are never retried.
type Client struct {
	baseURL    string
	meta       Metadata
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a dispatch client for the given base URL
func NewClient(baseURL string, meta Metadata, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		meta:       meta,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With().Str("component", "dispatch").Logger(),
	}
}

// DoAction posts the matched transcript text as an action invocation.
// The args bag merges the static identity metadata with the matched text.
func (c *Client) DoAction(ctx context.Context, character Character, rawInput string) error {
	body := actionRequest{
		Action: actionRef{ID: character.ID, Name: character.Name},
		Args: actionArgs{
			UserName:        c.meta.UserName,
			BroadcastUserID: c.meta.BroadcastUserID,
			Broadcaster:     c.meta.UserName,
			BroadcasterID:   c.meta.BroadcastUserID,
			CurrentGame:     c.meta.CurrentGame,
			CurrentTitle:    c.meta.CurrentTitle,
			RawInput:        rawInput,
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode action request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/DoAction", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build action request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.RecordDispatch(false, time.Since(start).Seconds())
		observability.RecordError("network", "dispatch")
		return fmt.Errorf("action post failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		observability.RecordDispatch(false, time.Since(start).Seconds())
		observability.RecordError("http_status", "dispatch")
		return fmt.Errorf("action post returned status %d", resp.StatusCode)
	}

	observability.RecordDispatch(true, time.Since(start).Seconds())
	c.logger.Info().
		Str("action", character.Name).
		Str("raw_input", rawInput).
		Msg("Action dispatched")
	return nil
}

// BaseURL returns the configured endpoint base URL
func (c *Client) BaseURL() string {
	return c.baseURL
}
