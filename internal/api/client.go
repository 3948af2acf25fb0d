// Package api is the REST collaborator the lobby state machine issues
// state-changing actions against. It only knows request/response shapes;
// every call carries a bounded timeout so an unresponsive backend can never
// leave a caller waiting indefinitely.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

var (
	// ErrNotFound means the server has no such lobby.
	ErrNotFound = errors.New("lobby not found")

	// ErrNotMember means the server does not consider this user a member.
	ErrNotMember = errors.New("not a member of this lobby")

	// ErrGone means the lobby existed but has been torn down.
	ErrGone = errors.New("lobby is gone")
)

// IsNotFoundClass reports whether err says the server already agrees the
// lobby (or our membership) does not exist.
func IsNotFoundClass(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotMember) || errors.Is(err, ErrGone)
}

// Lobby is the authoritative tuple the backend returns for a group session.
type Lobby struct {
	Code      string    `json:"code"`
	Host      string    `json:"host"`
	Users     []string  `json:"users"`
	CreatedAt time.Time `json:"created_at"`
}

type apiResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"` // machine-readable error code
	Lobby   *Lobby `json:"lobby,omitempty"`
	Balance *int64 `json:"balance,omitempty"`
	Remain  *int   `json:"remaining,omitempty"`
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

func NewClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{},
		timeout: timeout,
		logger:  logger,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*apiResponse, error) {
	// The default timeout applies only when the caller did not bring its own
	// deadline; a caller-set bound (the lobby machine's close and health
	// timeouts) governs untouched.
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return &out, ErrNotFound
	}
	if resp.StatusCode == http.StatusGone {
		return &out, ErrGone
	}
	if !out.Success {
		switch out.Code {
		case "lobby_not_found":
			return &out, ErrNotFound
		case "not_a_member":
			return &out, ErrNotMember
		case "lobby_gone":
			return &out, ErrGone
		}
		if out.Error != "" {
			// The server's message is surfaced verbatim.
			return &out, errors.New(out.Error)
		}
		return &out, fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	return &out, nil
}

// CreateLobby asks the backend for a new lobby hosted by this user.
func (c *Client) CreateLobby(ctx context.Context) (*Lobby, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/lobby", nil)
	if err != nil {
		return nil, err
	}
	if resp.Lobby == nil {
		return nil, errors.New("create returned no lobby")
	}
	return resp.Lobby, nil
}

// JoinLobby joins an existing lobby by code.
func (c *Client) JoinLobby(ctx context.Context, code string) (*Lobby, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/lobby/"+code+"/join", nil)
	if err != nil {
		return nil, err
	}
	if resp.Lobby == nil {
		return nil, errors.New("join returned no lobby")
	}
	return resp.Lobby, nil
}

// LeaveLobby removes this user from the lobby.
func (c *Client) LeaveLobby(ctx context.Context, code string) error {
	_, err := c.do(ctx, http.MethodPost, "/api/v1/lobby/"+code+"/leave", nil)
	return err
}

// EndLobby tears the lobby down; only the host may call it.
func (c *Client) EndLobby(ctx context.Context, code string) error {
	_, err := c.do(ctx, http.MethodDelete, "/api/v1/lobby/"+code, nil)
	return err
}

// LobbyStatus fetches the authoritative lobby tuple.
func (c *Client) LobbyStatus(ctx context.Context, code string) (*Lobby, error) {
	resp, err := c.do(ctx, http.MethodGet, "/api/v1/lobby/"+code, nil)
	if err != nil {
		return nil, err
	}
	if resp.Lobby == nil {
		return nil, ErrNotFound
	}
	return resp.Lobby, nil
}

// LobbyHealth probes the lightweight liveness endpoint.
func (c *Client) LobbyHealth(ctx context.Context, code string) error {
	_, err := c.do(ctx, http.MethodGet, "/api/v1/lobby/"+code+"/health", nil)
	return err
}

type spendRequest struct {
	Amount int64  `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

// SpendWallet submits an authoritative wallet debit and returns the server's
// resulting balance.
func (c *Client) SpendWallet(ctx context.Context, amount int64, reason string) (int64, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/wallet/spend", spendRequest{Amount: amount, Reason: reason})
	if err != nil {
		return 0, err
	}
	if resp.Balance == nil {
		return 0, errors.New("spend returned no balance")
	}
	return *resp.Balance, nil
}

type placeRequest struct {
	Slot        string `json:"slot"`
	StructureID string `json:"structure_id"`
}

// PlaceStructure submits an authoritative placement and returns the server's
// remaining inventory count for the structure.
func (c *Client) PlaceStructure(ctx context.Context, slot, structureID string) (int, error) {
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/garden/place", placeRequest{Slot: slot, StructureID: structureID})
	if err != nil {
		return 0, err
	}
	if resp.Remain == nil {
		return 0, errors.New("place returned no remaining count")
	}
	return *resp.Remain, nil
}
