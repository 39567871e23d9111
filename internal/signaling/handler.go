package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Dispatcher consumes envelopes coming from the relay.
type Dispatcher interface {
	HandleEnvelope(env *Envelope)
	// Disconnected is called once when the relay connection ends.
	Disconnected()
}

// Handler routes incoming signaling envelopes to a Dispatcher, in arrival
// order, from a single goroutine.
type Handler struct {
	client     *Client
	dispatcher Dispatcher
}

// NewHandler creates a new envelope handler.
func NewHandler(client *Client, dispatcher Dispatcher) *Handler {
	return &Handler{
		client:     client,
		dispatcher: dispatcher,
	}
}

// Start dispatches envelopes until the connection closes.
func (h *Handler) Start() {
	for env := range h.client.Incoming() {
		h.dispatcher.HandleEnvelope(env)
	}
	h.dispatcher.Disconnected()
}

// ErrCreateRoom is returned when the relay refuses to mint a room.
var ErrCreateRoom = errors.New("failed to create room")

type createRoomResponse struct {
	RoomID string `json:"roomId"`
}

// CreateRoom asks the relay for a fresh room identifier.
func CreateRoom(ctx context.Context, httpClient *http.Client, createURL string) (string, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, createURL, strings.NewReader(""))
	if err != nil {
		return "", err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCreateRoom, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %s", ErrCreateRoom, resp.Status)
	}

	var body createRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: %v", ErrCreateRoom, err)
	}
	if body.RoomID == "" {
		return "", fmt.Errorf("%w: empty room id", ErrCreateRoom)
	}
	return body.RoomID, nil
}
