// Package matrix posts operator notices to a Matrix room.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
}

// Client wraps the mautrix client. drydock only sends; it never syncs.
type Client struct {
	client *mautrix.Client
	userID string
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.Homeserver == "" || cfg.AccessToken == "" {
		return nil, errors.New("matrix: homeserver and access token are required")
	}
	c, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("matrix: create client: %w", err)
	}
	return &Client{client: c, userID: cfg.UserID}, nil
}

// UserID returns the account the client posts as.
func (c *Client) UserID() string { return c.userID }

// JoinRoom joins roomID. Being a member already is not an error.
func (c *Client) JoinRoom(ctx context.Context, roomID string) error {
	_, err := c.client.JoinRoomByID(ctx, id.RoomID(roomID))
	if err == nil {
		return nil
	}
	// Homeservers answer M_FORBIDDEN for some already-joined rooms.
	if errors.Is(err, mautrix.MForbidden) {
		slog.Warn("matrix: join refused, assuming membership", "room", roomID)
		return nil
	}
	return fmt.Errorf("matrix: join %s: %w", roomID, err)
}

// SendNotice posts a m.notice message.
func (c *Client) SendNotice(ctx context.Context, roomID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
	}
	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("matrix: send notice: %w", err)
	}
	return nil
}
