package discord

import (
	"context"
	"errors"
)

// LookupUser returns the name a user is shown with inside a guild (nickname,
// then global name, then username) and their avatar URL. A zero guildID skips
// the member lookup.
func (c *Client) LookupUser(ctx context.Context, guildID, userID int64) (string, string, error) {
	if guildID != 0 {
		m, err := c.GetMember(ctx, guildID, userID)
		switch {
		case err == nil && m.User != nil:
			if m.Nick != nil && *m.Nick != "" {
				return *m.Nick, m.User.AvatarURL(), nil
			}
			return m.User.DisplayName(), m.User.AvatarURL(), nil
		case err != nil && !errors.Is(err, ErrNotFound):
			return "", "", err
		}
		// not a member any more; fall back to the global profile
	}

	u, err := c.GetUser(ctx, userID)
	if err != nil {
		return "", "", err
	}
	return u.DisplayName(), u.AvatarURL(), nil
}

func (c *Client) LookupChannel(ctx context.Context, channelID int64) (string, error) {
	ch, err := c.GetChannel(ctx, channelID)
	if err != nil {
		return "", err
	}
	return ch.Name, nil
}

func (c *Client) LookupGuild(ctx context.Context, guildID int64) (string, error) {
	g, err := c.GetGuild(ctx, guildID)
	if err != nil {
		return "", err
	}
	return g.Name, nil
}
