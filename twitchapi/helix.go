package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// HelixClient provides the Helix calls the relay needs: login resolution and
// chat moderation. Moderation endpoints require a user token whose owner is a
// moderator (or the broadcaster) of the target channel; an app token is only
// good for read-only lookups.
type HelixClient struct {
	Token      Provider
	ClientID   string
	HTTPClient *http.Client
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) do(ctx context.Context, method, rawURL string, query map[string]string, body any) (*http.Response, error) {
	tok, err := hc.Token.Get(ctx)
	if err != nil {
		return nil, err
	}
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return hc.http().Do(req)
}

func closeBody(resp *http.Response) {
	if err := resp.Body.Close(); err != nil {
		slog.Warn("failed to close response body", slog.Any("err", err))
	}
}

func statusErr(op string, resp *http.Response) error {
	b, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("twitch %s failed: %s: %s", op, resp.Status, string(b))
}

// GetUserID resolves a login name to its user ID.
func (hc *HelixClient) GetUserID(ctx context.Context, login string) (string, error) {
	if login == "" {
		return "", fmt.Errorf("login empty")
	}
	resp, err := hc.do(ctx, http.MethodGet, "https://api.twitch.tv/helix/users", map[string]string{"login": login}, nil)
	if err != nil {
		return "", err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return "", statusErr("user lookup", resp)
	}
	var body struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 {
		return "", fmt.Errorf("user not found")
	}
	return body.Data[0].ID, nil
}

// BanUser bans userID in the broadcaster's channel. durationSeconds > 0 makes
// it a timeout instead of a permanent ban.
func (hc *HelixClient) BanUser(ctx context.Context, broadcasterID, moderatorID, userID string, durationSeconds int, reason string) error {
	if broadcasterID == "" || moderatorID == "" || userID == "" {
		return fmt.Errorf("broadcasterID/moderatorID/userID required")
	}
	data := map[string]any{"user_id": userID}
	if durationSeconds > 0 {
		data["duration"] = durationSeconds
	}
	if reason != "" {
		data["reason"] = reason
	}
	resp, err := hc.do(ctx, http.MethodPost, "https://api.twitch.tv/helix/moderation/bans",
		map[string]string{"broadcaster_id": broadcasterID, "moderator_id": moderatorID},
		map[string]any{"data": data})
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return statusErr("ban", resp)
	}
	return nil
}

// UnbanUser lifts a ban or timeout on userID.
func (hc *HelixClient) UnbanUser(ctx context.Context, broadcasterID, moderatorID, userID string) error {
	if broadcasterID == "" || moderatorID == "" || userID == "" {
		return fmt.Errorf("broadcasterID/moderatorID/userID required")
	}
	resp, err := hc.do(ctx, http.MethodDelete, "https://api.twitch.tv/helix/moderation/bans",
		map[string]string{"broadcaster_id": broadcasterID, "moderator_id": moderatorID, "user_id": userID}, nil)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusNoContent {
		return statusErr("unban", resp)
	}
	return nil
}

// DeleteMessage removes a single chat message. An empty messageID is rejected
// here rather than clearing the whole chat, which is what Helix does when the
// parameter is omitted.
func (hc *HelixClient) DeleteMessage(ctx context.Context, broadcasterID, moderatorID, messageID string) error {
	if broadcasterID == "" || moderatorID == "" {
		return fmt.Errorf("broadcasterID/moderatorID required")
	}
	if messageID == "" {
		return fmt.Errorf("messageID required")
	}
	resp, err := hc.do(ctx, http.MethodDelete, "https://api.twitch.tv/helix/moderation/chat",
		map[string]string{"broadcaster_id": broadcasterID, "moderator_id": moderatorID, "message_id": messageID}, nil)
	if err != nil {
		return err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusNoContent {
		return statusErr("delete message", resp)
	}
	return nil
}

// IsModerator reports whether userID moderates the broadcaster's channel.
// Requires a broadcaster token with moderation:read.
func (hc *HelixClient) IsModerator(ctx context.Context, broadcasterID, userID string) (bool, error) {
	if broadcasterID == "" || userID == "" {
		return false, fmt.Errorf("broadcasterID/userID required")
	}
	resp, err := hc.do(ctx, http.MethodGet, "https://api.twitch.tv/helix/moderation/moderators",
		map[string]string{"broadcaster_id": broadcasterID, "user_id": userID}, nil)
	if err != nil {
		return false, err
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		return false, statusErr("moderator lookup", resp)
	}
	var body struct {
		Data []struct {
			UserID string `json:"user_id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return len(body.Data) > 0, nil
}
