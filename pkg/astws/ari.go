package astws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
)

// Ari layers thin typed helpers for the handful of REST operations the
// example scenarios use on top of a control session. Paths and bodies
// stay opaque to the session itself.
type Ari struct {
	session *ControlSession
}

func NewAri(session *ControlSession) *Ari {
	return &Ari{session: session}
}

// Channel is the subset of the ARI channel resource the examples need.
type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// QueryString is one query argument in a channels/create body.
type QueryString struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// CreateChannel creates (but does not dial) a channel. endpoint is an
// Asterisk dial string such as "WebSocket/INCOMING/c(ulaw)".
func (a *Ari) CreateChannel(ctx context.Context, endpoint, app, appArgs, originator string) (*Channel, error) {
	body := map[string]interface{}{
		"query_strings": []QueryString{
			{Name: "endpoint", Value: endpoint},
			{Name: "app", Value: app},
			{Name: "appArgs", Value: appArgs},
			{Name: "originator", Value: originator},
		},
	}
	resp, err := a.session.Request(ctx, "POST", "channels/create", body)
	if err != nil {
		return nil, err
	}

	var ch Channel
	if err := json.Unmarshal(resp.Body, &ch); err != nil {
		return nil, WrapError(err, ErrCodeJSONParse).AddDetail("path", "channels/create")
	}
	return &ch, nil
}

// CreateExternalMediaChannel asks Asterisk to originate an external
// media channel that connects out over the named websocket client
// connection, carrying raw ulaw.
func (a *Ari) CreateExternalMediaChannel(ctx context.Context, channelID, app, appData, externalHost string) error {
	body := map[string]interface{}{
		"query_strings": []QueryString{
			{Name: "channelId", Value: channelID},
			{Name: "app", Value: app},
			{Name: "data", Value: appData},
			{Name: "external_host", Value: externalHost},
			{Name: "transport", Value: "websocket"},
			{Name: "encapsulation", Value: "none"},
			{Name: "format", Value: "ulaw"},
		},
	}
	_, err := a.session.Request(ctx, "POST", "channels/externalMedia", body)
	return err
}

// DialChannel dials a created channel on behalf of caller.
func (a *Ari) DialChannel(ctx context.Context, channelID, caller string, timeoutSec int) error {
	path := fmt.Sprintf("channels/%s/dial?caller=%s&timeout=%d",
		channelID, url.QueryEscape(caller), timeoutSec)
	_, err := a.session.Request(ctx, "POST", path, nil)
	return err
}

// AnswerChannel answers a ringing channel.
func (a *Ari) AnswerChannel(ctx context.Context, channelID string) error {
	_, err := a.session.Request(ctx, "POST", "channels/"+channelID+"/answer", nil)
	return err
}

// HangupChannel deletes (hangs up) a channel.
func (a *Ari) HangupChannel(ctx context.Context, channelID string) error {
	_, err := a.session.Request(ctx, "DELETE", "channels/"+channelID, nil)
	return err
}

// CreateBridge creates a mixing bridge with the given id.
func (a *Ari) CreateBridge(ctx context.Context, bridgeID string) error {
	_, err := a.session.Request(ctx, "POST", "bridges/"+bridgeID+"?type=mixing", nil)
	return err
}

// AddChannelToBridge puts a channel into a bridge.
func (a *Ari) AddChannelToBridge(ctx context.Context, bridgeID, channelID string) error {
	path := fmt.Sprintf("bridges/%s/addChannel?channel=%s", bridgeID, url.QueryEscape(channelID))
	_, err := a.session.Request(ctx, "POST", path, nil)
	return err
}

// DestroyBridge deletes a bridge.
func (a *Ari) DestroyBridge(ctx context.Context, bridgeID string) error {
	_, err := a.session.Request(ctx, "DELETE", "bridges/"+bridgeID, nil)
	return err
}
