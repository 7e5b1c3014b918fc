package client

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/charlie0129/locd/pkg/config"
	"github.com/charlie0129/locd/pkg/events"
	"github.com/charlie0129/locd/pkg/types"
)

func (c *Client) GetVersion() (string, error) {
	ret, err := c.Get("/version")
	if err != nil {
		return "", pkgerrors.Wrapf(err, "failed to get version")
	}
	var v string
	if err := json.Unmarshal([]byte(ret), &v); err != nil {
		return "", pkgerrors.Wrapf(err, "failed to unmarshal version")
	}
	return v, nil
}

func (c *Client) GetConfig() (*config.RawFileConfig, error) {
	var conf config.RawFileConfig
	if err := c.do(context.Background(), http.MethodGet, "/config", nil, &conf); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get config")
	}
	return &conf, nil
}

func (c *Client) GetStatus() (*types.Status, error) {
	var s types.Status
	if err := c.do(context.Background(), http.MethodGet, "/status", nil, &s); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to get status")
	}
	return &s, nil
}

// SetSwitch turns the location switch on or off. It reports whether the
// state changed.
func (c *Client) SetSwitch(enabled bool) (bool, error) {
	ret, err := c.Put("/switch", strconv.FormatBool(enabled))
	if err != nil {
		return false, pkgerrors.Wrapf(err, "failed to set location switch")
	}
	return strconv.ParseBool(strings.TrimSpace(ret))
}

func (c *Client) SetCountryCode(country string, typ events.CountryCodeType) (*events.CountryCode, error) {
	var cc events.CountryCode
	req := types.CountryCodeRequest{Country: country, Type: typ}
	if err := c.do(context.Background(), http.MethodPut, "/country-code", req, &cc); err != nil {
		return nil, pkgerrors.Wrapf(err, "failed to set country code")
	}
	return &cc, nil
}

func (c *Client) RestartProducer() (bool, error) {
	ret, err := c.Post("/producer/restart", "")
	if err != nil {
		return false, pkgerrors.Wrapf(err, "failed to restart producer")
	}
	return strconv.ParseBool(strings.TrimSpace(ret))
}

// FeedNmea sends sentences to the producer, one per line.
func (c *Client) FeedNmea(lines []string) (string, error) {
	return c.Post("/producer/nmea", strings.Join(lines, "\n"))
}

// Attach opens a client context for this process.
func (c *Client) Attach(name string) (string, error) {
	var resp types.AttachResponse
	req := types.AttachRequest{Name: name, PID: os.Getpid(), UID: os.Getuid()}
	if err := c.do(context.Background(), http.MethodPost, "/contexts", req, &resp); err != nil {
		return "", pkgerrors.Wrapf(err, "failed to attach")
	}
	return resp.ID, nil
}

func (c *Client) Detach(id string) error {
	if _, err := c.Delete("/contexts/" + id); err != nil {
		return pkgerrors.Wrapf(err, "failed to detach %s", id)
	}
	return nil
}

func rawArgs(args []any) ([]json.RawMessage, error) {
	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, pkgerrors.Wrapf(err, "failed to marshal argument %T", a)
		}
		raw = append(raw, b)
	}
	return raw, nil
}

// On subscribes a handler token to kind on context id. The last argument
// is the token string.
func (c *Client) On(id, kind string, args ...any) (bool, error) {
	raw, err := rawArgs(args)
	if err != nil {
		return false, err
	}
	var resp types.OnResponse
	req := types.SubscriptionRequest{Kind: kind, Args: raw}
	if err := c.do(context.Background(), http.MethodPost, "/contexts/"+id+"/on", req, &resp); err != nil {
		return false, err
	}
	return resp.Created, nil
}

func (c *Client) Off(id, kind string, args ...any) (bool, error) {
	raw, err := rawArgs(args)
	if err != nil {
		return false, err
	}
	var resp types.OffResponse
	req := types.SubscriptionRequest{Kind: kind, Args: raw}
	if err := c.do(context.Background(), http.MethodPost, "/contexts/"+id+"/off", req, &resp); err != nil {
		return false, err
	}
	return resp.Removed, nil
}

// RequestOnce asks for a single location. A zero timeout uses the daemon's
// default.
func (c *Client) RequestOnce(ctx context.Context, id string, req events.SingleShotRequest, timeout time.Duration) (*events.Location, error) {
	var loc events.Location
	body := types.RequestOnceRequest{Request: req, TimeoutMs: int(timeout.Milliseconds())}
	if err := c.do(ctx, http.MethodPost, "/contexts/"+id+"/request-once", body, &loc); err != nil {
		return nil, err
	}
	return &loc, nil
}
