// Package mediaclient talks JSON over HTTP to the media-forwarding service.
package mediaclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dkeye/Huddle/internal/domain"
	"github.com/dkeye/Huddle/internal/media"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// StatusError is a non-2xx answer from the service.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("media service %s %s: %d %s", e.Method, e.Path, e.Code, e.Body)
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

var _ media.Service = (*Client)(nil)

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

func seg(s string) string { return url.PathEscape(s) }

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", path, err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("media service %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, media.ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) NegotiateCapabilities(ctx context.Context, ch domain.ChannelID) (media.Capabilities, error) {
	var caps media.Capabilities
	err := c.do(ctx, http.MethodGet, "/channels/"+seg(string(ch))+"/capabilities", nil, &caps)
	return caps, err
}

func (c *Client) CreateTransport(ctx context.Context, ch domain.ChannelID, uid domain.UserID, dir media.Direction) (media.TransportInfo, error) {
	var info media.TransportInfo
	in := struct {
		UserID    domain.UserID   `json:"userId"`
		Direction media.Direction `json:"direction"`
	}{uid, dir}
	err := c.do(ctx, http.MethodPost, "/channels/"+seg(string(ch))+"/transports", in, &info)
	return info, err
}

func (c *Client) ConnectTransport(ctx context.Context, transportID string, dtls webrtc.DTLSParameters) error {
	in := struct {
		DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
	}{dtls}
	return c.do(ctx, http.MethodPost, "/transports/"+seg(transportID)+"/connect", in, nil)
}

func (c *Client) CloseTransport(ctx context.Context, transportID string) error {
	return c.do(ctx, http.MethodDelete, "/transports/"+seg(transportID), nil, nil)
}

func (c *Client) Produce(ctx context.Context, transportID string, kind domain.MediaKind, params webrtc.RTPSendParameters) (string, error) {
	in := struct {
		Kind          domain.MediaKind         `json:"kind"`
		RTPParameters webrtc.RTPSendParameters `json:"rtpParameters"`
	}{kind, params}
	var out struct {
		ProducerID string `json:"producerId"`
	}
	if err := c.do(ctx, http.MethodPost, "/transports/"+seg(transportID)+"/producers", in, &out); err != nil {
		return "", err
	}
	if out.ProducerID == "" {
		return "", errors.New("media service returned empty producer id")
	}
	return out.ProducerID, nil
}

func (c *Client) PauseProducer(ctx context.Context, producerID string) error {
	return c.do(ctx, http.MethodPost, "/producers/"+seg(producerID)+"/pause", nil, nil)
}

func (c *Client) ResumeProducer(ctx context.Context, producerID string) error {
	return c.do(ctx, http.MethodPost, "/producers/"+seg(producerID)+"/resume", nil, nil)
}

func (c *Client) CloseProducer(ctx context.Context, producerID string) error {
	return c.do(ctx, http.MethodDelete, "/producers/"+seg(producerID), nil, nil)
}

func (c *Client) ListProducers(ctx context.Context, ch domain.ChannelID, uid domain.UserID) ([]media.ProducerInfo, error) {
	var out []media.ProducerInfo
	err := c.do(ctx, http.MethodGet, "/channels/"+seg(string(ch))+"/users/"+seg(string(uid))+"/producers", nil, &out)
	if errors.Is(err, media.ErrNotFound) {
		return nil, nil
	}
	return out, err
}

func (c *Client) Consume(ctx context.Context, transportID, producerID string, consumer domain.UserID) (media.ConsumerInfo, error) {
	in := struct {
		ProducerID string        `json:"producerId"`
		UserID     domain.UserID `json:"userId"`
	}{producerID, consumer}
	var info media.ConsumerInfo
	err := c.do(ctx, http.MethodPost, "/transports/"+seg(transportID)+"/consumers", in, &info)
	return info, err
}

func (c *Client) CloseConsumer(ctx context.Context, consumerID string) error {
	return c.do(ctx, http.MethodDelete, "/consumers/"+seg(consumerID), nil, nil)
}

// Cleanup releases everything uid holds in ch. An unknown user is already clean.
func (c *Client) Cleanup(ctx context.Context, ch domain.ChannelID, uid domain.UserID) error {
	err := c.do(ctx, http.MethodDelete, "/channels/"+seg(string(ch))+"/users/"+seg(string(uid)), nil, nil)
	if errors.Is(err, media.ErrNotFound) {
		log.Debug().Str("module", "mediaclient").Str("channel", string(ch)).Str("user", string(uid)).Msg("nothing to clean up")
		return nil
	}
	return err
}
