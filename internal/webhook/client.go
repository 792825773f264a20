// Package webhook delivers alarm fan-outs and finished reports to the
// channel services registered in the webhook table.
package webhook

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"hpjflow/internal/task"
)

// Report carries one rendered report toward a channel callback. A nil File
// means the period had no entries and only the metadata is delivered.
type Report struct {
	ChannelID int64
	Requester task.Requester
	Start     string
	End       string
	Filename  string
	File      []byte
}

// Sender is the outbound side of the callback protocol.
type Sender interface {
	SendAlarm(ctx context.Context, url string, channelIDs []int64, at string) error
	SendReport(ctx context.Context, url string, r Report) error
}

// Client implements Sender over HTTP with bearer authentication.
type Client struct {
	http   *http.Client
	signer *Signer
	log    zerolog.Logger
}

// NewClient builds a Client. caPath may name a PEM bundle to pin callback
// TLS against; empty means the system roots.
func NewClient(signer *Signer, caPath string, timeout time.Duration, log zerolog.Logger) (*Client, error) {
	hc := &http.Client{Timeout: timeout}
	if caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, errors.Wrap(err, "read CA bundle")
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Newf("no certificates in %s", caPath)
		}
		hc.Transport = &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}}
	}
	return &Client{http: hc, signer: signer, log: log}, nil
}

type alarmPayload struct {
	ChannelIDs []int64 `json:"channel_ids"`
	Time       string  `json:"time"`
}

// SendAlarm tells one channel service to ring the alarm for a batch of its
// users.
func (c *Client) SendAlarm(ctx context.Context, url string, channelIDs []int64, at string) error {
	body, err := json.Marshal(alarmPayload{ChannelIDs: channelIDs, Time: at})
	if err != nil {
		return errors.Wrap(err, "encode alarm payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/alarms", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build alarm request")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

// SendReport posts one report as a multipart form. The file part is omitted
// when the period had no entries.
func (c *Client) SendReport(ctx context.Context, url string, r Report) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	fields := map[string]string{
		"channel_id": strconv.FormatInt(r.ChannelID, 10),
		"requester":  string(r.Requester),
		"start_date": r.Start,
		"end_date":   r.End,
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return errors.Wrapf(err, "write field %s", k)
		}
	}
	if r.File != nil {
		part, err := w.CreateFormFile("file", r.Filename)
		if err != nil {
			return errors.Wrap(err, "create file part")
		}
		if _, err := part.Write(r.File); err != nil {
			return errors.Wrap(err, "write file part")
		}
	}
	if err := w.Close(); err != nil {
		return errors.Wrap(err, "finalize multipart body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/reports", &buf)
	if err != nil {
		return errors.Wrap(err, "build report request")
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return c.do(req)
}

func (c *Client) do(req *http.Request) error {
	token, err := c.signer.Token()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "POST %s", req.URL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.Newf("POST %s: %s: %s", req.URL, resp.Status, snippet)
	}
	c.log.Debug().Str("url", req.URL.String()).Msg("callback delivered")
	return nil
}
