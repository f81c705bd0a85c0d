package deid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/mist-health/mdf-pipeline/pkg/common/httpclient"
	"github.com/mist-health/mdf-pipeline/pkg/common/logger"
)

// RemoteConfig configures the external hashing service.
type RemoteConfig struct {
	URL          string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Timeout      time.Duration
	Backoff      httpclient.Backoff
}

// RemotePseudonymizer asks an HTTP hashing service for pseudonyms. Calls are
// authenticated with OAuth2 client credentials and retried with backoff.
type RemotePseudonymizer struct {
	url     string
	client  *http.Client
	backoff httpclient.Backoff
}

type hashRequest struct {
	ID   string `json:"id"`
	Salt string `json:"salt"`
}

type hashResponse struct {
	Pseudonym string `json:"pseudonym"`
}

// errPermanent marks responses that retrying will not fix.
type errPermanent struct{ status int }

func (e errPermanent) Error() string { return fmt.Sprintf("hashing service returned %d", e.status) }

func NewRemotePseudonymizer(ctx context.Context, cfg RemoteConfig) (*RemotePseudonymizer, error) {
	if cfg.URL == "" {
		return nil, errors.New("hashing service url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	base := httpclient.New(cfg.Timeout)
	client := base
	if cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		client = cc.Client(context.WithValue(ctx, oauth2.HTTPClient, base))
		client.Timeout = cfg.Timeout
	}
	b := cfg.Backoff
	if b.Attempts == 0 {
		b = httpclient.Backoff{Attempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
	}
	if b.OnRetry == nil {
		b.OnRetry = func(attempt int, err error, wait time.Duration) {
			logger.Log.WithError(err).WithField("attempt", attempt).WithField("wait", wait.String()).
				Warn("hashing service call failed, retrying")
		}
	}
	return &RemotePseudonymizer{url: cfg.URL, client: client, backoff: b}, nil
}

func (p *RemotePseudonymizer) Pseudonymize(ctx context.Context, originalID, salt string) (string, error) {
	body, err := json.Marshal(hashRequest{ID: originalID, Salt: salt})
	if err != nil {
		return "", err
	}
	var (
		out       string
		permanent error
	)
	err = p.backoff.Do(ctx, func(int) error {
		var perr error
		out, perr = p.call(ctx, body)
		var pe errPermanent
		if errors.As(perr, &pe) {
			permanent = perr
			return nil
		}
		return perr
	})
	if err != nil {
		return "", err
	}
	if permanent != nil {
		return "", permanent
	}
	return out, nil
}

func (p *RemotePseudonymizer) call(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", fmt.Errorf("hashing service returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return "", errPermanent{status: resp.StatusCode}
	}
	var hr hashResponse
	if err := json.Unmarshal(payload, &hr); err != nil {
		return "", fmt.Errorf("decode hashing response: %w", err)
	}
	if hr.Pseudonym == "" {
		return "", errors.New("hashing service returned an empty pseudonym")
	}
	return hr.Pseudonym, nil
}
