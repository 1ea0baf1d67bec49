package oidckit

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
)

// Opener presents an authorization URL to the user: a browser tab, a
// popup, or, in tests, an HTTP client walking the redirects.
type Opener interface {
	Open(ctx context.Context, authURL string) error
}

type OpenerFunc func(ctx context.Context, authURL string) error

func (f OpenerFunc) Open(ctx context.Context, authURL string) error { return f(ctx, authURL) }

// LogOpener asks the operator to open the URL by logging it.
type LogOpener struct {
	Log logrus.FieldLogger
}

func (o LogOpener) Open(_ context.Context, authURL string) error {
	log := o.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log.WithField("url", authURL).Info("open_authorization_url")
	return nil
}

// HTTPOpener follows the authorization URL and its redirects with an HTTP
// client. Useful headless and against test identity providers that
// auto-approve.
type HTTPOpener struct {
	Client *http.Client
}

func (o HTTPOpener) Open(ctx context.Context, authURL string) error {
	client := o.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("authorization flow ended with status %d", resp.StatusCode)
	}
	return nil
}
