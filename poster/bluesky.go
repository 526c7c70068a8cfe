package poster

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/bluesky-social/indigo/xrpc"
	"go.uber.org/zap"

	"github.com/teranos/autopost/errors"
	"github.com/teranos/autopost/internal/httpclient"
	"github.com/teranos/autopost/internal/util"
	"github.com/teranos/autopost/logger"
	"github.com/teranos/autopost/pulse/dispatch"
	"github.com/teranos/autopost/version"
)

const feedPostCollection = "app.bsky.feed.post"

// BlueskyConfig identifies the account to post as
type BlueskyConfig struct {
	PDSHost          string
	Identifier       string // handle or DID
	AppPassword      string
	AllowPrivateHost bool
	Timeout          time.Duration // HTTP client timeout; the worker's poster_timeout still applies
}

// Bluesky posts to an AT Protocol PDS with an app password. The session is
// created on first use and refreshed when the access token expires.
type Bluesky struct {
	cfg    BlueskyConfig
	http   *http.Client
	agent  string
	now    func() time.Time
	logger *zap.SugaredLogger

	mu     sync.Mutex
	client *xrpc.Client
}

// NewBluesky validates cfg and returns a poster; no request is made yet
func NewBluesky(cfg BlueskyConfig, log *zap.SugaredLogger) (*Bluesky, error) {
	cfg.PDSHost = strings.TrimRight(cfg.PDSHost, "/")
	if cfg.Identifier == "" || cfg.AppPassword == "" {
		return nil, errors.Mark(errors.New("bluesky poster needs an identifier and app password"), errors.ErrInvalidInput)
	}
	if err := httpclient.ValidateHost(cfg.PDSHost, cfg.AllowPrivateHost); err != nil {
		return nil, errors.WithHint(
			errors.Wrapf(err, "refusing pds_host %s", cfg.PDSHost),
			"set poster.allow_private_host = true for a PDS on your own network")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Minute
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Bluesky{
		cfg:    cfg,
		http:   httpclient.New(cfg.Timeout, httpclient.Options{AllowPrivate: cfg.AllowPrivateHost}),
		agent:  version.Get().UserAgent(),
		now:    time.Now,
		logger: log,
	}, nil
}

// Post creates an app.bsky.feed.post record and returns its at:// URI
func (b *Bluesky) Post(ctx context.Context, text string) (string, error) {
	var uri string
	err := b.call(ctx, func(client *xrpc.Client) (err error) {
		uri, err = b.createPost(ctx, client, text)
		return err
	})
	if err != nil {
		return "", classify(errors.Wrapf(err, "failed to create post on %s", b.cfg.PDSHost))
	}

	b.logger.Debugw("Created post", logger.FieldExternalID, uri)
	return uri, nil
}

// call runs fn with the session client. When the PDS rejects the access
// token, fn has not taken effect, so it runs once more after a refresh.
func (b *Bluesky) call(ctx context.Context, fn func(*xrpc.Client) error) error {
	client, err := b.session(ctx)
	if err != nil {
		return err
	}

	err = fn(client)
	if isExpiredToken(err) {
		if client, err = b.refresh(ctx, client); err != nil {
			return err
		}
		err = fn(client)
	}
	return err
}

func (b *Bluesky) createPost(ctx context.Context, client *xrpc.Client, text string) (string, error) {
	post := &appbsky.FeedPost{
		Text:      text,
		CreatedAt: b.now().UTC().Format(time.RFC3339),
	}
	resp, err := comatproto.RepoCreateRecord(ctx, client, &comatproto.RepoCreateRecord_Input{
		Collection: feedPostCollection,
		Repo:       client.Auth.Did,
		Record:     &lexutil.LexiconTypeDecoder{Val: post},
	})
	if err != nil {
		return "", err
	}
	return resp.Uri, nil
}

// session returns the authenticated client, creating the session if needed
func (b *Bluesky) session(ctx context.Context) (*xrpc.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return b.client, nil
	}

	client := b.newClient(b.cfg.PDSHost, nil)
	session, err := comatproto.ServerCreateSession(ctx, client, &comatproto.ServerCreateSession_Input{
		Identifier: b.cfg.Identifier,
		Password:   b.cfg.AppPassword,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create session with PDS %s for %s", b.cfg.PDSHost, b.cfg.Identifier)
	}

	client.Auth = &xrpc.AuthInfo{
		AccessJwt:  session.AccessJwt,
		RefreshJwt: session.RefreshJwt,
		Handle:     session.Handle,
		Did:        session.Did,
	}
	b.client = client
	b.logger.Infow("Bluesky session created", "did", session.Did, "handle", session.Handle)
	return client, nil
}

// refresh swaps the access token using the refresh token. If that fails the
// session is dropped so the next Post logs in again.
func (b *Bluesky) refresh(ctx context.Context, stale *xrpc.Client) (*xrpc.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != stale && b.client != nil {
		return b.client, nil
	}

	refreshClient := b.newClient(stale.Host, &xrpc.AuthInfo{AccessJwt: stale.Auth.RefreshJwt})
	session, err := comatproto.ServerRefreshSession(ctx, refreshClient)
	if err != nil {
		b.client = nil
		return nil, errors.Wrapf(err, "failed to refresh session at %s", stale.Host)
	}

	client := b.newClient(stale.Host, &xrpc.AuthInfo{
		AccessJwt:  session.AccessJwt,
		RefreshJwt: session.RefreshJwt,
		Handle:     session.Handle,
		Did:        session.Did,
	})
	b.client = client
	return client, nil
}

func (b *Bluesky) newClient(host string, auth *xrpc.AuthInfo) *xrpc.Client {
	return &xrpc.Client{Host: host, Client: b.http, Auth: auth, UserAgent: util.Ptr(b.agent)}
}

func isExpiredToken(err error) bool {
	if err == nil {
		return false
	}
	var xe *xrpc.XRPCError
	if errors.As(err, &xe) {
		return xe.ErrStr == "ExpiredToken"
	}
	return false
}

// classify turns PDS responses into dispatch.PostError so the worker knows
// whether to retry. Transport errors pass through for dispatch.Classify.
func classify(err error) error {
	var xe *xrpc.Error
	if errors.As(err, &xe) {
		return dispatch.StatusError(xe.StatusCode, err)
	}
	if errors.Is(err, httpclient.ErrBlocked) {
		return &dispatch.PostError{Code: dispatch.CodeForbidden, Retryable: false, Err: err}
	}
	return err
}
