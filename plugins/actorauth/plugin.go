// Package actorauth is the bundled authentication plugin. It resolves the
// actor from the signed ds_actor cookie or a bearer token, logs the root
// actor in, and mints API tokens.
package actorauth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"maps"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gosette/gosette/pkg/app"
	"github.com/gosette/gosette/pkg/errs"
	"github.com/gosette/gosette/pkg/events"
	"github.com/gosette/gosette/pkg/hooks"
	"github.com/gosette/gosette/pkg/permissions"
	"github.com/gosette/gosette/pkg/web"
)

// Name is the plugin name, also the key of its configuration block.
const Name = "actorauth"

// CreateToken is the action guarding POST /-/login-token.
const CreateToken = "create-token"

// TokenMarker is set as actor["token"] on actors that came from an
// instance-signed bearer token.
const TokenMarker = "dstok"

const (
	defaultActorClaim = "actor"
	rootID            = "root"
)

var defaultCopiedClaims = []string{"roles", "groups", "email", "name"}

func init() {
	hooks.Register(Plugin())
}

type auth struct {
	keys     keyCache
	rootUsed atomic.Bool
}

// Plugin builds the plugin. Each call has its own one-time root login state.
func Plugin() *hooks.Plugin {
	a := &auth{}
	return hooks.NewPlugin(Name, "1.0.0").
		Describe("Signed actor cookies, bearer tokens and root login").
		On(hooks.ActorFromRequest, a.actorFromRequest, hooks.ParamDatasette, hooks.ParamRequest).
		On(hooks.RegisterRoutes, a.routes, hooks.ParamDatasette).
		On(hooks.RegisterActions, registerActions).
		On(hooks.MenuLinks, menuLinks, hooks.ParamDatasette, hooks.ParamActor)
}

func registerActions(context.Context, hooks.Args) (hooks.Result, error) {
	return hooks.Value(permissions.Action{
		Name:         CreateToken,
		Abbr:         "ct",
		Description:  "Create API tokens",
		DefaultAllow: true,
	}), nil
}

func menuLinks(_ context.Context, args hooks.Args) (hooks.Result, error) {
	ds := hooks.Arg[*app.Datasette](args, hooks.ParamDatasette)
	actor := hooks.Arg[web.Actor](args, hooks.ParamActor)
	if ds == nil || actor == nil {
		return hooks.None(), nil
	}
	return hooks.Value([]app.Link{{Href: ds.URLPath("/-/logout"), Label: "Log out"}}), nil
}

func (a *auth) actorFromRequest(ctx context.Context, args hooks.Args) (hooks.Result, error) {
	ds := hooks.Arg[*app.Datasette](args, hooks.ParamDatasette)
	req := hooks.Arg[*web.Request](args, hooks.ParamRequest)
	if ds == nil || req == nil {
		return hooks.None(), nil
	}
	logger := ds.Logger().With("plugin", Name)

	if token := bearerToken(req.Header("Authorization")); token != "" {
		actor, err := a.bearerActor(ctx, ds, token)
		if err != nil {
			logger.Debug("bearer token rejected", "error", err)
			return hooks.None(), nil
		}
		return hooks.Value(actor), nil
	}

	if cookie := req.Cookie(app.ActorCookie); cookie != "" {
		actor, err := VerifyActor(ds.Secret(), cookie)
		if err != nil {
			logger.Debug("actor cookie rejected", "error", err)
			return hooks.None(), nil
		}
		return hooks.Value(actor), nil
	}
	return hooks.None(), nil
}

func (a *auth) bearerActor(ctx context.Context, ds *app.Datasette, token string) (web.Actor, error) {
	alg, err := tokenAlg(token)
	if err != nil {
		return nil, fmt.Errorf("malformed token: %w", err)
	}
	switch alg {
	case jwt.SigningMethodHS256.Alg():
		return signedTokenActor(ds, token)
	case jwt.SigningMethodRS256.Alg():
		v, err := a.verifier(ctx, ds)
		if err != nil {
			return nil, err
		}
		return v.verify(token)
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", alg)
	}
}

func signedTokenActor(ds *app.Datasette, token string) (web.Actor, error) {
	settings := ds.Settings()
	if !settings.AllowSignedToken {
		return nil, ErrSignedTokensDisabled
	}
	c, err := verifySigned(ds.Secret(), TokenAudience, token)
	if err != nil {
		return nil, err
	}
	if settings.MaxTokenTTL > 0 {
		limit := time.Duration(settings.MaxTokenTTL) * time.Second
		if c.IssuedAt == nil || time.Since(c.IssuedAt.Time) > limit {
			return nil, fmt.Errorf("token older than max_signed_tokens_ttl (%s)", limit)
		}
	}
	actor := maps.Clone(c.Actor)
	actor["token"] = TokenMarker
	return actor, nil
}

// verifier builds the RS256 verifier from the plugin configuration:
// public_key or public_key_path, and optional issuer, audience,
// actor_claim and copy_claims.
func (a *auth) verifier(ctx context.Context, ds *app.Datasette) (*externalVerifier, error) {
	cfg, err := ds.PluginConfig(ctx, Name, "", "")
	if err != nil {
		return nil, fmt.Errorf("failed to load %s configuration: %w", Name, err)
	}
	pemData, _ := cfg["public_key"].(string)
	if pemData == "" {
		path, _ := cfg["public_key_path"].(string)
		if path == "" {
			return nil, fmt.Errorf("no public key configured for RS256 tokens")
		}
		if pemData, err = readPublicKey(path); err != nil {
			return nil, err
		}
	}
	key, err := a.keys.get(pemData)
	if err != nil {
		return nil, err
	}
	v := &externalVerifier{key: key, claim: defaultActorClaim, copied: defaultCopiedClaims}
	v.issuer, _ = cfg["issuer"].(string)
	v.audience, _ = cfg["audience"].(string)
	if claim, _ := cfg["actor_claim"].(string); claim != "" {
		v.claim = claim
	}
	if list, ok := cfg["copy_claims"].([]any); ok {
		v.copied = nil
		for _, item := range list {
			if s, ok := item.(string); ok {
				v.copied = append(v.copied, s)
			}
		}
	}
	return v, nil
}

func (a *auth) routes(_ context.Context, _ hooks.Args) (hooks.Result, error) {
	return hooks.Value([]app.Route{
		{Pattern: "/-/auth-token", Handler: a.rootLogin},
		{Pattern: "/-/login-token", Methods: []string{http.MethodPost}, Handler: loginToken},
	}), nil
}

// rootLogin exchanges the one-time root login token for a signed cookie.
func (a *auth) rootLogin(_ context.Context, ds *app.Datasette, req *web.Request) (*web.Response, error) {
	if !ds.RootEnabled() {
		return nil, errs.Forbidden("root login is not enabled")
	}
	want := RootLoginToken(ds.Secret())
	got := req.Get("token", "")
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return nil, errs.Forbidden("invalid token")
	}
	if !a.rootUsed.CompareAndSwap(false, true) {
		return nil, errs.Forbidden("token already used")
	}
	actor := web.Actor{"id": rootID}
	cookie, err := SignActor(ds.Secret(), actor, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to sign actor cookie: %w", err)
	}
	ds.TrackEvent(events.Login, actor, map[string]any{"method": "root-token"})
	return web.Redirect(ds.URLPath("/"), false).
		WithCookie(web.Cookie{Name: app.ActorCookie, Value: cookie, HTTPOnly: true}), nil
}

type tokenRequest struct {
	ExpiresAfter int `json:"expires_after"`
}

// loginToken mints a bearer token for the signed-in actor.
func loginToken(ctx context.Context, ds *app.Datasette, req *web.Request) (*web.Response, error) {
	actor := req.Actor()
	if actor == nil {
		return nil, errs.Forbidden("sign in to create a token")
	}
	if err := ds.EnsurePermission(ctx, actor, CreateToken, permissions.Global()); err != nil {
		return nil, err
	}
	settings := ds.Settings()
	if !settings.AllowSignedToken {
		return nil, &errs.ForbiddenError{Message: ErrSignedTokensDisabled.Error()}
	}

	var body tokenRequest
	raw, err := req.Body()
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		if err := req.JSON(&body); err != nil {
			return nil, errs.Invalid("body", "invalid JSON body: %v", err)
		}
	}
	if body.ExpiresAfter < 0 {
		return nil, errs.Invalid("expires_after", "must not be negative")
	}
	ttl := tokenTTL(body.ExpiresAfter, settings.MaxTokenTTL)

	tokenActor := maps.Clone(actor)
	delete(tokenActor, "token")
	token, err := SignToken(ds.Secret(), tokenActor, ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}
	return web.JSON(map[string]any{
		"ok":            true,
		"token":         token,
		"actor":         tokenActor,
		"expires_after": int(ttl / time.Second),
	}, http.StatusCreated)
}

// tokenTTL caps the requested lifetime (seconds) at maxSeconds when a
// maximum is set. Zero means no expiry.
func tokenTTL(requested, maxSeconds int) time.Duration {
	if maxSeconds > 0 && (requested <= 0 || requested > maxSeconds) {
		requested = maxSeconds
	}
	return time.Duration(requested) * time.Second
}
