package smart

import (
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Launch states are short-lived; ten minutes covers the user-facing
// authorize step.
const stateTTL = 10 * time.Minute

// Handler serves the SMART launch and callback endpoints.
type Handler struct {
	client       *Client
	states       Store
	sessions     *SessionStore
	dashboardURL string
	log          zerolog.Logger
}

// NewHandler creates the launch/callback handler.
func NewHandler(client *Client, states Store, sessions *SessionStore, dashboardURL string, log zerolog.Logger) *Handler {
	return &Handler{
		client:       client,
		states:       states,
		sessions:     sessions,
		dashboardURL: dashboardURL,
		log:          log.With().Str("component", "smart").Logger(),
	}
}

// Register mounts the endpoints on the given group.
func (h *Handler) Register(g *echo.Group) {
	g.GET("/launch", h.Launch)
	g.GET("/callback", h.Callback)
}

// Launch starts the authorization-code flow: it discovers the issuer's
// authorize endpoint, stores a fresh anti-CSRF state bound to the issuer,
// and redirects the browser to the authorization server. An EHR-initiated
// launch passes `iss` and `launch`; a standalone launch omits both and uses
// the configured issuer.
func (h *Handler) Launch(c echo.Context) error {
	ctx := c.Request().Context()

	iss := c.QueryParam("iss")
	if iss == "" {
		iss = h.client.Config().Issuer
	}
	launch := c.QueryParam("launch")

	conf, err := h.client.Discover(ctx, iss)
	if err != nil {
		h.log.Error().Err(err).Str("iss", iss).Msg("launch discovery failed")
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "authorization server discovery failed",
		})
	}

	state := uuid.New().String()
	if err := h.states.Set(ctx, "smart:state:"+state, iss, stateTTL); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to persist launch state",
		})
	}

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", h.client.Config().ClientID)
	q.Set("redirect_uri", h.client.Config().RedirectURL)
	q.Set("scope", h.client.Config().Scope)
	q.Set("aud", iss)
	q.Set("state", state)
	if launch != "" {
		q.Set("launch", launch)
	}

	return c.Redirect(http.StatusFound, conf.AuthorizationEndpoint+"?"+q.Encode())
}

// Callback completes the flow. The state parameter is validated against the
// stored value before any token exchange happens; an upstream error
// parameter short-circuits the same way.
func (h *Handler) Callback(c echo.Context) error {
	ctx := c.Request().Context()

	if oauthErr := c.QueryParam("error"); oauthErr != "" {
		h.log.Warn().
			Str("error", oauthErr).
			Str("description", c.QueryParam("error_description")).
			Msg("authorization server returned an error")
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": oauthErr,
		})
	}

	code := c.QueryParam("code")
	state := c.QueryParam("state")
	if code == "" || state == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "missing code or state parameter",
		})
	}

	iss, err := h.states.Get(ctx, "smart:state:"+state)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			h.log.Error().Err(err).Msg("state lookup failed")
		}
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "unknown or expired state",
		})
	}
	_ = h.states.Delete(ctx, "smart:state:"+state)

	conf, err := h.client.Discover(ctx, iss)
	if err != nil {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "authorization server discovery failed",
		})
	}

	tok, err := h.client.exchangeAt(ctx, conf.TokenEndpoint, code, h.client.Config().RedirectURL)
	if err != nil {
		h.log.Error().Err(err).Msg("token exchange failed")
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "token exchange failed",
		})
	}

	sess := &Session{
		AccessToken: tok.AccessToken,
		TokenType:   tok.TokenType,
		Scope:       tok.Scope,
		Patient:     tok.Patient,
		Issuer:      iss,
		ExpiresAt:   time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second),
	}
	if err := h.sessions.Save(ctx, sess); err != nil {
		h.log.Error().Err(err).Msg("session save failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to persist session",
		})
	}

	return c.Redirect(http.StatusFound, h.dashboardURL)
}
