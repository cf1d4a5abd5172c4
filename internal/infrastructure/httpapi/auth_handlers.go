package httpapi

import (
	"errors"
	"html/template"
	"net/http"
	"net/url"

	"shopify-install-gateway/internal/application"
	"shopify-install-gateway/internal/domain"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

const noShopProvided = "No shop provided"

var callbackResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "auth_callbacks_total",
	Help: "Authorization callbacks by outcome.",
}, []string{"result"})

// AuthHandlers exposes the installation flow over HTTP: /api/auth,
// /api/auth/toplevel and /api/auth/callback.
type AuthHandlers struct {
	auth           *application.AuthService
	cookies        *CookieCodec
	topLevelCookie string
	oauthCookie    string
	logger         zerolog.Logger
}

// NewAuthHandlers creates the handlers. topLevelCookie is the CSRF marker
// name; the pending-session cookie derives from it.
func NewAuthHandlers(auth *application.AuthService, cookies *CookieCodec, topLevelCookie string, logger zerolog.Logger) *AuthHandlers {
	return &AuthHandlers{
		auth:           auth,
		cookies:        cookies,
		topLevelCookie: topLevelCookie,
		oauthCookie:    topLevelCookie + "_session",
		logger:         logger,
	}
}

// BeginAuth starts the flow. Without the CSRF marker the merchant is first
// bounced through /api/auth/toplevel, because the authorize redirect must not
// run inside a frame.
func (h *AuthHandlers) BeginAuth(w http.ResponseWriter, r *http.Request) {
	shop := domain.SanitizeShop(r.URL.Query().Get("shop"))
	if shop == "" {
		http.Error(w, noShopProvided, http.StatusInternalServerError)
		return
	}

	if _, ok := h.cookies.ReadSigned(r, h.topLevelCookie); !ok {
		http.Redirect(w, r, "/api/auth/toplevel?shop="+url.QueryEscape(shop), http.StatusFound)
		return
	}

	pendingID, authURL, err := h.auth.BeginAuth(r.Context(), shop)
	if err != nil {
		h.logger.Error().Err(err).Str("shop", shop).Msg("Failed to begin auth")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.cookies.SetSigned(w, h.oauthCookie, pendingID)
	http.Redirect(w, r, authURL, http.StatusFound)
}

var topLevelTemplate = template.Must(template.New("toplevel").Parse(`<!DOCTYPE html>
<html>
  <head>
    <script>
      document.addEventListener("DOMContentLoaded", function () {
        if (window.top === window.self) {
          window.location.href = {{.AuthURL}};
        } else {
          window.open({{.AuthURL}}, "_top");
        }
      });
    </script>
  </head>
  <body></body>
</html>
`))

// TopLevelRedirect sets the signed CSRF cookie and returns an HTML document
// whose sole purpose is a top-level navigation back into /api/auth.
func (h *AuthHandlers) TopLevelRedirect(w http.ResponseWriter, r *http.Request) {
	shop := domain.SanitizeShop(r.URL.Query().Get("shop"))
	if shop == "" {
		http.Error(w, noShopProvided, http.StatusInternalServerError)
		return
	}

	h.cookies.SetSigned(w, h.topLevelCookie, "1")

	w.Header().Set("Content-Type", "text/html")
	err := topLevelTemplate.Execute(w, map[string]string{
		"AuthURL": "/api/auth?shop=" + url.QueryEscape(shop),
	})
	if err != nil {
		h.logger.Error().Err(err).Str("shop", shop).Msg("Failed to render top-level redirect page")
	}
}

// HandleCallback drives the callback state machine and maps each failure kind
// to its response: 400 for a forged callback, a restart redirect when the
// merchant outlived the pending session, 500 otherwise.
func (h *AuthHandlers) HandleCallback(w http.ResponseWriter, r *http.Request) {
	pendingID, _ := h.cookies.ReadSigned(r, h.oauthCookie)

	redirectURL, err := h.auth.HandleCallback(r.Context(), r.URL.Query(), pendingID)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Authorization callback failed")

		switch {
		case errors.Is(err, domain.ErrInvalidOAuth):
			callbackResults.WithLabelValues("invalid_oauth").Inc()
			http.Error(w, err.Error(), http.StatusBadRequest)

		case errors.Is(err, domain.ErrCookieNotFound), errors.Is(err, domain.ErrSessionNotFound):
			// The merchant took too long and the pending state aged out;
			// they are still trying to install, so restart the flow.
			callbackResults.WithLabelValues("session_expired").Inc()
			shop := domain.SanitizeShop(r.URL.Query().Get("shop"))
			if shop == "" {
				http.Error(w, noShopProvided, http.StatusInternalServerError)
				return
			}
			http.Redirect(w, r, "/api/auth?shop="+url.QueryEscape(shop), http.StatusFound)

		case errors.Is(err, domain.ErrInvalidShop):
			callbackResults.WithLabelValues("invalid_shop").Inc()
			http.Error(w, noShopProvided, http.StatusInternalServerError)

		default:
			callbackResults.WithLabelValues("error").Inc()
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	callbackResults.WithLabelValues("success").Inc()
	h.cookies.Clear(w, h.oauthCookie)
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

// Routes mounts the auth endpoints.
func (h *AuthHandlers) Routes(r chi.Router) {
	r.Get("/api/auth", h.BeginAuth)
	r.Get("/api/auth/toplevel", h.TopLevelRedirect)
	r.Get("/api/auth/callback", h.HandleCallback)
}
