package authapi

import (
	"net/http"
	"strings"
	"time"
)

// sessionCookie builds the refresh-token cookie. A zero expiry produces a
// deletion cookie.
func (h *Handler) sessionCookie(value string, exp time.Time) *http.Cookie {
	c := &http.Cookie{
		Name:     h.cfg.CookieName,
		Value:    value,
		Path:     h.cfg.CookiePath,
		Domain:   h.cfg.CookieDomain,
		Expires:  exp,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: h.cfg.CookieSameSite,
	}
	if exp.IsZero() {
		c.Value = ""
		c.Expires = time.Unix(0, 0).UTC()
		c.MaxAge = -1
	}
	return c
}

func (h *Handler) setSessionCookie(w http.ResponseWriter, refreshToken string, exp time.Time) {
	http.SetCookie(w, h.sessionCookie(refreshToken, exp))
}

func (h *Handler) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, h.sessionCookie("", time.Time{}))
}

func (h *Handler) refreshTokenFromCookie(r *http.Request) (string, bool) {
	c, err := r.Cookie(h.cfg.CookieName)
	if err != nil {
		return "", false
	}
	v := strings.TrimSpace(c.Value)
	return v, v != ""
}
