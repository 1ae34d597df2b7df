package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	browserIDContextKey   = "storefront_browser_id"
	browserCookieMaxAge   = 400 * 24 * 60 * 60
	browserCookieRootPath = "/"
)

// browserIDMiddleware scopes every request to one browser. Unknown or
// malformed cookies are replaced with a fresh random id.
func browserIDMiddleware(cookieName string, secure bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := c.Cookie(cookieName)
		if err != nil || !validBrowserID(id) {
			id = uuid.NewString()
			http.SetCookie(c.Writer, &http.Cookie{
				Name:     cookieName,
				Value:    id,
				Path:     browserCookieRootPath,
				MaxAge:   browserCookieMaxAge,
				HttpOnly: true,
				Secure:   secure,
				SameSite: http.SameSiteLaxMode,
			})
		}
		c.Set(browserIDContextKey, id)
		c.Next()
	}
}

func validBrowserID(value string) bool {
	_, err := uuid.Parse(strings.TrimSpace(value))
	return err == nil
}

func browserID(c *gin.Context) string {
	return c.GetString(browserIDContextKey)
}
