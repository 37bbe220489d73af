package web

import (
	"fmt"
	"net/http"

	"github.com/deemkeen/fedcore/domain"
	"github.com/gin-gonic/gin"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const activityContentType = domain.ActivityContentType + "; charset=utf-8"

// renderActivity writes v as ActivityPub JSON.
func renderActivity(c *gin.Context, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		renderError(c, fmt.Errorf("serializing response: %w", err))
		return
	}
	c.Data(status, activityContentType, body)
}

// renderError answers with the status the error maps to and the JSON error body.
func renderError(c *gin.Context, err error) {
	status := domain.StatusCode(err)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Request failed")
	} else {
		log.Debug().Err(err).Int("status", status).Str("path", c.Request.URL.Path).Msg("Request rejected")
	}
	c.AbortWithStatusJSON(status, domain.NewErrorBody(err))
}
