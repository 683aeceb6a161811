package router

import (
	"net/http"

	"github.com/rs/zerolog"
	"github.com/larkspur-mail/caldav-scheduler/internal/auth"
	"github.com/larkspur-mail/caldav-scheduler/internal/config"
	"github.com/larkspur-mail/caldav-scheduler/internal/dav"
)

type DAVService interface {
	GetCapabilities() string
	HandleGet(w http.ResponseWriter, r *http.Request)
	HandleHead(w http.ResponseWriter, r *http.Request)
	HandlePut(w http.ResponseWriter, r *http.Request)
	HandlePost(w http.ResponseWriter, r *http.Request)
	HandleDelete(w http.ResponseWriter, r *http.Request)
	HandleMkcol(w http.ResponseWriter, r *http.Request)
	HandleMkcalendar(w http.ResponseWriter, r *http.Request)
	HandleProppatch(w http.ResponseWriter, r *http.Request)
	HandleReport(w http.ResponseWriter, r *http.Request)
}

type Router struct {
	config   *config.Config
	handlers *dav.Handlers
	auth     *auth.Chain
	logger   zerolog.Logger

	services map[string]DAVService
}
