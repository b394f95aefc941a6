/*
   OqtaCard - PlayStation memory card emulator
   Copyright (c) 2023, Alexander Vollschwitz

   This file is part of OqtaCard.

   OqtaCard is free software: you can redistribute it and/or modify
   it under the terms of the GNU General Public License as published by
   the Free Software Foundation, either version 3 of the License, or
   (at your option) any later version.

   OqtaCard is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
   GNU General Public License for more details.

   You should have received a copy of the GNU General Public License
   along with OqtaCard. If not, see <http://www.gnu.org/licenses/>.
*/

/*
	Package control provides the HTTP API for controlling the daemon: switching
	cards and channels, loading and dumping card images, searching the card
	repo, and runtime configuration.
*/
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/xelalexv/oqtacard/pkg/daemon"
	"github.com/xelalexv/oqtacard/pkg/repo"
)

// DefaultPort is used when the listen address does not name a port.
const DefaultPort = 8888

//
type APIServer interface {
	Serve() error
	Stop() error
}

//
func NewAPIServer(addr, repository string, index *repo.Index,
	d *daemon.Daemon) APIServer {
	return &api{
		address:    addr,
		repository: repository,
		index:      index,
		daemon:     d,
	}
}

//
type api struct {
	address    string
	repository string
	index      *repo.Index
	daemon     *daemon.Daemon
	server     *http.Server
}

//
func (a *api) Serve() error {

	addr := a.address
	if !strings.Contains(addr, ":") {
		addr = fmt.Sprintf("%s:%d", addr, DefaultPort)
	}

	log.Infof("OqtaCard API starts listening on %s", addr)
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if err := a.server.ListenAndServe(); err != nil &&
		!errors.Is(err, http.ErrServerClosed) {
		return err
	}

	log.Info("API server stopped")
	return nil
}

//
func (a *api) Stop() error {

	if a.server == nil {
		return nil
	}

	log.Info("API server stopping...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.server.Shutdown(ctx)
}

//
func (a *api) router() *mux.Router {

	router := mux.NewRouter().StrictSlash(true)

	addRoute(router, "status", "GET", "/status", a.status)
	addRoute(router, "card", "GET", "/card", a.getCard)
	addRoute(router, "card", "PUT", "/card", a.setCard)
	addRoute(router, "channel", "GET", "/channel", a.getChannel)
	addRoute(router, "channel", "PUT", "/channel", a.setChannel)
	addRoute(router, "gameid", "PUT", "/gameid", a.setGameID)
	addRoute(router, "bootcard", "DELETE", "/bootcard", a.unmountBootCard)
	addRoute(router, "ls", "GET", "/ls", a.list)
	addRoute(router, "dump", "GET", "/dump", a.dump)
	addRoute(router, "load", "PUT", "/load", a.load)
	addRoute(router, "search", "GET", "/search", a.search)
	addRoute(router, "config", "GET", "/config/{item}", a.getConfig)
	addRoute(router, "config", "PUT", "/config/{item}", a.setConfig)
	addRoute(router, "version", "GET", "/version", a.version)

	return router
}

//
func addRoute(r *mux.Router, name, method, pattern string,
	handler http.HandlerFunc) {
	r.Methods(method).Path(pattern).Name(name).Handler(
		requestLogger(handler, name))
}

//
func requestLogger(inner http.Handler, name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		inner.ServeHTTP(w, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"uri":      r.RequestURI,
			"route":    name,
			"duration": time.Since(start),
		}).Debug("API request")
	})
}

// handleError sends err to the client with status code, and reports
// whether there was an error.
func handleError(e error, statusCode int, w http.ResponseWriter) bool {

	if e == nil {
		return false
	}

	if errors.Is(e, daemon.ErrNotRunning) {
		statusCode = http.StatusServiceUnavailable
	}

	log.WithField("status", statusCode).Errorf("API error: %v", e)
	w.WriteHeader(statusCode)
	if _, err := io.WriteString(w, fmt.Sprintf("%v\n", e)); err != nil {
		log.Errorf("problem sending error: %v", err)
	}
	return true
}

//
func sendReply(body []byte, statusCode int, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(statusCode)
	if _, err := w.Write(body); err != nil {
		log.Errorf("problem sending reply: %v", err)
	}
}

//
func sendJSONReply(obj interface{}, statusCode int, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		log.Errorf("problem sending JSON reply: %v", err)
	}
}

//
func sendStreamReply(r io.Reader, statusCode int, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(statusCode)
	if _, err := io.Copy(w, r); err != nil {
		log.Errorf("problem sending stream reply: %v", err)
	}
}

// getArg returns the path variable arg if present, otherwise the query
// parameter.
func getArg(req *http.Request, arg string) string {
	if v, ok := mux.Vars(req)[arg]; ok {
		return v
	}
	return req.URL.Query().Get(arg)
}

//
func getIntArg(req *http.Request, arg string, def int) (int, error) {
	v := getArg(req, arg)
	if v == "" {
		return def, nil
	}
	ret, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid value for %s: %s", arg, v)
	}
	return ret, nil
}

//
func isFlagSet(req *http.Request, param string) bool {
	return strings.EqualFold(getArg(req, param), "true")
}

//
func wantsJSON(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "application/json")
}

// getRef returns the image reference of a load request, if any.
func getRef(req *http.Request) (string, error) {
	ref := strings.TrimSpace(getArg(req, "ref"))
	if ref == "" {
		return "", nil
	}
	for _, s := range []string{repo.SchemeRepo, repo.SchemeHTTP,
		repo.SchemeHTTPS} {
		if strings.HasPrefix(ref, s) {
			return ref, nil
		}
	}
	return ref, fmt.Errorf("invalid reference: %s", ref)
}
