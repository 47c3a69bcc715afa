// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package api

import (
	"fmt"
	"net/http"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

type HandleFunc func(http.ResponseWriter, *http.Request)

func (s *Server) RegisterHandleFunc(path string, hf HandleFunc) {
	s.mux.HandleFunc(path, hf)
}

func (s *Server) RegisterHandler(path string, handler http.Handler) {
	s.mux.Handle(path, handler)
}

// recoverHandler turns a panicking handler into a 500 response.
func (s *Server) recoverHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rcv := recover(); rcv != nil {
				if rcv == http.ErrAbortHandler {
					panic(rcv)
				}
				s.log.Error("api: handler panicked",
					mlog.String("url", r.URL.String()),
					mlog.Err(fmt.Errorf("%v", rcv)),
				)
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
