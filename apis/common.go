// Copyright 2025 The ssehub Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package apis

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/apex/log"
	"github.com/chengft/ssehub/common"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// ErrorDetail in case of REST error, the response
type ErrorDetail struct {
	Code int     `json:"code"`
	Msg  *string `json:"message,omitempty"`
}

// StandardResponse standard REST API response
type StandardResponse struct {
	Success   bool         `json:"success"`
	RequestID string       `json:"request_id,omitempty"`
	Error     *ErrorDetail `json:"error,omitempty"`
}

// ========================================================================================

// MethodHandlers DICT of method-endpoint handler
type MethodHandlers map[string]http.HandlerFunc

// RegisterPathPrefix Register new method handler for an end-point
func RegisterPathPrefix(
	parentRouter *mux.Router, pathPrefix string, methodHandlers MethodHandlers,
) *mux.Router {
	router := parentRouter.PathPrefix(pathPrefix).Subrouter()
	for method, handler := range methodHandlers {
		router.Methods(method).Path("").HandlerFunc(handler)
	}
	return router
}

// ========================================================================================

// APIRestHandler base REST handler
type APIRestHandler struct {
	common.Component
	requestIDHeader string
}

// getStdRESTSuccessMsg define a standard success message
func (h APIRestHandler) getStdRESTSuccessMsg(ctxt context.Context) StandardResponse {
	return StandardResponse{Success: true, RequestID: h.readRequestID(ctxt)}
}

// getStdRESTErrorMsg define a standard error message
func (h APIRestHandler) getStdRESTErrorMsg(
	ctxt context.Context, code int, message string,
) StandardResponse {
	return StandardResponse{
		Success:   false,
		RequestID: h.readRequestID(ctxt),
		Error:     &ErrorDetail{Code: code, Msg: &message},
	}
}

// reply write a REST response
func (h APIRestHandler) reply(
	w http.ResponseWriter, respCode int, resp interface{}, restCall string, r *http.Request,
) {
	w.Header().Set("content-type", "application/json")
	if reqID := h.readRequestID(r.Context()); reqID != "" {
		w.Header().Set(h.requestIDHeader, reqID)
	}
	w.WriteHeader(respCode)
	t, err := json.Marshal(resp)
	if err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf(
			"Failed to marshal REST response for %s", restCall,
		)
		return
	}
	if _, err := w.Write(t); err != nil {
		log.WithError(err).WithFields(h.LogTags).Errorf(
			"Failed to write REST response for %s", restCall,
		)
	}
}

// Write logging support for gorilla access logs
func (h APIRestHandler) Write(p []byte) (n int, err error) {
	log.WithFields(h.LogTags).Infof("%s", p)
	return len(p), nil
}

// getLogTagsForContext log tags merged with the request's parameters
func (h APIRestHandler) getLogTagsForContext(ctxt context.Context) log.Fields {
	tags := log.Fields{}
	for k, v := range h.LogTags {
		tags[k] = v
	}
	if param, ok := ctxt.Value(common.RequestParam{}).(common.RequestParam); ok {
		param.UpdateLogTags(tags)
	}
	return tags
}

// readRequestID the request ID attached to this request's context
func (h APIRestHandler) readRequestID(ctxt context.Context) string {
	if param, ok := ctxt.Value(common.RequestParam{}).(common.RequestParam); ok {
		return param.ID
	}
	return ""
}

// attachRequestID middleware function to attach a request ID to an API request
func (h APIRestHandler) attachRequestID(next http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		// use provided request id from incoming request if any
		reqID := r.Header.Get(h.requestIDHeader)
		if reqID == "" {
			// or use some generated string
			reqID = uuid.New().String()
		}
		ctx := context.WithValue(
			r.Context(), common.RequestParam{}, common.RequestParam{
				ID: reqID, Method: r.Method, URI: r.URL.String(),
			},
		)
		next(rw, r.WithContext(ctx))
	}
}
