/*
 * Kubarr
 * Copyright (C) 2025  Kubarr Contributors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package httplib implements common utility functions for writing
// classic HTTP handlers.
package httplib

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/julienschmidt/httprouter"
)

// HandlerFunc specifies an HTTP handler function that returns a JSON
// serializable result or an error.
type HandlerFunc func(w http.ResponseWriter, r *http.Request, p httprouter.Params) (interface{}, error)

// MakeHandler returns a new httprouter.Handle func from a handler func.
func MakeHandler(fn HandlerFunc) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		out, err := fn(w, r, p)
		if err != nil {
			ReplyError(r.Context(), w, err)
			return
		}
		if out != nil {
			ReplyJSON(w, http.StatusOK, out)
		}
	}
}

// ReadJSON reads an HTTP JSON request body and unmarshals it into val.
func ReadJSON(r *http.Request, val interface{}) error {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return trace.Wrap(err)
	}
	if err := json.Unmarshal(data, val); err != nil {
		return trace.BadParameter("failed to parse request body: %v", err)
	}
	return nil
}

// ReplyJSON writes an arbitrary value as a JSON response.
func ReplyJSON(w http.ResponseWriter, code int, val interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(val); err != nil {
		slog.Warn("Failed to encode JSON response.", "error", err)
	}
}

// errorDetail is the error body shape shared by every non-2xx response.
type errorDetail struct {
	Detail string `json:"detail"`
}

// ReplyError converts an error into its canonical HTTP status and writes a
// {"detail": "<msg>"} body. User-visible text for 5xx responses is kept
// generic; the original error is logged instead.
func ReplyError(ctx context.Context, w http.ResponseWriter, err error) {
	code := ErrorToCode(err)
	detail := trace.UserMessage(err)
	if code >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "Request failed.", "error", err, "code", code)
		detail = http.StatusText(code)
	}
	ReplyJSON(w, code, errorDetail{Detail: detail})
}

// ErrorToCode maps the canonical error taxonomy to HTTP status codes:
//
//	NotFound           404
//	BadParameter       400
//	Unauthorized       401
//	AccessDenied       403
//	AlreadyExists      409
//	ConnectionProblem  503
//	BadGateway         502
//	anything else      500
func ErrorToCode(err error) int {
	switch {
	case trace.IsNotFound(err):
		return http.StatusNotFound
	case trace.IsBadParameter(err):
		return http.StatusBadRequest
	case IsUnauthorized(err):
		return http.StatusUnauthorized
	case trace.IsAccessDenied(err):
		return http.StatusForbidden
	case trace.IsAlreadyExists(err):
		return http.StatusConflict
	case trace.IsConnectionProblem(err):
		return http.StatusServiceUnavailable
	case IsBadGateway(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// UnauthorizedError indicates a missing or invalid session or token. All
// authentication failure kinds collapse into it so that responses never
// leak which check failed.
type UnauthorizedError struct {
	Message string
}

// Error returns the user visible message.
func (e *UnauthorizedError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "not authenticated"
}

// Unauthorized returns a new unauthorized error with a formatted message.
func Unauthorized(format string, args ...interface{}) error {
	return trace.Wrap(&UnauthorizedError{Message: fmt.Sprintf(format, args...)})
}

// IsUnauthorized reports whether err is an UnauthorizedError.
func IsUnauthorized(err error) bool {
	var ue *UnauthorizedError
	return errors.As(err, &ue)
}

// BadGatewayError indicates an upstream transport failure that is neither a
// connect failure nor a timeout.
type BadGatewayError struct {
	Message string
}

// Error returns the user visible message.
func (e *BadGatewayError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "bad gateway"
}

// BadGateway returns a new bad gateway error with a formatted message.
func BadGateway(format string, args ...interface{}) error {
	return trace.Wrap(&BadGatewayError{Message: fmt.Sprintf(format, args...)})
}

// IsBadGateway reports whether err is a BadGatewayError.
func IsBadGateway(err error) bool {
	var be *BadGatewayError
	return errors.As(err, &be)
}
