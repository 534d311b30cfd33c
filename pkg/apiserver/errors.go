/*
Copyright The Volcano Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package apiserver

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"

	"github.com/volcano-sh/sandboxkeeper/pkg/orchestrator"
	"github.com/volcano-sh/sandboxkeeper/pkg/provisioner"
)

const (
	resourceGroup = "sandboxkeeper.volcano.sh"

	// rateLimitRetryAfterSeconds is the Retry-After hint on 429 responses.
	rateLimitRetryAfterSeconds = 10
)

// Error codes in ErrorResponse.Error.
const (
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeRateLimited         = "RATE_LIMITED"
	CodeCreateFailed        = "SANDBOX_CREATE_FAILED"
	CodeSandboxNotFound     = "SANDBOX_NOT_FOUND"
	CodeStoreUnavailable    = "STORE_UNAVAILABLE"
	CodeSnapshotsDisabled   = "SNAPSHOTS_DISABLED"
	CodeServerOverloaded    = "SERVER_OVERLOADED"
	CodeInternalServerError = "INTERNAL_ERROR"
)

var sandboxResource = schema.GroupResource{Group: resourceGroup, Resource: "sandboxes"}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// respondJSON sends a JSON response
func respondJSON(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, data)
}

// respondError sends an error response
func respondError(c *gin.Context, statusCode int, errorCode, message string) {
	response := ErrorResponse{
		Error:     errorCode,
		Message:   message,
		Timestamp: time.Now(),
	}
	respondJSON(c, statusCode, response)
}

// respondStatusError maps err onto an API status and writes it.
func respondStatusError(c *gin.Context, sessionID string, err error) {
	statusErr, code := toStatusError(sessionID, err)
	if seconds, ok := apierrors.SuggestsClientDelay(statusErr); ok {
		c.Header("Retry-After", strconv.Itoa(seconds))
	}
	respondError(c, int(statusErr.Status().Code), code, statusErr.Status().Message)
}

func toStatusError(sessionID string, err error) (*apierrors.StatusError, string) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidSessionID):
		return apierrors.NewBadRequest(err.Error()), CodeInvalidRequest
	case errors.Is(err, provisioner.ErrRateLimited):
		return apierrors.NewTooManyRequests(orchestrator.ErrorMessage(err), rateLimitRetryAfterSeconds), CodeRateLimited
	case errors.Is(err, provisioner.ErrProvider):
		return badGateway(orchestrator.ErrorMessage(err)), CodeCreateFailed
	case errors.Is(err, orchestrator.ErrNoSandbox):
		return apierrors.NewNotFound(sandboxResource, sessionID), CodeSandboxNotFound
	case errors.Is(err, orchestrator.ErrStoreUnavailable):
		return apierrors.NewServiceUnavailable(err.Error()), CodeStoreUnavailable
	case errors.Is(err, orchestrator.ErrSnapshotsDisabled):
		return apierrors.NewServiceUnavailable(err.Error()), CodeSnapshotsDisabled
	default:
		return apierrors.NewInternalError(err), CodeInternalServerError
	}
}

func badGateway(message string) *apierrors.StatusError {
	return &apierrors.StatusError{ErrStatus: metav1.Status{
		Status:  metav1.StatusFailure,
		Code:    http.StatusBadGateway,
		Reason:  metav1.StatusReasonServiceUnavailable,
		Message: message,
	}}
}

func invalidRequest(c *gin.Context, format string, args ...interface{}) {
	respondError(c, http.StatusBadRequest, CodeInvalidRequest, fmt.Sprintf(format, args...))
}
