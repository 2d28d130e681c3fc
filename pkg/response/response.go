package response

import (
	"net/http"

	"github.com/gin-gonic/gin"

	clienterrors "github.com/bazaarlab/notisync/pkg/errors"
)

// Response defines the payload envelope served by the local surface API.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
}

// ErrorInfo holds error details rendered to surface consumers.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Success writes a JSON success response.
func Success(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, Response{
		Success: true,
		Data:    data,
	})
}

// Error writes a JSON error response derived from a ClientError. Transport
// failures map to 503 so a surface can show a passive connectivity indicator
// instead of a hard failure.
func Error(c *gin.Context, err error) {
	clientErr := clienterrors.FromError(err)
	if clientErr == nil {
		clientErr = clienterrors.ErrRequest
	}

	status := clientErr.StatusCode
	if status == 0 {
		switch clientErr.Kind {
		case clienterrors.KindTransport:
			status = http.StatusServiceUnavailable
		default:
			status = http.StatusBadGateway
		}
	}

	c.JSON(status, Response{
		Success: false,
		Error: &ErrorInfo{
			Kind:    string(clientErr.Kind),
			Message: clientErr.Message,
		},
	})
}
