package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorBody is the failure envelope returned to clients.
type ErrorBody struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

func Error(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, ErrorBody{Error: message})
}

func ErrorWithDetails(c *gin.Context, status int, message, details string) {
	c.AbortWithStatusJSON(status, ErrorBody{Error: message, Details: details})
}

func ParamError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, message)
}

func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, message)
}

func TooManyRequests(c *gin.Context, message string) {
	Error(c, http.StatusTooManyRequests, message)
}

// ServerError never echoes internal detail to the client.
func ServerError(c *gin.Context) {
	Error(c, http.StatusInternalServerError, "Internal server error")
}
