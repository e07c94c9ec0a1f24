// Package httpapi holds the response envelope shared by every HTTP surface
// the engine exposes: webhook ingress, project/approval queries, and the
// administrative approval endpoint.
package httpapi

import "github.com/gin-gonic/gin"

// Envelope is the uniform {success, data}/{success, error} response shape.
type Envelope struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func OK(c *gin.Context, status int, data interface{}) {
	c.JSON(status, Envelope{Success: true, Data: data})
}

func Fail(c *gin.Context, status int, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, Envelope{Success: false, Error: msg})
}
