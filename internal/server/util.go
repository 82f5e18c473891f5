package server

import (
	"encoding/json"
	"strings"

	"github.com/gin-gonic/gin"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	return strings.TrimRight(bp, "/")
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

type errorBody struct {
	Message string `json:"message"`
}

type failureResp struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

func writeError(c *gin.Context, code int, msg string) {
	writeJSON(c, code, failureResp{Success: false, Error: errorBody{Message: msg}})
}
