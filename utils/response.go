package utils

import "github.com/gin-gonic/gin"

// ErrorBody is the JSON body of every failed request.
type ErrorBody struct {
	Err string `json:"err"`
}

// ErrorJSON aborts the request with {"err": message}.
func ErrorJSON(ctx *gin.Context, status int, message string) {
	ctx.AbortWithStatusJSON(status, ErrorBody{Err: message})
}
