// Copyright 2026 The Chronicle Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package logging

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// RequestIDHeader is echoed on every response.
const RequestIDHeader = "X-Request-ID"

// requestIDKey is the gin context key holding the request id.
const requestIDKey = "request_id"

// GinRequestLogger tags each request with a short id and logs method, path,
// status and latency once the handler returns.
func GinRequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()[:8]
		}
		c.Set(requestIDKey, reqID)
		c.Header(RequestIDHeader, reqID)

		c.Next()

		entry := log.WithFields(log.Fields{
			"request_id": reqID,
			"status":     c.Writer.Status(),
			"latency":    time.Since(start).Round(time.Microsecond),
			"client":     c.ClientIP(),
		})
		msg := c.Request.Method + " " + c.Request.URL.Path
		switch {
		case c.Writer.Status() >= 500:
			entry.Error(msg)
		case c.Writer.Status() >= 400:
			entry.Warn(msg)
		default:
			entry.Debug(msg)
		}
	}
}

// RequestLogger returns a logrus entry carrying the request id set by GinRequestLogger.
func RequestLogger(c *gin.Context) *log.Entry {
	if id, ok := c.Get(requestIDKey); ok {
		if s, ok := id.(string); ok {
			return log.WithField("request_id", s)
		}
	}
	return log.NewEntry(log.StandardLogger())
}
