package middleware

import (
	"github.com/Ramsey-B/fern/pkg/context"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const (
	ParamConnectionID  = "connectionId"
	ParamEnvironmentID = "environmentId"
)

// Context copies request metadata and the tenant path params into the request context.
func Context() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			requestID := req.Header.Get(echo.HeaderXRequestID)
			if requestID == "" {
				requestID = uuid.New().String()
			}
			c.Response().Header().Set(echo.HeaderXRequestID, requestID)

			ctx := req.Context()
			ctx = context.SetRequestID(ctx, requestID)
			ctx = context.SetMethod(ctx, req.Method)
			ctx = context.SetRoute(ctx, req.URL.Path)
			ctx = context.SetRemoteIP(ctx, c.RealIP())
			if id := c.Param(ParamConnectionID); id != "" {
				ctx = context.SetConnectionID(ctx, id)
			}
			if id := c.Param(ParamEnvironmentID); id != "" {
				ctx = context.SetEnvironmentID(ctx, id)
			}

			c.SetRequest(req.WithContext(ctx))

			return next(c)
		}
	}
}
