package utils

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/labstack/echo/v4"
)

func BindRequest[T any](c echo.Context) (T, error) {
	var v T

	if err := c.Bind(&v); err != nil {
		return v, httperror.WrapError(http.StatusBadRequest, err)
	}

	if v, err := Validate(v); err != nil {
		return v, httperror.WrapError(http.StatusBadRequest, err)
	}

	return v, nil
}

// PathInt64 reads a positive integer path param.
func PathInt64(c echo.Context, name string) (int64, error) {
	raw := c.Param(name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid_%s", name)
	}
	return id, nil
}

// QueryInt reads an optional integer query param. Missing params return fallback.
func QueryInt(c echo.Context, name string, fallback int) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid_%s", name)
	}
	return v, nil
}

// QueryInt64List reads a comma separated list of positive integers. Repeated params are joined.
func QueryInt64List(c echo.Context, name string) ([]int64, error) {
	var ids []int64
	for _, value := range c.QueryParams()[name] {
		for _, raw := range strings.Split(value, ",") {
			if raw = strings.TrimSpace(raw); raw == "" {
				continue
			}
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || id <= 0 {
				return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid_%s", name)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}
