package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"

	"github.com/samcharles93/lamina/internal/config"
	"github.com/samcharles93/lamina/internal/layer"
)

func writeError(c *echo.Context, status int, errType, msg string, code int) error {
	return c.JSON(status, map[string]any{
		"error": ErrorBody{Message: msg, Type: errType, Status: code},
	})
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg, 0)
}

// writeLayerError maps a layer failure onto an HTTP status, keeping the
// layer status code in the body.
func writeLayerError(c *echo.Context, err error) error {
	code := layer.Status(err)
	switch {
	case errors.Is(err, layer.ErrUnknownLayer):
		return writeError(c, http.StatusNotFound, "not_found_error", err.Error(), code)
	case errors.Is(err, config.ErrInvalid),
		errors.Is(err, layer.ErrLoad),
		errors.Is(err, layer.ErrShape),
		errors.Is(err, layer.ErrNotImplemented):
		return writeError(c, http.StatusUnprocessableEntity, "layer_error", err.Error(), code)
	case code == layer.StatusAllocation:
		return writeError(c, http.StatusInsufficientStorage, "allocation_error", err.Error(), code)
	default:
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error(), code)
	}
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}

// intKeys converts JSON object keys to parameter ids.
func intKeys(m map[string]any) (map[int]any, error) {
	out := make(map[int]any, len(m))
	for ks, v := range m {
		k, err := strconv.Atoi(ks)
		if err != nil {
			return nil, fmt.Errorf("%w: param key %q is not an integer", config.ErrInvalid, ks)
		}
		out[k] = v
	}
	return out, nil
}
