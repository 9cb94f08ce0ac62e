package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"riderlink/internal/models"
)

var ErrUnauthorized = errors.New("unauthorized")

// StatusError is returned for any non-2xx response other than 401.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Unwrap maps 404 to models.ErrNotFound.
func (e *StatusError) Unwrap() error {
	if e.Code == http.StatusNotFound {
		return models.ErrNotFound
	}
	return nil
}

const maxErrorBody = 512

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
