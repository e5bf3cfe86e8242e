package errors

import (
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatusCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"app error wins", New(ErrIO, http.StatusTeapot, "custom"), http.StatusTeapot},
		{"wrapped app error", fmt.Errorf("outer: %w", Newf(ErrInvalidInput, http.StatusBadRequest, "field %s", "x")), http.StatusBadRequest},
		{"invalid input", fmt.Errorf("%w: user", ErrInvalidInput), http.StatusBadRequest},
		{"malformed command", fmt.Errorf("%w: ctr", ErrMalformedCommand), http.StatusBadRequest},
		{"not ready", ErrNotReady, http.StatusServiceUnavailable},
		{"parse", fmt.Errorf("line 3: %w", ErrParse), http.StatusUnprocessableEntity},
		{"io", fmt.Errorf("%w: disk", ErrIO), http.StatusInternalServerError},
		{"unknown", fmt.Errorf("something else"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatusCode(tt.err); got != tt.want {
				t.Errorf("HTTPStatusCode = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAppErrorUnwraps(t *testing.T) {
	err := Newf(ErrParse, http.StatusUnprocessableEntity, "line %d", 7)
	if !Is(err, ErrParse) {
		t.Error("AppError should unwrap to its sentinel")
	}
	if err.Error() != "parse error: line 7" {
		t.Errorf("Error() = %q", err.Error())
	}
	var target *AppError
	if !As(fmt.Errorf("wrapped: %w", err), &target) || target.StatusCode != http.StatusUnprocessableEntity {
		t.Errorf("As = %+v", target)
	}
}
