package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientErrorWrapKeepsCause(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := Wrap(cause, "fetch notifications")

	require.Equal(t, KindRequest, err.Kind)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "fetch notifications")
	require.Contains(t, err.Error(), "connection refused")
}

func TestFromErrorPassesThroughClientError(t *testing.T) {
	wrapped := fmt.Errorf("controller: %w", ErrConflict)

	out := FromError(wrapped)
	require.Equal(t, KindConflict, out.Kind)
	require.Equal(t, http.StatusConflict, out.StatusCode)
}

func TestFromErrorDefaultsToRequestKind(t *testing.T) {
	out := FromError(errors.New("boom"))
	require.Equal(t, KindRequest, out.Kind)
	require.ErrorIs(t, out, ErrRequest)
}

func TestFromStatusMapping(t *testing.T) {
	require.Equal(t, KindNotFound, FromStatus(http.StatusNotFound, "").Kind)
	require.Equal(t, KindNotFound, FromStatus(http.StatusGone, "").Kind)
	require.Equal(t, KindConflict, FromStatus(http.StatusConflict, "").Kind)
	require.Equal(t, KindUnauthorized, FromStatus(http.StatusUnauthorized, "").Kind)
	require.Equal(t, KindUnauthorized, FromStatus(http.StatusForbidden, "").Kind)
	require.Equal(t, KindRequest, FromStatus(http.StatusBadGateway, "").Kind)
}

func TestSentinelMatchingByKind(t *testing.T) {
	err := FromStatus(http.StatusGone, "already removed")
	require.ErrorIs(t, err, ErrNotFound)
	require.NotErrorIs(t, err, ErrConflict)
}
