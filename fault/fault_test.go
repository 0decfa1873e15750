package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindTravelsTheWrapChain(t *testing.T) {
	var err = New(KindDataFormatError, "bad record %d", 7)
	require.Equal(t, KindDataFormatError, KindOf(err))
	require.Contains(t, err.Error(), "data_format_error")
	require.Contains(t, err.Error(), "bad record 7")

	var wrapped = fmt.Errorf("reading page: %w", err)
	require.Equal(t, KindDataFormatError, KindOf(wrapped))
	require.True(t, Is(wrapped, KindDataFormatError))
	require.False(t, Is(wrapped, KindTransientExternal))

	var rewrapped = Wrap(KindTransientExternal, wrapped, "fetching chunk")
	require.Equal(t, KindTransientExternal, KindOf(rewrapped))
}

func TestWrapOfNilIsNil(t *testing.T) {
	require.NoError(t, Wrap(KindUnexpected, nil, "no-op"))
}

func TestUnclassifiedErrors(t *testing.T) {
	require.Equal(t, KindUnexpected, KindOf(errors.New("plain")))
	require.Equal(t, KindDeadlineElapsed, KindOf(context.DeadlineExceeded))
	require.Equal(t, KindDeadlineElapsed, KindOf(context.Canceled))
	require.Equal(t, KindUnexpected, KindOf(nil))
}

func TestTransientPolicy(t *testing.T) {
	require.True(t, Transient(KindTransientExternal))
	require.True(t, Transient(KindSinkConflict))
	require.False(t, Transient(KindInvalidRequest))
	require.False(t, Transient(KindConfigurationError))
	require.False(t, Transient(KindDataFormatError))
	require.False(t, Transient(KindDeadlineElapsed))
	require.False(t, Transient(KindUnexpected))
}

func TestFromStatus(t *testing.T) {
	require.Equal(t, KindTransientExternal, FromStatus(429))
	require.Equal(t, KindTransientExternal, FromStatus(500))
	require.Equal(t, KindTransientExternal, FromStatus(503))
	require.Equal(t, KindConfigurationError, FromStatus(401))
	require.Equal(t, KindConfigurationError, FromStatus(404))
	require.Equal(t, KindUnexpected, FromStatus(200))
}
