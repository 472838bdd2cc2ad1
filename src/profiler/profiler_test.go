package profiler

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStart(t *testing.T) {
	s, err := Start("127.0.0.1:0")
	require.NoError(t, err)
	defer s.Shutdown(context.Background())

	resp, err := http.Get("http://" + s.Addr() + "/debug/pprof/cmdline")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStartBadAddr(t *testing.T) {
	_, err := Start("127.0.0.1:-1")
	assert.Error(t, err)
}
