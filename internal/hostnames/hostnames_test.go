package hostnames

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	require.Equal(t, "example.com", Normalize("Example.COM."))
	require.Equal(t, "xn--bcher-kva.example", Normalize(" bücher.example "))
	require.Empty(t, Normalize("  "))
}

func TestNormalizeAddress(t *testing.T) {
	addr, err := NormalizeAddress("Notify.Example.COM.:7001")
	require.NoError(t, err)
	require.Equal(t, "notify.example.com:7001", addr)

	addr, err = NormalizeAddress("ws://Notify.Example.com:8080/notify")
	require.NoError(t, err)
	require.Equal(t, "ws://notify.example.com:8080/notify", addr)

	addr, err = NormalizeAddress("[::1]:7001")
	require.NoError(t, err)
	require.Equal(t, "[::1]:7001", addr)

	_, err = NormalizeAddress("notify.example.com")
	require.Error(t, err)
	_, err = NormalizeAddress(":7001")
	require.Error(t, err)
	_, err = NormalizeAddress("ws:///notify")
	require.Error(t, err)
}
