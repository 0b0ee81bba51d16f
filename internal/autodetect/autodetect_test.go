package autodetect

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStaticDetectorReturnsFixedName(t *testing.T) {
	d := Static("local.test.datacenter")
	name, err := d.Detect(context.Background())
	require.NoError(t, err)
	require.Equal(t, "local.test.datacenter", name)
}

func TestStaticDetectorIgnoresCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := Static("still-returns")
	name, err := d.Detect(ctx)
	require.NoError(t, err)
	require.Equal(t, "still-returns", name)
}
