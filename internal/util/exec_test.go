package util

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/registry-backup/internal/apperr"
)

func TestTailBufferKeepsEnd(t *testing.T) {
	b := NewTailBuffer(5)
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defgh"))
	assert.Equal(t, "defgh", b.String())
}

func TestRequireBinaryMissing(t *testing.T) {
	err := RequireBinary("rbu-definitely-not-installed")
	assert.Equal(t, apperr.KindExternalTool, apperr.KindOf(err))
}

func TestToolCapturesStderr(t *testing.T) {
	if RequireBinary("sh") != nil {
		t.Skip("sh not available")
	}
	cmd := Command(context.Background(), "sh", []string{"-c", "echo broken dump >&2; exit 3"}, map[string]string{"RBU_TEST": "1"})
	err := NewTool("dump", cmd).Run()
	require.Error(t, err)
	assert.Equal(t, apperr.KindExternalTool, apperr.KindOf(err))
	assert.True(t, strings.Contains(err.Error(), "broken dump"), err.Error())
}
