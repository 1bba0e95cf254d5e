package mirror_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shipline/internal/mirror"
)

func TestDirWriteCreatesParents(t *testing.T) {
	base := t.TempDir()
	d := mirror.Dir{Base: base}
	rel := mirror.HandoffPath("checkout-revamp", 3)
	require.NoError(t, d.Write(rel, "document body"))

	data, err := os.ReadFile(filepath.Join(base, "checkout-revamp", "sprint-03-handoff.md"))
	require.NoError(t, err)
	assert.Equal(t, "document body", string(data))
}

func TestDirWriteWithoutBaseFails(t *testing.T) {
	err := mirror.Dir{}.Write("a/b.md", "x")
	assert.Error(t, err)
}
