package tracefile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenClose_RefcountRoundTrip(t *testing.T) {
	tbl := NewTable()
	name := filepath.Join(t.TempDir(), "trace1")

	_, err := tbl.Open(name, 3, true)
	require.NoError(t, err)
	assert.Equal(t, 1, tbl.RefCount(name))

	_, err = tbl.Open(name, 3, true)
	require.NoError(t, err)
	assert.Equal(t, 2, tbl.RefCount(name), "second open reuses the handle")

	require.NoError(t, tbl.Close(name))
	assert.Equal(t, 1, tbl.RefCount(name))

	require.NoError(t, tbl.Close(name))
	assert.Equal(t, 0, tbl.RefCount(name), "closing twice leaves no entry")
	assert.Equal(t, 0, tbl.Len())
}

func TestOpen_PrintDollar_NoFileCreated(t *testing.T) {
	tbl := NewTable()
	f, err := tbl.Open(PrintDollar, 3, true)
	require.NoError(t, err)
	assert.Equal(t, os.Stdout, f)
	assert.Equal(t, 0, tbl.Len())
	assert.NoError(t, tbl.Close(PrintDollar))
}

func TestResolveName_FourForms(t *testing.T) {
	assert.Equal(t, PrintDollar, ResolveName("PRINT$", "Q$", "RUN1", 3, false))

	got := ResolveName("[default]", "Q$", "RUN1", 3, false)
	assert.Contains(t, got, "Q$JDBC$")
	assert.Contains(t, got, "-3")

	fileForm := ResolveName("[file]", "Q$", "RUN1", 3, false)
	assert.Equal(t, ResolveName("[default]", "Q$", "RUN1", 3, false), fileForm)

	concrete := ResolveName("MYTRACE", "Q$", "RUN1", 3, false)
	assert.Equal(t, "Q$MYTRACE", concrete)

	xaForm := ResolveName("MYLONGTRACEFILE", "Q$", "RUN1", 3, true)
	assert.Contains(t, xaForm, "RUN1")
}

func TestCycle_RotatesAndCompresses(t *testing.T) {
	tbl := NewTable()
	name := filepath.Join(t.TempDir(), "trace1")
	f, err := tbl.Open(name, 2, true)
	require.NoError(t, err)
	_, err = f.WriteString("hello")
	require.NoError(t, err)

	require.NoError(t, tbl.Cycle(name))

	_, err = os.Stat(name + ".0.gz")
	assert.NoError(t, err, "previous cycle should be gzip-compressed")

	_, err = os.Stat(name)
	assert.NoError(t, err, "a fresh file should exist at the original name")
}
