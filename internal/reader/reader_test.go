package reader

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
)

// writeZip builds a zip fixture whose members map name -> raw content.
func writeZip(t *testing.T, path string, members map[string][]byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, content := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestInferPeriodFromFilename(t *testing.T) {
	assert.Equal(t, "2024", InferPeriod("/tmp/denue_09_2024_csv.zip"))
	assert.Equal(t, "2019", InferPeriod("downloads/denue_31-32_2019_csv.zip"))
}

func TestInferPeriodFromMetadataMember(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "denue_09_csv.zip")
	writeZip(t, path, map[string][]byte{
		"conjunto_de_datos/denue_09.csv":     []byte("id,nom_estab,codigo_act\n"),
		"metadatos/metadatos_denue_0925.txt": []byte("Identificador: DENUE 09.25\nmore\n"),
	})
	assert.Equal(t, "denue_09_25", InferPeriod(path))
}

func TestInferPeriodUnknown(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "denue_extra.zip")
	writeZip(t, path, map[string][]byte{
		"datos.csv": []byte("id\n1\n"),
	})
	assert.Equal(t, "unknown", InferPeriod(path))
}

func TestSelectDataMemberPrefersCombinedData(t *testing.T) {
	name, err := selectDataMember([]string{
		"diccionario_de_datos.csv",
		"conjunto_de_datos/denue_09_2020.csv",
		"extra.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, "conjunto_de_datos/denue_09_2020.csv", name)
}

func TestSelectDataMemberSkipsDictionary(t *testing.T) {
	name, err := selectDataMember([]string{
		"diccionario_de_datos.csv",
		"denue_09_2020.csv",
		"extra.txt",
	})
	require.NoError(t, err)
	assert.Equal(t, "denue_09_2020.csv", name)
}

func TestSelectDataMemberNoCSV(t *testing.T) {
	_, err := selectDataMember([]string{"readme.txt", "datos.xlsx"})
	require.Error(t, err)
}

func TestReadBatchesBoundsBatchSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "denue_09_2024_csv.zip")
	writeZip(t, path, map[string][]byte{
		"datos.csv": []byte("id,nom_estab,codigo_act\n1,a,111\n2,b,222\n3,c,333\n"),
	})

	var sizes []int
	err := ReadBatches(context.Background(), path, 2, func(batch RawBatch) error {
		sizes = append(sizes, len(batch.Rows))
		assert.Equal(t, []string{"id", "nom_estab", "codigo_act"}, batch.Headers)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1}, sizes)
}

func TestReadBatchesLatin1(t *testing.T) {
	encoder := charmap.ISO8859_1.NewEncoder()
	content, err := encoder.Bytes([]byte("id,nom_estab,codigo_act\n1,Cafetería El Ángel,461110\n"))
	require.NoError(t, err)

	dir := t.TempDir()
	path := filepath.Join(dir, "denue_09_2015_csv.zip")
	writeZip(t, path, map[string][]byte{"datos.csv": content})

	var rows [][]string
	err = ReadBatches(context.Background(), path, 10, func(batch RawBatch) error {
		rows = append(rows, batch.Rows...)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Cafetería El Ángel", rows[0][1])
}

func TestReadBatchesUTF8BOM(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "denue_09_2024_csv.zip")
	content := append([]byte{0xEF, 0xBB, 0xBF}, []byte("id,nom_estab,codigo_act\n1,Café,461110\n")...)
	writeZip(t, path, map[string][]byte{"datos.csv": content})

	var headers []string
	var rows [][]string
	err := ReadBatches(context.Background(), path, 10, func(batch RawBatch) error {
		headers = batch.Headers
		rows = append(rows, batch.Rows...)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "id", headers[0], "byte-order marker must not leak into the first header")
	require.Len(t, rows, 1)
	assert.Equal(t, "Café", rows[0][1])
}

func TestReadBatchesRaggedRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "denue_09_2024_csv.zip")
	writeZip(t, path, map[string][]byte{
		"datos.csv": []byte("id,nom_estab,codigo_act\n1,a\n2,b,222,extra\n"),
	})

	var rows [][]string
	err := ReadBatches(context.Background(), path, 10, func(batch RawBatch) error {
		rows = append(rows, batch.Rows...)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"1", "a", ""}, rows[0])
	assert.Equal(t, []string{"2", "b", "222"}, rows[1])
}

func TestReadBatchesRejectsBadBatchSize(t *testing.T) {
	err := ReadBatches(context.Background(), "irrelevant.zip", 0, func(RawBatch) error { return nil })
	require.Error(t, err)
}
