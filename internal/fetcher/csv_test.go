package fetcher

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCSVRecords(t *testing.T) {
	input := "\ufeffinsurer,product_name,premium\nAcme,Home Shield,\"1,200.50\"\n,,\nZenith,Car Cover\n"

	recs, err := ReadCSVRecords(context.Background(), strings.NewReader(input), CSVOptions{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, Record{"insurer": "Acme", "product_name": "Home Shield", "premium": "1,200.50"}, recs[0])
	assert.Equal(t, Record{"insurer": "Zenith", "product_name": "Car Cover"}, recs[1])
}

func TestReadCSVRecords_SniffsDelimiter(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"semicolon", "insurer;product_name;premium\nSanlam;Funeral Plan;R 350,00\n"},
		{"tab", "insurer\tproduct_name\tpremium\nSanlam\tFuneral Plan\tR 350,00\n"},
		{"pipe", "insurer|product_name|premium\nSanlam|Funeral Plan|R 350,00\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recs, err := ReadCSVRecords(context.Background(), strings.NewReader(tt.input), CSVOptions{})
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, "Funeral Plan", recs[0]["product_name"])
			assert.Equal(t, "R 350,00", recs[0]["premium"])
		})
	}
}

func TestReadCSVRecords_ForcedDelimiter(t *testing.T) {
	// The header alone would sniff as comma.
	input := "name,with,commas|premium\nHome Shield|120\n"
	recs, err := ReadCSVRecords(context.Background(), strings.NewReader(input), CSVOptions{Delimiter: '|'})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "Home Shield", recs[0]["name,with,commas"])
}

func TestReadCSVRecords_Empty(t *testing.T) {
	recs, err := ReadCSVRecords(context.Background(), strings.NewReader(""), CSVOptions{})
	require.NoError(t, err)
	assert.Empty(t, recs)

	recs, err = ReadCSVRecords(context.Background(), strings.NewReader("insurer,premium\n"), CSVOptions{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestReadCSVRecords_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ReadCSVRecords(ctx, strings.NewReader("a,b\n1,2\n"), CSVOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSniffDelimiter(t *testing.T) {
	assert.Equal(t, ',', SniffDelimiter("a,b,c"))
	assert.Equal(t, ';', SniffDelimiter("a;b;c"))
	assert.Equal(t, ';', SniffDelimiter(`"Acme, Inc";"Home, Contents";premium`))
	assert.Equal(t, '\t', SniffDelimiter("a\tb"))
	assert.Equal(t, ',', SniffDelimiter("single"))
}

func TestPeekLine_LongHeader(t *testing.T) {
	long := strings.Repeat("column_name,", 200) + "last\nrow\n"
	recs, err := ReadCSVRecords(context.Background(), strings.NewReader(long), CSVOptions{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "row", recs[0]["column_name"])
}
