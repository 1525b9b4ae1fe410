package model

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeVersion(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected string
	}{
		{"dotted version", "11.2", "11_2"},
		{"three components", "6.8.1", "6_8_1"},
		{"no dots", "nightly", "nightly"},
		{"surrounding whitespace", " 9.4\n", "9_4"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SanitizeVersion(tt.in))
		})
	}
}

func TestNewDocument(t *testing.T) {
	doc, err := NewDocument("abc123_A.pdf", "/corpus/invoices/A.pdf", []string{"corpus", "invoices"})
	require.NoError(t, err)

	assert.Equal(t, "A.pdf", doc.Name)
	assert.Equal(t, ".pdf", doc.Ext)
	assert.Equal(t, "abc123_A.pdf", doc.Hash)
	assert.NotNil(t, doc.References)

	_, err = NewDocument("", "/corpus/A.pdf", nil)
	assert.Error(t, err)

	_, err = NewDocument("abc", "", nil)
	assert.Error(t, err)
}

func TestNewReferenceKeyAndPageOrder(t *testing.T) {
	doc, err := NewDocument("h1_B.pdf", "/corpus/B.pdf", nil)
	require.NoError(t, err)

	ref, err := NewReference(doc, "11_2", "pdf2image")
	require.NoError(t, err)
	assert.Equal(t, "h1_B.pdf:11_2", ref.Key())
	assert.Equal(t, "B.pdf", ref.DocumentName)

	for _, n := range []int{3, 1, 2} {
		p, err := NewPage(ref.Hash, ref.Version, ref.DocumentName, fmt.Sprintf("/out/B_%d.png", n), n)
		require.NoError(t, err)
		ref.Pages[n] = p
	}
	assert.Equal(t, []int{1, 2, 3}, ref.PageNumbers())

	_, err = NewReference(doc, "", "sdk")
	assert.Error(t, err)
	_, err = NewReference(nil, "11_2", "sdk")
	assert.Error(t, err)
}

func TestNewPageValidation(t *testing.T) {
	p, err := NewPage("h", "v", "A.pdf", "/out/A.png", 1)
	require.NoError(t, err)
	assert.Equal(t, "png", p.Ext)

	_, err = NewPage("h", "v", "A.pdf", "/out/A.png", 0)
	assert.Error(t, err)

	_, err = NewPage("", "v", "A.pdf", "/out/A.png", 1)
	assert.Error(t, err)
}

func TestDifferenceMetricValidate(t *testing.T) {
	m := &DifferenceMetric{
		Hash:           "h",
		RefVersion:     "11_2",
		TarVersion:     "11_3",
		PageNum:        1,
		DocumentName:   "A.pdf",
		DiffPercentage: 4.25,
	}
	assert.NoError(t, m.Validate())

	bad := *m
	bad.DiffPercentage = 101
	assert.Error(t, bad.Validate())

	bad = *m
	bad.PageNum = 0
	assert.Error(t, bad.Validate())

	bad = *m
	bad.TarVersion = ""
	assert.Error(t, bad.Validate())
}
