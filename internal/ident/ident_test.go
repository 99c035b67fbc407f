package ident

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Número de Série", "numero_de_serie"},
		{"serial_number", "serial_number"},
		{"  Serial-Number ", "serial_number"},
		{"Cor Primária", "cor_primaria"},
		{"QTD.", "qtd"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestCompact(t *testing.T) {
	assert.Equal(t, Compact("serialnumber"), Compact("Serial Number"))
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "cor_primaria", "cor_primaria"},
		{"accents and spaces", "Cor Primária", "cor_primaria"},
		{"leading digit", "2nd address", "c_2nd_address"},
		{"sql injection attempt", `x"; DROP TABLE assets; --`, "x_drop_table_assets"},
		{"non latin letters dropped", "цвет", ""},
		{"only punctuation", "!!!", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Sanitize(tt.in))
		})
	}
}

func TestSanitize_CapsLength(t *testing.T) {
	got := Sanitize(strings.Repeat("abc_", 40))
	assert.LessOrEqual(t, len(got), MaxLength)
	assert.False(t, strings.HasSuffix(got, "_"))
}
