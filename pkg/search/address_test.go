package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in                       string
		street, city, state, zip string
	}{
		{"1500 Q St, Sacramento, CA 95811, USA", "1500 Q St", "Sacramento", "CA", "95811"},
		{"1111 H St, Davis, CA 95616", "1111 H St", "Davis", "CA", "95616"},
		{"Suite 200, 233 Harter Ave, Woodland, CA 95776-6118, USA", "Suite 200, 233 Harter Ave", "Woodland", "CA", "95776-6118"},
		{"Davis, CA", "", "Davis", "CA", ""},
		{"1500 Q St, Sacramento", "1500 Q St", "Sacramento", "", ""},
		{"USA", "USA", "", "", ""},
		{"", "", "", "", ""},
		{"12 Main St, Springfield, Illinois 62701", "12 Main St", "Springfield", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			street, city, state, zip := ParseAddress(tt.in)
			assert.Equal(t, tt.street, street)
			assert.Equal(t, tt.city, city)
			assert.Equal(t, tt.state, state)
			assert.Equal(t, tt.zip, zip)
		})
	}
}

func TestIsZipCode(t *testing.T) {
	assert.True(t, isZipCode("95616"))
	assert.True(t, isZipCode("95616-1234"))
	assert.False(t, isZipCode("9561"))
	assert.False(t, isZipCode("95616 1234"))
	assert.False(t, isZipCode("ABCDE"))
}
